//go:build !pcap
// +build !pcap

package capture

import (
	"context"
	"fmt"
)

// Recorder is a stub when pcap support is disabled. Build with
// -tags=pcap to enable capture diagnostics.
type Recorder struct{}

// Filter mirrors the real build's BPF expression for callers that only
// want to display it (e.g. an admin debug page), without requiring
// libpcap to be linked.
const Filter = "udp and (port 7257 or port 7256 or port 4906)"

// Start always fails without the pcap build tag.
func Start(iface, outPath string) (*Recorder, error) {
	return nil, fmt.Errorf("capture: pcap support not enabled: rebuild with -tags=pcap to enable capture diagnostics")
}

// Run never runs without the pcap build tag.
func (r *Recorder) Run(ctx context.Context) error {
	return fmt.Errorf("capture: pcap support not enabled")
}

// Close is a no-op stub.
func (r *Recorder) Close() error { return nil }
