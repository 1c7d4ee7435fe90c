//go:build pcap
// +build pcap

// Package capture implements C10 (SPEC_FULL.md §4.10): optional passive
// pcap recording of the sensor control channel (config port 7257, data
// port 7256, sensor command port 4906), for diagnosing fleets in the
// field without re-running the tool under a separate tcpdump. Gated
// behind the pcap build tag per the teacher's internal/lidar/network
// pcap*.go convention, since it links libpcap.
package capture

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
)

// Filter is the BPF expression applied to the live capture, matching
// every port this tool's endpoints exchange frames on.
const Filter = "udp and (port 7257 or port 7256 or port 4906)"

const snapLen = 2000

// Recorder owns a live pcap handle on one interface and writes every
// matched packet to a pcap file as it arrives.
type Recorder struct {
	handle *pcap.Handle
	writer *pcapgo.Writer
	file   *os.File
}

// Start opens a live capture on iface and a pcap file at outPath ready
// to receive packets, applying Filter. Grounded on the teacher's
// pcap.go (ReadPCAPFile): same BPF-filter-then-gopacket.NewPacketSource
// shape, but a live handle writing out instead of an offline handle
// reading in.
func Start(iface, outPath string) (*Recorder, error) {
	handle, err := pcap.OpenLive(iface, snapLen, false, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("capture: open live handle on %s: %w", iface, err)
	}
	if err := handle.SetBPFFilter(Filter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("capture: set BPF filter %q: %w", Filter, err)
	}

	f, err := os.Create(outPath)
	if err != nil {
		handle.Close()
		return nil, fmt.Errorf("capture: create %s: %w", outPath, err)
	}

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(snapLen, handle.LinkType()); err != nil {
		handle.Close()
		f.Close()
		return nil, fmt.Errorf("capture: write pcap header: %w", err)
	}

	log.Printf("capture: recording %s to %s (filter=%q)", iface, outPath, Filter)
	return &Recorder{handle: handle, writer: w, file: f}, nil
}

// Run drains the capture until ctx is cancelled, writing each matched
// packet to the pcap file. Returns ctx.Err() on cancellation.
func (r *Recorder) Run(ctx context.Context) error {
	packetCount := 0
	startTime := time.Now()
	source := gopacket.NewPacketSource(r.handle, r.handle.LinkType())

	for {
		select {
		case <-ctx.Done():
			log.Printf("capture: stopping after %d packets (%v)", packetCount, time.Since(startTime))
			return ctx.Err()
		case packet, ok := <-source.Packets():
			if !ok {
				return nil
			}
			if err := r.writer.WritePacket(packet.Metadata().CaptureInfo, packet.Data()); err != nil {
				log.Printf("capture: write packet: %v", err)
				continue
			}
			packetCount++
		}
	}
}

// Close releases the live handle and closes the pcap file.
func (r *Recorder) Close() error {
	r.handle.Close()
	return r.file.Close()
}
