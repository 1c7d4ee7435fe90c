//go:build !pcap
// +build !pcap

package capture

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStartStubReturnsError(t *testing.T) {
	r, err := Start("eth0", "/tmp/out.pcap")
	require.Nil(t, r)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "pcap support not enabled"))
}

func TestStubRecorderRunAndCloseAreSafe(t *testing.T) {
	var r Recorder
	err := r.Run(context.Background())
	require.Error(t, err)
	require.NoError(t, r.Close())
}

func TestFilterConstantMatchesRealBuild(t *testing.T) {
	require.Equal(t, "udp and (port 7257 or port 7256 or port 4906)", Filter)
}
