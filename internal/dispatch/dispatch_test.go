package dispatch

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ilidar-tool/internal/fleet"
	"github.com/banshee-data/ilidar-tool/internal/network"
	"github.com/banshee-data/ilidar-tool/internal/wire"
)

func newLoopbackEndpoint(t *testing.T) *network.Endpoint {
	t.Helper()
	ep, err := network.Open(network.EndpointConfig{
		BindIP:    net.IPv4(127, 0, 0, 1),
		DestPorts: []int{0},
		Subnet:    net.IP(net.CIDRMask(8, 32)),
		Broadcast: net.IPv4(127, 0, 0, 1),
	})
	require.NoError(t, err)
	t.Cleanup(func() { ep.Close() })
	return ep
}

// runFakeCommandSink listens on the sensor command port, replying to
// read_info with sn and recording every decoded opcode it sees.
func runFakeCommandSink(t *testing.T, sn uint16, replyTo *net.UDPAddr, stop <-chan struct{}) *[]wire.Opcode {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: network.SensorCommandPort})
	require.NoError(t, err)

	received := &[]wire.Opcode{}
	go func() {
		defer conn.Close()
		buf := make([]byte, 64)
		for {
			select {
			case <-stop:
				return
			default:
			}
			conn.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				continue
			}
			op, _, err := wire.DecodeCommand(buf[:n])
			if err != nil {
				continue
			}
			*received = append(*received, op)
			if op == wire.OpcodeReadInfo {
				frame := wire.BuildInfoV2Frame(wire.InfoRecord{SN: sn})
				conn.WriteToUDP(frame, replyTo)
			}
		}
	}()
	return received
}

func TestDispatchFastPathByIP(t *testing.T) {
	ep := newLoopbackEndpoint(t)
	stop := make(chan struct{})
	defer close(stop)
	received := runFakeCommandSink(t, 1, ep.DataSocketAddr(0), stop)

	targets := []fleet.Target{fleet.ByIP(net.IPv4(127, 0, 0, 1))}
	err := Run(context.Background(), CommandMeasure, targets, []*network.Endpoint{ep}, "")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.Contains(t, *received, wire.OpcodeMeasure)
}

func TestDispatchInfoWritesSummary(t *testing.T) {
	ep := newLoopbackEndpoint(t)
	stop := make(chan struct{})
	defer close(stop)
	runFakeCommandSink(t, 777, ep.DataSocketAddr(0), stop)

	dir := t.TempDir()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := Run(ctx, CommandInfo, []fleet.Target{fleet.BySerial(777)}, []*network.Endpoint{ep}, dir)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)

	var summaries []infoSummary
	require.NoError(t, json.Unmarshal(data, &summaries))
	require.Len(t, summaries, 1)
	require.Equal(t, uint16(777), summaries[0].SensorSN)
}

func TestDispatchLockRequiresDiscovery(t *testing.T) {
	ep := newLoopbackEndpoint(t)
	stop := make(chan struct{})
	defer close(stop)
	received := runFakeCommandSink(t, 42, ep.DataSocketAddr(0), stop)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := Run(ctx, CommandLock, []fleet.Target{fleet.BySerial(42)}, []*network.Endpoint{ep}, "")
	require.NoError(t, err)
	require.Contains(t, *received, wire.OpcodeReadInfo)
	require.Contains(t, *received, wire.OpcodeLock)
}
