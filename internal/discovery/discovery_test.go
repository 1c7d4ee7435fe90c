package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ilidar-tool/internal/fleet"
	"github.com/banshee-data/ilidar-tool/internal/network"
	"github.com/banshee-data/ilidar-tool/internal/wire"
)

// runFakeSensor listens on the sensor command port and replies to every
// read_info with an info-v2 frame carrying sn, sent to replyTo.
func runFakeSensor(t *testing.T, sn uint16, replyTo *net.UDPAddr, stop <-chan struct{}) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: network.SensorCommandPort})
	require.NoError(t, err)

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
			if _, _, err := wire.DecodeCommand(buf[:n]); err != nil {
				continue
			}
			frame := wire.BuildInfoV2Frame(wire.InfoRecord{SN: sn})
			conn.WriteToUDP(frame, replyTo)
		}
	}()
}

func newLoopbackEndpoint(t *testing.T) *network.Endpoint {
	t.Helper()
	ep, err := network.Open(network.EndpointConfig{
		BindIP:    net.IPv4(127, 0, 0, 1),
		DestPorts: []int{0},
		Broadcast: net.IPv4(127, 0, 0, 1),
	})
	require.NoError(t, err)
	t.Cleanup(func() { ep.Close() })
	return ep
}

func TestDiscoveryMatchesBySerial(t *testing.T) {
	ep := newLoopbackEndpoint(t)
	stop := make(chan struct{})
	defer close(stop)
	runFakeSensor(t, 456, ep.DataSocketAddr(0), stop)

	eng := New([]*network.Endpoint{ep})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := eng.Run(ctx, []fleet.Target{fleet.BySerial(456)})
	require.NoError(t, err)
	require.True(t, res.Matched[0])
	require.Equal(t, uint16(456), res.Sensors[0].SensorSN)
}

func TestDiscoveryMatchesByIP(t *testing.T) {
	ep := newLoopbackEndpoint(t)
	stop := make(chan struct{})
	defer close(stop)
	runFakeSensor(t, 789, ep.DataSocketAddr(0), stop)

	eng := New([]*network.Endpoint{ep})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := eng.Run(ctx, []fleet.Target{fleet.ByIP(net.IPv4(127, 0, 0, 1))})
	require.NoError(t, err)
	require.True(t, res.Matched[0])
	require.Equal(t, uint16(789), res.Sensors[0].SensorSN)
}

func TestDiscoveryAllCancelledByContext(t *testing.T) {
	ep := newLoopbackEndpoint(t)
	stop := make(chan struct{})
	defer close(stop)
	runFakeSensor(t, 1, ep.DataSocketAddr(0), stop)

	eng := New([]*network.Endpoint{ep})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := eng.Run(ctx, []fleet.Target{fleet.AllSensors()})
	require.Error(t, err)
	require.NotEmpty(t, res.AllSensors)
}

func TestDiscoveryDuplicateSerialFirstMatchWins(t *testing.T) {
	ep := newLoopbackEndpoint(t)
	stop := make(chan struct{})
	defer close(stop)
	runFakeSensor(t, 456, ep.DataSocketAddr(0), stop)

	eng := New([]*network.Endpoint{ep})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	res, _ := eng.Run(ctx, []fleet.Target{fleet.AllSensors()})
	seen := map[uint16]int{}
	for _, s := range res.AllSensors {
		seen[s.SensorSN]++
	}
	require.Equal(t, 1, seen[456])
}
