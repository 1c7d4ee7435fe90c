package update

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ilidar-tool/internal/fleet"
	"github.com/banshee-data/ilidar-tool/internal/network"
	"github.com/banshee-data/ilidar-tool/internal/wire"
)

func shrinkPacing(t *testing.T) {
	t.Helper()
	orig := []*time.Duration{
		&measureWait, &globalSafeBootWait, &pauseWait, &flashStartRetryWait,
		&blockPacing, &flashFinishWait, &recoveryMeasureWait, &recoverySafeBootWait,
		&finalRebootWait,
	}
	saved := make([]time.Duration, len(orig))
	for i, p := range orig {
		saved[i] = *p
	}
	measureWait = 5 * time.Millisecond
	globalSafeBootWait = 5 * time.Millisecond
	pauseWait = 5 * time.Millisecond
	flashStartRetryWait = 10 * time.Millisecond
	blockPacing = 5 * time.Millisecond
	flashFinishWait = 10 * time.Millisecond
	recoveryMeasureWait = 5 * time.Millisecond
	recoverySafeBootWait = 10 * time.Millisecond
	finalRebootWait = 5 * time.Millisecond
	t.Cleanup(func() {
		for i, p := range orig {
			*p = saved[i]
		}
	})
}

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

// fakeSensor simulates one sensor through the full update protocol:
// read_info, flash_start handshake, per-block ack, and flash_finish
// verification.
type fakeSensor struct {
	mu           sync.Mutex
	sn           uint16
	hwID         [30]byte
	fwVer        [3]byte // currently running firmware, reported in FwVer
	fw1Ver       [3]byte // bank-1 slot version, reported in Fw1Ver
	lock         byte
	bootCtrl     byte
	bitmap       wire.AckBitmap
	pendingFwVer [3]byte
}

func runFakeSensor(t *testing.T, fs *fakeSensor, replyTo *net.UDPAddr, stop <-chan struct{}) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: network.SensorCommandPort})
	require.NoError(t, err)

	go func() {
		defer conn.Close()
		buf := make([]byte, 2048)
		for {
			select {
			case <-stop:
				return
			default:
			}
			conn.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				continue
			}
			data := append([]byte(nil), buf[:n]...)

			if op, _, err := wire.DecodeCommand(data); err == nil {
				switch op {
				case wire.OpcodeReadInfo:
					fs.mu.Lock()
					info := wire.InfoRecord{SN: fs.sn, HwID: fs.hwID, FwVer: fs.fwVer, Fw1Ver: fs.fw1Ver, Lock: fs.lock, BootCtrl: fs.bootCtrl}
					fs.mu.Unlock()
					conn.WriteToUDP(wire.BuildInfoV2Frame(info), replyTo)
				case wire.OpcodeSafeBoot:
					fs.mu.Lock()
					fs.bootCtrl = 0
					fs.mu.Unlock()
				case wire.OpcodeFlashStart:
					fs.mu.Lock()
					fs.bitmap = wire.AckBitmap{}
					bitmap := fs.bitmap
					fs.mu.Unlock()
					conn.WriteToUDP(wire.BuildAckFrame(bitmap), replyTo)
				case wire.OpcodeFlashFinish:
					fs.mu.Lock()
					fs.fw1Ver = fs.pendingFwVer
					fs.mu.Unlock()
					go func() {
						time.Sleep(5 * time.Millisecond)
						conn.WriteToUDP(statusFrame(), replyTo)
					}()
				}
				continue
			}

			if idx, payload, crcOK, err := wire.DecodeFlashBlock(data); err == nil {
				if crcOK {
					fs.mu.Lock()
					byteIdx := int(idx) / 8
					bitIdx := uint(int(idx) % 8)
					fs.bitmap[byteIdx] |= 1 << bitIdx
					bitmap := fs.bitmap
					fs.mu.Unlock()
					_ = payload
					conn.WriteToUDP(wire.BuildAckFrame(bitmap), replyTo)
				}
			}
		}
	}()
}

// statusFrame builds a minimal well-formed status frame (header/tail
// only; the state machine only checks frame shape before re-requesting
// info).
func statusFrame() []byte {
	body := make([]byte, wire.BodySizeStatus)
	out := make([]byte, 0, 6+len(body)+2)
	out = append(out, 0xA5, 0x5A, 0x10, 0x00, 0x1C, 0x00)
	out = append(out, body...)
	out = append(out, 0xA5, 0x5A)
	return out
}

func TestUpdateDuplicateFirmwareTargetAborts(t *testing.T) {
	files := []fleet.FirmwareFile{
		{SensorSN: 1, FwVersion: [3]byte{0, 0, 1}},
		{SensorSN: 1, FwVersion: [3]byte{0, 0, 2}},
	}
	_, err := Run(context.Background(), files, []fleet.Target{fleet.AllSensors()}, nil, false)
	require.Error(t, err)
	var userErr *UserError
	require.ErrorAs(t, err, &userErr)
}

func TestUpdateSkipsLockedSensor(t *testing.T) {
	shrinkPacing(t)
	ep := newLoopbackEndpoint(t)
	stop := make(chan struct{})
	defer close(stop)

	var sensorID [12]byte
	copy(sensorID[:], []byte("ABCDEF012345"))
	var hwID [30]byte
	copy(hwID[:], sensorID[:])

	fs := &fakeSensor{sn: 900, hwID: hwID, fwVer: [3]byte{0, 0, 2}, fw1Ver: [3]byte{0, 0, 4}, lock: 1}
	runFakeSensor(t, fs, ep.DataSocketAddr(0), stop)

	files := []fleet.FirmwareFile{{SensorSN: 900, FwVersion: [3]byte{0, 0, 5}, SensorID: sensorID}}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	outcomes, err := Run(ctx, files, []fleet.Target{fleet.AllSensors()}, []*network.Endpoint{ep}, false)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.False(t, outcomes[0].Success)
	var lockedErr *LockedError
	require.ErrorAs(t, outcomes[0].Err, &lockedErr)
}

func TestUpdateSkipsHwIDMismatch(t *testing.T) {
	shrinkPacing(t)
	ep := newLoopbackEndpoint(t)
	stop := make(chan struct{})
	defer close(stop)

	var hwID [30]byte
	copy(hwID[:], []byte("DIFFERENTID0"))
	fs := &fakeSensor{sn: 901, hwID: hwID, fwVer: [3]byte{0, 0, 2}, fw1Ver: [3]byte{0, 0, 4}}
	runFakeSensor(t, fs, ep.DataSocketAddr(0), stop)

	var sensorID [12]byte
	copy(sensorID[:], []byte("ABCDEF012345"))
	files := []fleet.FirmwareFile{{SensorSN: 901, FwVersion: [3]byte{0, 0, 5}, SensorID: sensorID}}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	outcomes, err := Run(ctx, files, []fleet.Target{fleet.AllSensors()}, []*network.Endpoint{ep}, false)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.False(t, outcomes[0].Success)
	var protoErr *ProtocolMismatchError
	require.ErrorAs(t, outcomes[0].Err, &protoErr)
}

func TestUpdateSkipsSensorBelowMinimumEligibleVersion(t *testing.T) {
	shrinkPacing(t)
	ep := newLoopbackEndpoint(t)
	stop := make(chan struct{})
	defer close(stop)

	var sensorID [12]byte
	copy(sensorID[:], []byte("ABCDEF012345"))
	var hwID [30]byte
	copy(hwID[:], sensorID[:])

	// Live firmware is 1.5.3, one patch below the 1.5.4 floor; the
	// firmware file itself is far newer, so a check against the file's
	// version instead of the sensor's would incorrectly proceed.
	fs := &fakeSensor{sn: 902, hwID: hwID, fwVer: [3]byte{3, 5, 1}}
	runFakeSensor(t, fs, ep.DataSocketAddr(0), stop)

	files := []fleet.FirmwareFile{{SensorSN: 902, FwVersion: [3]byte{0, 0, 9}, SensorID: sensorID}}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	outcomes, err := Run(ctx, files, []fleet.Target{fleet.AllSensors()}, []*network.Endpoint{ep}, false)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.False(t, outcomes[0].Success)
	var protoErr *ProtocolMismatchError
	require.ErrorAs(t, outcomes[0].Err, &protoErr)
	require.Contains(t, protoErr.Reason, "minimum eligible version")
}

func TestUpdateFullFlashSucceeds(t *testing.T) {
	shrinkPacing(t)
	ep := newLoopbackEndpoint(t)
	stop := make(chan struct{})
	defer close(stop)

	var sensorID [12]byte
	copy(sensorID[:], []byte("ABCDEF012345"))
	var hwID [30]byte
	copy(hwID[:], sensorID[:])

	fs := &fakeSensor{sn: 456, hwID: hwID, fwVer: [3]byte{0, 0, 2}, fw1Ver: [3]byte{4, 0, 1}}
	fs.pendingFwVer = [3]byte{5, 0, 1}
	runFakeSensor(t, fs, ep.DataSocketAddr(0), stop)

	files := []fleet.FirmwareFile{{
		SensorSN:  456,
		FwVersion: [3]byte{5, 0, 1},
		SensorID:  sensorID,
		Payload:   make([]byte, wire.FlashBlockPayloadSize*wire.FlashBlockCount),
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	outcomes, err := Run(ctx, files, []fleet.Target{fleet.AllSensors()}, []*network.Endpoint{ep}, false)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.True(t, outcomes[0].Success)
	require.NoError(t, outcomes[0].Err)
}
