package update

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/banshee-data/ilidar-tool/internal/discovery"
	"github.com/banshee-data/ilidar-tool/internal/fleet"
	"github.com/banshee-data/ilidar-tool/internal/network"
	"github.com/banshee-data/ilidar-tool/internal/resolver"
	"github.com/banshee-data/ilidar-tool/internal/wire"
)

// Pacing durations between protocol phases (spec.md §4.7, §5). Declared
// as vars rather than consts so tests can shrink them; production
// callers should leave them at their defaults.
var (
	measureWait          = 1 * time.Second
	globalSafeBootWait   = 5 * time.Second
	pauseWait            = 1 * time.Second
	flashStartRetryWait  = 3 * time.Second
	blockPacing          = 30 * time.Millisecond
	flashFinishWait      = 10 * time.Second
	recoveryMeasureWait  = 1 * time.Second
	recoverySafeBootWait = 10 * time.Second
	finalRebootWait      = 5 * time.Second
)

// minEligibleVersion is 1.5.4 as a NumericVersion (spec.md §4.7 Phase B).
const minEligibleVersion = 4 + 100*5 + 10000*1

// liveNumericVersion returns the live sensor's running firmware version
// in the same patch + 100*minor + 10000*major form as
// fleet.FirmwareFile.NumericVersion, from wire.InfoRecord.FwVer's
// (patch, minor, major) byte order.
func liveNumericVersion(fw [3]byte) int {
	return int(fw[0]) + 100*int(fw[1]) + 10000*int(fw[2])
}

// Bounded retry ceilings. The source's flash-start, block-transfer, and
// flash-finish loops run unbounded; spec.md §9 calls for a total
// deadline instead. These caps, combined with the run's ctx deadline,
// realize that without changing in-budget behavior.
const (
	maxFlashStartAttempts  = 40  // ~2 minutes at flashStartRetryWait
	maxBlockRetries        = 200 // ~6 seconds at blockPacing, per block
	maxFlashFinishAttempts = 12  // ~2 minutes at flashFinishWait
)

// SensorOutcome records one firmware file's result.
type SensorOutcome struct {
	SensorSN uint16
	Success  bool
	Err      error
}

// Run updates every sensor named by a firmware file in files, gated by
// targets (spec.md §4.7 Phase B: "must be in arg target list unless
// ALL"). forced skips the already-current-version shortcut.
func Run(ctx context.Context, files []fleet.FirmwareFile, targets []fleet.Target, endpoints []*network.Endpoint, forced bool) ([]SensorOutcome, error) {
	seen := map[uint16]bool{}
	for _, f := range files {
		if seen[f.SensorSN] {
			return nil, &UserError{Msg: fmt.Sprintf("duplicate firmware target sn=%d", f.SensorSN)}
		}
		seen[f.SensorSN] = true
	}
	if len(files) == 0 {
		return nil, &UserError{Msg: "no firmware files to update"}
	}
	if len(endpoints) == 0 {
		return nil, &UserError{Msg: "no endpoints available"}
	}

	broadcastAll(endpoints, wire.OpcodeMeasure)
	sleep(ctx, measureWait)
	broadcastAll(endpoints, wire.OpcodeSafeBoot)
	sleep(ctx, globalSafeBootWait)

	fileTargets := make([]fleet.Target, len(files))
	for i, f := range files {
		fileTargets[i] = fleet.BySerial(f.SensorSN)
	}
	eng := discovery.New(endpoints)
	res, err := eng.Run(ctx, fileTargets)
	if err != nil {
		log.Printf("update: discovery ended early: %v", err)
	}

	broadcastAll(endpoints, wire.OpcodePause)
	sleep(ctx, pauseWait)

	cfgs := endpointConfigs(endpoints)
	outcomes := make([]SensorOutcome, 0, len(files))

	for i, f := range files {
		if ctx.Err() != nil {
			outcomes = append(outcomes, SensorOutcome{SensorSN: f.SensorSN, Err: ctx.Err()})
			continue
		}
		if !res.Matched[i] {
			outcomes = append(outcomes, SensorOutcome{SensorSN: f.SensorSN, Err: &DiscoveryTimeoutError{SensorSN: f.SensorSN}})
			continue
		}
		if !inTargetList(f.SensorSN, targets) {
			outcomes = append(outcomes, SensorOutcome{SensorSN: f.SensorSN, Err: &ProtocolMismatchError{Reason: "sensor not in requested target list"}})
			continue
		}

		sensor := res.Sensors[i]
		ep, ok := resolver.SelectEndpoint(cfgs, sensor.SensorIP)
		if !ok {
			outcomes = append(outcomes, SensorOutcome{SensorSN: f.SensorSN, Err: &ProtocolMismatchError{Reason: "no endpoint covers sensor"}})
			continue
		}
		owner := findEndpoint(endpoints, ep.BindIP)
		if owner == nil {
			outcomes = append(outcomes, SensorOutcome{SensorSN: f.SensorSN, Err: &ProtocolMismatchError{Reason: "endpoint not open"}})
			continue
		}

		outcome := updateSensor(ctx, f, sensor, owner, endpoints, forced)
		outcomes = append(outcomes, outcome)
	}

	broadcastAll(endpoints, wire.OpcodeReboot)
	sleep(ctx, finalRebootWait)

	return outcomes, nil
}

// updateSensor runs Phases B through E for one sensor already resolved
// to an owning endpoint.
func updateSensor(ctx context.Context, f fleet.FirmwareFile, sensor fleet.DiscoveredSensor, owner *network.Endpoint, endpoints []*network.Endpoint, forced bool) SensorOutcome {
	sn := f.SensorSN
	live := sensor.Info

	if !bytes.Equal(live.HwID[:12], f.SensorID[:]) {
		return SensorOutcome{SensorSN: sn, Err: &ProtocolMismatchError{Reason: "hw_id mismatch"}}
	}
	if liveNumericVersion(live.FwVer) < minEligibleVersion {
		return SensorOutcome{SensorSN: sn, Err: &ProtocolMismatchError{Reason: "sensor's running firmware below minimum eligible version 1.5.4"}}
	}
	if live.Lock != 0 {
		return SensorOutcome{SensorSN: sn, Err: &LockedError{SensorSN: sn}}
	}
	if live.BootCtrl != 0 {
		recovered, err := recoverSafeBoot(ctx, sn, sensor.SensorIP, owner, endpoints)
		if err != nil {
			return SensorOutcome{SensorSN: sn, Err: err}
		}
		live = recovered
	}
	if !forced && live.Fw1Ver == f.FwVersion {
		return SensorOutcome{SensorSN: sn, Success: true, Err: &AlreadyCurrentError{SensorSN: sn}}
	}

	if err := flashStartHandshake(ctx, sn, sensor.SensorIP, owner, endpoints); err != nil {
		return SensorOutcome{SensorSN: sn, Err: err}
	}
	if err := transferBlocks(ctx, f, live.HwID, sensor.SensorIP, owner, endpoints); err != nil {
		return SensorOutcome{SensorSN: sn, Err: err}
	}
	if err := flashFinishVerify(ctx, f, sensor.SensorIP, owner, endpoints); err != nil {
		return SensorOutcome{SensorSN: sn, Err: err}
	}

	pauseFrame := wire.BuildCommand(wire.OpcodePause, sn)
	if err := owner.SendUnicast(pauseFrame, sensor.SensorIP, network.SensorCommandPort); err != nil {
		log.Printf("update: pause sn=%d failed (best effort): %v", sn, err)
	}

	return SensorOutcome{SensorSN: sn, Success: true}
}

// recoverSafeBoot implements the safe-boot recovery sub-state (spec.md
// §4.7): up to 3 attempts of measure/sleep, broadcast safe_boot/sleep,
// broadcast read_info until the sensor reports boot_ctrl == 0.
func recoverSafeBoot(ctx context.Context, sn uint16, ip net.IP, owner *network.Endpoint, endpoints []*network.Endpoint) (wire.InfoRecord, error) {
	measureFrame := wire.BuildCommand(wire.OpcodeMeasure, sn)
	for attempt := 0; attempt < 3; attempt++ {
		if ctx.Err() != nil {
			return wire.InfoRecord{}, &SafeBootFailureError{SensorSN: sn}
		}
		if err := owner.SendUnicast(measureFrame, ip, network.SensorCommandPort); err != nil {
			log.Printf("update: sn=%d recovery measure failed: %v", sn, err)
		}
		sleep(ctx, recoveryMeasureWait)

		broadcastAll(endpoints, wire.OpcodeSafeBoot)
		sleep(ctx, recoverySafeBootWait)

		broadcastAll(endpoints, wire.OpcodeReadInfo)
		if info, ok := awaitInfo(ctx, ip, endpoints, 500*time.Millisecond); ok && info.BootCtrl == 0 {
			return info, nil
		}
	}
	return wire.InfoRecord{}, &SafeBootFailureError{SensorSN: sn}
}

// flashStartHandshake sends flash_start until an ack frame arrives with
// an all-zero bitmap (spec.md §4.7 Phase C), bounded by
// maxFlashStartAttempts.
func flashStartHandshake(ctx context.Context, sn uint16, ip net.IP, owner *network.Endpoint, endpoints []*network.Endpoint) error {
	frame := wire.BuildCommand(wire.OpcodeFlashStart, sn)
	for attempt := 0; attempt < maxFlashStartAttempts; attempt++ {
		if ctx.Err() != nil {
			return &FlashStartFailureError{SensorSN: sn}
		}
		// Drain before sending, not after: draining after the sensor has
		// already had time to reply would discard the very ack this
		// attempt is waiting for.
		for _, ep := range endpoints {
			ep.Drain()
		}
		if err := owner.SendUnicast(frame, ip, network.SensorCommandPort); err != nil {
			log.Printf("update: sn=%d flash_start send failed: %v", sn, err)
		}
		if bitmap, ok := awaitAck(ctx, ip, endpoints, flashStartRetryWait); ok {
			if bitmap == (wire.AckBitmap{}) {
				return nil
			}
		}
	}
	return &FlashStartFailureError{SensorSN: sn}
}

// transferBlocks sends all 256 flash blocks in order, retrying each
// until its ack bit flips to 1 (spec.md §4.7 Phase D). A datagram from
// an unrelated sender triggers a quieting broadcast pause.
func transferBlocks(ctx context.Context, f fleet.FirmwareFile, hwID [30]byte, ip net.IP, owner *network.Endpoint, endpoints []*network.Endpoint) error {
	for block := 0; block < wire.FlashBlockCount; block++ {
		payload := readBlock(f.Payload, block)
		frame := wire.BuildFlashBlock(hwID, f.FwVersion, uint8(block), payload)

		acked := false
		for attempt := 0; attempt < maxBlockRetries && !acked; attempt++ {
			if ctx.Err() != nil {
				return &TransientLossError{Reason: fmt.Sprintf("context cancelled mid-transfer at block %d", block)}
			}
			if err := owner.SendUnicast(frame, ip, network.SensorCommandPort); err != nil {
				log.Printf("update: sn=%d block %d send failed: %v", f.SensorSN, block, err)
			}

			acked = pollForBlockAck(endpoints, ip, block, blockPacing)
		}
		if !acked {
			return &TransientLossError{Reason: fmt.Sprintf("block %d never acked within retry budget", block)}
		}
	}
	return nil
}

// pollForBlockAck polls all endpoints for up to window, returning true
// as soon as an ack frame from ip reports block acknowledged. A
// datagram from an unrelated sender triggers a quieting broadcast
// pause, per spec.md §4.7 Phase D.
func pollForBlockAck(endpoints []*network.Endpoint, ip net.IP, block int, window time.Duration) bool {
	deadline := time.Now().Add(window)
	for {
		for _, ep := range endpoints {
			for _, dg := range ep.PollDataSockets() {
				if !dg.From.IP.Equal(ip) {
					broadcastAll(endpoints, wire.OpcodePause)
					continue
				}
				if !wire.IsAckFrame(dg.Data) {
					continue
				}
				bitmap, err := wire.DecodeAck(dg.Data)
				if err != nil {
					continue
				}
				if bitmap.BlockAcked(block) {
					return true
				}
			}
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

// flashFinishVerify sends flash_finish and waits for confirmation via a
// matching info-v2 reply (spec.md §4.7 Phase E), bounded by
// maxFlashFinishAttempts.
func flashFinishVerify(ctx context.Context, f fleet.FirmwareFile, ip net.IP, owner *network.Endpoint, endpoints []*network.Endpoint) error {
	finishFrame := wire.BuildCommand(wire.OpcodeFlashFinish, f.SensorSN)
	infoFrame := wire.BuildCommand(wire.OpcodeReadInfo, f.SensorSN)

	for attempt := 0; attempt < maxFlashFinishAttempts; attempt++ {
		if ctx.Err() != nil {
			return &FlashFinishFailureError{SensorSN: f.SensorSN}
		}
		if err := owner.SendUnicast(finishFrame, ip, network.SensorCommandPort); err != nil {
			log.Printf("update: sn=%d flash_finish send failed: %v", f.SensorSN, err)
		}
		sleep(ctx, flashFinishWait)

		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if ctx.Err() != nil {
				return &FlashFinishFailureError{SensorSN: f.SensorSN}
			}
			for _, ep := range endpoints {
				for _, dg := range ep.PollDataSockets() {
					if !dg.From.IP.Equal(ip) {
						broadcastAll(endpoints, wire.OpcodePause)
						continue
					}
					if wire.IsStatusFrame(dg.Data) {
						owner.SendUnicast(infoFrame, ip, network.SensorCommandPort)
						continue
					}
					if !wire.IsInfoFrame(dg.Data) {
						continue
					}
					info, err := wire.DecodeInfoV2(dg.Data)
					if err != nil {
						continue
					}
					if info.Fw1Ver == f.FwVersion {
						return nil
					}
				}
			}
			time.Sleep(network.PollInterval())
		}
	}
	return &FlashFinishFailureError{SensorSN: f.SensorSN}
}

func readBlock(payload []byte, block int) []byte {
	start := block * wire.FlashBlockPayloadSize
	if start >= len(payload) {
		return nil
	}
	end := start + wire.FlashBlockPayloadSize
	if end > len(payload) {
		end = len(payload)
	}
	return payload[start:end]
}

func awaitAck(ctx context.Context, ip net.IP, endpoints []*network.Endpoint, window time.Duration) (wire.AckBitmap, bool) {
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return wire.AckBitmap{}, false
		}
		for _, ep := range endpoints {
			for _, dg := range ep.PollDataSockets() {
				if !dg.From.IP.Equal(ip) || !wire.IsAckFrame(dg.Data) {
					continue
				}
				if bitmap, err := wire.DecodeAck(dg.Data); err == nil {
					return bitmap, true
				}
			}
		}
		time.Sleep(network.PollInterval())
	}
	return wire.AckBitmap{}, false
}

func awaitInfo(ctx context.Context, ip net.IP, endpoints []*network.Endpoint, window time.Duration) (wire.InfoRecord, bool) {
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return wire.InfoRecord{}, false
		}
		for _, ep := range endpoints {
			for _, dg := range ep.PollDataSockets() {
				if !dg.From.IP.Equal(ip) || !wire.IsInfoFrame(dg.Data) {
					continue
				}
				if info, err := wire.DecodeInfoV2(dg.Data); err == nil {
					return info, true
				}
			}
		}
		time.Sleep(network.PollInterval())
	}
	return wire.InfoRecord{}, false
}

func inTargetList(sn uint16, targets []fleet.Target) bool {
	for _, t := range targets {
		if t.Kind == fleet.TargetAll {
			return true
		}
		if t.Kind == fleet.TargetBySerial && t.Serial == sn {
			return true
		}
	}
	return false
}

func broadcastAll(endpoints []*network.Endpoint, op wire.Opcode) {
	frame := wire.BuildCommand(op, 0)
	for _, ep := range endpoints {
		if err := ep.SendBroadcast(frame, network.SensorCommandPort); err != nil {
			log.Printf("update: broadcast opcode %#x on %s failed: %v", uint16(op), ep.Config().BindIP, err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func endpointConfigs(endpoints []*network.Endpoint) []network.EndpointConfig {
	out := make([]network.EndpointConfig, len(endpoints))
	for i, ep := range endpoints {
		out[i] = ep.Config()
	}
	return out
}

func findEndpoint(endpoints []*network.Endpoint, bindIP net.IP) *network.Endpoint {
	for _, ep := range endpoints {
		if ep.Config().BindIP.Equal(bindIP) {
			return ep
		}
	}
	return nil
}
