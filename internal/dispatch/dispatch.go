// Package dispatch implements C5 simple command dispatch (spec.md
// §4.5): a fast path for IP-only targets of commands that need no
// reply, and a discovery-then-unicast path for everything else,
// including the `info` command's JSON summary persistence.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/banshee-data/ilidar-tool/internal/discovery"
	"github.com/banshee-data/ilidar-tool/internal/fleet"
	"github.com/banshee-data/ilidar-tool/internal/network"
	"github.com/banshee-data/ilidar-tool/internal/resolver"
	"github.com/banshee-data/ilidar-tool/internal/security"
	"github.com/banshee-data/ilidar-tool/internal/wire"
)

// Command identifies a dispatchable, reply-free or discovery-gated
// operation (spec.md §4.5, §6).
type Command int

const (
	CommandInfo Command = iota
	CommandPause
	CommandMeasure
	CommandReboot
	CommandRedirect
	CommandLock
	CommandUnlock
	CommandReset
)

// fastPathEligible commands may skip discovery when every target is
// IP-typed (spec.md §4.5).
var fastPathEligible = map[Command]wire.Opcode{
	CommandPause:    wire.OpcodePause,
	CommandMeasure:  wire.OpcodeMeasure,
	CommandReboot:   wire.OpcodeReboot,
	CommandRedirect: wire.OpcodeRedirect,
}

var discoveryOnlyOpcode = map[Command]wire.Opcode{
	CommandLock:   wire.OpcodeLock,
	CommandUnlock: wire.OpcodeUnlock,
	CommandReset:  wire.OpcodeResetFactory,
}

// Run dispatches cmd against targets over endpoints. For info, it also
// persists a sorted-by-SN JSON summary under outDir.
func Run(ctx context.Context, cmd Command, targets []fleet.Target, endpoints []*network.Endpoint, outDir string) error {
	if cmd != CommandInfo {
		if op, ok := fastPathEligible[cmd]; ok && allIP(targets) {
			return sendOnly(op, targets, endpoints)
		}
	}

	eng := discovery.New(endpoints)
	res, err := eng.Run(ctx, targets)
	discovered := matchedSensors(res)
	if err != nil && len(discovered) == 0 {
		return fmt.Errorf("dispatch: discovery failed: %w", err)
	}

	if cmd == CommandInfo {
		return writeInfoSummary(discovered, outDir)
	}

	op, ok := discoveryOnlyOpcode[cmd]
	if !ok {
		op = fastPathEligible[cmd]
	}

	for _, sensor := range discovered {
		ep, ok := resolver.SelectEndpoint(endpointConfigs(endpoints), sensor.SensorIP)
		if !ok {
			continue
		}
		owner := findEndpoint(endpoints, ep.BindIP)
		if owner == nil {
			continue
		}
		frame := wire.BuildCommand(op, sensor.SensorSN)
		if err := owner.SendUnicast(frame, sensor.SensorIP, network.SensorCommandPort); err != nil {
			return fmt.Errorf("dispatch: send to sn=%d: %w", sensor.SensorSN, err)
		}
	}
	return nil
}

// matchedSensors flattens a discovery.Result into the set of sensors to
// act on: every matched non-ALL slot, plus every sensor found under an
// ALL target.
func matchedSensors(res discovery.Result) []fleet.DiscoveredSensor {
	out := append([]fleet.DiscoveredSensor(nil), res.AllSensors...)
	for i, matched := range res.Matched {
		if matched {
			out = append(out, res.Sensors[i])
		}
	}
	return out
}

func sendOnly(op wire.Opcode, targets []fleet.Target, endpoints []*network.Endpoint) error {
	frame := wire.BuildCommand(op, 0)
	for _, t := range targets {
		if t.Kind == fleet.TargetAll {
			for _, ep := range endpoints {
				if err := ep.SendBroadcast(frame, network.SensorCommandPort); err != nil {
					return err
				}
			}
			continue
		}
		ep, ok := resolver.SelectEndpoint(endpointConfigs(endpoints), t.IP)
		if !ok {
			return fmt.Errorf("dispatch: no endpoint covers target %s", t.IP)
		}
		owner := findEndpoint(endpoints, ep.BindIP)
		if owner == nil {
			continue
		}
		if err := owner.SendUnicast(frame, t.IP, network.SensorCommandPort); err != nil {
			return err
		}
	}
	return nil
}

func allIP(targets []fleet.Target) bool {
	for _, t := range targets {
		if !t.IsIP() {
			return false
		}
	}
	return len(targets) > 0
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

// infoSummary is the persisted shape for one sensor: identity/firmware
// fields are stripped, IP/MAC rendered as int arrays (spec.md §6). Only
// the fields below are written; capture_shutter, capture_limit,
// capture_seq and the sync_*/arb* fields are not part of the summary.
type infoSummary struct {
	SensorSN            uint16 `json:"sensor_sn"`
	SensorModelID       byte   `json:"sensor_model_id"`
	CaptureMode         byte   `json:"capture_mode"`
	CaptureRow          byte   `json:"capture_row"`
	CapturePeriodUs     uint32 `json:"capture_period_us"`
	DataOutput          byte   `json:"data_output"`
	DataBaud            uint32 `json:"data_baud"`
	DataSensorIP        []int  `json:"data_sensor_ip"`
	DataDestIP          []int  `json:"data_dest_ip"`
	DataSubnet          []int  `json:"data_subnet"`
	DataGateway         []int  `json:"data_gateway"`
	DataPort            uint16 `json:"data_port"`
	DataMacAddr         []int  `json:"data_mac_addr"`
}

func toSummary(s fleet.DiscoveredSensor) infoSummary {
	i := s.Info
	toInts := func(b []byte) []int {
		out := make([]int, len(b))
		for i, v := range b {
			out[i] = int(v)
		}
		return out
	}
	return infoSummary{
		SensorSN:        i.SN,
		SensorModelID:   i.ModelID,
		CaptureMode:     i.CaptureMode,
		CaptureRow:      i.CaptureRow,
		CapturePeriodUs: i.CapturePeriodUs,
		DataOutput:      i.DataOutput,
		DataBaud:        i.DataBaud,
		DataSensorIP:    toInts(i.DataSensorIP[:]),
		DataDestIP:      toInts(i.DataDestIP[:]),
		DataSubnet:      toInts(i.DataSubnet[:]),
		DataGateway:     toInts(i.DataGateway[:]),
		DataPort:        i.DataPort,
		DataMacAddr:     toInts(i.DataMacAddr[:]),
	}
}

func writeInfoSummary(sensors []fleet.DiscoveredSensor, outDir string) error {
	summaries := make([]infoSummary, 0, len(sensors))
	for _, s := range sensors {
		if s.SensorIP == nil {
			continue
		}
		summaries = append(summaries, toSummary(s))
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].SensorSN < summaries[j].SensorSN })

	name := fmt.Sprintf("info_%s.json", time.Now().Format("20060102_150405"))
	path := filepath.Join(outDir, name)
	if err := security.ValidatePathWithinDirectory(path, outDir); err != nil {
		return fmt.Errorf("dispatch: refusing to write outside %s: %w", outDir, err)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("dispatch: create output dir: %w", err)
	}
	data, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return fmt.Errorf("dispatch: marshal info summary: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("dispatch: write info summary: %w", err)
	}
	return nil
}
