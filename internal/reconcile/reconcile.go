// Package reconcile implements C6 (spec.md §4.6): merge a desired
// partial parameter record with the live record from discovery, diff,
// and if non-empty, push an info-v2 write followed by store then a
// global reboot.
package reconcile

import (
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

// writeWait/storeWait/settleWait/rebootWait match the source's fixed
// pacing (spec.md §4.6).
const (
	writeWait  = 1 * time.Second
	storeWait  = 1 * time.Second
	settleWait = 5 * time.Second
	rebootWait = 5 * time.Second
)

// SensorOutcome records what happened to one sensor during reconcile.
type SensorOutcome struct {
	SensorSN     uint16
	Skipped      bool
	SkipReason   string
	FieldsFilled []string
	FieldsDiff   []fleet.FieldDiff
	Applied      bool
}

// Run reconciles every desired record against the live fleet, per
// spec.md §4.6. Duplicate serials across desired abort before any send.
func Run(ctx context.Context, desired []fleet.DesiredRecord, endpoints []*network.Endpoint) ([]SensorOutcome, error) {
	seen := map[uint16]bool{}
	targets := make([]fleet.Target, 0, len(desired))
	for _, d := range desired {
		if seen[d.SensorSN] {
			return nil, fmt.Errorf("reconcile: duplicate sensor_sn=%d in desired set", d.SensorSN)
		}
		seen[d.SensorSN] = true
		targets = append(targets, fleet.BySerial(d.SensorSN))
	}

	eng := discovery.New(endpoints)
	res, err := eng.Run(ctx, targets)
	if err != nil {
		return nil, fmt.Errorf("reconcile: discovery failed: %w", err)
	}

	outcomes := make([]SensorOutcome, 0, len(desired))
	cfgs := endpointConfigs(endpoints)

	for i, d := range desired {
		if !res.Matched[i] {
			outcomes = append(outcomes, SensorOutcome{SensorSN: d.SensorSN, Skipped: true, SkipReason: "not discovered"})
			continue
		}
		sensor := res.Sensors[i]
		if sensor.Info.Lock != 0 {
			outcomes = append(outcomes, SensorOutcome{SensorSN: d.SensorSN, Skipped: true, SkipReason: "sensor locked"})
			continue
		}

		merged, filled := d.Merge(sensor.Info)
		diffs := fleet.Diff(sensor.Info, merged)
		outcome := SensorOutcome{SensorSN: d.SensorSN, FieldsFilled: filled, FieldsDiff: diffs}

		if len(diffs) == 0 {
			outcomes = append(outcomes, outcome)
			continue
		}

		ep, ok := resolver.SelectEndpoint(cfgs, sensor.SensorIP)
		if !ok {
			outcome.Skipped = true
			outcome.SkipReason = "no endpoint covers sensor"
			outcomes = append(outcomes, outcome)
			continue
		}
		owner := findEndpoint(endpoints, ep.BindIP)
		if owner == nil {
			outcome.Skipped = true
			outcome.SkipReason = "endpoint not open"
			outcomes = append(outcomes, outcome)
			continue
		}

		frame := wire.BuildInfoV2Frame(merged)
		if err := owner.SendUnicast(frame, sensor.SensorIP, network.SensorCommandPort); err != nil {
			log.Printf("reconcile: write to sn=%d failed (best effort): %v", d.SensorSN, err)
			outcomes = append(outcomes, outcome)
			continue
		}
		sleep(ctx, writeWait)

		storeFrame := wire.BuildCommand(wire.OpcodeStore, d.SensorSN)
		if err := owner.SendUnicast(storeFrame, sensor.SensorIP, network.SensorCommandPort); err != nil {
			log.Printf("reconcile: store to sn=%d failed (best effort): %v", d.SensorSN, err)
			outcomes = append(outcomes, outcome)
			continue
		}
		sleep(ctx, storeWait)

		outcome.Applied = true
		outcomes = append(outcomes, outcome)
	}

	sleep(ctx, settleWait)
	rebootFrame := wire.BuildCommand(wire.OpcodeReboot, 0)
	for _, ep := range endpoints {
		if err := ep.SendBroadcast(rebootFrame, network.SensorCommandPort); err != nil {
			log.Printf("reconcile: broadcast reboot on %s failed: %v", ep.Config().BindIP, err)
		}
	}
	sleep(ctx, rebootWait)

	return outcomes, nil
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
