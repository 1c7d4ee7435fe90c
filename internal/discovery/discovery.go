// Package discovery implements the broadcast-driven sensor enumeration
// described in spec.md §4.4: periodically broadcast read_info, collect
// replies, match against a target list, and stop when every non-ALL
// slot is filled or the operator cancels.
package discovery

import (
	"context"
	"log"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/ilidar-tool/internal/fleet"
	"github.com/banshee-data/ilidar-tool/internal/network"
	"github.com/banshee-data/ilidar-tool/internal/wire"
)

const (
	broadcastInterval = 10 * time.Millisecond
	progressInterval  = 500 * time.Millisecond
)

// Engine runs discovery over a fixed set of endpoints.
type Engine struct {
	Endpoints []*network.Endpoint
}

// New constructs a discovery Engine bound to endpoints.
func New(endpoints []*network.Endpoint) *Engine {
	return &Engine{Endpoints: endpoints}
}

// Result is the outcome of one discovery run. Sensors has the same
// length and index order as the target list passed to Run; an unmatched
// non-ALL slot is a zero-value fleet.DiscoveredSensor with a SensorSN of
// zero unless the target itself was for serial 0 (targets are
// disambiguated by the caller via the original target list).
type Result struct {
	RunID   string
	Sensors []fleet.DiscoveredSensor
	Matched []bool
	// AllSensors holds every sensor matched against an ALL target, in
	// discovery order. Populated only when targets contained an ALL
	// target; empty otherwise.
	AllSensors []fleet.DiscoveredSensor
}

// Run executes the discovery protocol until every non-ALL target slot
// is filled, or ctx is cancelled. Cancellation is entirely the caller's:
// this package does not watch stdin. For an ALL-sensors run there is no
// completion condition other than cancellation, matching spec.md §4.4.
func (e *Engine) Run(ctx context.Context, targets []fleet.Target) (Result, error) {
	runID := uuid.NewString()
	res := Result{
		RunID:   runID,
		Sensors: make([]fleet.DiscoveredSensor, len(targets)),
		Matched: make([]bool, len(targets)),
	}
	var allSensors []fleet.DiscoveredSensor
	seenSerials := map[uint16]bool{}

	hasAll := false
	for _, t := range targets {
		if t.Kind == fleet.TargetAll {
			hasAll = true
		}
	}

	var lastBroadcast, lastProgress time.Time

	for {
		select {
		case <-ctx.Done():
			res.AllSensors = allSensors
			return res, ctx.Err()
		default:
		}

		now := time.Now()
		if now.Sub(lastBroadcast) >= broadcastInterval {
			e.broadcastReadInfo()
			lastBroadcast = now
		}

		e.pollAndMatch(targets, res, &allSensors, seenSerials)

		if !hasAll && allFilled(res.Matched) {
			return res, nil
		}

		if now.Sub(lastProgress) >= progressInterval {
			log.Printf("discovery[%s]: %d/%d targets matched", runID, countTrue(res.Matched), len(res.Matched))
			lastProgress = now
		}

		time.Sleep(broadcastInterval)
	}
}

func (e *Engine) broadcastReadInfo() {
	frame := wire.BuildCommand(wire.OpcodeReadInfo, 0)
	for _, ep := range e.Endpoints {
		if err := ep.SendBroadcast(frame, network.SensorCommandPort); err != nil {
			log.Printf("discovery: broadcast read_info on %s failed: %v", ep.Config().BindIP, err)
		}
	}
}

func (e *Engine) pollAndMatch(targets []fleet.Target, res Result, allSensors *[]fleet.DiscoveredSensor, seenSerials map[uint16]bool) {
	for _, ep := range e.Endpoints {
		for _, dg := range ep.PollDataSockets() {
			if !wire.IsInfoFrame(dg.Data) {
				continue
			}
			info, err := wire.DecodeInfoV2(dg.Data)
			if err != nil {
				continue
			}
			e.match(targets, res, allSensors, seenSerials, info, dg.From.IP, ep.Config().BindIP)
		}
	}
}

// match applies one decoded info reply against the target list. The
// first match for a given serial wins (spec.md §4.4 "Edge cases").
func (e *Engine) match(targets []fleet.Target, res Result, allSensors *[]fleet.DiscoveredSensor, seenSerials map[uint16]bool, info wire.InfoRecord, senderIP, viaEndpoint net.IP) {
	for i, t := range targets {
		switch t.Kind {
		case fleet.TargetAll:
			if seenSerials[info.SN] {
				continue
			}
			seenSerials[info.SN] = true
			*allSensors = append(*allSensors, fleet.DiscoveredSensor{
				IndexInTargets: i,
				SensorSN:       info.SN,
				SensorIP:       senderIP,
				ViaEndpoint:    viaEndpoint,
				Info:           info,
			})
		case fleet.TargetBySerial:
			if res.Matched[i] || info.SN != t.Serial {
				continue
			}
			res.Matched[i] = true
			res.Sensors[i] = fleet.DiscoveredSensor{
				IndexInTargets: i,
				SensorSN:       info.SN,
				SensorIP:       senderIP,
				ViaEndpoint:    viaEndpoint,
				Info:           info,
			}
		case fleet.TargetByIP:
			if res.Matched[i] || !senderIP.Equal(t.IP) {
				continue
			}
			res.Matched[i] = true
			res.Sensors[i] = fleet.DiscoveredSensor{
				IndexInTargets: i,
				SensorSN:       info.SN,
				SensorIP:       senderIP,
				ViaEndpoint:    viaEndpoint,
				Info:           info,
			}
		}
	}
}

func allFilled(matched []bool) bool {
	for _, m := range matched {
		if !m {
			return false
		}
	}
	return true
}

func countTrue(matched []bool) int {
	n := 0
	for _, m := range matched {
		if m {
			n++
		}
	}
	return n
}
