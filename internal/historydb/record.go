package historydb

import (
	"errors"
	"log"

	"github.com/banshee-data/ilidar-tool/internal/discovery"
	"github.com/banshee-data/ilidar-tool/internal/fleet"
	"github.com/banshee-data/ilidar-tool/internal/reconcile"
	"github.com/banshee-data/ilidar-tool/internal/update"
)

// DiscoverySnapshot is a row-shaped projection of one matched sensor
// from a discovery run (SPEC_FULL.md §4.8).
type DiscoverySnapshot struct {
	RunID             string
	TargetSpec        string
	SensorSN          uint16
	SensorIP          string
	ViaEndpoint       string
	CapturedUnixNanos int64
}

// ReconcileResult is a row-shaped projection of one reconcile.SensorOutcome.
type ReconcileResult struct {
	RunID         string
	SensorSN      uint16
	FieldsMerged  int
	FieldsChanged int
	Applied       bool
	SkippedReason string
	UnixNanos     int64
}

// UpdateOutcome is a row-shaped projection of one update.SensorOutcome.
type UpdateOutcome struct {
	RunID        string
	SensorSN     uint16
	FirmwarePath string
	PhaseReached string
	Success      bool
	ErrorClass   string
	UnixNanos    int64
}

// RecordDiscovery writes one row per matched sensor in res: one per
// filled target slot (res.Sensors, masked by res.Matched), plus one per
// sighting from an ALL-target sweep (res.AllSensors), which is
// populated independently of the target-slot list. Best-effort: logs
// and continues on write failure rather than surfacing it, since
// history is outside the C4 component boundary (spec.md §4.8). No-op on
// a nil Store.
func (s *Store) RecordDiscovery(targetSpec string, res discovery.Result, capturedUnixNanos int64) {
	if s == nil {
		return
	}
	for i, matched := range res.Matched {
		if !matched {
			continue
		}
		s.insertDiscoveredSensor(res.RunID, targetSpec, res.Sensors[i], capturedUnixNanos)
	}
	for _, sensor := range res.AllSensors {
		s.insertDiscoveredSensor(res.RunID, targetSpec, sensor, capturedUnixNanos)
	}
}

func (s *Store) insertDiscoveredSensor(runID, targetSpec string, sensor fleet.DiscoveredSensor, capturedUnixNanos int64) {
	row := DiscoverySnapshot{
		RunID:             runID,
		TargetSpec:        targetSpec,
		SensorSN:          sensor.SensorSN,
		SensorIP:          sensor.SensorIP.String(),
		ViaEndpoint:       sensor.ViaEndpoint.String(),
		CapturedUnixNanos: capturedUnixNanos,
	}
	if err := s.insertDiscoverySnapshot(row); err != nil {
		log.Printf("historydb: record discovery sn=%d: %v", sensor.SensorSN, err)
	}
}

func (s *Store) insertDiscoverySnapshot(row DiscoverySnapshot) error {
	_, err := s.db.Exec(`
		INSERT INTO discovery_snapshot
			(run_id, target_spec, sensor_sn, sensor_ip, via_endpoint, captured_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?)`,
		row.RunID, row.TargetSpec, row.SensorSN, row.SensorIP, row.ViaEndpoint, row.CapturedUnixNanos)
	return err
}

// RecordReconcile writes one row per reconcile.SensorOutcome. Best-effort
// and no-op on a nil Store.
func (s *Store) RecordReconcile(runID string, outcomes []reconcile.SensorOutcome, unixNanos int64) {
	if s == nil {
		return
	}
	for _, o := range outcomes {
		row := ReconcileResult{
			RunID:         runID,
			SensorSN:      o.SensorSN,
			FieldsMerged:  len(o.FieldsFilled),
			FieldsChanged: len(o.FieldsDiff),
			Applied:       o.Applied,
			SkippedReason: o.SkipReason,
			UnixNanos:     unixNanos,
		}
		if err := s.insertReconcileResult(row); err != nil {
			log.Printf("historydb: record reconcile sn=%d: %v", o.SensorSN, err)
		}
	}
}

func (s *Store) insertReconcileResult(row ReconcileResult) error {
	_, err := s.db.Exec(`
		INSERT INTO reconcile_result
			(run_id, sensor_sn, fields_merged, fields_changed, applied, skipped_reason, unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.RunID, row.SensorSN, row.FieldsMerged, row.FieldsChanged, boolToInt(row.Applied), row.SkippedReason, row.UnixNanos)
	return err
}

// RecordUpdate writes one row per update.SensorOutcome, matching each
// outcome's serial against files to recover the firmware path. Best-effort
// and no-op on a nil Store.
func (s *Store) RecordUpdate(runID string, files []fleet.FirmwareFile, outcomes []update.SensorOutcome, unixNanos int64) {
	if s == nil {
		return
	}
	pathBySN := make(map[uint16]string, len(files))
	for _, f := range files {
		pathBySN[f.SensorSN] = f.Path
	}
	for _, o := range outcomes {
		row := UpdateOutcome{
			RunID:        runID,
			SensorSN:     o.SensorSN,
			FirmwarePath: pathBySN[o.SensorSN],
			PhaseReached: updatePhase(o),
			Success:      o.Success,
			ErrorClass:   updateErrorClass(o.Err),
			UnixNanos:    unixNanos,
		}
		if err := s.insertUpdateOutcome(row); err != nil {
			log.Printf("historydb: record update sn=%d: %v", o.SensorSN, err)
		}
	}
}

func (s *Store) insertUpdateOutcome(row UpdateOutcome) error {
	_, err := s.db.Exec(`
		INSERT INTO update_outcome
			(run_id, sensor_sn, firmware_path, phase_reached, success, error_class, unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.RunID, row.SensorSN, row.FirmwarePath, row.PhaseReached, boolToInt(row.Success), row.ErrorClass, row.UnixNanos)
	return err
}

// updatePhase names the furthest phase reached, inferred from the error
// type. "complete" covers both a successful flash and an already-current
// skip, since neither left the sensor worse off.
func updatePhase(o update.SensorOutcome) string {
	if o.Success {
		return "complete"
	}
	switch {
	case errors.As(o.Err, new(*update.DiscoveryTimeoutError)):
		return "discovery"
	case errors.As(o.Err, new(*update.ProtocolMismatchError)):
		return "eligibility"
	case errors.As(o.Err, new(*update.LockedError)):
		return "eligibility"
	case errors.As(o.Err, new(*update.SafeBootFailureError)):
		return "safe_boot"
	case errors.As(o.Err, new(*update.FlashStartFailureError)):
		return "flash_start"
	case errors.As(o.Err, new(*update.TransientLossError)):
		return "block_transfer"
	case errors.As(o.Err, new(*update.FlashFinishFailureError)):
		return "flash_finish"
	default:
		return "unknown"
	}
}

func updateErrorClass(err error) string {
	if err == nil {
		return ""
	}
	var (
		discoveryTimeout *update.DiscoveryTimeoutError
		protocolMismatch *update.ProtocolMismatchError
		transientLoss    *update.TransientLossError
		safeBootFailure  *update.SafeBootFailureError
		flashStartFail   *update.FlashStartFailureError
		flashFinishFail  *update.FlashFinishFailureError
		locked           *update.LockedError
		alreadyCurrent   *update.AlreadyCurrentError
	)
	switch {
	case errors.As(err, &discoveryTimeout):
		return "discovery_timeout"
	case errors.As(err, &protocolMismatch):
		return "protocol_mismatch"
	case errors.As(err, &transientLoss):
		return "transient_loss"
	case errors.As(err, &safeBootFailure):
		return "safe_boot_failure"
	case errors.As(err, &flashStartFail):
		return "flash_start_failure"
	case errors.As(err, &flashFinishFail):
		return "flash_finish_failure"
	case errors.As(err, &locked):
		return "locked"
	case errors.As(err, &alreadyCurrent):
		return "already_current"
	default:
		return "error"
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
