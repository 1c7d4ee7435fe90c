package historydb

import "fmt"

// RecentDiscovery returns the most recent discovery_snapshot rows, newest
// first, for the admin surface (C9). Returns nil on a nil Store.
func (s *Store) RecentDiscovery(limit int) ([]DiscoverySnapshot, error) {
	if s == nil {
		return nil, nil
	}
	rows, err := s.db.Query(`
		SELECT run_id, target_spec, sensor_sn, sensor_ip, via_endpoint, captured_unix_nanos
		FROM discovery_snapshot ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("historydb: recent discovery: %w", err)
	}
	defer rows.Close()

	var out []DiscoverySnapshot
	for rows.Next() {
		var r DiscoverySnapshot
		if err := rows.Scan(&r.RunID, &r.TargetSpec, &r.SensorSN, &r.SensorIP, &r.ViaEndpoint, &r.CapturedUnixNanos); err != nil {
			return nil, fmt.Errorf("historydb: scan discovery row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentReconcile returns the most recent reconcile_result rows, newest
// first. Returns nil on a nil Store.
func (s *Store) RecentReconcile(limit int) ([]ReconcileResult, error) {
	if s == nil {
		return nil, nil
	}
	rows, err := s.db.Query(`
		SELECT run_id, sensor_sn, fields_merged, fields_changed, applied, skipped_reason, unix_nanos
		FROM reconcile_result ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("historydb: recent reconcile: %w", err)
	}
	defer rows.Close()

	var out []ReconcileResult
	for rows.Next() {
		var r ReconcileResult
		var applied int
		if err := rows.Scan(&r.RunID, &r.SensorSN, &r.FieldsMerged, &r.FieldsChanged, &applied, &r.SkippedReason, &r.UnixNanos); err != nil {
			return nil, fmt.Errorf("historydb: scan reconcile row: %w", err)
		}
		r.Applied = applied != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecentUpdate returns the most recent update_outcome rows, newest first.
// Returns nil on a nil Store.
func (s *Store) RecentUpdate(limit int) ([]UpdateOutcome, error) {
	if s == nil {
		return nil, nil
	}
	rows, err := s.db.Query(`
		SELECT run_id, sensor_sn, firmware_path, phase_reached, success, error_class, unix_nanos
		FROM update_outcome ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("historydb: recent update: %w", err)
	}
	defer rows.Close()

	var out []UpdateOutcome
	for rows.Next() {
		var r UpdateOutcome
		var success int
		if err := rows.Scan(&r.RunID, &r.SensorSN, &r.FirmwarePath, &r.PhaseReached, &success, &r.ErrorClass, &r.UnixNanos); err != nil {
			return nil, fmt.Errorf("historydb: scan update row: %w", err)
		}
		r.Success = success != 0
		out = append(out, r)
	}
	return out, rows.Err()
}
