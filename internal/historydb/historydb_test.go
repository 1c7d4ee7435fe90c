package historydb

import (
	"errors"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ilidar-tool/internal/discovery"
	"github.com/banshee-data/ilidar-tool/internal/fleet"
	"github.com/banshee-data/ilidar-tool/internal/reconcile"
	"github.com/banshee-data/ilidar-tool/internal/update"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNilStoreMethodsAreNoOps(t *testing.T) {
	var s *Store
	s.RecordDiscovery("all", discovery.Result{}, 1)
	s.RecordReconcile("run", nil, 1)
	s.RecordUpdate("run", nil, nil, 1)
	require.NoError(t, s.Close())

	rows, err := s.RecentDiscovery(10)
	require.NoError(t, err)
	require.Nil(t, rows)
}

func TestRecordAndQueryDiscovery(t *testing.T) {
	s := openTestStore(t)

	res := discovery.Result{
		RunID:   "run-1",
		Matched: []bool{true, false},
		Sensors: []fleet.DiscoveredSensor{
			{SensorSN: 456, SensorIP: net.IPv4(10, 0, 0, 5), ViaEndpoint: net.IPv4(10, 0, 0, 1)},
			{},
		},
	}
	s.RecordDiscovery("sn:456", res, 1000)

	rows, err := s.RecentDiscovery(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, uint16(456), rows[0].SensorSN)
	require.Equal(t, "run-1", rows[0].RunID)
	require.Equal(t, "sn:456", rows[0].TargetSpec)
}

func TestRecordAndQueryReconcile(t *testing.T) {
	s := openTestStore(t)

	outcomes := []reconcile.SensorOutcome{
		{SensorSN: 1, Applied: true, FieldsFilled: []string{"capture_period_us"}, FieldsDiff: []fleet.FieldDiff{{Field: "capture_period_us"}}},
		{SensorSN: 2, Skipped: true, SkipReason: "no diff"},
	}
	s.RecordReconcile("run-2", outcomes, 2000)

	rows, err := s.RecentReconcile(10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	// newest first
	require.Equal(t, uint16(2), rows[0].SensorSN)
	require.False(t, rows[0].Applied)
	require.Equal(t, "no diff", rows[0].SkippedReason)
	require.Equal(t, uint16(1), rows[1].SensorSN)
	require.True(t, rows[1].Applied)
	require.Equal(t, 1, rows[1].FieldsChanged)
}

func TestRecordAndQueryUpdate(t *testing.T) {
	s := openTestStore(t)

	files := []fleet.FirmwareFile{{SensorSN: 456, Path: "/fw/sensor_456_1.5.4.bin"}}
	outcomes := []update.SensorOutcome{
		{SensorSN: 456, Success: true},
		{SensorSN: 457, Success: false, Err: &update.LockedError{SensorSN: 457}},
	}
	s.RecordUpdate("run-3", files, outcomes, 3000)

	rows, err := s.RecentUpdate(10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, uint16(457), rows[0].SensorSN)
	require.Equal(t, "locked", rows[0].ErrorClass)
	require.Equal(t, "eligibility", rows[0].PhaseReached)
	require.Equal(t, uint16(456), rows[1].SensorSN)
	require.Equal(t, "/fw/sensor_456_1.5.4.bin", rows[1].FirmwarePath)
	require.Equal(t, "complete", rows[1].PhaseReached)
	require.True(t, rows[1].Success)
}

func TestOpenAppliesMigrationsIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	rows, err := s2.RecentDiscovery(10)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestUpdateErrorClassUnknownError(t *testing.T) {
	require.Equal(t, "error", updateErrorClass(errors.New("boom")))
	require.Equal(t, "", updateErrorClass(nil))
}
