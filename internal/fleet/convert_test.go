package fleet

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConvertCSVToJSONSkipsUnsupportedAndShortRows(t *testing.T) {
	shutter := []string{"100", "200", "300", "400", "500"}
	limit := []string{"1", "2"}
	illDelay := make([]string, 15)
	for i := range illDelay {
		illDelay[i] = "0"
	}

	row145 := append([]string{"rig-1", "1.4.5", "1"}, make([]string, 41)...)
	row150 := append([]string{"rig-2", "1.5.0", "456", "1", "1"}, shutter...)
	row150 = append(row150, limit...)
	row150 = append(row150, "100000", "1", "1", "115200", "10.0.0.5", "10.0.0.1", "255.255.255.0", "10.0.0.254", "7257", "aa:bb:cc_dd:ee:ff", "1", "1000")
	row150 = append(row150, illDelay...)
	row150 = append(row150, "1", "1", "1", "1", "1000")

	rowShort := []string{"rig-3", "1.5.0", "789"}

	csvContent := strings.Join([]string{
		strings.Join(row145, ","),
		strings.Join(row150, ","),
		strings.Join(rowShort, ","),
	}, "\n") + "\n"

	csvPath := filepath.Join(t.TempDir(), "presets.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(csvContent), 0o644))
	jsonPath := filepath.Join(t.TempDir(), "presets.json")

	n, err := ConvertCSVToJSON(csvPath, jsonPath)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	data, err := os.ReadFile(jsonPath)
	require.NoError(t, err)

	var out []map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	require.Len(t, out, 1)
	require.Equal(t, float64(456), out[0]["sensor_sn"])
	require.Equal(t, "1.5.0", out[0]["ilidar_version"])
}

func TestConvertCSVToJSONRoundTripsThroughLoadPresetFile(t *testing.T) {
	shutter := []string{"100", "200", "300", "400", "500"}
	limit := []string{"1", "2"}
	illDelay := make([]string, 15)
	for i := range illDelay {
		illDelay[i] = "5"
	}

	row := append([]string{"rig-1", "1.5.2", "999", "1", "1"}, shutter...)
	row = append(row, limit...)
	row = append(row, "100000", "1", "1", "115200", "10.0.0.5", "10.0.0.1", "255.255.255.0", "10.0.0.254", "7257", "aa:bb:cc_dd:ee:ff", "1", "1000")
	row = append(row, illDelay...)
	row = append(row, "1", "1", "1", "1", "1000")

	csvPath := filepath.Join(t.TempDir(), "presets.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(strings.Join(row, ",")+"\n"), 0o644))
	jsonPath := filepath.Join(t.TempDir(), "presets.json")

	n, err := ConvertCSVToJSON(csvPath, jsonPath)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	recs, err := LoadPresetFile(jsonPath)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, uint16(999), recs[0].SensorSN)
	require.True(t, recs[0].CaptureShutter.Set)
	require.Equal(t, [5]uint16{100, 200, 300, 400, 500}, recs[0].CaptureShutter.Value)
	require.True(t, recs[0].DataMacAddr.Set)
	require.Equal(t, [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}, recs[0].DataMacAddr.Value)
}
