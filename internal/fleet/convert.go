package fleet

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
)

// presetCSVColumns is the original tool's fixed 44-column row layout
// for a 1.5.x preset (cmd_convert_run), name/version/sensor_sn
// followed by the 22 writable fields with capture_shutter,
// capture_limit, and sync_ill_delay_us flattened across columns.
const presetCSVColumns = 44

// ConvertCSVToJSON reads a preset spreadsheet export and writes the
// equivalent preset JSON array, accepting only 1.5.x rows and skipping
// short or unsupported ones, matching cmd_convert_run in the original
// tool.
func ConvertCSVToJSON(csvPath, jsonPath string) (int, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return 0, fmt.Errorf("fleet: open %s: %w", csvPath, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	var out []map[string]interface{}
	for {
		row, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return 0, fmt.Errorf("fleet: read %s: %w", csvPath, err)
		}
		if len(row) < 2 {
			continue
		}
		if strings.HasPrefix(row[1], "1.4") {
			continue
		}
		if !strings.HasPrefix(row[1], "1.5") {
			continue
		}
		if len(row) != presetCSVColumns {
			continue
		}

		rec, err := presetRowToJSON(row)
		if err != nil {
			return 0, fmt.Errorf("fleet: convert row for %s: %w", row[0], err)
		}
		out = append(out, rec)
	}

	data, err := json.MarshalIndent(out, "", "    ")
	if err != nil {
		return 0, fmt.Errorf("fleet: marshal preset JSON: %w", err)
	}
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return 0, fmt.Errorf("fleet: write %s: %w", jsonPath, err)
	}
	return len(out), nil
}

// cell renders row[i] as an int, or "" (the blank sentinel) when empty.
func cell(row []string, i int) interface{} {
	if row[i] == "" {
		return ""
	}
	n, err := strconv.Atoi(row[i])
	if err != nil {
		return ""
	}
	return n
}

func cellRange(row []string, lo, hi int) []interface{} {
	out := make([]interface{}, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		out = append(out, cell(row, i))
	}
	return out
}

func cellIPv4(row []string, i int) interface{} {
	if row[i] == "" {
		return ""
	}
	ip := net.ParseIP(row[i]).To4()
	if ip == nil {
		return ""
	}
	out := make([]interface{}, 4)
	for j, b := range ip {
		out[j] = int(b)
	}
	return out
}

func cellMAC(row []string, i int) interface{} {
	if row[i] == "" {
		return ""
	}
	segs := strings.Split(strings.ReplaceAll(row[i], "_", ":"), ":")
	if len(segs) != 6 {
		return ""
	}
	out := make([]interface{}, 6)
	for j, seg := range segs {
		v, err := strconv.ParseUint(seg, 16, 8)
		if err != nil {
			return ""
		}
		out[j] = int(v)
	}
	return out
}

// presetRowToJSON mirrors cmd_convert_run's column-by-column assembly
// for one 44-column 1.5.x row.
func presetRowToJSON(row []string) (map[string]interface{}, error) {
	sn, err := strconv.Atoi(row[2])
	if err != nil {
		return nil, fmt.Errorf("sensor_sn column: %w", err)
	}

	return map[string]interface{}{
		"ilidar_name":           row[0],
		"ilidar_version":        row[1],
		"sensor_sn":             sn,
		"capture_mode":          cell(row, 3),
		"capture_row":           cell(row, 4),
		"capture_shutter":       cellRange(row, 5, 9),
		"capture_limit":         cellRange(row, 10, 11),
		"capture_period_us":     cell(row, 12),
		"capture_seq":           cell(row, 13),
		"data_output":           cell(row, 14),
		"data_baud":             cell(row, 15),
		"data_sensor_ip":        cellIPv4(row, 16),
		"data_dest_ip":          cellIPv4(row, 17),
		"data_subnet":           cellIPv4(row, 18),
		"data_gateway":          cellIPv4(row, 19),
		"data_port":             cell(row, 20),
		"data_mac_addr":         cellMAC(row, 21),
		"sync":                  cell(row, 22),
		"sync_trig_delay_us":    cell(row, 23),
		"sync_ill_delay_us":     cellRange(row, 24, 38),
		"sync_trig_trim_us":     cell(row, 39),
		"sync_ill_trim_us":      cell(row, 40),
		"sync_output_delay_us":  cell(row, 41),
		"arb":                   cell(row, 42),
		"arb_timeout":           cell(row, 43),
	}, nil
}
