package fleet

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// presetVersionPrefix gates which preset schema this tool understands,
// mirroring the original tool's check_ilidar_param_version (only the
// 1.5.x family is supported; this tool never shipped a 1.4.x client).
const presetVersionPrefix = "1.5"

// presetRequiredFields are the keys a preset record must carry to be
// accepted, matching the original tool's validate_v1_5_x list exactly
// (it does not include ilidar_name or model_id).
var presetRequiredFields = []string{
	"sensor_sn",
	"capture_mode",
	"capture_row",
	"capture_shutter",
	"capture_limit",
	"capture_period_us",
	"capture_seq",
	"data_output",
	"data_baud",
	"data_sensor_ip",
	"data_dest_ip",
	"data_subnet",
	"data_gateway",
	"data_port",
	"data_mac_addr",
	"sync",
	"sync_trig_delay_us",
	"sync_ill_delay_us",
	"sync_trig_trim_us",
	"sync_ill_trim_us",
	"sync_output_delay_us",
	"arb",
	"arb_timeout",
}

// LoadPresetFile reads a preset JSON file, which may hold a single
// object or an array of objects, and returns one DesiredRecord per
// accepted entry. Entries with the wrong ilidar_version or missing
// required fields are skipped, matching read_json_files/
// check_ilidar_param_version in the original tool.
func LoadPresetFile(path string) ([]DesiredRecord, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fleet: read preset file %s: %w", path, err)
	}

	var entries []map[string]json.RawMessage
	var single map[string]json.RawMessage
	if err := json.Unmarshal(raw, &single); err == nil {
		entries = []map[string]json.RawMessage{single}
	} else {
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("fleet: parse preset file %s: %w", path, err)
		}
	}

	var records []DesiredRecord
	for _, e := range entries {
		if !acceptPresetEntry(e) {
			continue
		}
		rec, err := presetToDesiredRecord(e)
		if err != nil {
			return nil, fmt.Errorf("fleet: preset file %s: %w", path, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func acceptPresetEntry(e map[string]json.RawMessage) bool {
	ver, ok := e["ilidar_version"]
	if !ok {
		return false
	}
	var versionStr string
	if err := json.Unmarshal(ver, &versionStr); err != nil {
		return false
	}
	if !strings.HasPrefix(versionStr, presetVersionPrefix) {
		return false
	}
	for _, field := range presetRequiredFields {
		if _, ok := e[field]; !ok {
			return false
		}
	}
	return true
}

// presetToDesiredRecord decodes one accepted entry into a DesiredRecord.
// Every writable field is blank-sentinel aware: a missing key, a JSON
// null, or the literal string "" leaves the field unset so reconcile
// (C6) keeps the sensor's live value, matching overwrite_info_v2's
// dst[key] == '' convention (spec.md §9 "Blank-field sentinel").
func presetToDesiredRecord(e map[string]json.RawMessage) (DesiredRecord, error) {
	var rec DesiredRecord

	sn, err := decodeRequiredUint[uint16](e, "sensor_sn")
	if err != nil {
		return rec, err
	}
	rec.SensorSN = sn

	var perr error
	set := func(err error) {
		if err != nil && perr == nil {
			perr = err
		}
	}

	rec.ModelID, err = decodeOptionalByte(e, "model_id")
	set(err)
	rec.CaptureMode, err = decodeOptionalByte(e, "capture_mode")
	set(err)
	rec.CaptureRow, err = decodeOptionalByte(e, "capture_row")
	set(err)
	rec.CaptureShutter, err = decodeOptionalUint16Array5(e, "capture_shutter")
	set(err)
	rec.CaptureLimit, err = decodeOptionalUint16Array2(e, "capture_limit")
	set(err)
	rec.CapturePeriodUs, err = decodeOptionalUint32(e, "capture_period_us")
	set(err)
	rec.CaptureSeq, err = decodeOptionalByte(e, "capture_seq")
	set(err)

	rec.DataOutput, err = decodeOptionalByte(e, "data_output")
	set(err)
	rec.DataBaud, err = decodeOptionalUint32(e, "data_baud")
	set(err)

	rec.DataSensorIP, err = decodeOptionalIPv4(e, "data_sensor_ip")
	set(err)
	rec.DataDestIP, err = decodeOptionalIPv4(e, "data_dest_ip")
	set(err)
	rec.DataSubnet, err = decodeOptionalIPv4(e, "data_subnet")
	set(err)
	rec.DataGateway, err = decodeOptionalIPv4(e, "data_gateway")
	set(err)
	rec.DataPort, err = decodeOptionalUint16(e, "data_port")
	set(err)
	rec.DataMacAddr, err = decodeOptionalMAC(e, "data_mac_addr")
	set(err)

	rec.Sync, err = decodeOptionalByte(e, "sync")
	set(err)
	rec.SyncTrigDelayUs, err = decodeOptionalUint32(e, "sync_trig_delay_us")
	set(err)
	rec.SyncIllDelayUs, err = decodeOptionalUint16Array15(e, "sync_ill_delay_us")
	set(err)
	rec.SyncTrigTrimUs, err = decodeOptionalByte(e, "sync_trig_trim_us")
	set(err)
	rec.SyncIllTrimUs, err = decodeOptionalByte(e, "sync_ill_trim_us")
	set(err)
	rec.SyncOutputDelayUs, err = decodeOptionalUint16(e, "sync_output_delay_us")
	set(err)

	rec.Arb, err = decodeOptionalByte(e, "arb")
	set(err)
	rec.ArbTimeoutUs, err = decodeOptionalUint32(e, "arb_timeout")
	set(err)

	if perr != nil {
		return DesiredRecord{}, perr
	}
	return rec, nil
}

func decodeRequiredUint[T ~uint16 | ~uint32](e map[string]json.RawMessage, key string) (T, error) {
	raw, ok := e[key]
	if !ok {
		return 0, fmt.Errorf("missing required field %q", key)
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("field %q: %w", key, err)
	}
	return T(n), nil
}

// isBlank reports whether raw is JSON null or the empty string "", the
// two blank-sentinel spellings this loader accepts.
func isBlank(raw json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(raw))
	return trimmed == "null" || trimmed == `""`
}

func decodeOptionalByte(e map[string]json.RawMessage, key string) (Optional[byte], error) {
	raw, ok := e[key]
	if !ok || isBlank(raw) {
		return None[byte](), nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return Optional[byte]{}, fmt.Errorf("field %q: %w", key, err)
	}
	return Some(byte(n)), nil
}

func decodeOptionalUint16(e map[string]json.RawMessage, key string) (Optional[uint16], error) {
	raw, ok := e[key]
	if !ok || isBlank(raw) {
		return None[uint16](), nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return Optional[uint16]{}, fmt.Errorf("field %q: %w", key, err)
	}
	return Some(uint16(n)), nil
}

func decodeOptionalUint32(e map[string]json.RawMessage, key string) (Optional[uint32], error) {
	raw, ok := e[key]
	if !ok || isBlank(raw) {
		return None[uint32](), nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return Optional[uint32]{}, fmt.Errorf("field %q: %w", key, err)
	}
	return Some(uint32(n)), nil
}

// decodeOptionalUint16ArrayN decodes a fixed-size JSON array field. The
// whole field is treated as blank if the key is absent, null, the
// empty string, or any element within it is blank - this tool requires
// every array element present rather than the original's per-element
// sentinel, since a partially blank array has no well-defined "keep
// live value for just this slot" semantics in a fixed-size wire field.
func decodeOptionalUint16ArrayN(e map[string]json.RawMessage, key string, n int) ([]uint16, bool, error) {
	raw, ok := e[key]
	if !ok || isBlank(raw) {
		return nil, false, nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, false, fmt.Errorf("field %q: %w", key, err)
	}
	if len(elems) != n {
		return nil, false, fmt.Errorf("field %q: expected %d elements, got %d", key, n, len(elems))
	}
	out := make([]uint16, n)
	for i, el := range elems {
		if isBlank(el) {
			return nil, false, nil
		}
		var v int64
		if err := json.Unmarshal(el, &v); err != nil {
			return nil, false, fmt.Errorf("field %q[%d]: %w", key, i, err)
		}
		out[i] = uint16(v)
	}
	return out, true, nil
}

func decodeOptionalUint16Array5(e map[string]json.RawMessage, key string) (Optional[[5]uint16], error) {
	vals, set, err := decodeOptionalUint16ArrayN(e, key, 5)
	if err != nil || !set {
		return None[[5]uint16](), err
	}
	var arr [5]uint16
	copy(arr[:], vals)
	return Some(arr), nil
}

func decodeOptionalUint16Array2(e map[string]json.RawMessage, key string) (Optional[[2]uint16], error) {
	vals, set, err := decodeOptionalUint16ArrayN(e, key, 2)
	if err != nil || !set {
		return None[[2]uint16](), err
	}
	var arr [2]uint16
	copy(arr[:], vals)
	return Some(arr), nil
}

func decodeOptionalUint16Array15(e map[string]json.RawMessage, key string) (Optional[[15]uint16], error) {
	vals, set, err := decodeOptionalUint16ArrayN(e, key, 15)
	if err != nil || !set {
		return None[[15]uint16](), err
	}
	var arr [15]uint16
	copy(arr[:], vals)
	return Some(arr), nil
}

// decodeOptionalIPv4 accepts either a 4-element int array (the
// original tool's [a,b,c,d] rendering) or a dotted-quad string.
func decodeOptionalIPv4(e map[string]json.RawMessage, key string) (Optional[[4]byte], error) {
	raw, ok := e[key]
	if !ok || isBlank(raw) {
		return None[[4]byte](), nil
	}
	var parts []int
	if err := json.Unmarshal(raw, &parts); err == nil {
		if len(parts) != 4 {
			return Optional[[4]byte]{}, fmt.Errorf("field %q: expected 4 elements, got %d", key, len(parts))
		}
		var arr [4]byte
		for i, p := range parts {
			arr[i] = byte(p)
		}
		return Some(arr), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return Optional[[4]byte]{}, fmt.Errorf("field %q: %w", key, err)
	}
	ip := net.ParseIP(s).To4()
	if ip == nil {
		return Optional[[4]byte]{}, fmt.Errorf("field %q: invalid IPv4 %q", key, s)
	}
	var arr [4]byte
	copy(arr[:], ip)
	return Some(arr), nil
}

// decodeOptionalMAC accepts either a 6-element int array or a
// colon/underscore separated string (the original tool renders the
// middle separator as '_' to mark it, e.g. "aa:bb:cc_dd:ee:ff").
func decodeOptionalMAC(e map[string]json.RawMessage, key string) (Optional[[6]byte], error) {
	raw, ok := e[key]
	if !ok || isBlank(raw) {
		return None[[6]byte](), nil
	}
	var parts []int
	if err := json.Unmarshal(raw, &parts); err == nil {
		if len(parts) != 6 {
			return Optional[[6]byte]{}, fmt.Errorf("field %q: expected 6 elements, got %d", key, len(parts))
		}
		var arr [6]byte
		for i, p := range parts {
			arr[i] = byte(p)
		}
		return Some(arr), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return Optional[[6]byte]{}, fmt.Errorf("field %q: %w", key, err)
	}
	s = strings.ReplaceAll(s, "_", ":")
	segs := strings.Split(s, ":")
	if len(segs) != 6 {
		return Optional[[6]byte]{}, fmt.Errorf("field %q: invalid MAC %q", key, s)
	}
	var arr [6]byte
	for i, seg := range segs {
		v, err := strconv.ParseUint(seg, 16, 8)
		if err != nil {
			return Optional[[6]byte]{}, fmt.Errorf("field %q: invalid MAC %q", key, s)
		}
		arr[i] = byte(v)
	}
	return Some(arr), nil
}
