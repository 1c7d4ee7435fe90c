package fleet

import (
	"fmt"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/ilidar-tool/internal/wire"
)

// FieldDiff names one field that differs between a merged desired
// record and the live record.
type FieldDiff struct {
	Field string
	Live  string
	Want  string
}

// writableFieldDiffs lists the subset of InfoRecord fields the
// reconciler is allowed to change; identity/firmware metadata and Lock
// are excluded, mirroring EncodeInfoV2's zeroed region.
func writableFieldDiffs(live, merged wire.InfoRecord) []FieldDiff {
	var diffs []FieldDiff
	check := func(name string, liveVal, wantVal any) {
		if !cmp.Equal(liveVal, wantVal) {
			diffs = append(diffs, FieldDiff{
				Field: name,
				Live:  fmt.Sprintf("%v", liveVal),
				Want:  fmt.Sprintf("%v", wantVal),
			})
		}
	}

	check("model_id", live.ModelID, merged.ModelID)
	check("capture_mode", live.CaptureMode, merged.CaptureMode)
	check("capture_row", live.CaptureRow, merged.CaptureRow)
	check("capture_shutter", live.CaptureShutter, merged.CaptureShutter)
	check("capture_limit", live.CaptureLimit, merged.CaptureLimit)
	check("capture_period_us", live.CapturePeriodUs, merged.CapturePeriodUs)
	check("capture_seq", live.CaptureSeq, merged.CaptureSeq)
	check("data_output", live.DataOutput, merged.DataOutput)
	check("data_baud", live.DataBaud, merged.DataBaud)
	check("data_sensor_ip", live.DataSensorIP, merged.DataSensorIP)
	check("data_dest_ip", live.DataDestIP, merged.DataDestIP)
	check("data_subnet", live.DataSubnet, merged.DataSubnet)
	check("data_gateway", live.DataGateway, merged.DataGateway)
	check("data_port", live.DataPort, merged.DataPort)
	check("data_mac_addr", live.DataMacAddr, merged.DataMacAddr)
	check("sync", live.Sync, merged.Sync)
	check("sync_trig_delay_us", live.SyncTrigDelayUs, merged.SyncTrigDelayUs)
	check("sync_ill_delay_us", live.SyncIllDelayUs, merged.SyncIllDelayUs)
	check("sync_trig_trim_us", live.SyncTrigTrimUs, merged.SyncTrigTrimUs)
	check("sync_ill_trim_us", live.SyncIllTrimUs, merged.SyncIllTrimUs)
	check("sync_output_delay_us", live.SyncOutputDelayUs, merged.SyncOutputDelayUs)
	check("arb", live.Arb, merged.Arb)
	check("arb_timeout_us", live.ArbTimeoutUs, merged.ArbTimeoutUs)

	return diffs
}

// Diff returns the writable fields that differ between live and merged.
func Diff(live, merged wire.InfoRecord) []FieldDiff {
	return writableFieldDiffs(live, merged)
}
