package fleet

import "github.com/banshee-data/ilidar-tool/internal/wire"

// Optional represents a writable field that is either set to a concrete
// value or blank (meaning "keep the live value"). This replaces the
// original protocol's empty-string sentinel convention (spec.md §9
// Design Notes: "Blank-field sentinel").
type Optional[T any] struct {
	Value T
	Set   bool
}

// Some constructs a set Optional.
func Some[T any](v T) Optional[T] { return Optional[T]{Value: v, Set: true} }

// None constructs a blank Optional.
func None[T any]() Optional[T] { return Optional[T]{} }

// DesiredRecord is a partial InfoRecord: every writable field is either
// set or blank. SensorSN is always present and used only for matching,
// never written. Identity/firmware-metadata fields (hw_id, fw_ver,
// fw_date, fw_time, calib_id, fw0/1/2_ver) are not part of this type:
// they are never written regardless, per spec.md §3.
type DesiredRecord struct {
	SensorSN uint16

	ModelID Optional[byte]

	CaptureMode     Optional[byte]
	CaptureRow      Optional[byte]
	CaptureShutter  Optional[[5]uint16]
	CaptureLimit    Optional[[2]uint16]
	CapturePeriodUs Optional[uint32]
	CaptureSeq      Optional[byte]

	DataOutput Optional[byte]
	DataBaud   Optional[uint32]

	DataSensorIP Optional[[4]byte]
	DataDestIP   Optional[[4]byte]
	DataSubnet   Optional[[4]byte]
	DataGateway  Optional[[4]byte]
	DataPort     Optional[uint16]
	DataMacAddr  Optional[[6]byte]

	Sync              Optional[byte]
	SyncTrigDelayUs   Optional[uint32]
	SyncIllDelayUs    Optional[[15]uint16]
	SyncTrigTrimUs    Optional[byte]
	SyncIllTrimUs     Optional[byte]
	SyncOutputDelayUs Optional[uint16]

	Arb          Optional[byte]
	ArbTimeoutUs Optional[uint32]
}

// Merge fills every blank field of d from live, returning the merged
// record and the list of field names that were filled from live
// (mirroring the original's overwrite_info_v2 return value, spec.md
// §4.6 / §8 "Diff idempotence").
func (d DesiredRecord) Merge(live wire.InfoRecord) (wire.InfoRecord, []string) {
	merged := live
	var filled []string

	if d.ModelID.Set {
		merged.ModelID = d.ModelID.Value
	} else {
		filled = appendIfMissing(filled, "model_id")
	}
	if d.CaptureMode.Set {
		merged.CaptureMode = d.CaptureMode.Value
	} else {
		filled = appendIfMissing(filled, "capture_mode")
	}
	if d.CaptureRow.Set {
		merged.CaptureRow = d.CaptureRow.Value
	} else {
		filled = appendIfMissing(filled, "capture_row")
	}
	if d.CaptureShutter.Set {
		merged.CaptureShutter = d.CaptureShutter.Value
	} else {
		filled = appendIfMissing(filled, "capture_shutter")
	}
	if d.CaptureLimit.Set {
		merged.CaptureLimit = d.CaptureLimit.Value
	} else {
		filled = appendIfMissing(filled, "capture_limit")
	}
	if d.CapturePeriodUs.Set {
		merged.CapturePeriodUs = d.CapturePeriodUs.Value
	} else {
		filled = appendIfMissing(filled, "capture_period_us")
	}
	if d.CaptureSeq.Set {
		merged.CaptureSeq = d.CaptureSeq.Value
	} else {
		filled = appendIfMissing(filled, "capture_seq")
	}
	if d.DataOutput.Set {
		merged.DataOutput = d.DataOutput.Value
	} else {
		filled = appendIfMissing(filled, "data_output")
	}
	if d.DataBaud.Set {
		merged.DataBaud = d.DataBaud.Value
	} else {
		filled = appendIfMissing(filled, "data_baud")
	}
	if d.DataSensorIP.Set {
		merged.DataSensorIP = d.DataSensorIP.Value
	} else {
		filled = appendIfMissing(filled, "data_sensor_ip")
	}
	if d.DataDestIP.Set {
		merged.DataDestIP = d.DataDestIP.Value
	} else {
		filled = appendIfMissing(filled, "data_dest_ip")
	}
	if d.DataSubnet.Set {
		merged.DataSubnet = d.DataSubnet.Value
	} else {
		filled = appendIfMissing(filled, "data_subnet")
	}
	if d.DataGateway.Set {
		merged.DataGateway = d.DataGateway.Value
	} else {
		filled = appendIfMissing(filled, "data_gateway")
	}
	if d.DataPort.Set {
		merged.DataPort = d.DataPort.Value
	} else {
		filled = appendIfMissing(filled, "data_port")
	}
	if d.DataMacAddr.Set {
		merged.DataMacAddr = d.DataMacAddr.Value
	} else {
		filled = appendIfMissing(filled, "data_mac_addr")
	}
	if d.Sync.Set {
		merged.Sync = d.Sync.Value
	} else {
		filled = appendIfMissing(filled, "sync")
	}
	if d.SyncTrigDelayUs.Set {
		merged.SyncTrigDelayUs = d.SyncTrigDelayUs.Value
	} else {
		filled = appendIfMissing(filled, "sync_trig_delay_us")
	}
	if d.SyncIllDelayUs.Set {
		merged.SyncIllDelayUs = d.SyncIllDelayUs.Value
	} else {
		filled = appendIfMissing(filled, "sync_ill_delay_us")
	}
	if d.SyncTrigTrimUs.Set {
		merged.SyncTrigTrimUs = d.SyncTrigTrimUs.Value
	} else {
		filled = appendIfMissing(filled, "sync_trig_trim_us")
	}
	if d.SyncIllTrimUs.Set {
		merged.SyncIllTrimUs = d.SyncIllTrimUs.Value
	} else {
		filled = appendIfMissing(filled, "sync_ill_trim_us")
	}
	if d.SyncOutputDelayUs.Set {
		merged.SyncOutputDelayUs = d.SyncOutputDelayUs.Value
	} else {
		filled = appendIfMissing(filled, "sync_output_delay_us")
	}
	if d.Arb.Set {
		merged.Arb = d.Arb.Value
	} else {
		filled = appendIfMissing(filled, "arb")
	}
	if d.ArbTimeoutUs.Set {
		merged.ArbTimeoutUs = d.ArbTimeoutUs.Value
	} else {
		filled = appendIfMissing(filled, "arb_timeout_us")
	}

	return merged, filled
}

func appendIfMissing(list []string, name string) []string {
	return append(list, name)
}
