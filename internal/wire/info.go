package wire

import "encoding/binary"

// InfoRecord is the 166-byte parameter snapshot a sensor returns in
// response to read_info. Byte offsets below are fixed by the wire
// protocol; see DESIGN.md for how they were reconstructed.
//
//	offset  size  field
//	0       2     SN (u16 LE)
//	2       30    HwID
//	32      3     FwVer (patch, minor, major)
//	35      12    FwDate (ASCII)
//	47      9     FwTime (ASCII)
//	56      4     CalibID (u32 LE)
//	60      3     Fw0Ver
//	63      3     Fw1Ver
//	66      3     Fw2Ver
//	69      1     ModelID
//	70      1     BootCtrl
//	71      1     CaptureMode
//	72      1     CaptureRow
//	73      10    CaptureShutter ([5]u16 LE)
//	83      4     CaptureLimit ([2]u16 LE)
//	87      4     CapturePeriodUs (u32 LE)
//	91      1     CaptureSeq
//	92      1     DataOutput
//	93      4     DataBaud (u32 LE)
//	97      4     DataSensorIP
//	101     4     DataDestIP
//	105     4     DataSubnet
//	109     4     DataGateway
//	113     2     DataPort (u16 LE)
//	115     6     DataMacAddr
//	121     1     Sync
//	122     4     SyncTrigDelayUs (u32 LE)
//	126     30    SyncIllDelayUs ([15]u16 LE)
//	156     1     SyncTrigTrimUs
//	157     1     SyncIllTrimUs
//	158     2     SyncOutputDelayUs (u16 LE)
//	160     1     Arb
//	161     4     ArbTimeoutUs (u32 LE)
//	165     1     Lock
type InfoRecord struct {
	SN    uint16
	HwID  [30]byte
	FwVer [3]byte

	FwDate [12]byte
	FwTime [9]byte

	CalibID uint32
	Fw0Ver  [3]byte
	Fw1Ver  [3]byte
	Fw2Ver  [3]byte

	ModelID  byte
	BootCtrl byte

	CaptureMode     byte
	CaptureRow      byte
	CaptureShutter  [5]uint16
	CaptureLimit    [2]uint16
	CapturePeriodUs uint32
	CaptureSeq      byte

	DataOutput byte
	DataBaud   uint32

	DataSensorIP [4]byte
	DataDestIP   [4]byte
	DataSubnet   [4]byte
	DataGateway  [4]byte
	DataPort     uint16
	DataMacAddr  [6]byte

	Sync               byte
	SyncTrigDelayUs    uint32
	SyncIllDelayUs     [15]uint16
	SyncTrigTrimUs     byte
	SyncIllTrimUs      byte
	SyncOutputDelayUs  uint16

	Arb        byte
	ArbTimeoutUs uint32

	// Lock is populated on Decode but never written on Encode: the
	// sensor ignores this byte on write and the source always sends 0.
	// This asymmetry is deliberate (spec.md §9 open question) and must
	// not be "fixed."
	Lock byte
}

// identityStart/identityEnd bound the read-only identity/firmware
// metadata region (offsets 2..=68 inclusive) that Encode always zeroes,
// regardless of the in-memory record's contents.
const (
	identityStart = 2
	identityEnd   = 69 // exclusive
	lockOffset    = 165
)

// EncodeInfoV2 serializes r into a 166-byte info-v2 body. Offsets
// 2..=68 (hw_id, fw_ver, fw_date, fw_time, calib_id, fw0/1/2_ver) are
// always written as zero: the sensor treats them as read-only and
// ignores whatever is sent. Lock is always encoded as zero.
func EncodeInfoV2(r InfoRecord) [BodySizeInfoV2]byte {
	var b [BodySizeInfoV2]byte

	binary.LittleEndian.PutUint16(b[0:2], r.SN)
	// b[2:69] intentionally left zero: identity/firmware metadata.

	b[69] = r.ModelID
	b[70] = r.BootCtrl
	b[71] = r.CaptureMode
	b[72] = r.CaptureRow
	for i, v := range r.CaptureShutter {
		binary.LittleEndian.PutUint16(b[73+i*2:75+i*2], v)
	}
	for i, v := range r.CaptureLimit {
		binary.LittleEndian.PutUint16(b[83+i*2:85+i*2], v)
	}
	binary.LittleEndian.PutUint32(b[87:91], r.CapturePeriodUs)
	b[91] = r.CaptureSeq

	b[92] = r.DataOutput
	binary.LittleEndian.PutUint32(b[93:97], r.DataBaud)
	copy(b[97:101], r.DataSensorIP[:])
	copy(b[101:105], r.DataDestIP[:])
	copy(b[105:109], r.DataSubnet[:])
	copy(b[109:113], r.DataGateway[:])
	binary.LittleEndian.PutUint16(b[113:115], r.DataPort)
	copy(b[115:121], r.DataMacAddr[:])

	b[121] = r.Sync
	binary.LittleEndian.PutUint32(b[122:126], r.SyncTrigDelayUs)
	for i, v := range r.SyncIllDelayUs {
		binary.LittleEndian.PutUint16(b[126+i*2:128+i*2], v)
	}
	b[156] = r.SyncTrigTrimUs
	b[157] = r.SyncIllTrimUs
	binary.LittleEndian.PutUint16(b[158:160], r.SyncOutputDelayUs)

	b[160] = r.Arb
	binary.LittleEndian.PutUint32(b[161:165], r.ArbTimeoutUs)

	// b[165] (lock) intentionally left zero on encode.
	return b
}

// DecodeInfoV2 validates a full info-v2 frame (166+8 bytes: header,
// body, tail) and parses it into an InfoRecord.
func DecodeInfoV2(data []byte) (InfoRecord, error) {
	var r InfoRecord
	if err := matchHeader(data, HeaderInfoV2, BodySizeInfoV2); err != nil {
		return r, err
	}
	b := data[6 : 6+BodySizeInfoV2]

	r.SN = binary.LittleEndian.Uint16(b[0:2])
	copy(r.HwID[:], b[2:32])
	copy(r.FwVer[:], b[32:35])
	copy(r.FwDate[:], b[35:47])
	copy(r.FwTime[:], b[47:56])
	r.CalibID = binary.LittleEndian.Uint32(b[56:60])
	copy(r.Fw0Ver[:], b[60:63])
	copy(r.Fw1Ver[:], b[63:66])
	copy(r.Fw2Ver[:], b[66:69])

	r.ModelID = b[69]
	r.BootCtrl = b[70]
	r.CaptureMode = b[71]
	r.CaptureRow = b[72]
	for i := range r.CaptureShutter {
		r.CaptureShutter[i] = binary.LittleEndian.Uint16(b[73+i*2 : 75+i*2])
	}
	for i := range r.CaptureLimit {
		r.CaptureLimit[i] = binary.LittleEndian.Uint16(b[83+i*2 : 85+i*2])
	}
	r.CapturePeriodUs = binary.LittleEndian.Uint32(b[87:91])
	r.CaptureSeq = b[91]

	r.DataOutput = b[92]
	r.DataBaud = binary.LittleEndian.Uint32(b[93:97])
	copy(r.DataSensorIP[:], b[97:101])
	copy(r.DataDestIP[:], b[101:105])
	copy(r.DataSubnet[:], b[105:109])
	copy(r.DataGateway[:], b[109:113])
	r.DataPort = binary.LittleEndian.Uint16(b[113:115])
	copy(r.DataMacAddr[:], b[115:121])

	r.Sync = b[121]
	r.SyncTrigDelayUs = binary.LittleEndian.Uint32(b[122:126])
	for i := range r.SyncIllDelayUs {
		r.SyncIllDelayUs[i] = binary.LittleEndian.Uint16(b[126+i*2 : 128+i*2])
	}
	r.SyncTrigTrimUs = b[156]
	r.SyncIllTrimUs = b[157]
	r.SyncOutputDelayUs = binary.LittleEndian.Uint16(b[158:160])

	r.Arb = b[160]
	r.ArbTimeoutUs = binary.LittleEndian.Uint32(b[161:165])
	r.Lock = b[165]

	return r, nil
}

// BuildInfoV2Frame encodes r and wraps it in the info-v2 header/tail.
func BuildInfoV2Frame(r InfoRecord) []byte {
	body := EncodeInfoV2(r)
	return buildFrame(HeaderInfoV2, body[:])
}
