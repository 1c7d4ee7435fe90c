package wire

import "encoding/binary"

// BuildCommand encodes a fixed 12-byte command frame: header(6) ||
// opcode(2, LE) || sn(2, LE) || tail(2). sn is 0 for a broadcast.
func BuildCommand(op Opcode, sn uint16) []byte {
	body := make([]byte, BodySizeCommand)
	binary.LittleEndian.PutUint16(body[0:2], uint16(op))
	binary.LittleEndian.PutUint16(body[2:4], sn)
	return buildFrame(HeaderCommand, body)
}

// DecodeCommand parses a 12-byte command frame, validating header and
// tail.
func DecodeCommand(data []byte) (op Opcode, sn uint16, err error) {
	if err := matchHeader(data, HeaderCommand, BodySizeCommand); err != nil {
		return 0, 0, err
	}
	body := data[6 : 6+BodySizeCommand]
	op = Opcode(binary.LittleEndian.Uint16(body[0:2]))
	sn = binary.LittleEndian.Uint16(body[2:4])
	return op, sn, nil
}

// AckBitmap is the 32-byte acknowledgement bitmap carried in an ack
// frame's body, starting at body offset 2 (see DESIGN.md: the source
// indexes the bitmap at absolute packet offset 8, which is body offset
// 2 once the 6-byte header is excluded — not body offset 8, which would
// run past the 34-byte ack body). Bit i%8 of byte i/8 indicates block i
// has been received and CRC-verified by the sensor.
type AckBitmap [32]byte

// BlockAcked reports whether block index i has been acknowledged.
// Preserves the original implementation's defensive bounds guard: a
// block index outside [0,256) is never acknowledged, since the bitmap
// is exactly 32 bytes (256 bits) wide.
func (b AckBitmap) BlockAcked(i int) bool {
	if i < 0 || i >= FlashBlockCount {
		return false
	}
	byteIdx := i / 8
	bitIdx := uint(i % 8)
	return (b[byteIdx]>>bitIdx)&1 == 1
}

// DecodeAck parses a full ack frame (header, 34-byte body, tail) into
// its bitmap.
func DecodeAck(data []byte) (AckBitmap, error) {
	var bitmap AckBitmap
	if err := matchHeader(data, HeaderAck, BodySizeAck); err != nil {
		return bitmap, err
	}
	body := data[6 : 6+BodySizeAck]
	copy(bitmap[:], body[2:2+32])
	return bitmap, nil
}

// BuildAckFrame encodes an ack frame carrying bitmap, for use by sensor
// simulators in tests.
func BuildAckFrame(bitmap AckBitmap) []byte {
	body := make([]byte, BodySizeAck)
	copy(body[2:2+32], bitmap[:])
	return buildFrame(HeaderAck, body)
}

// IsAckFrame reports whether data is shaped like an ack frame (header
// and tail match), without requiring the bitmap region be meaningful.
func IsAckFrame(data []byte) bool {
	return matchHeader(data, HeaderAck, BodySizeAck) == nil
}

// IsStatusFrame reports whether data is a status or status-full frame.
func IsStatusFrame(data []byte) bool {
	return matchHeader(data, HeaderStatus, BodySizeStatus) == nil ||
		matchHeader(data, HeaderStatusFull, BodySizeStatusFull) == nil
}

// IsInfoFrame reports whether data is shaped like an info-v2 frame.
func IsInfoFrame(data []byte) bool {
	return matchHeader(data, HeaderInfoV2, BodySizeInfoV2) == nil
}

// BuildFlashBlock encodes one flash-block frame for blockIndex (0..255)
// of the given firmware, identified by hwID (30 bytes) and fwVersion
// (patch, minor, major). payload is padded to 1024 bytes with 0xFF when
// shorter. The block index is stamped at FlashBlockIndexOffset; see
// DESIGN.md for how the 36-byte meta prefix layout was resolved against
// an inconsistency between spec.md's narrative byte list and its
// header-derived 1062-byte body size.
func BuildFlashBlock(hwID [30]byte, fwVersion [3]byte, blockIndex uint8, payload []byte) []byte {
	if len(payload) > FlashBlockPayloadSize {
		panic("wire: flash block payload exceeds 1024 bytes")
	}
	body := make([]byte, BodySizeFlashBlock)
	copy(body[0:30], hwID[:])
	body[30] = 2
	body[31] = 2
	body[FlashBlockIndexOffset] = blockIndex
	copy(body[33:FlashBlockMetaSize], fwVersion[:])
	padded := body[FlashBlockMetaSize : FlashBlockMetaSize+FlashBlockPayloadSize]
	n := copy(padded, payload)
	for i := n; i < FlashBlockPayloadSize; i++ {
		padded[i] = 0xFF
	}
	crc := CRC16(padded)
	crcOffset := FlashBlockMetaSize + FlashBlockPayloadSize
	binary.LittleEndian.PutUint16(body[crcOffset:crcOffset+2], crc)
	return buildFrame(HeaderFlashBlock, body)
}

// DecodeFlashBlock validates and parses a flash-block frame, returning
// its block index, payload, and whether the CRC matches.
func DecodeFlashBlock(data []byte) (blockIndex uint8, payload []byte, crcOK bool, err error) {
	if err := matchHeader(data, HeaderFlashBlock, BodySizeFlashBlock); err != nil {
		return 0, nil, false, err
	}
	body := data[6 : 6+BodySizeFlashBlock]
	blockIndex = body[FlashBlockIndexOffset]
	payload = append([]byte(nil), body[FlashBlockMetaSize:FlashBlockMetaSize+FlashBlockPayloadSize]...)
	crcOffset := FlashBlockMetaSize + FlashBlockPayloadSize
	wantCRC := binary.LittleEndian.Uint16(body[crcOffset : crcOffset+2])
	crcOK = CRC16(payload) == wantCRC
	return blockIndex, payload, crcOK, nil
}
