package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildCommandPauseUnicast(t *testing.T) {
	// Matches spec.md's end-to-end scenario 2: "pause" unicast frame.
	got := BuildCommand(OpcodePause, 0)
	want := []byte{0xA5, 0x5A, 0x30, 0x00, 0x04, 0x00, 0x01, 0x01, 0x00, 0x00, 0xA5, 0x5A}
	require.Equal(t, want, got)
}

func TestCommandRoundTrip(t *testing.T) {
	frame := BuildCommand(OpcodeReadInfo, 456)
	op, sn, err := DecodeCommand(frame)
	require.NoError(t, err)
	require.Equal(t, OpcodeReadInfo, op)
	require.Equal(t, uint16(456), sn)
}

func TestAckBitmapBounds(t *testing.T) {
	var bm AckBitmap
	bm[0] = 0b00000011 // bits 0 and 1 set

	require.True(t, bm.BlockAcked(0))
	require.True(t, bm.BlockAcked(1))
	require.False(t, bm.BlockAcked(2))

	// Preserves the source's "if _o < 256" bounds guard.
	require.False(t, bm.BlockAcked(-1))
	require.False(t, bm.BlockAcked(256))
	require.False(t, bm.BlockAcked(1000))
}

func TestAckFrameRoundTrip(t *testing.T) {
	var bitmap AckBitmap
	bitmap[0] = 0b00000101 // blocks 0 and 2 acked
	bitmap[31] = 0b10000000 // block 255 acked

	frame := BuildAckFrame(bitmap)
	require.Len(t, frame, 6+BodySizeAck+2)

	got, err := DecodeAck(frame)
	require.NoError(t, err)
	require.Equal(t, bitmap, got)
	require.True(t, got.BlockAcked(0))
	require.True(t, got.BlockAcked(2))
	require.True(t, got.BlockAcked(255))
	require.False(t, got.BlockAcked(1))
}

func TestFlashBlockFraming(t *testing.T) {
	hwID := [30]byte{}
	copy(hwID[:], []byte("ABCDEF012345"))
	fwVersion := [3]byte{1, 0, 5}

	payload := make([]byte, FlashBlockPayloadSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	frame := BuildFlashBlock(hwID, fwVersion, 7, payload)
	require.Len(t, frame, FlashBlockFrameLen)
	require.Equal(t, 1070, FlashBlockFrameLen)

	idx, decodedPayload, crcOK, err := DecodeFlashBlock(frame)
	require.NoError(t, err)
	require.True(t, crcOK)
	require.Equal(t, uint8(7), idx)
	require.Equal(t, payload, decodedPayload)
}

func TestFlashBlockShortPayloadPadded(t *testing.T) {
	hwID := [30]byte{}
	fwVersion := [3]byte{0, 0, 1}
	short := []byte{1, 2, 3}

	frame := BuildFlashBlock(hwID, fwVersion, 255, short)
	_, payload, crcOK, err := DecodeFlashBlock(frame)
	require.NoError(t, err)
	require.True(t, crcOK)
	require.Equal(t, []byte{1, 2, 3}, payload[:3])
	for _, b := range payload[3:] {
		require.Equal(t, byte(0xFF), b)
	}
}
