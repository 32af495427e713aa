package gsm0710_test

import (
	"testing"

	"github.com/daedaluz/gatmux/gsm0710"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFillBasicEmptyInfo(t *testing.T) {
	t.Parallel()
	got := gsm0710.FillBasic(1, gsm0710.SABM, nil)
	assert.Equal(t, []byte{0xF9, 0x07, 0x3F, 0x01, 0xDE, 0xF9}, got)
}

func TestFillBasicWithPayload(t *testing.T) {
	t.Parallel()
	got := gsm0710.FillBasic(1, gsm0710.UIH, []byte{0x12, 0x34, 0x56})
	assert.Equal(t, []byte{0xF9, 0x07, 0xEF, 0x07, 0x12, 0x34, 0x56, 0xD3, 0xF9}, got)
}

func TestFillAdvancedEmptyInfo(t *testing.T) {
	t.Parallel()
	got := gsm0710.FillAdvanced(1, gsm0710.SABM, nil)
	assert.Equal(t, []byte{0x7E, 0x07, 0x3F, 0x89, 0x7E}, got)
}

func TestFillAdvancedEscapesPayloadAndFCS(t *testing.T) {
	t.Parallel()
	got := gsm0710.FillAdvanced(1, gsm0710.UIH, []byte{0x12, 0x34, 0x56, 0x7E, 0x78, 0x7D})
	assert.Equal(t, []byte{0x7E, 0x07, 0xEF, 0x12, 0x34, 0x56, 0x7D, 0x5E, 0x78, 0x7D, 0x5D, 0x05, 0x7E}, got)
}

func TestExtractBasicSkipsLeadingGarbage(t *testing.T) {
	t.Parallel()
	in := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xF9, 0x07, 0xEF, 0x07, 0x12, 0x34, 0x56, 0xD3, 0xF9}
	consumed, dlc, ctrl, payload, ok := gsm0710.ExtractBasic(in)
	require.True(t, ok)
	assert.Equal(t, len(in), consumed)
	assert.EqualValues(t, 1, dlc)
	assert.EqualValues(t, gsm0710.UIH, ctrl)
	assert.Equal(t, []byte{0x12, 0x34, 0x56}, payload)
}

func TestExtractBasicIncompleteFrameReturnsNotOK(t *testing.T) {
	t.Parallel()
	in := []byte{0xF9, 0x07, 0xEF, 0x07, 0x12}
	_, _, _, _, ok := gsm0710.ExtractBasic(in)
	assert.False(t, ok)
}

func TestBasicRoundTrip(t *testing.T) {
	t.Parallel()
	for dlc := byte(1); dlc <= 10; dlc++ {
		payload := []byte{byte(dlc), 0xAA, 0xBB, 0xCC}
		frame := gsm0710.FillBasic(dlc, gsm0710.UIH, payload)
		consumed, gotDLC, gotCtrl, gotPayload, ok := gsm0710.ExtractBasic(frame)
		require.True(t, ok)
		assert.Equal(t, len(frame), consumed)
		assert.Equal(t, dlc, gotDLC)
		assert.EqualValues(t, gsm0710.UIH, gotCtrl)
		assert.Equal(t, payload, gotPayload)
	}
}

func TestAdvancedRoundTripWithEscapedBytes(t *testing.T) {
	t.Parallel()
	payload := []byte{0x7E, 0x7D, 0x00, 0xFF, 0x7E}
	frame := gsm0710.FillAdvanced(3, gsm0710.UIH, payload)
	consumed, dlc, ctrl, got, ok := gsm0710.ExtractAdvanced(frame)
	require.True(t, ok)
	assert.Equal(t, len(frame), consumed)
	assert.EqualValues(t, 3, dlc)
	assert.EqualValues(t, gsm0710.UIH, ctrl)
	assert.Equal(t, payload, got)
}

func TestAdvancedFramesSplitAcrossReadsReassemble(t *testing.T) {
	t.Parallel()
	frame := gsm0710.FillAdvanced(2, gsm0710.SABM, nil)
	_, _, _, _, ok := gsm0710.ExtractAdvanced(frame[:len(frame)-1])
	assert.False(t, ok, "partial frame must not parse")

	_, dlc, ctrl, _, ok := gsm0710.ExtractAdvanced(frame)
	require.True(t, ok)
	assert.EqualValues(t, 2, dlc)
	assert.EqualValues(t, gsm0710.SABM, ctrl)
}
