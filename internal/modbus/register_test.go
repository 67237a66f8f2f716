package modbus

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWordRegisterRoundTrip(t *testing.T) {
	reg := &Register{Kind: KindWord, Table: TableHoldingRegisters, Signed: true}
	words, err := reg.EncodeValue(int16(-7), false)
	require.NoError(t, err)
	val, err := reg.DecodeValue(words, false)
	require.NoError(t, err)
	assert.Equal(t, int16(-7), val)
}

func TestIntegerRegisterMiddleEndian(t *testing.T) {
	reg := &Register{Kind: KindInteger, Table: TableHoldingRegisters, MiddleEndian: true}
	words, err := reg.EncodeValue(uint32(0x11223344), false)
	require.NoError(t, err)
	// middle_endian swaps the word pair: low word first on the wire.
	assert.Equal(t, []uint16{0x3344, 0x1122}, words)

	val, err := reg.DecodeValue(words, false)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x11223344), val)
}

func TestIntegerRegisterLittleEndianCommutesWithMiddleEndian(t *testing.T) {
	reg := &Register{Kind: KindInteger, Table: TableHoldingRegisters, MiddleEndian: true}
	words, err := reg.EncodeValue(uint32(0x11223344), true)
	require.NoError(t, err)

	val, err := reg.DecodeValue(words, true)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x11223344), val)
}

func TestFloatRegisterRoundTrip(t *testing.T) {
	reg := &Register{Kind: KindFloat, Table: TableHoldingRegisters}
	words, err := reg.EncodeValue(float32(3.5), false)
	require.NoError(t, err)
	val, err := reg.DecodeValue(words, false)
	require.NoError(t, err)
	assert.InDelta(t, float32(3.5), val.(float32), 1e-6)
}

func TestDoubleRegisterRoundTrip(t *testing.T) {
	reg := &Register{Kind: KindDouble, Table: TableHoldingRegisters}
	want := math.Pi
	words, err := reg.EncodeValue(want, false)
	require.NoError(t, err)
	require.Len(t, words, 4)
	val, err := reg.DecodeValue(words, false)
	require.NoError(t, err)
	assert.Equal(t, want, val)
}

func TestLongRegisterRoundTrip(t *testing.T) {
	reg := &Register{Kind: KindLong, Table: TableHoldingRegisters}
	want := uint64(0x0102030405060708)
	words, err := reg.EncodeValue(want, false)
	require.NoError(t, err)
	val, err := reg.DecodeValue(words, false)
	require.NoError(t, err)
	assert.Equal(t, want, val)
}

func TestMaskedRegister(t *testing.T) {
	reg := &Register{Kind: KindMasked, Table: TableHoldingRegisters, Mask: 0x00FF}
	val, err := reg.DecodeValue([]uint16{0x1234}, false)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0034), val)
}

func TestWordArrayRegister(t *testing.T) {
	reg := &Register{Kind: KindWordArray, Table: TableHoldingRegisters, ArrayLen: 3}
	words, err := reg.EncodeValue([]uint16{1, 2, 3}, false)
	require.NoError(t, err)
	val, err := reg.DecodeValue(words, false)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 2, 3}, val)
}

func TestStampAnchorPicksNearestHour(t *testing.T) {
	now := time.Date(2026, 7, 30, 14, 2, 0, 0, time.UTC)
	// Stamp says 3598s into the hour — nearly the top of the hour that just
	// ended, not the one in progress.
	s := StampValue{SecondsInHour: 3598, HundredMicros: 0}
	got := s.Anchor(now)
	assert.Equal(t, 13, got.Hour())
	assert.Equal(t, 59, got.Minute())
	assert.Equal(t, 58, got.Second())
}

func TestTimeRegisterRoundTrip(t *testing.T) {
	reg := &Register{Kind: KindTime, Table: TableHoldingRegisters}
	want := time.Date(2026, time.July, 30, 9, 41, 12, 500000, time.UTC)
	words, err := reg.EncodeValue(want, false)
	require.NoError(t, err)
	require.Len(t, words, 4)

	val, err := reg.DecodeValue(words, false)
	require.NoError(t, err)
	got := val.(time.Time)
	assert.Equal(t, want.Year(), got.Year())
	assert.Equal(t, want.Month(), got.Month())
	assert.Equal(t, want.Day(), got.Day())
	assert.Equal(t, want.Hour(), got.Hour())
	assert.Equal(t, want.Minute(), got.Minute())
	assert.Equal(t, want.Second(), got.Second())
}

func TestDecodeValueRejectsWrongWidth(t *testing.T) {
	reg := &Register{Kind: KindInteger, Table: TableHoldingRegisters}
	_, err := reg.DecodeValue([]uint16{1}, false)
	require.Error(t, err)
	var valueErr *ValueError
	require.ErrorAs(t, err, &valueErr)
}
