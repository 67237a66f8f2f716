package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeReadRequest(t *testing.T) {
	req := &Pdu{Function: FuncReadHoldingRegisters, Start: 10, Quantity: 4}
	wire, err := EncodeRequest(req)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0x00, 0x0A, 0x00, 0x04}, wire)

	decoded, err := DecodeRequest(wire)
	require.NoError(t, err)
	assert.Equal(t, req.Start, decoded.Start)
	assert.Equal(t, req.Quantity, decoded.Quantity)
}

func TestDecodeRequestRejectsOversizedQuantity(t *testing.T) {
	wire := []byte{0x03, 0x00, 0x00, 0x00, 0x7E} // 126 registers, over the 125 cap
	_, err := DecodeRequest(wire)
	require.Error(t, err)

	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, ExIllegalDataValue, protoErr.Exception)
}

func TestDecodeRequestRejectsAddressWraparound(t *testing.T) {
	// FC03 start=0xFFFF, quantity=2: would read across the 0xFFFF->0x0000
	// boundary if allowed; must be rejected as illegal address (exception 02).
	wire := []byte{0x03, 0xFF, 0xFF, 0x00, 0x02}
	_, err := DecodeRequest(wire)
	require.Error(t, err)

	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, ExIllegalDataAddress, protoErr.Exception)
}

func TestDecodeRequestUnknownFunctionCode(t *testing.T) {
	_, err := DecodeRequest([]byte{0x09, 0x00})
	require.Error(t, err)

	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, ExIllegalFunction, protoErr.Exception)
}

func TestWriteMultipleCoilsRoundTrip(t *testing.T) {
	bits := []bool{true, false, true, true, false, false, false, true, true}
	req := &Pdu{Function: FuncWriteMultipleCoils, WriteStart: 20, WriteBits: bits}
	wire, err := EncodeRequest(req)
	require.NoError(t, err)
	require.Equal(t, FunctionCode(0x0F), FunctionCode(wire[0]))
	assert.Equal(t, byte(2), wire[5]) // ceil(9/8) = 2

	decoded, err := DecodeRequest(wire)
	require.NoError(t, err)
	assert.Equal(t, bits, decoded.WriteBits)
}

func TestWriteMultipleCoilsByteCountMismatch(t *testing.T) {
	// Claims qty=9 (needs 2 bytes) but only supplies 1 byte of payload.
	wire := []byte{0x0F, 0x00, 0x14, 0x00, 0x09, 0x01, 0xFF}
	_, err := DecodeRequest(wire)
	require.Error(t, err)
	var protoErr *ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, ExIllegalDataValue, protoErr.Exception)
}

func TestEncodeDecodeResponseRoundTrip(t *testing.T) {
	resp := &Pdu{Function: FuncReadInputRegisters, Words: []uint16{1, 2, 3}}
	wire, err := EncodeResponse(resp)
	require.NoError(t, err)

	decoded, err := DecodeResponse(FuncReadInputRegisters, 3, wire)
	require.NoError(t, err)
	assert.Equal(t, resp.Words, decoded.Words)
}

func TestDecodeResponseExceptionFunctionMismatch(t *testing.T) {
	// Exception byte for FC 0x04 but request was for FC 0x03.
	wire := []byte{0x04 | 0x80, byte(ExIllegalDataAddress)}
	_, err := DecodeResponse(FuncReadHoldingRegisters, 1, wire)
	require.Error(t, err)

	var frameErr *FrameError
	assert.ErrorAs(t, err, &frameErr)
}

func TestDecodeResponseException(t *testing.T) {
	wire := []byte{byte(FuncReadHoldingRegisters.AsException()), byte(ExIllegalDataAddress)}
	resp, err := DecodeResponse(FuncReadHoldingRegisters, 1, wire)
	require.NoError(t, err)
	assert.True(t, resp.Function.IsException())
	assert.Equal(t, ExIllegalDataAddress, resp.Exception)
}

func TestMaskWrite(t *testing.T) {
	// spec example: current 0x0012, and 0x00F2, or 0x0025 -> 0x0017.
	got := MaskWrite(0x0012, 0x00F2, 0x0025)
	assert.Equal(t, uint16(0x0017), got)
}

func TestPackUnpackBitsRoundTrip(t *testing.T) {
	bits := []bool{true, true, false, true, false, false, false, false, true}
	packed := make([]byte, ByteCount(len(bits)))
	packBits(packed, bits)
	assert.Equal(t, bits, unpackBits(packed, len(bits)))
}
