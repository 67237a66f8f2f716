package modbus

import (
	"encoding/binary"
	"fmt"
)

// EncodeRequest serializes a request-shaped Pdu into PDU bytes (function code
// byte followed by payload). It does not validate domain ranges beyond what
// is needed to produce well-formed bytes; range validation happens in
// DecodeRequest on the receiving side, matching real Modbus servers which
// validate what they receive, not what they send.
func EncodeRequest(p *Pdu) ([]byte, error) {
	switch p.Function {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters, FuncReadInputRegisters:
		buf := make([]byte, 5)
		buf[0] = byte(p.Function)
		binary.BigEndian.PutUint16(buf[1:], p.Start)
		binary.BigEndian.PutUint16(buf[3:], p.Quantity)
		return buf, nil

	case FuncWriteSingleCoil, FuncWriteSingleRegister:
		buf := make([]byte, 5)
		buf[0] = byte(p.Function)
		binary.BigEndian.PutUint16(buf[1:], p.SingleAddress)
		binary.BigEndian.PutUint16(buf[3:], p.SingleValue)
		return buf, nil

	case FuncWriteMultipleCoils:
		bc := ByteCount(len(p.WriteBits))
		buf := make([]byte, 6+bc)
		buf[0] = byte(p.Function)
		binary.BigEndian.PutUint16(buf[1:], p.WriteStart)
		binary.BigEndian.PutUint16(buf[3:], uint16(len(p.WriteBits)))
		buf[5] = byte(bc)
		packBits(buf[6:], p.WriteBits)
		return buf, nil

	case FuncWriteMultipleRegisters:
		bc := len(p.WriteWords) * 2
		buf := make([]byte, 6+bc)
		buf[0] = byte(p.Function)
		binary.BigEndian.PutUint16(buf[1:], p.WriteStart)
		binary.BigEndian.PutUint16(buf[3:], uint16(len(p.WriteWords)))
		buf[5] = byte(bc)
		for i, w := range p.WriteWords {
			binary.BigEndian.PutUint16(buf[6+i*2:], w)
		}
		return buf, nil

	case FuncMaskWriteRegister:
		buf := make([]byte, 7)
		buf[0] = byte(p.Function)
		binary.BigEndian.PutUint16(buf[1:], p.MaskAddress)
		binary.BigEndian.PutUint16(buf[3:], p.AndMask)
		binary.BigEndian.PutUint16(buf[5:], p.OrMask)
		return buf, nil

	case FuncReadWriteMultipleRegisters:
		bc := len(p.RWWriteWords) * 2
		buf := make([]byte, 10+bc)
		buf[0] = byte(p.Function)
		binary.BigEndian.PutUint16(buf[1:], p.ReadStart)
		binary.BigEndian.PutUint16(buf[3:], p.ReadQuantity)
		binary.BigEndian.PutUint16(buf[5:], p.RWWriteStart)
		binary.BigEndian.PutUint16(buf[7:], p.RWWriteQty)
		buf[9] = byte(bc)
		for i, w := range p.RWWriteWords {
			binary.BigEndian.PutUint16(buf[10+i*2:], w)
		}
		return buf, nil

	default:
		return nil, &ProtocolError{FunctionCode: byte(p.Function), Reason: "unknown function code"}
	}
}

// DecodeRequest parses PDU bytes received by a server into a typed Pdu,
// enforcing the quantity/byte-count ranges of spec.md table 4.2.
func DecodeRequest(data []byte) (*Pdu, error) {
	if len(data) == 0 {
		return nil, &FrameError{Reason: "empty pdu"}
	}
	fc := FunctionCode(data[0])
	p := &Pdu{Function: fc}

	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs:
		if len(data) != 5 {
			return nil, &FrameError{Reason: "bad read request length"}
		}
		p.Start = binary.BigEndian.Uint16(data[1:])
		p.Quantity = binary.BigEndian.Uint16(data[3:])
		if p.Quantity == 0 || p.Quantity > 2000 {
			return nil, exceptionErr(fc, ExIllegalDataValue)
		}
		if !addressInRange(p.Start, p.Quantity) {
			return nil, exceptionErr(fc, ExIllegalDataAddress)
		}
		return p, nil

	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		if len(data) != 5 {
			return nil, &FrameError{Reason: "bad read request length"}
		}
		p.Start = binary.BigEndian.Uint16(data[1:])
		p.Quantity = binary.BigEndian.Uint16(data[3:])
		if p.Quantity == 0 || p.Quantity > 125 {
			return nil, exceptionErr(fc, ExIllegalDataValue)
		}
		if !addressInRange(p.Start, p.Quantity) {
			return nil, exceptionErr(fc, ExIllegalDataAddress)
		}
		return p, nil

	case FuncWriteSingleCoil:
		if len(data) != 5 {
			return nil, &FrameError{Reason: "bad write-single-coil length"}
		}
		p.SingleAddress = binary.BigEndian.Uint16(data[1:])
		p.SingleValue = binary.BigEndian.Uint16(data[3:])
		if p.SingleValue != 0x0000 && p.SingleValue != 0xFF00 {
			return nil, exceptionErr(fc, ExIllegalDataValue)
		}
		return p, nil

	case FuncWriteSingleRegister:
		if len(data) != 5 {
			return nil, &FrameError{Reason: "bad write-single-register length"}
		}
		p.SingleAddress = binary.BigEndian.Uint16(data[1:])
		p.SingleValue = binary.BigEndian.Uint16(data[3:])
		return p, nil

	case FuncWriteMultipleCoils:
		if len(data) < 6 {
			return nil, &FrameError{Reason: "short write-multiple-coils"}
		}
		p.WriteStart = binary.BigEndian.Uint16(data[1:])
		qty := binary.BigEndian.Uint16(data[3:])
		bc := int(data[5])
		if qty == 0 || qty > 1968 || bc != ByteCount(int(qty)) || len(data) != 6+bc {
			return nil, exceptionErr(fc, ExIllegalDataValue)
		}
		if !addressInRange(p.WriteStart, qty) {
			return nil, exceptionErr(fc, ExIllegalDataAddress)
		}
		p.WriteQuantity = qty
		p.WriteBits = unpackBits(data[6:6+bc], int(qty))
		return p, nil

	case FuncWriteMultipleRegisters:
		if len(data) < 6 {
			return nil, &FrameError{Reason: "short write-multiple-registers"}
		}
		p.WriteStart = binary.BigEndian.Uint16(data[1:])
		qty := binary.BigEndian.Uint16(data[3:])
		bc := int(data[5])
		if qty == 0 || qty > 123 || bc != int(qty)*2 || len(data) != 6+bc {
			return nil, exceptionErr(fc, ExIllegalDataValue)
		}
		if !addressInRange(p.WriteStart, qty) {
			return nil, exceptionErr(fc, ExIllegalDataAddress)
		}
		p.WriteQuantity = qty
		p.WriteWords = make([]uint16, qty)
		for i := range p.WriteWords {
			p.WriteWords[i] = binary.BigEndian.Uint16(data[6+i*2:])
		}
		return p, nil

	case FuncMaskWriteRegister:
		if len(data) != 7 {
			return nil, &FrameError{Reason: "bad mask-write-register length"}
		}
		p.MaskAddress = binary.BigEndian.Uint16(data[1:])
		p.AndMask = binary.BigEndian.Uint16(data[3:])
		p.OrMask = binary.BigEndian.Uint16(data[5:])
		return p, nil

	case FuncReadWriteMultipleRegisters:
		if len(data) < 10 {
			return nil, &FrameError{Reason: "short read-write-multiple"}
		}
		p.ReadStart = binary.BigEndian.Uint16(data[1:])
		p.ReadQuantity = binary.BigEndian.Uint16(data[3:])
		p.RWWriteStart = binary.BigEndian.Uint16(data[5:])
		wqty := binary.BigEndian.Uint16(data[7:])
		bc := int(data[9])
		if p.ReadQuantity == 0 || p.ReadQuantity > 125 ||
			wqty == 0 || wqty > 121 || bc != int(wqty)*2 || len(data) != 10+bc {
			return nil, exceptionErr(fc, ExIllegalDataValue)
		}
		if !addressInRange(p.ReadStart, p.ReadQuantity) || !addressInRange(p.RWWriteStart, wqty) {
			return nil, exceptionErr(fc, ExIllegalDataAddress)
		}
		p.RWWriteQty = wqty
		p.RWWriteWords = make([]uint16, wqty)
		for i := range p.RWWriteWords {
			p.RWWriteWords[i] = binary.BigEndian.Uint16(data[10+i*2:])
		}
		return p, nil

	default:
		return nil, exceptionErr(fc, ExIllegalFunction)
	}
}

// EncodeResponse serializes a response-shaped Pdu (including exception
// responses) into PDU bytes.
func EncodeResponse(p *Pdu) ([]byte, error) {
	if p.Function.IsException() {
		return []byte{byte(p.Function), byte(p.Exception)}, nil
	}

	switch p.Function {
	case FuncReadCoils, FuncReadDiscreteInputs:
		bc := ByteCount(len(p.Bits))
		buf := make([]byte, 2+bc)
		buf[0] = byte(p.Function)
		buf[1] = byte(bc)
		packBits(buf[2:], p.Bits)
		return buf, nil

	case FuncReadHoldingRegisters, FuncReadInputRegisters, FuncReadWriteMultipleRegisters:
		bc := len(p.Words) * 2
		buf := make([]byte, 2+bc)
		buf[0] = byte(p.Function)
		buf[1] = byte(bc)
		for i, w := range p.Words {
			binary.BigEndian.PutUint16(buf[2+i*2:], w)
		}
		return buf, nil

	case FuncWriteSingleCoil, FuncWriteSingleRegister:
		buf := make([]byte, 5)
		buf[0] = byte(p.Function)
		binary.BigEndian.PutUint16(buf[1:], p.SingleAddress)
		binary.BigEndian.PutUint16(buf[3:], p.SingleValue)
		return buf, nil

	case FuncWriteMultipleCoils, FuncWriteMultipleRegisters:
		buf := make([]byte, 5)
		buf[0] = byte(p.Function)
		binary.BigEndian.PutUint16(buf[1:], p.WriteStart)
		binary.BigEndian.PutUint16(buf[3:], p.WriteQuantity)
		return buf, nil

	case FuncMaskWriteRegister:
		buf := make([]byte, 7)
		buf[0] = byte(p.Function)
		binary.BigEndian.PutUint16(buf[1:], p.MaskAddress)
		binary.BigEndian.PutUint16(buf[3:], p.AndMask)
		binary.BigEndian.PutUint16(buf[5:], p.OrMask)
		return buf, nil

	default:
		return nil, &ProtocolError{FunctionCode: byte(p.Function), Reason: "unknown function code"}
	}
}

// DecodeResponse parses PDU bytes received by a client, given the request
// function code it is expected to answer (needed to know the response shape
// and the request's own quantity, since reads don't echo it).
func DecodeResponse(reqFunc FunctionCode, reqQuantity uint16, data []byte) (*Pdu, error) {
	if len(data) < 2 {
		return nil, &FrameError{Reason: "short response pdu"}
	}
	fc := FunctionCode(data[0])
	if fc.IsException() {
		if fc.Base() != reqFunc {
			return nil, &FrameError{Reason: "exception response function mismatch"}
		}
		return &Pdu{Function: fc, Exception: Exception(data[1])}, nil
	}
	if fc != reqFunc {
		return nil, &FrameError{Reason: "response function mismatch"}
	}

	p := &Pdu{Function: fc}
	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs:
		if len(data) < 2 {
			return nil, &FrameError{Reason: "short read response"}
		}
		bc := int(data[1])
		if len(data) != 2+bc {
			return nil, &FrameError{Reason: "read response byte-count mismatch"}
		}
		p.Bits = unpackBits(data[2:2+bc], int(reqQuantity))
		return p, nil

	case FuncReadHoldingRegisters, FuncReadInputRegisters, FuncReadWriteMultipleRegisters:
		bc := int(data[1])
		if len(data) != 2+bc || bc%2 != 0 {
			return nil, &FrameError{Reason: "read response byte-count mismatch"}
		}
		n := bc / 2
		p.Words = make([]uint16, n)
		for i := 0; i < n; i++ {
			p.Words[i] = binary.BigEndian.Uint16(data[2+i*2:])
		}
		return p, nil

	case FuncWriteSingleCoil, FuncWriteSingleRegister:
		if len(data) != 5 {
			return nil, &FrameError{Reason: "bad write-single echo length"}
		}
		p.SingleAddress = binary.BigEndian.Uint16(data[1:])
		p.SingleValue = binary.BigEndian.Uint16(data[3:])
		return p, nil

	case FuncWriteMultipleCoils, FuncWriteMultipleRegisters:
		if len(data) != 5 {
			return nil, &FrameError{Reason: "bad write-multiple ack length"}
		}
		p.WriteStart = binary.BigEndian.Uint16(data[1:])
		p.WriteQuantity = binary.BigEndian.Uint16(data[3:])
		return p, nil

	case FuncMaskWriteRegister:
		if len(data) != 7 {
			return nil, &FrameError{Reason: "bad mask-write echo length"}
		}
		p.MaskAddress = binary.BigEndian.Uint16(data[1:])
		p.AndMask = binary.BigEndian.Uint16(data[3:])
		p.OrMask = binary.BigEndian.Uint16(data[5:])
		return p, nil

	default:
		return nil, &ProtocolError{FunctionCode: byte(fc), Reason: "unsupported response function code"}
	}
}

func exceptionErr(fc FunctionCode, ex Exception) error {
	return &ProtocolError{FunctionCode: byte(fc), Exception: ex, Reason: fmt.Sprintf("%s", ex)}
}

// addressInRange reports whether [start, start+qty) fits inside the 16-bit
// address space without wrapping past 0xFFFF (spec.md §8 scenario 3: a
// request whose range crosses the boundary is an illegal address, not a
// silently-wrapped read/write).
func addressInRange(start, qty uint16) bool {
	return uint32(start)+uint32(qty) <= 0x10000
}

// packBits packs bools into bytes, bit 0 of the first byte is the first bit;
// unused high bits of the final byte are left zero.
func packBits(dst []byte, bits []bool) {
	for i, b := range bits {
		if b {
			dst[i/8] |= 1 << uint(i%8)
		}
	}
}

// unpackBits is the inverse of packBits, truncated/padded to n bits.
func unpackBits(src []byte, n int) []bool {
	bits := make([]bool, n)
	for i := 0; i < n; i++ {
		byteIdx := i / 8
		bitIdx := uint(i % 8)
		if byteIdx < len(src) {
			bits[i] = src[byteIdx]&(1<<bitIdx) != 0
		}
	}
	return bits
}

// MaskWrite applies the FC22 mask-write formula: (current AND and-mask) OR
// (or-mask AND NOT and-mask).
func MaskWrite(current, andMask, orMask uint16) uint16 {
	return (current & andMask) | (orMask &^ andMask)
}
