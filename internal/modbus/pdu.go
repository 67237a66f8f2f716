// Package modbus implements the wire-level Modbus protocol core: framing
// (MBAP, RTU, ASCII), the function-code codec, the transaction engine, the
// typed register map, and the client/server façades built on top of them.
package modbus

// FunctionCode identifies one of the ten supported function codes; an
// exception response carries the request's code with exceptionBit set.
type FunctionCode byte

const (
	FuncReadCoils                  FunctionCode = 0x01
	FuncReadDiscreteInputs         FunctionCode = 0x02
	FuncReadHoldingRegisters       FunctionCode = 0x03
	FuncReadInputRegisters         FunctionCode = 0x04
	FuncWriteSingleCoil            FunctionCode = 0x05
	FuncWriteSingleRegister        FunctionCode = 0x06
	FuncWriteMultipleCoils         FunctionCode = 0x0F
	FuncWriteMultipleRegisters     FunctionCode = 0x10
	FuncMaskWriteRegister          FunctionCode = 0x16
	FuncReadWriteMultipleRegisters FunctionCode = 0x17

	exceptionBit FunctionCode = 0x80
)

// Table is one of the four disjoint Modbus address spaces.
type Table int

const (
	TableCoils Table = iota
	TableDiscreteInputs
	TableHoldingRegisters
	TableInputRegisters
)

func (t Table) String() string {
	switch t {
	case TableCoils:
		return "coils"
	case TableDiscreteInputs:
		return "discrete-inputs"
	case TableHoldingRegisters:
		return "holding-registers"
	case TableInputRegisters:
		return "input-registers"
	default:
		return "unknown-table"
	}
}

// TableOf returns the address space a given function code operates on.
func (fc FunctionCode) TableOf() Table {
	switch fc {
	case FuncReadCoils, FuncWriteSingleCoil, FuncWriteMultipleCoils:
		return TableCoils
	case FuncReadDiscreteInputs:
		return TableDiscreteInputs
	case FuncReadInputRegisters:
		return TableInputRegisters
	default:
		return TableHoldingRegisters
	}
}

func (fc FunctionCode) IsException() bool {
	return fc&exceptionBit != 0
}

func (fc FunctionCode) AsException() FunctionCode {
	return fc | exceptionBit
}

func (fc FunctionCode) Base() FunctionCode {
	return fc &^ exceptionBit
}

// Pdu is the typed Protocol Data Unit: a function code plus a payload whose
// concrete shape depends on it. Only the field group commented with the
// matching function code (request or response side) is populated; an
// exception response carries only Exception.
type Pdu struct {
	Function  FunctionCode
	Exception Exception // valid only when Function.IsException()

	// Read request (01/02/03/04): start address + quantity.
	Start    uint16
	Quantity uint16

	// Read response (01/02/03/04): packed bits or words.
	Bits  []bool
	Words []uint16

	// Write single coil/register (05/06) request and echo response.
	SingleAddress uint16
	SingleValue   uint16

	// Write multiple (15/16) request.
	WriteStart    uint16
	WriteQuantity uint16
	WriteBits     []bool
	WriteWords    []uint16

	// Mask write register (22).
	MaskAddress uint16
	AndMask     uint16
	OrMask      uint16

	// Read/write multiple registers (23) request.
	ReadStart     uint16
	ReadQuantity  uint16
	RWWriteStart  uint16
	RWWriteQty    uint16
	RWWriteWords  []uint16
}

// ByteCount returns ceil(n/8), the packed-bit byte count used by coil/discrete
// read responses and the FC15 write-multiple-coils byte-count field.
func ByteCount(nBits int) int {
	return (nBits + 7) / 8
}
