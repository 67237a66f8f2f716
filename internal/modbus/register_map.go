package modbus

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// RegisterMap is the address-indexed structure of spec.md §4.4: it holds
// typed register views over the four tables and answers read/write ranges
// against them. One RegisterMap backs one peer's address space.
type RegisterMap struct {
	mu sync.RWMutex

	littleEndian bool
	logger       *zap.Logger

	words [4]map[uint16]uint16
	bits  [4]map[uint16]bool

	covered    [4]map[uint16]*Register   // addr -> a register spanning it (any register; used for "is this configured")
	startRegs  [4]map[uint16][]*Register // addr -> registers that START exactly here
	pointIndex map[string]*Register
}

// NewRegisterMap builds a RegisterMap from a resolved binding set. Bindings
// sharing a starting address are only valid for Bits-kind registers (each
// owning a distinct bit position of the same word); any other overlap is a
// configuration error.
func NewRegisterMap(bindings []Binding, littleEndian bool, logger *zap.Logger) (*RegisterMap, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rm := &RegisterMap{
		littleEndian: littleEndian,
		logger:       logger,
		pointIndex:   make(map[string]*Register),
	}
	for t := range rm.words {
		rm.words[t] = make(map[uint16]uint16)
		rm.bits[t] = make(map[uint16]bool)
		rm.covered[t] = make(map[uint16]*Register)
		rm.startRegs[t] = make(map[uint16][]*Register)
	}

	for _, b := range bindings {
		reg := b.Register
		reg.PointID = b.Point.ID
		copyReg := reg
		width := copyReg.Width()
		table := copyReg.Table

		for i := 0; i < width; i++ {
			other, ok := rm.covered[table][copyReg.Address+uint16(i)]
			if ok && !(other.Kind == KindBits && copyReg.Kind == KindBits && other.Address == copyReg.Address) {
				return nil, &ValueError{Reason: "overlapping register binding at address " + table.String()}
			}
		}
		rm.startRegs[table][copyReg.Address] = append(rm.startRegs[table][copyReg.Address], &copyReg)

		for i := 0; i < width; i++ {
			addr := copyReg.Address + uint16(i)
			rm.covered[table][addr] = &copyReg
			if isBitTable(table) {
				if _, ok := rm.bits[table][addr]; !ok {
					rm.bits[table][addr] = false
				}
			} else {
				if _, ok := rm.words[table][addr]; !ok {
					rm.words[table][addr] = 0
				}
			}
		}
		rm.pointIndex[b.Point.ID] = &copyReg
	}

	return rm, nil
}

func isBitTable(t Table) bool {
	return t == TableCoils || t == TableDiscreteInputs
}

// ReadWords returns qty raw words starting at start on a register table.
// Addresses with no configured register default to zero and log a warning.
func (rm *RegisterMap) ReadWords(table Table, start uint16, qty int) []uint16 {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	out := make([]uint16, qty)
	for i := 0; i < qty; i++ {
		addr := start + uint16(i)
		if _, ok := rm.covered[table][addr]; !ok {
			rm.logger.Warn("read of unconfigured address defaults to zero",
				zap.String("table", table.String()), zap.Uint32("address", uint32(addr)))
			continue
		}
		out[i] = rm.words[table][addr]
	}
	return out
}

// ReadBits is the ReadWords analogue for the coil/discrete-input tables.
func (rm *RegisterMap) ReadBits(table Table, start uint16, qty int) []bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	out := make([]bool, qty)
	for i := 0; i < qty; i++ {
		addr := start + uint16(i)
		if _, ok := rm.covered[table][addr]; !ok {
			rm.logger.Warn("read of unconfigured address defaults to zero",
				zap.String("table", table.String()), zap.Uint32("address", uint32(addr)))
			continue
		}
		out[i] = rm.bits[table][addr]
	}
	return out
}

// WriteWords applies an incoming word write to the register views covering
// [start, start+len(words)) and returns the point values those views now
// decode to. A register whose full width isn't contained in the write is
// rejected with ValueError (exception 03); an address with no configured
// register at all is rejected with AddressError (exception 02).
func (rm *RegisterMap) WriteWords(table Table, start uint16, words []uint16) ([]PointValue, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	n := len(words)
	now := time.Now()
	var out []PointValue
	processed := make(map[*Register]bool)

	for i := 0; i < n; i++ {
		addr := start + uint16(i)
		cov, ok := rm.covered[table][addr]
		if !ok {
			return nil, &AddressError{Table: table, Address: addr, Reason: "no register configured"}
		}
		if i == 0 && cov.Address != addr {
			return nil, &ValueError{Reason: "write does not fully cover multi-register view"}
		}
		regs := rm.startRegs[table][addr]
		for _, reg := range regs {
			if processed[reg] {
				continue
			}
			if reg.ReadOnly {
				return nil, &ProtocolError{FunctionCode: 0, Exception: ExIllegalFunction, Reason: "register is read-only"}
			}
			width := reg.Width()
			if int(addr-start)+width > n {
				return nil, &ValueError{Reason: "write does not fully cover multi-register view"}
			}
			slice := words[addr-start : int(addr-start)+width]
			val, err := reg.DecodeValue(slice, rm.littleEndian)
			if err != nil {
				return nil, err
			}
			for j := 0; j < width; j++ {
				rm.words[table][addr+uint16(j)] = slice[j]
			}
			processed[reg] = true
			out = append(out, PointValue{PointID: reg.PointID, Value: val, Timestamp: now})
		}
	}
	return out, nil
}

// WriteBits is the WriteWords analogue for the coil table.
func (rm *RegisterMap) WriteBits(table Table, start uint16, bits []bool) ([]PointValue, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	n := len(bits)
	now := time.Now()
	var out []PointValue
	processed := make(map[*Register]bool)

	for i := 0; i < n; i++ {
		addr := start + uint16(i)
		cov, ok := rm.covered[table][addr]
		if !ok {
			return nil, &AddressError{Table: table, Address: addr, Reason: "no register configured"}
		}
		if i == 0 && cov.Address != addr {
			return nil, &ValueError{Reason: "write does not fully cover multi-register view"}
		}
		regs := rm.startRegs[table][addr]
		for _, reg := range regs {
			if processed[reg] {
				continue
			}
			if reg.ReadOnly {
				return nil, &ProtocolError{FunctionCode: 0, Exception: ExIllegalFunction, Reason: "register is read-only"}
			}
			width := reg.Width()
			if int(addr-start)+width > n {
				return nil, &ValueError{Reason: "write does not fully cover multi-register view"}
			}
			slice := bits[addr-start : int(addr-start)+width]
			var val interface{}
			if reg.Kind == KindDiscreteArray {
				cp := make([]bool, len(slice))
				copy(cp, slice)
				val = cp
			} else {
				val = slice[0]
			}
			for j := 0; j < width; j++ {
				rm.bits[table][addr+uint16(j)] = slice[j]
			}
			processed[reg] = true
			out = append(out, PointValue{PointID: reg.PointID, Value: val, Timestamp: now})
		}
	}
	return out, nil
}

// SetPointValue updates the backing store for a single bound point, used by
// the server's pull-model responder to materialize fresh values ahead of a
// read. For Bits-kind registers only the owned bit of the shared word is
// touched, preserving bits owned by other points (spec.md §4.4).
func (rm *RegisterMap) SetPointValue(pointID string, value interface{}) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	reg, ok := rm.pointIndex[pointID]
	if !ok {
		return &AddressError{Reason: "no register bound to point " + pointID}
	}

	if reg.Kind == KindBits {
		b, ok := value.(bool)
		if !ok {
			return &ValueError{Reason: "Bits point requires a bool value"}
		}
		cur := rm.words[reg.Table][reg.Address]
		bit := uint16(1) << uint(reg.BitPosition)
		if b {
			cur |= bit
		} else {
			cur &^= bit
		}
		rm.words[reg.Table][reg.Address] = cur
		return nil
	}

	if isBitTable(reg.Table) {
		if reg.Kind == KindDiscreteArray {
			bs, ok := value.([]bool)
			if !ok || len(bs) != reg.ArrayLen {
				return &ValueError{Reason: "DiscreteArray point requires a matching []bool"}
			}
			for i, b := range bs {
				rm.bits[reg.Table][reg.Address+uint16(i)] = b
			}
			return nil
		}
		b, ok := value.(bool)
		if !ok {
			return &ValueError{Reason: "Discrete point requires a bool value"}
		}
		rm.bits[reg.Table][reg.Address] = b
		return nil
	}

	words, err := reg.EncodeValue(value, rm.littleEndian)
	if err != nil {
		return err
	}
	for i, w := range words {
		rm.words[reg.Table][reg.Address+uint16(i)] = w
	}
	return nil
}

// GetPointValue decodes the current backing store into the typed value its
// bound register represents.
func (rm *RegisterMap) GetPointValue(pointID string) (interface{}, error) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	reg, ok := rm.pointIndex[pointID]
	if !ok {
		return nil, &AddressError{Reason: "no register bound to point " + pointID}
	}

	if reg.Kind == KindBits {
		cur := rm.words[reg.Table][reg.Address]
		return cur&(1<<uint(reg.BitPosition)) != 0, nil
	}
	if isBitTable(reg.Table) {
		if reg.Kind == KindDiscreteArray {
			out := make([]bool, reg.ArrayLen)
			for i := range out {
				out[i] = rm.bits[reg.Table][reg.Address+uint16(i)]
			}
			return out, nil
		}
		return rm.bits[reg.Table][reg.Address], nil
	}

	width := reg.Width()
	words := make([]uint16, width)
	for i := range words {
		words[i] = rm.words[reg.Table][reg.Address+uint16(i)]
	}
	return reg.DecodeValue(words, rm.littleEndian)
}

// BumpSequenceIfTouched implements the Sequence register's post-increment
// rule: when touched is true and [start, start+qty) on the holding-register
// table includes seqAddr, the counter there goes up by one, mod 2^16. The
// server calls it after FC06, FC16 and the write half of FC23, with the
// written range; reads and FC22 mask writes leave the counter unchanged.
func (rm *RegisterMap) BumpSequenceIfTouched(table Table, start uint16, qty int, seqAddr uint16, touched bool) {
	if !touched {
		return
	}
	if table != TableHoldingRegisters {
		return
	}
	if seqAddr < start || seqAddr >= start+uint16(qty) {
		return
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.words[TableHoldingRegisters][seqAddr]++
}
