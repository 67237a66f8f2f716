package modbus

import (
	"math"
	"time"
)

// Kind tags the register variants of spec.md §3. A closed set, matched
// exhaustively at every encode/decode site rather than modeled as an
// interface hierarchy.
type Kind int

const (
	KindWord Kind = iota
	KindInteger
	KindLong
	KindFloat
	KindDouble
	KindDiscrete
	KindBits
	KindMasked
	KindWordArray
	KindDiscreteArray
	KindSequence
	KindStamp
	KindTime
)

// Register is a typed view over one or more contiguous addresses in one
// table. Address is the zero-based wire address (external point
// configuration uses the one-based convention and is translated to this at
// binding time, see Binding in point.go).
type Register struct {
	Kind     Kind
	Table    Table
	Address  uint16
	ReadOnly bool
	PointID  string

	Signed       bool // Word, Integer
	MiddleEndian bool // Integer, Long, Float, Double

	Mask         uint16 // Masked
	BitPosition  int    // Bits, Discrete-within-Bits: which of the 16 bits this register owns
	ArrayLen     int    // WordArray, DiscreteArray
}

// Width is the number of underlying elements (words for register tables,
// bits for coil tables) this register spans.
func (r *Register) Width() int {
	switch r.Kind {
	case KindWord, KindDiscrete, KindBits, KindMasked, KindSequence:
		return 1
	case KindInteger, KindFloat, KindStamp:
		return 2
	case KindLong, KindDouble, KindTime:
		return 4
	case KindWordArray, KindDiscreteArray:
		return r.ArrayLen
	default:
		return 1
	}
}

// swapBytes reverses the two bytes of a 16-bit word; used when the peer's
// little_endian flag is set. This is applied per-word and is independent of
// (commutes with) the middle_endian pair-ordering transform below — the
// spec's open question on their interaction is resolved by keeping the two
// flags orthogonal (spec.md §9 design notes, Open Question b).
func swapBytes(w uint16) uint16 {
	return w>>8 | w<<8
}

func applyLittleEndian(words []uint16, little bool) []uint16 {
	if !little {
		return words
	}
	out := make([]uint16, len(words))
	for i, w := range words {
		out[i] = swapBytes(w)
	}
	return out
}

// combine32 assembles two 16-bit words into a uint32, honoring middle_endian
// (the "between-word" swap of spec.md §4.4): high word first unless
// middle_endian, in which case the halves are swapped.
func combine32(a, b uint16, middleEndian bool) uint32 {
	hi, lo := a, b
	if middleEndian {
		hi, lo = b, a
	}
	return uint32(hi)<<16 | uint32(lo)
}

func split32(v uint32, middleEndian bool) (a, b uint16) {
	hi := uint16(v >> 16)
	lo := uint16(v)
	if middleEndian {
		return lo, hi
	}
	return hi, lo
}

// combine64 applies the 32-bit pairing rule pairwise to two 32-bit halves,
// per spec.md §3 ("Long — ... same endianness rule applied pairwise on
// 32-bit halves"). The ordering of the two 32-bit halves themselves is
// always high-half-first; only the within-half word pair is affected by
// middle_endian.
func combine64(words [4]uint16, middleEndian bool) uint64 {
	hi := combine32(words[0], words[1], middleEndian)
	lo := combine32(words[2], words[3], middleEndian)
	return uint64(hi)<<32 | uint64(lo)
}

func split64(v uint64, middleEndian bool) [4]uint16 {
	hi := uint32(v >> 32)
	lo := uint32(v)
	var out [4]uint16
	out[0], out[1] = split32(hi, middleEndian)
	out[2], out[3] = split32(lo, middleEndian)
	return out
}

// DecodeValue converts raw words (already little-endian-adjusted by the
// caller is NOT assumed; this function applies little via littleEndian
// itself) into a typed Go value for register-table kinds (Word, Integer,
// Long, Float, Double, WordArray, Sequence, Stamp, Time).
func (r *Register) DecodeValue(words []uint16, littleEndian bool) (interface{}, error) {
	if len(words) != r.Width() {
		return nil, &ValueError{Reason: "word count does not match register width"}
	}
	w := applyLittleEndian(words, littleEndian)

	switch r.Kind {
	case KindWord:
		if r.Signed {
			return int16(w[0]), nil
		}
		return w[0], nil

	case KindInteger:
		v := combine32(w[0], w[1], r.MiddleEndian)
		if r.Signed {
			return int32(v), nil
		}
		return v, nil

	case KindLong:
		return combine64([4]uint16{w[0], w[1], w[2], w[3]}, r.MiddleEndian), nil

	case KindFloat:
		v := combine32(w[0], w[1], r.MiddleEndian)
		return math.Float32frombits(v), nil

	case KindDouble:
		v := combine64([4]uint16{w[0], w[1], w[2], w[3]}, r.MiddleEndian)
		return math.Float64frombits(v), nil

	case KindMasked:
		return w[0] & r.Mask, nil

	case KindSequence:
		return w[0], nil

	case KindWordArray:
		out := make([]uint16, len(w))
		copy(out, w)
		return out, nil

	case KindStamp:
		return StampValue{SecondsInHour: w[0], HundredMicros: w[1]}, nil

	case KindTime:
		return decodeTimeWords(w), nil

	default:
		return nil, &ValueError{Reason: "kind is not register-table valued"}
	}
}

// EncodeValue is the inverse of DecodeValue: it produces raw words (still
// subject to the littleEndian per-word transform) from a typed value.
func (r *Register) EncodeValue(value interface{}, littleEndian bool) ([]uint16, error) {
	var out []uint16
	switch r.Kind {
	case KindWord:
		switch v := value.(type) {
		case int16:
			out = []uint16{uint16(v)}
		case uint16:
			out = []uint16{v}
		default:
			return nil, &ValueError{Reason: "value is not word-shaped"}
		}

	case KindInteger:
		var v32 uint32
		switch v := value.(type) {
		case int32:
			v32 = uint32(v)
		case uint32:
			v32 = v
		default:
			return nil, &ValueError{Reason: "value is not integer-shaped"}
		}
		a, b := split32(v32, r.MiddleEndian)
		out = []uint16{a, b}

	case KindLong:
		v, ok := value.(uint64)
		if !ok {
			if iv, ok2 := value.(int64); ok2 {
				v = uint64(iv)
			} else {
				return nil, &ValueError{Reason: "value is not long-shaped"}
			}
		}
		words := split64(v, r.MiddleEndian)
		out = words[:]

	case KindFloat:
		v, ok := value.(float32)
		if !ok {
			return nil, &ValueError{Reason: "value is not float32"}
		}
		a, b := split32(math.Float32bits(v), r.MiddleEndian)
		out = []uint16{a, b}

	case KindDouble:
		v, ok := value.(float64)
		if !ok {
			return nil, &ValueError{Reason: "value is not float64"}
		}
		words := split64(math.Float64bits(v), r.MiddleEndian)
		out = words[:]

	case KindMasked:
		v, ok := value.(uint16)
		if !ok {
			return nil, &ValueError{Reason: "value is not word-shaped"}
		}
		out = []uint16{v & r.Mask}

	case KindSequence:
		v, ok := value.(uint16)
		if !ok {
			return nil, &ValueError{Reason: "value is not word-shaped"}
		}
		out = []uint16{v}

	case KindWordArray:
		v, ok := value.([]uint16)
		if !ok || len(v) != r.ArrayLen {
			return nil, &ValueError{Reason: "value is not a matching word array"}
		}
		out = append([]uint16(nil), v...)

	case KindStamp:
		v, ok := value.(StampValue)
		if !ok {
			return nil, &ValueError{Reason: "value is not a Stamp"}
		}
		out = []uint16{v.SecondsInHour, v.HundredMicros}

	case KindTime:
		v, ok := value.(time.Time)
		if !ok {
			return nil, &ValueError{Reason: "value is not a Time"}
		}
		out = encodeTimeWords(v)

	default:
		return nil, &ValueError{Reason: "kind is not register-table valued"}
	}

	return applyLittleEndian(out, littleEndian), nil
}

// StampValue is the sub-hour timestamp carried by a Stamp register: seconds
// within the current hour, and hundred-microsecond ticks within that second.
type StampValue struct {
	SecondsInHour uint16 // 0..3599
	HundredMicros uint16 // 0..9999 (one tick = 100us)
}

// Anchor reconstructs an absolute instant from a sub-hour Stamp by picking
// the hour (relative to serverNow) that places the result within +/-30min of
// serverNow, per spec.md §4.4.
func (s StampValue) Anchor(serverNow time.Time) time.Time {
	base := time.Date(serverNow.Year(), serverNow.Month(), serverNow.Day(), serverNow.Hour(), 0, 0, 0, serverNow.Location())
	best := base
	bestDiff := absDuration(serverNow.Sub(stampAt(base, s)))
	for _, delta := range []time.Duration{time.Hour, -time.Hour} {
		candidate := base.Add(delta)
		diff := absDuration(serverNow.Sub(stampAt(candidate, s)))
		if diff < bestDiff {
			bestDiff = diff
			best = candidate
		}
	}
	return stampAt(best, s)
}

func stampAt(hourStart time.Time, s StampValue) time.Time {
	return hourStart.Add(time.Duration(s.SecondsInHour) * time.Second).
		Add(time.Duration(s.HundredMicros) * 100 * time.Microsecond)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// encodeTimeWords packs a time.Time into the four Time registers: YYMM,
// DDHH, MM*60+SS, tenths-of-millisecond.
func encodeTimeWords(t time.Time) []uint16 {
	yy := uint16(t.Year() % 100)
	mm := uint16(t.Month())
	dd := uint16(t.Day())
	hh := uint16(t.Hour())
	minute := uint16(t.Minute())
	sec := uint16(t.Second())
	tenthsMs := uint16(t.Nanosecond() / 100000)

	w0 := yy<<8 | mm
	w1 := dd<<8 | hh
	w2 := minute*60 + sec
	w3 := tenthsMs
	return []uint16{w0, w1, w2, w3}
}

func decodeTimeWords(w []uint16) time.Time {
	yy := int(w[0] >> 8)
	mm := int(w[0] & 0xFF)
	dd := int(w[1] >> 8)
	hh := int(w[1] & 0xFF)
	minute := int(w[2] / 60)
	sec := int(w[2] % 60)
	tenthsMs := int(w[3])

	year := 2000 + yy
	return time.Date(year, time.Month(mm), dd, hh, minute, sec, tenthsMs*100000, time.UTC)
}
