package codec

import (
	"fmt"
	"math"

	"modbus-gateway/internal/regmodel"
)

// Encode turns a semantic value into size-many 16-bit raw registers, per
// spec.md §4.2.2.
func Encode(p *regmodel.IOPoint, v regmodel.Value) ([]uint16, error) {
	// Step 1: coerce to canonical numeric form.
	var unsigned uint64
	var signed int64
	var float float64
	useFloat := p.IsFloat

	switch v.Kind {
	case regmodel.KindBool:
		tv, fv := int64(1), int64(0)
		if p.Scale < 0 {
			tv, fv = 0, 1
		}
		if v.Bool {
			signed = tv
		} else {
			signed = fv
		}
		unsigned = uint64(signed)
		float = float64(signed)
	case regmodel.KindU64:
		unsigned = v.U64
		signed = int64(v.U64)
		float = float64(v.U64)
	case regmodel.KindI64:
		signed = v.I64
		unsigned = uint64(v.I64)
		float = float64(v.I64)
	case regmodel.KindF64:
		float = v.F64
		signed = int64(v.F64)
		unsigned = uint64(int64(v.F64))
	default:
		return nil, fmt.Errorf("encode %s: value has no kind", p.ID)
	}

	// Step 2: shift and scale on integers; bools skip bit-shift/scale.
	if v.Kind != regmodel.KindBool {
		signed <<= uint(p.StartingBitPos)
		unsigned <<= uint(p.StartingBitPos)
		signed -= int64(p.Shift)
		unsigned -= uint64(p.Shift)
		if p.Scale != 0 {
			if useFloat {
				float *= p.Scale
			} else if p.Signed {
				float = float64(signed) * p.Scale
			} else {
				float = float64(unsigned) * p.Scale
			}
		}
	}

	// Step 3: convert to target raw representation.
	var raw uint64
	switch p.Size {
	case 1:
		var u16 uint16
		if useFloat {
			return nil, fmt.Errorf("encode %s: size 1 cannot be float", p.ID)
		}
		if p.Scale != 0 {
			if p.Signed {
				u16 = uint16(int16(float))
			} else {
				u16 = uint16(float)
			}
		} else if p.Signed {
			u16 = uint16(int16(signed))
		} else {
			u16 = uint16(unsigned)
		}
		raw = uint64(u16)
	case 2:
		var u32 uint32
		if useFloat {
			u32 = math.Float32bits(float32(float))
		} else if p.Scale != 0 {
			if p.Signed {
				u32 = uint32(int32(float))
			} else {
				u32 = uint32(float)
			}
		} else if p.Signed {
			u32 = uint32(int32(signed))
		} else {
			u32 = uint32(unsigned)
		}
		raw = uint64(u32)
	case 4:
		if useFloat || p.IsFloat64 {
			raw = math.Float64bits(float)
		} else if p.Scale != 0 {
			if p.Signed {
				raw = uint64(int64(float))
			} else {
				raw = uint64(float)
			}
		} else if p.Signed {
			raw = uint64(signed)
		} else {
			raw = unsigned
		}
	default:
		return nil, fmt.Errorf("encode %s: bad size %d", p.ID, p.Size)
	}

	// Step 4: invert mask.
	raw ^= p.InvertMask

	// Step 5: serialize to output words.
	words := make([]uint16, p.Size)
	littleEndian := p.WordSwap || (p.Size == 4 && p.IsFloat64)
	switch p.Size {
	case 1:
		words[0] = uint16(raw)
	case 2:
		if littleEndian {
			words[0] = uint16(raw)
			words[1] = uint16(raw >> 16)
		} else {
			words[0] = uint16(raw >> 16)
			words[1] = uint16(raw)
		}
	case 4:
		if littleEndian {
			words[0] = uint16(raw)
			words[1] = uint16(raw >> 16)
			words[2] = uint16(raw >> 32)
			words[3] = uint16(raw >> 48)
		} else {
			words[0] = uint16(raw >> 48)
			words[1] = uint16(raw >> 32)
			words[2] = uint16(raw >> 16)
			words[3] = uint16(raw)
		}
	}
	return words, nil
}
