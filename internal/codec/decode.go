// Package codec implements the raw-register <-> semantic value conversion
// described in spec.md §4.2: a single authoritative decode path (the spec
// resolves the teacher's two parallel C++ decode paths, gcom_decode_any and
// decode_raw, in favor of gcom_decode_any's shift order) plus the
// corresponding encode path.
package codec

import (
	"fmt"
	"math"

	"modbus-gateway/internal/regmodel"
)

// Decoded is the result of decoding one io_point's raw registers.
type Decoded struct {
	Value          regmodel.Value
	IndividualBits map[string]bool
	BitField       []regmodel.BitEntry
	Enum           []regmodel.BitEntry
	Packed         map[string]Decoded
}

// Decode turns raw[0:p.Size] big-endian 16-bit registers into a semantic
// value plus any bit-string post-processing, per spec.md §4.2.1.
func Decode(raw []uint16, p *regmodel.IOPoint) (Decoded, error) {
	if len(raw) < p.Size {
		return Decoded{}, fmt.Errorf("decode %s: need %d registers, got %d", p.ID, p.Size, len(raw))
	}

	var unsigned uint64
	var signed int64
	var float float64
	isFloat := p.IsFloat

	switch p.Size {
	case 1:
		unsigned = uint64(raw[0])
		if p.UsesMasks {
			unsigned ^= p.InvertMask
			unsigned &= p.CareMask
		}
		if p.Signed {
			signed = int64(int16(uint16(unsigned)))
		}
	case 2:
		var raw32 uint32
		if !p.ByteSwap {
			raw32 = uint32(raw[0])<<16 | uint32(raw[1])
		} else {
			raw32 = uint32(raw[0]) | uint32(raw[1])<<16
		}
		unsigned = uint64(raw32)
		if p.UsesMasks {
			unsigned ^= p.InvertMask
			unsigned &= p.CareMask
		}
		if p.Signed {
			signed = int64(int32(uint32(unsigned)))
		} else if isFloat {
			float = float64(math.Float32frombits(uint32(unsigned)))
		}
	case 4:
		var raw64 uint64
		if !p.ByteSwap {
			raw64 = uint64(raw[0])<<48 | uint64(raw[1])<<32 | uint64(raw[2])<<16 | uint64(raw[3])
		} else {
			raw64 = uint64(raw[0]) | uint64(raw[1])<<16 | uint64(raw[2])<<32 | uint64(raw[3])<<48
		}
		unsigned = raw64
		if p.UsesMasks {
			unsigned ^= p.InvertMask
			unsigned &= p.CareMask
		}
		if p.Signed {
			signed = int64(unsigned)
		} else if isFloat {
			float = math.Float64frombits(unsigned)
		}
	default:
		return Decoded{}, fmt.Errorf("decode %s: bad size %d", p.ID, p.Size)
	}

	var out regmodel.Value
	switch {
	case isFloat:
		if p.Scale != 0 {
			float /= p.Scale
		}
		float += float64(p.Shift)
		out = regmodel.F64Value(float)
	case p.Signed:
		if p.Scale != 0 {
			scaled := float64(signed)/p.Scale + float64(p.Shift)
			out = regmodel.F64Value(scaled)
		} else {
			signed += int64(p.Shift)
			signed >>= uint(p.StartingBitPos)
			out = regmodel.I64Value(signed)
		}
	default:
		if p.Scale != 0 {
			scaled := float64(unsigned)/p.Scale + float64(p.Shift)
			out = regmodel.F64Value(scaled)
		} else {
			unsigned += uint64(p.Shift)
			unsigned >>= uint(p.StartingBitPos)
			out = regmodel.U64Value(unsigned)
		}
	}

	d := Decoded{Value: out}
	if err := decodeBitString(unsigned, p, &d); err != nil {
		return Decoded{}, err
	}
	return d, nil
}

func decodeBitString(raw uint64, p *regmodel.IOPoint, d *Decoded) error {
	switch p.BitKind {
	case regmodel.BitsNone:
		return nil
	case regmodel.BitsIndividual:
		d.IndividualBits = make(map[string]bool, len(p.BitStrings))
		for i, e := range p.BitStrings {
			if e.Class != regmodel.BitKnown {
				continue
			}
			d.IndividualBits[e.Label] = (raw>>uint(i))&1 == 1
		}
		return nil
	case regmodel.BitsField:
		width := p.Size * 16
		byPos := make(map[int]regmodel.BitEntry, len(p.BitStrings))
		for _, e := range p.BitStrings {
			byPos[e.BitPos] = e
		}
		for i := 0; i < width; i++ {
			if (raw>>uint(i))&1 != 1 {
				continue
			}
			e, known := byPos[i]
			if known && e.Class == regmodel.BitIgnored {
				continue
			}
			if known && e.Class == regmodel.BitKnown {
				d.BitField = append(d.BitField, regmodel.BitEntry{Value: uint64(i), Label: e.Label})
				continue
			}
			d.BitField = append(d.BitField, regmodel.BitEntry{Value: uint64(i), Label: "unknown"})
		}
		return nil
	case regmodel.BitsEnum:
		for _, e := range p.BitStrings {
			if e.Value == raw {
				d.Enum = []regmodel.BitEntry{{Value: raw, Label: e.Label}}
				return nil
			}
		}
		d.Enum = []regmodel.BitEntry{{Value: raw, Label: "unknown"}}
		return nil
	case regmodel.BitsPacked:
		d.Packed = make(map[string]Decoded, len(p.Packed))
		for _, child := range p.Packed {
			mask := uint64(1)<<uint(child.NumberOfBits) - 1
			childRaw := (raw >> uint(child.StartingBitPos)) & mask
			cd := Decoded{}
			if err := decodeBitString(childRaw, child, &cd); err != nil {
				return err
			}
			cd.Value = regmodel.U64Value(childRaw)
			d.Packed[child.ID] = cd
		}
		return nil
	default:
		return fmt.Errorf("point %s: unknown bit-string kind", p.ID)
	}
}
