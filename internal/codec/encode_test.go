package codec

import (
	"math"
	"testing"

	"modbus-gateway/internal/regmodel"
)

func TestEncodeFloat64LittleEndian(t *testing.T) {
	// Scenario 5 from spec.md §8: 4-register float64, word_swap disabled,
	// value 56.67 -> single write_multiple_registers, IEEE-754 LE layout
	// forced by is_float64 regardless of word_swap.
	p := &regmodel.IOPoint{ID: "energy", Size: 4, IsFloat: true, IsFloat64: true, WordSwap: false}
	words, err := Encode(p, regmodel.F64Value(56.67))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	bits := uint64(words[0]) | uint64(words[1])<<16 | uint64(words[2])<<32 | uint64(words[3])<<48
	got := math.Float64frombits(bits)
	if math.Abs(got-56.67) > 1e-9 {
		t.Fatalf("expected 56.67, got %v", got)
	}
}

func TestEncodeDecodeRoundTripUnsigned(t *testing.T) {
	p := &regmodel.IOPoint{ID: "u", Size: 2}
	for _, v := range []uint64{0, 1, 65535, 1 << 20, 0xFFFFFFFF} {
		words, err := Encode(p, regmodel.U64Value(v))
		if err != nil {
			t.Fatalf("encode %d: %v", v, err)
		}
		d, err := Decode(words, p)
		if err != nil {
			t.Fatalf("decode %d: %v", v, err)
		}
		if d.Value.U64 != v {
			t.Fatalf("roundtrip mismatch: want %d got %d", v, d.Value.U64)
		}
	}
}

func TestEncodeDecodeRoundTripSigned(t *testing.T) {
	p := &regmodel.IOPoint{ID: "s", Size: 2, Signed: true}
	for _, v := range []int64{0, -1, 100, -100, math.MinInt32, math.MaxInt32} {
		words, err := Encode(p, regmodel.I64Value(v))
		if err != nil {
			t.Fatalf("encode %d: %v", v, err)
		}
		d, err := Decode(words, p)
		if err != nil {
			t.Fatalf("decode %d: %v", v, err)
		}
		if d.Value.I64 != v {
			t.Fatalf("roundtrip mismatch: want %d got %d", v, d.Value.I64)
		}
	}
}

func TestEncodeDecodeRoundTripFloat32(t *testing.T) {
	p := &regmodel.IOPoint{ID: "f", Size: 2, IsFloat: true}
	for _, v := range []float64{0, 1.5, -1.5, 3.1415927} {
		words, err := Encode(p, regmodel.F64Value(v))
		if err != nil {
			t.Fatalf("encode %v: %v", v, err)
		}
		d, err := Decode(words, p)
		if err != nil {
			t.Fatalf("decode %v: %v", v, err)
		}
		if math.Abs(d.Value.F64-v) > 1e-4 {
			t.Fatalf("roundtrip mismatch: want %v got %v", v, d.Value.F64)
		}
	}
}

func TestEncodeBoolInversion(t *testing.T) {
	p := &regmodel.IOPoint{ID: "b", Size: 1, Scale: -1}
	words, err := Encode(p, regmodel.BoolValue(true))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if words[0] != 0 {
		t.Fatalf("scale<0 should invert true to 0, got %d", words[0])
	}
}

func TestEncodeUsesMasksRoundTrip(t *testing.T) {
	// Encode always applies the invert mask (spec.md §4.2.2 step 4 is
	// unconditional); decode applies invert+care only when uses_masks is
	// set (§4.2.1 step 3). The two invert applications cancel, so a full
	// encode/decode round trip on a masked point yields v & care_mask.
	p := &regmodel.IOPoint{ID: "masked", Size: 1, UsesMasks: true, InvertMask: 0x00FF, CareMask: 0x0FFF}
	words, err := Encode(p, regmodel.U64Value(0x0100))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	d, err := Decode(words, p)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := uint64(0x0100) & 0x0FFF
	if d.Value.U64 != want {
		t.Fatalf("expected %x got %x", want, d.Value.U64)
	}
}
