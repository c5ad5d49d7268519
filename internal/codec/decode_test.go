package codec

import (
	"math"
	"testing"

	"modbus-gateway/internal/regmodel"
)

func TestDecodeScaledSignedHolding(t *testing.T) {
	// Scenario 1 from spec.md §8: 16-bit signed holding register, scale=10,
	// wire 0xFF9C (-100) -> -10.0
	p := &regmodel.IOPoint{ID: "temp", Size: 1, Signed: true, Scale: 10, IsEnabled: true}
	d, err := Decode([]uint16{0xFF9C}, p)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Value.Kind != regmodel.KindF64 {
		t.Fatalf("expected float kind, got %v", d.Value.Kind)
	}
	if math.Abs(d.Value.F64-(-10.0)) > 1e-9 {
		t.Fatalf("expected -10.0, got %v", d.Value.F64)
	}
}

func TestDecodeFloat32(t *testing.T) {
	// Scenario 2 from spec.md §8: two-register float, wire 0x4049 0x0FDB -> pi
	p := &regmodel.IOPoint{ID: "pi", Size: 2, IsFloat: true, IsEnabled: true}
	d, err := Decode([]uint16{0x4049, 0x0FDB}, p)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if math.Abs(d.Value.F64-3.1415927) > 1e-4 {
		t.Fatalf("expected approximately pi, got %v", d.Value.F64)
	}
}

func TestDecodeIndividualBits(t *testing.T) {
	// Scenario 3 from spec.md §8.
	p := &regmodel.IOPoint{
		ID: "status", Size: 1, IsEnabled: true,
		BitKind: regmodel.BitsIndividual,
		BitStrings: []regmodel.BitEntry{
			{BitPos: 0, Label: "run", Class: regmodel.BitKnown},
			{BitPos: 1, Label: "fault", Class: regmodel.BitKnown},
			{BitPos: 2, Label: "ignored", Class: regmodel.BitIgnored},
			{BitPos: 3, Label: "", Class: regmodel.BitUnknown},
			{BitPos: 4, Label: "aux", Class: regmodel.BitKnown},
		},
	}
	// bits 0 and 1 high, bit 4 (aux) low.
	d, err := Decode([]uint16{0x0003}, p)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := map[string]bool{"run": true, "fault": true, "aux": false}
	if len(d.IndividualBits) != len(want) {
		t.Fatalf("expected %d entries, got %v", len(want), d.IndividualBits)
	}
	for k, v := range want {
		if d.IndividualBits[k] != v {
			t.Fatalf("bit %s: expected %v, got %v", k, v, d.IndividualBits[k])
		}
	}
}

func TestDecodeEnum(t *testing.T) {
	// Scenario 4 from spec.md §8.
	p := &regmodel.IOPoint{
		ID: "mode", Size: 1, IsEnabled: true,
		BitKind: regmodel.BitsEnum,
		BitStrings: []regmodel.BitEntry{
			{Value: 1, Label: "idle", Class: regmodel.BitKnown},
			{Value: 2, Label: "charging", Class: regmodel.BitKnown},
			{Value: 4, Label: "faulted", Class: regmodel.BitKnown},
		},
	}
	d, err := Decode([]uint16{2}, p)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(d.Enum) != 1 || d.Enum[0].Label != "charging" || d.Enum[0].Value != 2 {
		t.Fatalf("unexpected enum result: %+v", d.Enum)
	}

	d, err = Decode([]uint16{3}, p)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(d.Enum) != 1 || d.Enum[0].Label != "unknown" || d.Enum[0].Value != 3 {
		t.Fatalf("unexpected enum result for unmatched value: %+v", d.Enum)
	}
}

func TestDecodeBitField(t *testing.T) {
	p := &regmodel.IOPoint{
		ID: "flags", Size: 1, IsEnabled: true,
		BitKind: regmodel.BitsField,
		BitStrings: []regmodel.BitEntry{
			{BitPos: 0, Label: "a", Class: regmodel.BitKnown},
			{BitPos: 1, Label: "ignored", Class: regmodel.BitIgnored},
		},
	}
	// bits 0, 1, 3 set: 0b1011
	d, err := Decode([]uint16{0x0B}, p)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(d.BitField) != 2 {
		t.Fatalf("expected 2 entries (bit1 ignored), got %+v", d.BitField)
	}
	if d.BitField[0].Value != 0 || d.BitField[0].Label != "a" {
		t.Fatalf("unexpected first entry: %+v", d.BitField[0])
	}
	if d.BitField[1].Value != 3 || d.BitField[1].Label != "unknown" {
		t.Fatalf("unexpected second entry: %+v", d.BitField[1])
	}
}

func TestDecodePackedRegister(t *testing.T) {
	p := &regmodel.IOPoint{
		ID: "packed", Size: 1, IsEnabled: true,
		BitKind: regmodel.BitsPacked,
		Packed: []*regmodel.IOPoint{
			{ID: "lo", StartingBitPos: 0, NumberOfBits: 4},
			{ID: "hi", StartingBitPos: 4, NumberOfBits: 4},
		},
	}
	d, err := Decode([]uint16{0xA5}, p)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.Packed["lo"].Value.U64 != 0x5 {
		t.Fatalf("expected lo=0x5, got %+v", d.Packed["lo"])
	}
	if d.Packed["hi"].Value.U64 != 0xA {
		t.Fatalf("expected hi=0xA, got %+v", d.Packed["hi"])
	}
}

func TestDecodeUsesMasks(t *testing.T) {
	// Decode of a masked point yields (raw ^ invert_mask) & care_mask.
	p := &regmodel.IOPoint{ID: "masked", Size: 1, UsesMasks: true, InvertMask: 0x00FF, CareMask: 0x0FFF}
	d, err := Decode([]uint16{0x1234}, p)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := (uint64(0x1234) ^ 0x00FF) & 0x0FFF
	if d.Value.U64 != want {
		t.Fatalf("expected %x got %x", want, d.Value.U64)
	}
}
