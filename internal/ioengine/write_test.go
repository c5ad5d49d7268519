package ioengine

import (
	"testing"

	mb "github.com/goburrow/modbus"
	"golang.org/x/time/rate"

	"modbus-gateway/internal/regmodel"
)

// fakeModbusClient records WriteMultipleRegisters/WriteSingleRegister calls
// so writeDecomposed's register-buffer slicing can be checked directly,
// without a live Modbus endpoint.
type fakeModbusClient struct {
	mb.Client
	multiCalls []struct {
		address, quantity uint16
		values            []byte
	}
}

func (f *fakeModbusClient) WriteMultipleRegisters(address, quantity uint16, values []byte) ([]byte, error) {
	f.multiCalls = append(f.multiCalls, struct {
		address, quantity uint16
		values            []byte
	}{address, quantity, values})
	return nil, nil
}

func (f *fakeModbusClient) WriteSingleRegister(address, value uint16) ([]byte, error) {
	return nil, nil
}

func TestWriteItemConsultsLimiterWhenConfigured(t *testing.T) {
	fake := &fakeModbusClient{}
	limiter := rate.NewLimiter(rate.Limit(1), 1)
	w := &Worker{Conn: &regmodel.Connection{}, client: fake, Limiter: limiter}

	item := &WorkItem{
		RegisterType: regmodel.Holding,
		Items:        []*regmodel.IOPoint{{ID: "a", Offset: 0, Size: 1}},
		Buf16:        []uint16{7},
	}
	if err := w.writeItem(item, 0); err != nil {
		t.Fatalf("writeItem: %v", err)
	}
	if limiter.Tokens() >= 1 {
		t.Fatalf("expected writeItem to take a token from the limiter, %v left", limiter.Tokens())
	}
	if len(fake.multiCalls) != 0 {
		t.Fatalf("single-register point should not use WriteMultipleRegisters, got %d calls", len(fake.multiCalls))
	}
}

func TestWriteItemSkipsLimiterWhenUnconfigured(t *testing.T) {
	fake := &fakeModbusClient{}
	w := &Worker{Conn: &regmodel.Connection{}, client: fake}

	item := &WorkItem{
		RegisterType: regmodel.Holding,
		Items:        []*regmodel.IOPoint{{ID: "a", Offset: 0, Size: 1}},
		Buf16:        []uint16{7},
	}
	if err := w.writeItem(item, 0); err != nil {
		t.Fatalf("writeItem with nil limiter must not block or error: %v", err)
	}
}

func TestWriteDecomposedAccumulatesRunningWordOffset(t *testing.T) {
	fake := &fakeModbusClient{}
	w := &Worker{Conn: &regmodel.Connection{}, client: fake}

	p1 := &regmodel.IOPoint{ID: "a", Offset: 0, Size: 2, MultiWriteOpCode: 1}
	p2 := &regmodel.IOPoint{ID: "b", Offset: 2, Size: 2, MultiWriteOpCode: 1}
	item := &WorkItem{
		Offset: 0,
		Items:  []*regmodel.IOPoint{p1, p2},
		Buf16:  []uint16{1, 2, 3, 4},
	}

	if err := w.writeDecomposed(item, 0); err != nil {
		t.Fatalf("writeDecomposed: %v", err)
	}

	if len(fake.multiCalls) != 2 {
		t.Fatalf("expected 2 WriteMultipleRegisters calls, got %d", len(fake.multiCalls))
	}
	second := fake.multiCalls[1]
	want := []byte{0, 3, 0, 4}
	if len(second.values) != len(want) {
		t.Fatalf("second point wrote %d bytes, want %d", len(second.values), len(want))
	}
	for i := range want {
		if second.values[i] != want[i] {
			t.Fatalf("second point's packed words = %v, want %v (must read Buf16[2:4], not [1:3])", second.values, want)
		}
	}
}
