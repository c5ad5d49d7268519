// Package heartbeat implements the per-component liveness supervisor
// described in spec.md §4.7: compare a read io_point across ticks, declare
// a component disconnected once it stalls past the configured timeout, and
// optionally drive a write io_point to prove the link is alive both ways.
package heartbeat

import (
	"context"
	"time"

	"modbus-gateway/internal/codec"
	"modbus-gateway/internal/events"
	"modbus-gateway/internal/ioengine"
	"modbus-gateway/internal/regmodel"
)

// Submitter is satisfied by an ioengine.Engine.
type Submitter interface {
	Submit(item *ioengine.WorkItem)
	Pool() *ioengine.Pool
}

// Supervisor runs one component's heartbeat loop.
type Supervisor struct {
	Component *regmodel.Component
	Submitter Submitter
	Poster    events.Poster

	lastSeen     regmodel.Value
	haveLastSeen bool
	lastChange   time.Time
	counter      uint64
}

// Run ticks at hb.FreqMS until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	hb := s.Component.Heartbeat
	if !hb.Enabled {
		return
	}
	freq := time.Duration(hb.FreqMS) * time.Millisecond
	if freq <= 0 {
		freq = time.Second
	}
	timeout := time.Duration(hb.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s.lastChange = time.Now()

	ticker := time.NewTicker(freq)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(timeout)
		}
	}
}

func (s *Supervisor) tick(timeout time.Duration) {
	hb := s.Component.Heartbeat
	readPoint := hb.ReadPoint()
	if readPoint == nil {
		return
	}

	now := time.Now()
	current := readPoint.LastValue
	if !s.haveLastSeen || !valuesEqual(current, s.lastSeen) {
		s.lastSeen = current
		s.haveLastSeen = true
		s.lastChange = now
		if !s.Component.Connected() {
			s.Component.SetConnected(true)
			events.Emit(s.Poster, s.Component.ID, events.Reconnected)
		}
	} else if now.Sub(s.lastChange) > timeout {
		if s.Component.SetConnected(false) {
			events.Emit(s.Poster, s.Component.ID, events.Disconnected)
		}
	}

	if writePoint := hb.WritePoint(); writePoint != nil {
		s.counter++
		next := readPoint.LastValue.Float() + 1
		words, err := codec.Encode(writePoint, regmodel.F64Value(next))
		if err != nil {
			return
		}
		item := s.Submitter.Pool().Get()
		item.DeviceID = s.Component.DeviceID
		if g := writePoint.Group(); g != nil {
			item.RegisterType = g.Type
		}
		item.Type = ioengine.Set
		item.Offset = writePoint.Offset
		item.NumRegisters = writePoint.Size
		item.Buf16 = append(item.Buf16, words...)
		item.Items = append(item.Items, writePoint)
		if conn := s.Component.Connection(); conn != nil {
			item.OffByOne = conn.OffByOne
		}
		s.Submitter.Submit(item)
	}
}

func valuesEqual(a, b regmodel.Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case regmodel.KindU64:
		return a.U64 == b.U64
	case regmodel.KindI64:
		return a.I64 == b.I64
	case regmodel.KindF64:
		return a.F64 == b.F64
	case regmodel.KindBool:
		return a.Bool == b.Bool
	default:
		return true
	}
}
