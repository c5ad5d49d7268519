// Package ioengine drives the Modbus wire traffic: a pool of per-connection
// workers consuming poll/set work items and returning them with filled raw
// register buffers for the collator to decode,
// grounded on internal/collector/client.go's connect/retry/dispatch loop but
// generalized to the full register model described in spec.md §4.3.
package ioengine

import (
	"time"

	"modbus-gateway/internal/regmodel"
)

// WType is the kind of wire operation a work item performs.
type WType int

const (
	Noop WType = iota
	Get
	GetMulti
	Set
	SetMulti
	BitGet
	BitGetMulti
	BitSet
	BitSetMulti
)

// WorkItem is a single Modbus wire request plus its response buffers. It is
// recycled through a pool channel rather than freed (spec.md §3).
type WorkItem struct {
	WorkName  string
	WorkID    int
	WorkGroup int
	TNow      time.Time

	DeviceID     int
	RegisterType regmodel.RegisterType
	Type         WType

	Offset       int
	NumRegisters int
	OffByOne     bool
	Local        bool
	Raw          bool // format reply with hex+binary wrappers instead of decoding (the "_raw" suffix)

	DisabledRegisters map[int]bool

	Buf16 []uint16
	Buf8  []byte

	Items []*regmodel.IOPoint

	Group     *regmodel.RegisterGroup
	Component *regmodel.Component

	TStart     time.Time
	TIo        time.Time
	TDone      time.Time
	TReceive   time.Time
	TRun       time.Time
	ConnectDur time.Duration

	IOTries   int
	Errno     int
	Err       error
	ReplyTo   string
	EraseGroup bool

	originPool *Pool
}

// Release returns a work item to the pool it was obtained from. Callers
// that received an item from an engine's response channel (the collator,
// chiefly) use this instead of reaching for a specific *Pool.
func (w *WorkItem) Release() {
	if w.originPool != nil {
		w.originPool.Put(w)
	}
}

// Reset clears a work item for reuse from the pool, per spec.md §3's
// "recycled through a pool channel" ownership rule.
func (w *WorkItem) Reset() {
	w.WorkName = ""
	w.WorkID = 0
	w.WorkGroup = 0
	w.TNow = time.Time{}
	w.DeviceID = 0
	w.Type = Noop
	w.Offset = 0
	w.NumRegisters = 0
	w.OffByOne = false
	w.Local = false
	w.Raw = false
	w.DisabledRegisters = nil
	w.Buf16 = w.Buf16[:0]
	w.Buf8 = w.Buf8[:0]
	w.Items = w.Items[:0]
	w.Group = nil
	w.Component = nil
	w.TStart = time.Time{}
	w.TIo = time.Time{}
	w.TDone = time.Time{}
	w.TReceive = time.Time{}
	w.TRun = time.Time{}
	w.ConnectDur = 0
	w.IOTries = 0
	w.Errno = 0
	w.Err = nil
	w.ReplyTo = ""
	w.EraseGroup = false
}

// WireOffset returns the offset to place on the wire, honoring off_by_one.
func (w *WorkItem) WireOffset() int {
	if w.OffByOne {
		return w.Offset - 1
	}
	return w.Offset
}

// Pool is a bounded, channel-backed free list of *WorkItem.
type Pool struct {
	ch chan *WorkItem
}

func NewPool(capacity int) *Pool {
	return &Pool{ch: make(chan *WorkItem, capacity)}
}

func (p *Pool) Get() *WorkItem {
	var w *WorkItem
	select {
	case w = <-p.ch:
	default:
		w = &WorkItem{}
	}
	w.originPool = p
	return w
}

func (p *Pool) Put(w *WorkItem) {
	w.Reset()
	select {
	case p.ch <- w:
	default:
		// pool full; let it be garbage collected
	}
}
