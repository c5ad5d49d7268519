// Package collate reassembles per-(work_name, tNow) groups of completed
// work items into a single publication body, per spec.md §4.4.
package collate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"modbus-gateway/internal/codec"
	"modbus-gateway/internal/ioengine"
	"modbus-gateway/internal/metrics"
	"modbus-gateway/internal/regmodel"
)

// BusSink is the subset of the bus client the collator needs to deliver a
// completed group: a periodic publication, a reply to a one-shot get, or a
// reply to a one-shot set confirmation.
type BusSink interface {
	Pub(uri string, body map[string]any)
	Reply(replyTo string, body map[string]any)
}

// Recorder persists a completed publication body for later querying. It is
// optional; a Collator with no Recorder simply skips history.
type Recorder interface {
	EnqueueBody(component string, body map[string]any, ts time.Time)
}

// Acker lets the scheduler hold a sync-mode timer's next fire until the
// current publication cycle's group has fully completed, preventing
// overlapping in-flight cycles for the same component (spec.md §4.5).
type Acker interface {
	Ack(name string)
}

// pubGroup is the collator-group entity from spec.md §3: keyed by
// work_name, it accumulates work items until the expected count arrives.
type pubGroup struct {
	tNow     time.Time
	expected int
	items    []*ioengine.WorkItem
}

// Collator receives work items from an engine's response channel and
// reassembles them by work_name, per spec.md §4.4.
type Collator struct {
	mu     sync.Mutex
	groups map[string]*pubGroup

	sink     BusSink
	recorder Recorder
	acker    Acker
}

func New(sink BusSink, recorder Recorder) *Collator {
	return &Collator{groups: make(map[string]*pubGroup), sink: sink, recorder: recorder}
}

// SetAcker wires the scheduler's sync handshake in; optional.
func (c *Collator) SetAcker(a Acker) { c.acker = a }

// Run drains respCh until ctx is cancelled.
func (c *Collator) Run(ctx context.Context, respCh <-chan *ioengine.WorkItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-respCh:
			c.handle(item)
		}
	}
}

func (c *Collator) handle(item *ioengine.WorkItem) {
	// One-shot work items (no group key) carry a replyto directly. A set
	// confirmation replies with a status body, per spec.md §6; a get
	// confirmation replies with the decoded (or raw) value.
	if item.WorkName == "" {
		if isSetWork(item.Type) {
			c.sink.Reply(item.ReplyTo, setReplyBody(item.Err))
		} else {
			c.deliver(item.ReplyTo, []*ioengine.WorkItem{item})
		}
		item.Release()
		return
	}

	c.mu.Lock()
	g, ok := c.groups[item.WorkName]
	if !ok {
		g = &pubGroup{tNow: item.TNow, expected: item.WorkGroup}
		c.groups[item.WorkName] = g
	}

	var stale []*ioengine.WorkItem
	switch {
	case item.TNow.Before(g.tNow):
		// Older than the current group: drop to the pool.
		c.mu.Unlock()
		item.Release()
		return
	case item.TNow.After(g.tNow):
		// Newer: discard the old partial group, start fresh.
		stale = g.items
		g.items = nil
		g.tNow = item.TNow
		g.expected = item.WorkGroup
	}
	g.items = append(g.items, item)

	var complete []*ioengine.WorkItem
	done := g.expected > 0 && len(g.items) >= g.expected
	if done {
		complete = g.items
		delete(c.groups, item.WorkName)
	}
	c.mu.Unlock()

	for _, old := range stale {
		old.Release()
	}
	if done {
		c.deliver(item.WorkName, complete)
		if len(complete) > 0 && complete[0].Component != nil {
			comp := complete[0].Component
			latency := time.Since(g.tNow)
			comp.RecordTiming(latency)
			metrics.PublicationLateness.WithLabelValues(comp.ID).Observe(latency.Seconds())
		}
		for _, it := range complete {
			it.Release()
		}
		if c.acker != nil {
			c.acker.Ack(item.WorkName)
		}
	}
}

// isSetWork reports whether t is one of the write-family work types.
func isSetWork(t ioengine.WType) bool {
	switch t {
	case ioengine.Set, ioengine.SetMulti, ioengine.BitSet, ioengine.BitSetMulti:
		return true
	default:
		return false
	}
}

// setReplyBody is the spec.md §6 reply-to body for a set confirmation.
func setReplyBody(err error) map[string]any {
	status := "Success"
	if err != nil {
		status = "Failed"
	}
	return map[string]any{"gcom": "Modbus Set", "status": status}
}

// deliver formats the group's decoded values and dispatches by key prefix:
// pub_ -> periodic publication, set_ -> set-reply confirmation, get_ -> get
// reply. Anything else (a bare replyto) is sent as a direct reply.
func (c *Collator) deliver(key string, items []*ioengine.WorkItem) {
	body := Format(items)
	switch {
	case strings.HasPrefix(key, "pub_"):
		component := strings.TrimPrefix(key, "pub_")
		c.sink.Pub("/"+component, body)
		if c.recorder != nil {
			ts := time.Now()
			if len(items) > 0 {
				ts = items[0].TNow
			}
			c.recorder.EnqueueBody(component, body, ts)
		}
	case strings.HasPrefix(key, "set_"):
		c.sink.Reply(strings.TrimPrefix(key, "set_"), body)
	case strings.HasPrefix(key, "get_"):
		c.sink.Reply(strings.TrimPrefix(key, "get_"), body)
	default:
		c.sink.Reply(key, body)
	}
}

// Format decodes every io_point carried by items through the codec and
// assembles a single flat body keyed by io_point id. A point whose register
// span lies outside its item's Buf16 (for example after a failed read) is
// left out of the body; no earlier value is substituted for it.
func Format(items []*ioengine.WorkItem) map[string]any {
	body := make(map[string]any)
	for _, item := range items {
		for _, p := range item.Items {
			lo := p.Offset - item.Offset
			hi := lo + p.Size
			if lo < 0 || hi > len(item.Buf16) {
				continue
			}
			raw := wordsToRaw(item.Buf16[lo:hi])
			if item.Raw {
				body[p.ID] = rawWrapper(raw, p.Size)
				continue
			}
			d, err := codec.Decode(item.Buf16[lo:hi], p)
			if err != nil {
				body[p.ID+"_error"] = err.Error()
				continue
			}
			p.LastValue = d.Value
			p.LastRawVal = raw
			p.LastFloatVal = d.Value.Float()
			p.HasLast = true
			body[p.ID] = formatDecoded(d)
		}
	}
	return body
}

// rawWrapper is the "_raw" suffix's body shape: the decoded register span's
// raw integer value alongside hex and binary renderings (spec.md §6).
func rawWrapper(raw uint64, size int) map[string]any {
	bits := size * 16
	return map[string]any{
		"value":  raw,
		"hex":    fmt.Sprintf("0x%0*x", (bits+3)/4, raw),
		"binary": fmt.Sprintf("%0*b", bits, raw),
	}
}

// wordsToRaw assembles size-many big-endian 16-bit words into one integer,
// kept as the io_point's shadow cache for local/heartbeat reads.
func wordsToRaw(words []uint16) uint64 {
	var raw uint64
	for _, w := range words {
		raw = raw<<16 | uint64(w)
	}
	return raw
}

func formatDecoded(d codec.Decoded) any {
	switch {
	case d.IndividualBits != nil:
		return d.IndividualBits
	case d.BitField != nil:
		return bitEntries(d.BitField)
	case d.Enum != nil:
		return bitEntries(d.Enum)
	case d.Packed != nil:
		out := make(map[string]any, len(d.Packed))
		for k, v := range d.Packed {
			out[k] = formatDecoded(v)
		}
		return out
	default:
		return d.Value.Float()
	}
}

func bitEntries(entries []regmodel.BitEntry) []map[string]any {
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{"value": e.Value, "string": e.Label})
	}
	return out
}
