// Dispatch logic for inbound bus messages, per spec.md §4.6: the listener
// hands parsed messages to this router over a channel so decoding never
// blocks the socket read loop.
package bus

import (
	"strconv"
	"strings"
	"time"

	"modbus-gateway/internal/codec"
	"modbus-gateway/internal/ioengine"
	"modbus-gateway/internal/regmodel"
)

// Submitter is the per-connection engine interface the router needs to
// enqueue set/get work items.
type Submitter interface {
	Submit(item *ioengine.WorkItem)
	Pool() *ioengine.Pool
}

// Reloader triggers a whole-process reload on "_reload".
type Reloader interface {
	Reload()
}

// Replier sends a direct reply that bypasses the work-item/collator
// pipeline, for queries the router can answer synchronously (the
// "_timings" suffix and "_reset_timings" acknowledgement).
type Replier interface {
	Reply(replyTo string, body map[string]any)
}

// Router dispatches inbound messages against the loaded config graph.
type Router struct {
	root       *regmodel.RootConfig
	submitters map[string]Submitter // keyed by connection name
	reload     Reloader
	replier    Replier

	componentsByID map[string]*regmodel.Component
}

func NewRouter(root *regmodel.RootConfig, submitters map[string]Submitter, reload Reloader, replier Replier) *Router {
	byID := make(map[string]*regmodel.Component)
	for _, conn := range root.Connections {
		for _, c := range conn.Components {
			byID[c.ID] = c
		}
	}
	return &Router{root: root, submitters: submitters, reload: reload, replier: replier, componentsByID: byID}
}

// Run consumes inbound messages until inbound is closed.
func (r *Router) Run(inbound <-chan Message) {
	for msg := range inbound {
		r.dispatch(msg)
	}
}

func (r *Router) dispatch(msg Message) {
	parts := strings.Split(strings.Trim(msg.URI, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		return
	}
	compID := parts[0]
	comp, ok := r.componentsByID[compID]
	if !ok {
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "_reload":
		if r.reload != nil {
			r.reload.Reload()
		}
		return
	case msg.Method == "get":
		r.handleGet(comp, parts, msg)
		return
	case msg.Method == "set" && len(parts) >= 2:
		r.handleSet(comp, parts, msg)
		return
	}
}

func (r *Router) findPoint(comp *regmodel.Component, id string) *regmodel.IOPoint {
	base, _ := splitSuffix(id)
	for _, g := range comp.Groups {
		for _, p := range g.Points {
			if p.ID == base {
				return p
			}
		}
	}
	return nil
}

// splitSuffix strips a recognized formatting/control suffix
// (_raw, _timings, _reset_timings, _force, _unforce, _enable, _disable)
// from a point id, returning the base id and the suffix (without leading
// underscore), or "" if none matched.
func splitSuffix(id string) (base, suffix string) {
	for _, s := range []string{"_reset_timings", "_timings", "_raw", "_force", "_unforce", "_enable", "_disable"} {
		if strings.HasSuffix(id, s) {
			return strings.TrimSuffix(id, s), strings.TrimPrefix(s, "_")
		}
	}
	return id, ""
}

func (r *Router) submitterFor(comp *regmodel.Component) Submitter {
	conn := comp.Connection()
	if conn == nil {
		return nil
	}
	return r.submitters[conn.Name]
}

func (r *Router) handleGet(comp *regmodel.Component, parts []string, msg Message) {
	if len(parts) == 1 {
		sub := r.submitterFor(comp)
		if sub == nil {
			return
		}
		// whole-component read: local shadow copy of cached state.
		item := sub.Pool().Get()
		item.DeviceID = comp.DeviceID
		item.Type = ioengine.Get
		item.Local = true
		item.ReplyTo = msg.ReplyTo
		for _, g := range comp.Groups {
			item.Items = append(item.Items, g.Points...)
		}
		sub.Submit(item)
		return
	}

	base, suffix := splitSuffix(parts[1])
	if suffix == "timings" {
		r.replyTimings(comp, msg.ReplyTo)
		return
	}
	if suffix == "reset_timings" {
		comp.ResetTimings()
		if r.replier != nil {
			r.replier.Reply(msg.ReplyTo, map[string]any{"gcom": "Modbus Set", "status": "Success"})
		}
		return
	}

	sub := r.submitterFor(comp)
	if sub == nil {
		return
	}
	p := r.findPoint(comp, base)
	if p == nil {
		return
	}
	item := sub.Pool().Get()
	item.DeviceID = comp.DeviceID
	item.Type = ioengine.Get
	item.Local = true
	item.Raw = suffix == "raw"
	item.ReplyTo = msg.ReplyTo
	item.Items = append(item.Items, p)
	sub.Submit(item)
}

// replyTimings answers the "_timings" suffix directly from the
// component's rolling publication-latency stats, bypassing the work-item
// pipeline since no wire I/O is needed.
func (r *Router) replyTimings(comp *regmodel.Component, replyTo string) {
	if r.replier == nil {
		return
	}
	count, min, max, avg := comp.TimingsSnapshot()
	toMS := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	r.replier.Reply(replyTo, map[string]any{
		"count":  count,
		"min_ms": toMS(min),
		"max_ms": toMS(max),
		"avg_ms": toMS(avg),
	})
}

func (r *Router) handleSet(comp *regmodel.Component, parts []string, msg Message) {
	id := parts[1]
	base, suffix := splitSuffix(id)

	switch suffix {
	case "force", "unforce":
		p := r.findPoint(comp, base)
		if p == nil {
			return
		}
		p.Forced = suffix == "force"
		return
	case "enable", "disable":
		p := r.findPoint(comp, base)
		if p == nil {
			return
		}
		p.IsEnabled = suffix == "enable"
		return
	case "raw":
		p := r.findPoint(comp, base)
		if p == nil {
			return
		}
		sub := r.submitterFor(comp)
		if sub == nil {
			return
		}
		item := sub.Pool().Get()
		item.DeviceID = comp.DeviceID
		item.Type = ioengine.Get
		item.Local = true
		item.Raw = true
		item.ReplyTo = msg.ReplyTo
		item.Items = append(item.Items, p)
		sub.Submit(item)
		return
	case "timings":
		r.replyTimings(comp, msg.ReplyTo)
		return
	case "reset_timings":
		comp.ResetTimings()
		if r.replier != nil {
			r.replier.Reply(msg.ReplyTo, map[string]any{"gcom": "Modbus Set", "status": "Success"})
		}
		return
	}

	p := r.findPoint(comp, base)
	if p == nil {
		return
	}
	v, ok := parseBody(msg.Body)
	if !ok {
		return
	}

	now := time.Now()
	if !p.Debounce(now, v) {
		return // coalesced: the set is dropped and no pending value is kept
	}
	p.MarkApplied(now, v)

	sub := r.submitterFor(comp)
	if sub == nil {
		return
	}
	words, err := codec.Encode(p, regmodel.F64Value(v))
	if err != nil {
		return
	}

	item := sub.Pool().Get()
	item.DeviceID = comp.DeviceID
	item.RegisterType = p.Group().Type
	item.Type = ioengine.Set
	item.Offset = p.Offset
	item.NumRegisters = p.Size
	item.Buf16 = append(item.Buf16, words...)
	item.Items = append(item.Items, p)
	item.ReplyTo = msg.ReplyTo
	if conn := comp.Connection(); conn != nil {
		item.OffByOne = conn.OffByOne
	}
	sub.Submit(item)
}

// parseBody extracts a numeric value from a set body. The wire format is a
// small JSON-like scalar; this accepts a bare number or {"value": n}.
func parseBody(body []byte) (float64, bool) {
	s := strings.TrimSpace(string(body))
	if strings.HasPrefix(s, "{") {
		idx := strings.Index(s, ":")
		if idx < 0 {
			return 0, false
		}
		s = strings.TrimRight(strings.TrimSpace(s[idx+1:]), "}")
	}
	s = strings.Trim(s, `"`)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
