package bus

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"modbus-gateway/internal/ioengine"
	"modbus-gateway/internal/regmodel"
)

const routerTestConfig = `
connections:
  - name: conn1
    protocol: tcp
    ip_address: 127.0.0.1
    port: 502
    components:
      - id: meter1
        frequency: 1000
        registers:
          - type: holding
            starting_offset: 0
            number_of_registers: 1
            map:
              - id: volts
                offset: 0
                scale: 1
`

type fakeSubmitter struct {
	pool      *ioengine.Pool
	submitted []*ioengine.WorkItem
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{pool: ioengine.NewPool(16)}
}

func (f *fakeSubmitter) Submit(item *ioengine.WorkItem) { f.submitted = append(f.submitted, item) }
func (f *fakeSubmitter) Pool() *ioengine.Pool           { return f.pool }

type fakeReplier struct {
	mu     sync.Mutex
	reps   []string
	bodies []map[string]any
}

func (f *fakeReplier) Reply(replyTo string, body map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reps = append(f.reps, replyTo)
	f.bodies = append(f.bodies, body)
}

func newTestRouter(t *testing.T, sub Submitter, replier Replier) (*Router, *regmodel.Component) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte(routerTestConfig), 0o644); err != nil {
		t.Fatalf("write test config: %v", err)
	}
	root, err := regmodel.Load(path)
	if err != nil {
		t.Fatalf("load test config: %v", err)
	}
	comp := root.Connections[0].Components[0]

	submitters := map[string]Submitter{}
	if sub != nil {
		submitters["conn1"] = sub
	}
	r := NewRouter(root, submitters, nil, replier)
	return r, comp
}

func TestHandleSetTimingsRepliesWithSnapshot(t *testing.T) {
	comp := &regmodel.Component{}
	comp.RecordTiming(10 * time.Millisecond)
	comp.RecordTiming(30 * time.Millisecond)

	replier := &fakeReplier{}
	r := &Router{componentsByID: map[string]*regmodel.Component{"meter1": comp}, replier: replier}
	r.dispatch(Message{Method: "set", URI: "/meter1/volts_timings", ReplyTo: "corr-1"})

	if len(replier.reps) != 1 || replier.reps[0] != "corr-1" {
		t.Fatalf("expected one reply to corr-1, got %+v", replier.reps)
	}
	body := replier.bodies[0]
	if body["count"] != int64(2) {
		t.Errorf("expected count=2, got %+v", body)
	}
}

func TestHandleSetResetTimingsClearsStatsAndAcks(t *testing.T) {
	comp := &regmodel.Component{}
	comp.RecordTiming(10 * time.Millisecond)

	replier := &fakeReplier{}
	r := &Router{componentsByID: map[string]*regmodel.Component{"meter1": comp}, replier: replier}
	r.dispatch(Message{Method: "set", URI: "/meter1/volts_reset_timings", ReplyTo: "corr-2"})

	if count, _, _, _ := comp.TimingsSnapshot(); count != 0 {
		t.Errorf("expected timings reset to zero, got count=%d", count)
	}
	if len(replier.bodies) != 1 || replier.bodies[0]["status"] != "Success" {
		t.Fatalf("expected a Success ack, got %+v", replier.bodies)
	}
}

func TestHandleSetRawSubmitsRawFlaggedItem(t *testing.T) {
	sub := newFakeSubmitter()
	r, _ := newTestRouter(t, sub, nil)

	r.dispatch(Message{Method: "set", URI: "/meter1/volts_raw", ReplyTo: "corr-3"})

	if len(sub.submitted) != 1 {
		t.Fatalf("expected exactly one submitted item, got %d", len(sub.submitted))
	}
	item := sub.submitted[0]
	if !item.Raw {
		t.Error("expected the submitted item to carry Raw=true")
	}
	if item.Type != ioengine.Get || !item.Local {
		t.Errorf("expected a local get item, got type=%v local=%v", item.Type, item.Local)
	}
}

func TestHandleGetTimingsBypassesSubmitter(t *testing.T) {
	replier := &fakeReplier{}
	r, _ := newTestRouter(t, nil, replier)

	r.dispatch(Message{Method: "get", URI: "/meter1/volts_timings", ReplyTo: "corr-4"})

	if len(replier.reps) != 1 || replier.reps[0] != "corr-4" {
		t.Fatalf("expected a direct timings reply, got %+v", replier.reps)
	}
}
