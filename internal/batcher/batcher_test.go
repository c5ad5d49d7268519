package batcher

import (
	"testing"
	"time"

	"modbus-gateway/internal/ioengine"
	"modbus-gateway/internal/regmodel"
)

type fakeSubmitter struct {
	pool      *ioengine.Pool
	submitted []*ioengine.WorkItem
}

func (f *fakeSubmitter) Pool() *ioengine.Pool { return f.pool }
func (f *fakeSubmitter) Submit(item *ioengine.WorkItem) {
	f.submitted = append(f.submitted, item)
}

func TestBatchSkipsDisabledGroups(t *testing.T) {
	comp := &regmodel.Component{ID: "meter1"}
	enabled := &regmodel.RegisterGroup{Type: regmodel.Holding, Enabled: true, StartingOffset: 0, NumberOfRegisters: 2}
	disabled := &regmodel.RegisterGroup{Type: regmodel.Holding, Enabled: false, StartingOffset: 10, NumberOfRegisters: 2}
	comp.Groups = []*regmodel.RegisterGroup{enabled, disabled}

	sub := &fakeSubmitter{pool: ioengine.NewPool(4)}
	tNow := time.Unix(1000, 0)

	workName, workGroup := Batch(comp, sub, tNow)

	if workName != "pub_meter1" {
		t.Errorf("workName = %q, want pub_meter1", workName)
	}
	if workGroup != 1 {
		t.Errorf("workGroup = %d, want 1 (disabled group must not count)", workGroup)
	}
	if len(sub.submitted) != 1 {
		t.Fatalf("submitted %d items, want 1", len(sub.submitted))
	}
	item := sub.submitted[0]
	if item.WorkName != workName || item.TNow != tNow || item.Type != ioengine.Get {
		t.Errorf("unexpected item: %+v", item)
	}
	if item.Offset != enabled.StartingOffset || item.NumRegisters != enabled.NumberOfRegisters {
		t.Errorf("item does not match the enabled group: %+v", item)
	}
}

func TestBatchWithoutConnectionLeavesOffByOneFalse(t *testing.T) {
	// A component with no wired connection (Connection() == nil) must not
	// panic; OffByOne simply defaults to false.
	comp := &regmodel.Component{ID: "dev"}
	g := &regmodel.RegisterGroup{Type: regmodel.Input, Enabled: true, StartingOffset: 5, NumberOfRegisters: 1}
	comp.Groups = []*regmodel.RegisterGroup{g}

	sub := &fakeSubmitter{pool: ioengine.NewPool(1)}
	Batch(comp, sub, time.Now())

	if len(sub.submitted) != 1 {
		t.Fatalf("submitted %d items, want 1", len(sub.submitted))
	}
	if sub.submitted[0].OffByOne {
		t.Errorf("expected OffByOne false with no connection wired")
	}
}
