package main

import (
	"time"

	"modbus-gateway/internal/batcher"
	"modbus-gateway/internal/ioengine"
	"modbus-gateway/internal/regmodel"
	"modbus-gateway/internal/scheduler"
)

// gatewaySchedule owns the scheduler goroutine and its stop channel.
type gatewaySchedule struct {
	sched *scheduler.Scheduler
	stopCh chan struct{}
}

func (g *gatewaySchedule) stop() {
	close(g.stopCh)
}

// newSchedule builds one sync-mode Timer per component (keyed by its
// WorkName) and starts the scheduler's background loop. Each timer's
// callback hands the component to the batcher, which submits one Get work
// item per enabled register group to that component's connection engine.
func newSchedule(root *regmodel.RootConfig, engines map[string]*ioengine.Engine) *gatewaySchedule {
	sched := scheduler.New()
	stopCh := make(chan struct{})

	for _, conn := range root.Connections {
		eng, ok := engines[conn.Name]
		if !ok {
			continue
		}
		for _, comp := range conn.Components {
			comp := comp
			eng := eng
			sched.Add(&scheduler.Timer{
				Name:   comp.WorkName(),
				Offset: comp.OffsetTime,
				Period: comp.Frequency,
				Sync:   true,
				Callback: func(name string, tNow time.Time) {
					batcher.Batch(comp, eng, tNow)
				},
			})
		}
	}

	go sched.Run(stopCh)
	return &gatewaySchedule{sched: sched, stopCh: stopCh}
}
