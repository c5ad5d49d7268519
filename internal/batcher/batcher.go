// Package batcher turns a triggered publication into one work item per
// register group, per spec.md §4.4.
package batcher

import (
	"time"

	"modbus-gateway/internal/ioengine"
	"modbus-gateway/internal/regmodel"
)

// Submitter is the subset of ioengine.Engine the batcher needs; each
// connection's engine implements it.
type Submitter interface {
	Submit(item *ioengine.WorkItem)
	Pool() *ioengine.Pool
}

// Batch walks comp's register groups in order and emits one Get work item
// per enabled group, sharing work_name="pub_<component id>" and tNow, with
// work_id = 0..work_group-1. Disabled groups are skipped entirely and do
// not count toward work_group, since no item will ever arrive for them.
func Batch(comp *regmodel.Component, submitter Submitter, tNow time.Time) (workName string, workGroup int) {
	workName = comp.WorkName()

	var enabled []*regmodel.RegisterGroup
	for _, g := range comp.Groups {
		if g.Enabled {
			enabled = append(enabled, g)
		}
	}
	workGroup = len(enabled)

	for id, g := range enabled {
		item := submitter.Pool().Get()
		item.WorkName = workName
		item.WorkID = id
		item.WorkGroup = workGroup
		item.TNow = tNow
		item.DeviceID = comp.DeviceID
		item.RegisterType = g.Type
		item.Type = ioengine.Get
		item.Offset = g.StartingOffset
		item.NumRegisters = g.NumberOfRegisters
		item.Group = g
		item.Component = comp
		item.Items = append(item.Items, g.Points...)
		if conn := comp.Connection(); conn != nil {
			item.OffByOne = conn.OffByOne
		}
		item.TStart = tNow
		submitter.Submit(item)
	}
	return workName, workGroup
}
