// Command readpoint is an ad-hoc diagnostic CLI: given a config file and a
// component/point id, it dials the component's connection directly (no
// bus) and prints the decoded value, or writes one if -set is given.
// Adapted from the teacher's cmd/client one-shot register reader.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strconv"
	"time"

	"modbus-gateway/internal/codec"
	"modbus-gateway/internal/ioengine"
	"modbus-gateway/internal/regmodel"
)

func main() {
	var (
		cfgPath   string
		component string
		pointID   string
		setVal    string
		timeout   time.Duration
	)
	flag.StringVar(&cfgPath, "config", "config/gateway.yaml", "path to YAML config")
	flag.StringVar(&component, "component", "", "component id (required)")
	flag.StringVar(&pointID, "point", "", "io_point id (required)")
	flag.StringVar(&setVal, "set", "", "if given, write this value instead of reading")
	flag.DurationVar(&timeout, "timeout", 5*time.Second, "wait for a response")
	flag.Parse()

	if component == "" || pointID == "" {
		log.Fatalf("-component and -point are required")
	}

	root, err := regmodel.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	conn, comp, point, group := findPoint(root, component, pointID)
	if point == nil {
		log.Fatalf("no such point %s/%s", component, pointID)
	}

	eng := ioengine.NewEngine(conn, conn.MaxWritesPerSecond)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	eng.Start(ctx)
	defer eng.Stop()

	item := eng.Pool().Get()
	item.DeviceID = comp.DeviceID
	item.RegisterType = group.Type
	item.OffByOne = conn.OffByOne

	if setVal == "" {
		item.Type = ioengine.Get
		item.Offset = group.StartingOffset
		item.NumRegisters = group.NumberOfRegisters
		item.Items = append(item.Items, group.Points...)
	} else {
		v, err := strconv.ParseFloat(setVal, 64)
		if err != nil {
			log.Fatalf("parse -set value %q: %v", setVal, err)
		}
		words, err := codec.Encode(point, regmodel.F64Value(v))
		if err != nil {
			log.Fatalf("encode: %v", err)
		}
		item.Type = ioengine.Set
		item.Offset = point.Offset
		item.NumRegisters = point.Size
		item.Buf16 = append(item.Buf16, words...)
		item.Items = append(item.Items, point)
	}

	eng.Submit(item)

	select {
	case resp := <-eng.Responses():
		if resp.Err != nil {
			log.Fatalf("wire error: %v", resp.Err)
		}
		if setVal != "" {
			fmt.Printf("%s/%s set to %s (ok)\n", component, pointID, setVal)
			return
		}
		lo := point.Offset - resp.Offset
		hi := lo + point.Size
		if lo < 0 || hi > len(resp.Buf16) {
			log.Fatalf("point %s outside response range", pointID)
		}
		d, err := codec.Decode(resp.Buf16[lo:hi], point)
		if err != nil {
			log.Fatalf("decode: %v", err)
		}
		fmt.Printf("%s/%s = %v\n", component, pointID, d.Value.Float())
	case <-ctx.Done():
		log.Fatalf("timed out waiting for response")
	}
}

func findPoint(root *regmodel.RootConfig, componentID, pointID string) (*regmodel.Connection, *regmodel.Component, *regmodel.IOPoint, *regmodel.RegisterGroup) {
	for _, conn := range root.Connections {
		for _, comp := range conn.Components {
			if comp.ID != componentID {
				continue
			}
			for _, g := range comp.Groups {
				for _, p := range g.Points {
					if p.ID == pointID {
						return conn, comp, p, g
					}
				}
			}
		}
	}
	return nil, nil, nil, nil
}
