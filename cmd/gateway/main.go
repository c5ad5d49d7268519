// Command gateway is the Modbus TCP/RTU client gateway: it loads the
// register model, dials the bus, and drives the scheduler -> batcher ->
// I/O engine -> collator -> history/bus pipeline until terminated.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"modbus-gateway/internal/bus"
	"modbus-gateway/internal/collate"
	"modbus-gateway/internal/heartbeat"
	"modbus-gateway/internal/history"
	"modbus-gateway/internal/ioengine"
	"modbus-gateway/internal/metrics"
	"modbus-gateway/internal/regmodel"
)

type reloader struct{ cancel context.CancelFunc }

// Reload performs a clean shutdown; an external supervisor is expected to
// restart the process against the (possibly edited) config file.
func (r reloader) Reload() {
	log.Printf("gateway: reload requested, shutting down for restart")
	r.cancel()
}

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config/gateway.yaml", "path to YAML config")
	flag.Parse()

	root, err := regmodel.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		log.Printf("gateway: received signal %v, shutting down", s)
		cancel()
	}()

	var recorder *history.Store
	if root.System.Storage.Enabled {
		recorder, err = history.Open(root.System.Storage.DBPath, root.System.Storage.MaxQueueSize)
		if err != nil {
			log.Fatalf("open history store: %v", err)
		}
		defer recorder.Close()
	}

	if root.System.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: root.System.Metrics.Listen, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics server: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	busClient, err := bus.Dial(ctx, root.Bus.Address, root.Bus.DialTimeout, root.Bus.Base)
	if err != nil {
		log.Fatalf("dial bus %s: %v", root.Bus.Address, err)
	}
	go busClient.Listen(ctx)

	engines := make(map[string]*ioengine.Engine, len(root.Connections))
	submitters := make(map[string]bus.Submitter, len(root.Connections))
	for _, conn := range root.Connections {
		eng := ioengine.NewEngine(conn, conn.MaxWritesPerSecond)
		eng.Start(ctx)
		engines[conn.Name] = eng
		submitters[conn.Name] = eng
		defer eng.Stop()
		log.Printf("gateway: connection %s ready (%s, %d workers)", conn.Name, conn.Protocol, conn.MaxNumConnections)
	}

	var recorderAdapter collate.Recorder
	if recorder != nil {
		recorderAdapter = recorder
	}
	collator := collate.New(busClient, recorderAdapter)
	for _, eng := range engines {
		go collator.Run(ctx, eng.Responses())
	}

	router := bus.NewRouter(root, submitters, reloader{cancel: cancel}, busClient)
	go router.Run(busClient.Inbound)

	sched := newSchedule(root, engines)
	collator.SetAcker(sched.sched)

	for _, conn := range root.Connections {
		for _, comp := range conn.Components {
			if comp.Heartbeat.Enabled {
				sup := &heartbeat.Supervisor{Component: comp, Submitter: engines[conn.Name], Poster: busClient}
				go sup.Run(ctx)
			}
		}
	}

	totalPoints := 0
	for _, conn := range root.Connections {
		for _, comp := range conn.Components {
			for _, g := range comp.Groups {
				totalPoints += len(g.Points)
			}
		}
	}
	log.Printf("gateway: loaded %s io_points across %d connections", humanize.Comma(int64(totalPoints)), len(root.Connections))

	<-ctx.Done()
	sched.stop()
	log.Printf("gateway: shutdown complete")
}

func init() {
	metrics.MustRegister()
}
