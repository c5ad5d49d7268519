package ioengine

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"modbus-gateway/internal/regmodel"
)

// Engine is the public contract over a connection's worker pool: submit,
// cancel, stop (spec.md §4.3).
type Engine struct {
	conn *regmodel.Connection

	pollCh    chan *WorkItem
	setCh     chan *WorkItem
	respCh    chan *WorkItem
	controlCh chan int
	pool      *Pool

	workers []*Worker
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// NewEngine builds the channel fabric and worker pool for one connection.
// max_num_connections workers share the same poll/set/response channels, so
// any idle worker can service the next ready item.
func NewEngine(conn *regmodel.Connection, writesPerSecond float64) *Engine {
	n := conn.MaxNumConnections
	if n <= 0 {
		n = 1
	}
	e := &Engine{
		conn:      conn,
		pollCh:    make(chan *WorkItem, 64),
		setCh:     make(chan *WorkItem, 64),
		respCh:    make(chan *WorkItem, 128),
		controlCh: make(chan int, n),
		pool:      NewPool(256),
	}
	var limiter *rate.Limiter
	if writesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(writesPerSecond), 1)
	}
	for i := 0; i < n; i++ {
		e.workers = append(e.workers, NewWorker(i, conn, e.pollCh, e.setCh, e.respCh, e.controlCh, e.pool, limiter))
	}
	return e
}

// Start launches all workers; each services the shared channels until ctx
// is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	for _, w := range e.workers {
		e.wg.Add(1)
		go func(w *Worker) {
			defer e.wg.Done()
			w.Run(ctx)
		}(w)
	}
}

// Submit enqueues a poll (read) or set (write) work item.
func (e *Engine) Submit(item *WorkItem) {
	switch item.Type {
	case Set, SetMulti, BitSet, BitSetMulti:
		e.setCh <- item
	default:
		e.pollCh <- item
	}
	e.wake()
}

func (e *Engine) wake() {
	select {
	case e.controlCh <- 1:
	default:
	}
}

// Responses returns the channel workers publish completed work items to.
func (e *Engine) Responses() <-chan *WorkItem { return e.respCh }

// Pool returns the shared work-item free list.
func (e *Engine) Pool() *Pool { return e.pool }

// Cancel requests all in-flight work stop at the next opportunity.
func (e *Engine) Cancel() {
	for range e.workers {
		select {
		case e.controlCh <- 0:
		default:
		}
	}
}

// Stop cancels the engine's context and waits for all workers to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	close(e.controlCh)
	e.wg.Wait()
}
