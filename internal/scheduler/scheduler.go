// Package scheduler implements the periodic-timer priority queue described
// in spec.md §4.5, driving each component's publication cycle.
package scheduler

import (
	"container/heap"
	"math/rand"
	"sync"
	"time"
)

// Timer is one periodic callback: name, initial offset, period, optional
// per-fire jitter, callback, and a sync handshake flag that lets the
// collator delay the next fire until the current group completes.
type Timer struct {
	Name     string
	Offset   time.Duration
	Period   time.Duration
	Jitter   time.Duration
	Sync     bool
	Callback func(name string, tNow time.Time)

	nextFire time.Time
	index    int // heap.Interface bookkeeping
}

type timerHeap []*Timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].nextFire.Before(h[j].nextFire) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *timerHeap) Push(x any)         { t := x.(*Timer); t.index = len(*h); *h = append(*h, t) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Scheduler is a background thread sleeping until the earliest due timer,
// invoking its callback, then re-enqueuing with fire_time += period.
type Scheduler struct {
	mu     sync.Mutex
	heap   timerHeap
	byName map[string]*Timer
	ackCh  map[string]chan struct{}
	wake   chan struct{}

	newTimers chan *Timer
	cancelCh  chan string
}

func New() *Scheduler {
	return &Scheduler{
		byName:    make(map[string]*Timer),
		ackCh:     make(map[string]chan struct{}),
		wake:      make(chan struct{}, 1),
		newTimers: make(chan *Timer, 16),
		cancelCh:  make(chan string, 16),
	}
}

// Add inserts a new timer, scheduling its first fire at now+Offset.
func (s *Scheduler) Add(t *Timer) {
	t.nextFire = time.Now().Add(t.Offset)
	s.newTimers <- t
	s.nudge()
}

// Remove cancels a timer by name; an in-flight callback still runs to
// completion.
func (s *Scheduler) Remove(name string) {
	s.cancelCh <- name
	s.nudge()
}

// Ack signals that a sync-mode timer's current publication cycle has
// completed, allowing its next fire to be scheduled. Non-sync timers never
// need this call.
func (s *Scheduler) Ack(name string) {
	s.mu.Lock()
	ch, ok := s.ackCh[name]
	s.mu.Unlock()
	if ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run is the scheduler's single background loop; it returns when stop is
// closed.
func (s *Scheduler) Run(stop <-chan struct{}) {
	for {
		s.drainMutations()

		s.mu.Lock()
		if len(s.heap) == 0 {
			s.mu.Unlock()
			select {
			case <-stop:
				return
			case <-s.wake:
				continue
			}
		}
		next := s.heap[0]
		wait := time.Until(next.nextFire)
		s.mu.Unlock()

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-stop:
				timer.Stop()
				return
			case <-s.wake:
				timer.Stop()
				continue
			case <-timer.C:
			}
		}

		s.mu.Lock()
		if len(s.heap) == 0 {
			s.mu.Unlock()
			continue
		}
		t := heap.Pop(&s.heap).(*Timer)
		s.mu.Unlock()

		tNow := time.Now()
		if t.Sync {
			ack := make(chan struct{}, 1)
			s.mu.Lock()
			s.ackCh[t.Name] = ack
			s.mu.Unlock()
			go t.Callback(t.Name, tNow)
			go func(t *Timer, ack chan struct{}) {
				select {
				case <-ack:
				case <-stop:
					return
				}
				s.requeue(t)
			}(t, ack)
			continue
		}

		go t.Callback(t.Name, tNow)
		s.requeue(t)
	}
}

func (s *Scheduler) requeue(t *Timer) {
	period := t.Period
	if period <= 0 {
		period = time.Second
	}
	t.nextFire = t.nextFire.Add(period)
	if t.Jitter > 0 {
		t.nextFire = t.nextFire.Add(time.Duration(rand.Int63n(int64(t.Jitter))))
	}
	if t.nextFire.Before(time.Now()) {
		t.nextFire = time.Now().Add(period)
	}
	s.mu.Lock()
	delete(s.ackCh, t.Name)
	heap.Push(&s.heap, t)
	s.mu.Unlock()
	s.nudge()
}

func (s *Scheduler) drainMutations() {
	for {
		select {
		case t := <-s.newTimers:
			s.mu.Lock()
			if old, ok := s.byName[t.Name]; ok && old.index >= 0 {
				heap.Remove(&s.heap, old.index)
			}
			s.byName[t.Name] = t
			heap.Push(&s.heap, t)
			s.mu.Unlock()
		case name := <-s.cancelCh:
			s.mu.Lock()
			if old, ok := s.byName[name]; ok {
				if old.index >= 0 {
					heap.Remove(&s.heap, old.index)
				}
				delete(s.byName, name)
				delete(s.ackCh, name)
			}
			s.mu.Unlock()
		default:
			return
		}
	}
}
