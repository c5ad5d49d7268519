package scheduler

import (
	"sync"
	"testing"
	"time"
)

func TestSchedulerFiresNonSyncTimerRepeatedly(t *testing.T) {
	s := New()
	stop := make(chan struct{})
	defer close(stop)

	var mu sync.Mutex
	fires := 0
	done := make(chan struct{})

	s.Add(&Timer{
		Name:   "t1",
		Offset: 0,
		Period: 20 * time.Millisecond,
		Callback: func(name string, tNow time.Time) {
			mu.Lock()
			fires++
			n := fires
			mu.Unlock()
			if n == 3 {
				close(done)
			}
		},
	})
	go s.Run(stop)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire 3 times in time")
	}
}

func TestSchedulerSyncTimerWaitsForAckationToRequeue(t *testing.T) {
	s := New()
	stop := make(chan struct{})
	defer close(stop)

	fired := make(chan struct{}, 4)
	s.Add(&Timer{
		Name:   "sync1",
		Offset: 0,
		Period: 20 * time.Millisecond,
		Sync:   true,
		Callback: func(name string, tNow time.Time) {
			fired <- struct{}{}
		},
	})
	go s.Run(stop)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("sync timer never fired")
	}

	// Without an Ack, the timer must not requeue for a while.
	select {
	case <-fired:
		t.Fatal("sync timer fired again before being acked")
	case <-time.After(100 * time.Millisecond):
	}

	s.Ack("sync1")

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("sync timer did not fire again after ack")
	}
}

func TestSchedulerRemoveCancelsTimer(t *testing.T) {
	s := New()
	stop := make(chan struct{})
	defer close(stop)

	fired := make(chan struct{}, 8)
	s.Add(&Timer{
		Name:   "removable",
		Offset: 10 * time.Millisecond,
		Period: 10 * time.Millisecond,
		Callback: func(name string, tNow time.Time) {
			fired <- struct{}{}
		},
	})
	go s.Run(stop)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired before removal")
	}

	s.Remove("removable")

	// Drain any in-flight fire, then confirm no further fires arrive.
	time.Sleep(20 * time.Millisecond)
	for {
		select {
		case <-fired:
			continue
		default:
		}
		break
	}
	select {
	case <-fired:
		t.Fatal("timer fired after being removed")
	case <-time.After(150 * time.Millisecond):
	}
}
