package scanloop

import (
	"testing"
	"time"
)

func TestRunFiresRepeatedly(t *testing.T) {
	stopCh := make(chan struct{})
	ticks := make(chan struct{}, 16)
	done := make(chan struct{})

	go func() {
		Run(stopCh, func() time.Duration { return 5 * time.Millisecond }, 0, func() {
			ticks <- struct{}{}
		})
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for i := 0; i < 3; i++ {
		select {
		case <-ticks:
		case <-deadline:
			t.Fatalf("only %d ticks before deadline", i)
		}
	}

	close(stopCh)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after stop")
	}
}

func TestRunDoesNotFireImmediately(t *testing.T) {
	stopCh := make(chan struct{})
	defer close(stopCh)
	ticks := make(chan struct{}, 1)

	go Run(stopCh, func() time.Duration { return time.Hour }, 0, func() {
		ticks <- struct{}{}
	})

	select {
	case <-ticks:
		t.Fatal("fired before one full interval elapsed")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRunReEvaluatesInterval(t *testing.T) {
	stopCh := make(chan struct{})
	ticks := make(chan struct{}, 16)
	done := make(chan struct{})

	intervals := make(chan time.Duration, 16)
	intervals <- 5 * time.Millisecond
	intervals <- 5 * time.Millisecond
	next := func() time.Duration {
		select {
		case d := <-intervals:
			return d
		default:
			return time.Hour
		}
	}

	go func() {
		Run(stopCh, next, 0, func() { ticks <- struct{}{} })
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-ticks:
		case <-deadline:
			t.Fatalf("only %d ticks before deadline", i)
		}
	}
	// Third wait switched to the long interval; no further ticks.
	select {
	case <-ticks:
		t.Fatal("tick fired after interval switched to an hour")
	case <-time.After(50 * time.Millisecond):
	}

	close(stopCh)
	<-done
}

func TestRunZeroIntervalFallsBack(t *testing.T) {
	stopCh := make(chan struct{})
	defer close(stopCh)
	ticks := make(chan struct{}, 1)

	go Run(stopCh, func() time.Duration { return 0 }, 0, func() {
		select {
		case ticks <- struct{}{}:
		default:
		}
	})

	// The zero interval falls back to one second, so nothing fires fast.
	select {
	case <-ticks:
		t.Fatal("zero interval fired immediately")
	case <-time.After(100 * time.Millisecond):
	}
}
