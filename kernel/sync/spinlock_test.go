package sync

import (
	"sync"
	"testing"
	"time"
)

func TestSpinlock(t *testing.T) {
	var (
		sl         Spinlock
		wg         sync.WaitGroup
		numWorkers = 10
		counter    int
	)

	sl.Acquire()

	if sl.TryToAcquire() != false {
		t.Error("expected TryToAcquire to return false when lock is held")
	}

	if !sl.Held() {
		t.Error("expected Held to return true while the lock is held")
	}

	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func(worker int) {
			sl.Acquire()
			counter++
			sl.Release()
			wg.Done()
		}(i)
	}

	<-time.After(50 * time.Millisecond)
	if counter != 0 {
		t.Fatal("expected workers to block while the lock is held")
	}
	sl.Release()
	wg.Wait()

	if counter != numWorkers {
		t.Fatalf("expected %d workers to enter the critical section; got %d", numWorkers, counter)
	}

	if sl.Held() {
		t.Error("expected Held to return false after all workers released the lock")
	}
}

func TestSpinlockYields(t *testing.T) {
	defer func(origYieldFn func()) { yieldFn = origYieldFn }(yieldFn)

	var (
		sl     Spinlock
		yields int
	)
	sl.Acquire()
	yieldFn = func() {
		yields++
		if yields == 2 {
			sl.Release()
		}
	}

	sl.Acquire()
	if yields != 2 {
		t.Fatalf("expected Acquire to yield twice before getting the lock; got %d", yields)
	}
}

func TestSpinlockHandOff(t *testing.T) {
	var sl Spinlock
	sl.Acquire()

	done := make(chan struct{})
	go func() {
		sl.Release()
		close(done)
	}()
	<-done

	if !sl.TryToAcquire() {
		t.Fatal("expected lock released by another goroutine to be acquirable")
	}
}
