package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"slot-watcher/internal/config"
	"slot-watcher/internal/storage"
)

type fakeSupervisorStore struct {
	mu         sync.Mutex
	active     []storage.Monitoring
	listErrs   int
	sweeps     int
	lockDenied bool
}

func (f *fakeSupervisorStore) setActive(ids ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = f.active[:0]
	for _, id := range ids {
		f.active = append(f.active, storage.Monitoring{ID: id, Status: storage.StatusActive})
	}
}

func (f *fakeSupervisorStore) ListActiveMonitorings(ctx context.Context) ([]storage.Monitoring, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErrs > 0 {
		f.listErrs--
		return nil, errors.New("db unavailable")
	}
	out := make([]storage.Monitoring, len(f.active))
	copy(out, f.active)
	return out, nil
}

func (f *fakeSupervisorStore) StopAllActive(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	swept := int64(len(f.active))
	f.active = f.active[:0]
	return swept, nil
}

func (f *fakeSupervisorStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if f.lockDenied {
		return nil, false, nil
	}
	return func() {}, true, nil
}

// blockingRunner runs until its context is cancelled.
type blockingRunner struct {
	started *atomic.Int64
}

func (r *blockingRunner) Run(ctx context.Context) {
	r.started.Add(1)
	<-ctx.Done()
}

// finishingRunner runs until told to stop, like a worker wrapping up a
// booking, and records whether its context was cancelled first.
type finishingRunner struct {
	started   *atomic.Int64
	stop      chan struct{}
	cancelled *atomic.Bool
}

func (r *finishingRunner) Run(ctx context.Context) {
	r.started.Add(1)
	select {
	case <-ctx.Done():
		r.cancelled.Store(true)
	case <-r.stop:
	}
}

func shortConfig() config.MonitorConfig {
	return config.MonitorConfig{
		ReconcileInterval: 10 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		ErrorPause:        10 * time.Millisecond,
		RateLimitedPause:  10 * time.Millisecond,
	}
}

func (f *fakeSupervisorStore) sweepCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sweeps
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("条件在超时前未满足")
}

func TestSupervisorRefusesSecondInstance(t *testing.T) {
	store := &fakeSupervisorStore{lockDenied: true}
	sup := NewSupervisor(store, shortConfig(), func(id int64) Runner {
		t.Fatal("锁未获取时不应创建 worker")
		return nil
	}, noopLogger())

	if err := sup.Run(context.Background()); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("期望 ErrLockHeld, 实际 %v", err)
	}
}

func TestSupervisorSweepsBeforeReconcile(t *testing.T) {
	store := &fakeSupervisorStore{}
	store.setActive(1, 2)

	var started atomic.Int64
	sup := NewSupervisor(store, shortConfig(), func(id int64) Runner {
		return &blockingRunner{started: &started}
	}, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sup.Run(ctx)
		close(done)
	}()

	waitFor(t, time.Second, func() bool { return store.sweepCount() == 1 })

	// The sweep stopped the stale rows, so nothing may spawn.
	time.Sleep(30 * time.Millisecond)
	if started.Load() != 0 {
		t.Fatalf("清扫后的监控不应生成 worker: %d", started.Load())
	}

	cancel()
	<-done
}

func TestSupervisorSpawnsAndCancelsWorkers(t *testing.T) {
	store := &fakeSupervisorStore{}

	var started atomic.Int64
	sup := NewSupervisor(store, shortConfig(), func(id int64) Runner {
		return &blockingRunner{started: &started}
	}, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sup.Run(ctx)
		close(done)
	}()

	waitFor(t, time.Second, func() bool { return store.sweepCount() == 1 })
	store.setActive(1, 2)
	waitFor(t, time.Second, func() bool { return sup.WorkerCount() == 2 })

	store.setActive(1)
	waitFor(t, time.Second, func() bool { return sup.WorkerCount() == 1 })

	store.setActive()
	waitFor(t, time.Second, func() bool { return sup.WorkerCount() == 0 })

	cancel()
	<-done
}

func TestRetirePreventsRespawnWhileRowStillActive(t *testing.T) {
	store := &fakeSupervisorStore{}

	var started atomic.Int64
	var sawCancel atomic.Bool
	stop := make(chan struct{})
	var usedFinishing atomic.Bool
	sup := NewSupervisor(store, shortConfig(), func(id int64) Runner {
		if usedFinishing.CompareAndSwap(false, true) {
			return &finishingRunner{started: &started, stop: stop, cancelled: &sawCancel}
		}
		return &blockingRunner{started: &started}
	}, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sup.Run(ctx)
		close(done)
	}()

	waitFor(t, time.Second, func() bool { return store.sweepCount() == 1 })
	store.setActive(7)
	waitFor(t, time.Second, func() bool { return started.Load() == 1 })

	// A successful booking retires the monitoring while its episode is
	// still persisting; the worker must keep its context until it exits
	// on its own.
	sup.Retire(7)
	time.Sleep(30 * time.Millisecond)
	if sawCancel.Load() {
		t.Fatal("退役不应取消仍在收尾的 worker")
	}
	if sup.WorkerCount() != 1 {
		t.Fatalf("收尾中的 worker 不应被移除: %d", sup.WorkerCount())
	}

	// The episode finishes and the worker exits by itself.
	close(stop)
	waitFor(t, time.Second, func() bool { return sup.WorkerCount() == 0 })

	// Several reconcile rounds with the row still listed as active.
	time.Sleep(50 * time.Millisecond)
	if started.Load() != 1 {
		t.Fatalf("退役的监控不应被重新拉起: %d", started.Load())
	}

	// Row disappears, the retiring mark is forgotten; a fresh activation
	// spawns again.
	store.setActive()
	time.Sleep(30 * time.Millisecond)
	store.setActive(7)
	waitFor(t, time.Second, func() bool { return started.Load() == 2 })

	cancel()
	<-done
}

func TestSupervisorSurvivesListErrors(t *testing.T) {
	store := &fakeSupervisorStore{}
	store.listErrs = 2

	var started atomic.Int64
	sup := NewSupervisor(store, shortConfig(), func(id int64) Runner {
		return &blockingRunner{started: &started}
	}, noopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sup.Run(ctx)
		close(done)
	}()

	waitFor(t, time.Second, func() bool { return store.sweepCount() == 1 })
	store.setActive(1)
	waitFor(t, 2*time.Second, func() bool { return sup.WorkerCount() == 1 })

	cancel()
	<-done
}
