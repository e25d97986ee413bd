// Package monitor keeps one polling worker alive per active monitoring
// and drives the booking flow when a suitable slot appears.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"slot-watcher/internal/config"
	"slot-watcher/internal/logging"
	"slot-watcher/internal/storage"
)

// ErrLockHeld means another supervisor already runs against this database.
var ErrLockHeld = errors.New("monitor: advisory lock held by another instance")

// Runner is the unit the supervisor keeps alive per monitoring.
type Runner interface {
	Run(ctx context.Context)
}

// WorkerFactory builds the runner for one monitoring id.
type WorkerFactory func(id int64) Runner

// supervisorStore is the slice of storage the supervisor needs.
type supervisorStore interface {
	ListActiveMonitorings(ctx context.Context) ([]storage.Monitoring, error)
	StopAllActive(ctx context.Context) (int64, error)
	TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error)
}

// Supervisor 负责对账:活跃监控与运行中的 worker 一一对应。
type Supervisor struct {
	store   supervisorStore
	cfg     config.MonitorConfig
	factory WorkerFactory
	logger  zerolog.Logger

	mu       sync.Mutex
	workers  map[int64]*workerHandle
	retiring map[int64]struct{}
	wg       sync.WaitGroup
}

type workerHandle struct {
	cancel context.CancelFunc
}

// NewSupervisor builds a supervisor that spawns one worker per active
// monitoring through factory.
func NewSupervisor(store supervisorStore, cfg config.MonitorConfig, factory WorkerFactory, logger zerolog.Logger) *Supervisor {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 30 * time.Second
	}
	return &Supervisor{
		store:    store,
		cfg:      cfg,
		factory:  factory,
		logger:   logging.Component(logger, "supervisor"),
		workers:  make(map[int64]*workerHandle),
		retiring: make(map[int64]struct{}),
	}
}

// Retire marks a monitoring as finished so the reconcile loop will not
// respawn a worker for a row that is about to be stopped or deleted by a
// concurrent booking episode. The worker is not cancelled here: Retire is
// called from inside that worker's own episode, and cancelling would tear
// down the persistence and notification still completing it. The worker
// exits on its own once the episode reports a booked outcome.
func (s *Supervisor) Retire(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.retiring[id] = struct{}{}
}

// Run holds the advisory lock, sweeps stale active rows, then reconciles
// until ctx ends. All workers are drained before Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	unlock, acquired, err := s.store.TryAdvisoryLock(ctx, s.cfg.AdvisoryLockKey)
	if err != nil {
		return fmt.Errorf("acquire supervisor lock: %w", err)
	}
	if !acquired {
		return ErrLockHeld
	}
	defer unlock()

	// Workers from a previous process are gone; their rows must not
	// silently resume. Owners re-activate explicitly.
	swept, err := s.store.StopAllActive(ctx)
	if err != nil {
		return fmt.Errorf("startup sweep: %w", err)
	}
	if swept > 0 {
		s.logger.Info().Int64("count", swept).Msg("startup sweep stopped stale active monitorings")
	}

	s.logger.Info().Dur("reconcile_interval", s.cfg.ReconcileInterval).Msg("supervisor started")

	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		if err := s.reconcileWithRetry(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Error().Err(err).Msg("reconcile failed; waiting for next round")
		}

		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-ticker.C:
		}
	}

	s.shutdown()
	return nil
}

// reconcileWithRetry retries transient listing failures with exponential
// backoff, bounded by the reconcile interval so rounds do not pile up.
// Workers keep running while the database is unreachable.
func (s *Supervisor) reconcileWithRetry(ctx context.Context) error {
	expback := backoff.NewExponentialBackOff()
	expback.InitialInterval = time.Second
	expback.MaxInterval = s.cfg.ReconcileInterval

	deadline := time.Now().Add(s.cfg.ReconcileInterval)

	for {
		err := s.reconcile(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := expback.NextBackOff()
		if wait == backoff.Stop {
			wait = expback.MaxInterval
		}
		if time.Now().Add(wait).After(deadline) {
			return err
		}

		s.logger.Warn().Err(err).Dur("retry_in", wait).Msg("reconcile failed; retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *Supervisor) reconcile(ctx context.Context) error {
	active, err := s.store.ListActiveMonitorings(ctx)
	if err != nil {
		return fmt.Errorf("list active monitorings: %w", err)
	}

	wanted := make(map[int64]struct{}, len(active))
	for _, m := range active {
		wanted[m.ID] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A retiring mark outlives the worker until the row actually leaves
	// the active set, then it is forgotten.
	for id := range s.retiring {
		if _, ok := wanted[id]; !ok {
			delete(s.retiring, id)
		}
	}

	for id, handle := range s.workers {
		if _, ok := wanted[id]; !ok {
			s.logger.Info().Int64("monitoring_id", id).Msg("monitoring left active set; cancelling worker")
			handle.cancel()
			delete(s.workers, id)
		}
	}

	for _, m := range active {
		if _, ok := s.workers[m.ID]; ok {
			continue
		}
		if _, ok := s.retiring[m.ID]; ok {
			continue
		}
		s.spawn(ctx, m.ID)
	}

	return nil
}

// spawn starts one worker goroutine. Caller holds s.mu.
func (s *Supervisor) spawn(ctx context.Context, id int64) {
	workerCtx, cancel := context.WithCancel(ctx)
	handle := &workerHandle{cancel: cancel}
	s.workers[id] = handle

	runner := s.factory(id)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		runner.Run(workerCtx)

		s.mu.Lock()
		// Only forget the entry if it is still ours; a reconcile round
		// may already have replaced it with a fresh worker.
		if s.workers[id] == handle {
			delete(s.workers, id)
		}
		s.mu.Unlock()
	}()

	s.logger.Info().Int64("monitoring_id", id).Msg("worker started")
}

// shutdown cancels every worker and waits for them to exit.
func (s *Supervisor) shutdown() {
	s.mu.Lock()
	for id, handle := range s.workers {
		handle.cancel()
		delete(s.workers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("all workers drained")
}

// WorkerCount reports how many workers are currently running.
func (s *Supervisor) WorkerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}
