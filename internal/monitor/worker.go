package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"slot-watcher/internal/alerting"
	"slot-watcher/internal/booking"
	"slot-watcher/internal/config"
	"slot-watcher/internal/logging"
	"slot-watcher/internal/ratelimit"
	"slot-watcher/internal/slots"
	"slot-watcher/internal/storage"
	"slot-watcher/internal/wildberries"
)

// errWorkerDone signals the worker loop should stop without the
// supervisor treating it as a failure.
var errWorkerDone = errors.New("monitor: worker done")

// workerStore is the slice of storage one worker needs.
type workerStore interface {
	GetMonitoring(ctx context.Context, id int64) (*storage.Monitoring, error)
	GetSeller(ctx context.Context, id int64) (*storage.Seller, error)
	UpdateStatus(ctx context.Context, id int64, from, to storage.Status) (bool, error)
	UpdateLastCheck(ctx context.Context, id int64) error
	InsertCoefficientSample(ctx context.Context, sample storage.CoefficientSample) error
}

// EpisodeRunner runs one booking episode for a found slot.
type EpisodeRunner interface {
	Execute(ctx context.Context, m *storage.Monitoring, chatID int64, candidate slots.Candidate) (booking.Result, error)
}

// Worker 驱动单个监控的轮询循环:查询系数、筛选、触发预约回合。
type Worker struct {
	id       int64
	store    workerStore
	querier  wildberries.CoefficientQuerier
	gate     *ratelimit.Gate
	episodes EpisodeRunner
	notifier alerting.Notifier
	cfg      config.MonitorConfig
	logger   zerolog.Logger

	// best holds the strongest candidate acted on per warehouse, so a
	// repeat of the same slot across polls does not re-trigger a booking.
	best map[int64]slots.Candidate
}

// NewWorker builds the worker dedicated to one monitoring.
func NewWorker(
	id int64,
	store workerStore,
	querier wildberries.CoefficientQuerier,
	gate *ratelimit.Gate,
	episodes EpisodeRunner,
	notifier alerting.Notifier,
	cfg config.MonitorConfig,
	logger zerolog.Logger,
) *Worker {
	return &Worker{
		id:       id,
		store:    store,
		querier:  querier,
		gate:     gate,
		episodes: episodes,
		notifier: notifier,
		cfg:      cfg,
		logger:   logging.Component(logger, "worker").With().Int64("monitoring_id", id).Logger(),
		best:     make(map[int64]slots.Candidate),
	}
}

// Run polls until the monitoring leaves the active state or ctx ends.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info().Msg("worker started")
	defer w.logger.Info().Msg("worker stopped")

	for {
		pause, err := w.cycle(ctx)
		switch {
		case errors.Is(err, errWorkerDone):
			return
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return
		case err != nil:
			w.logger.Error().Err(err).Msg("poll cycle failed")
			if pause <= 0 {
				pause = w.cfg.ErrorPause
			}
		}

		if pause <= 0 {
			pause = w.cfg.PollInterval
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(pause):
		}
	}
}

// cycle runs one poll iteration and returns how long to sleep before the
// next one. A zero pause means the regular poll interval applies.
func (w *Worker) cycle(ctx context.Context) (time.Duration, error) {
	m, err := w.store.GetMonitoring(ctx, w.id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, errWorkerDone
		}
		return 0, err
	}
	if m.Status != storage.StatusActive {
		w.logger.Info().Str("status", string(m.Status)).Msg("monitoring no longer active")
		return 0, errWorkerDone
	}

	seller, err := w.store.GetSeller(ctx, m.SellerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, w.pauseForAuth(ctx, m, 0, "seller record missing")
		}
		return 0, err
	}
	if !seller.HasAPIToken() {
		return 0, w.pauseForAuth(ctx, m, seller.ChatID, "seller has no API token")
	}

	pollInterval := m.PollInterval
	if pollInterval <= 0 {
		pollInterval = w.cfg.PollInterval
	}

	if err := w.gate.Wait(ctx); err != nil {
		return 0, err
	}

	coefficients, err := w.querier.AcceptanceCoefficients(ctx, seller.APIToken, m.WarehouseIDs)
	if err != nil {
		var rateErr *wildberries.RateLimitError
		if errors.As(err, &rateErr) {
			pause := w.cfg.RateLimitedPause
			if rateErr.RetryAfter > pause {
				pause = rateErr.RetryAfter
			}
			w.logger.Warn().Dur("pause", pause).Msg("rate limited upstream; pausing polls")
			return pause, nil
		}

		var authErr *wildberries.AuthError
		if errors.As(err, &authErr) {
			return 0, w.pauseForAuth(ctx, m, seller.ChatID, authErr.Error())
		}

		return 0, err
	}

	minDate := m.EffectiveMinDate()
	candidates := slots.Filter(coefficients, m)
	best := slots.BestPerWarehouse(candidates, minDate)
	w.recordSamples(ctx, best)

	for _, candidate := range slots.Improvements(best, w.best, minDate) {
		// A date blacklisted earlier in this same cycle may surface again
		// on another warehouse; the fresh row next cycle filters it out.
		if m.HasFailedDate(candidate.Date) {
			continue
		}
		w.best[candidate.WarehouseID] = candidate

		result, err := w.episodes.Execute(ctx, m, seller.ChatID, candidate)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			w.logger.Error().Err(err).Int64("warehouse_id", candidate.WarehouseID).
				Msg("booking episode failed")
			delete(w.best, candidate.WarehouseID)
			continue
		}

		switch result.Outcome {
		case booking.OutcomeBooked:
			return 0, errWorkerDone
		case booking.OutcomeBlacklisted:
			// The date is now blacklisted; forget the cached best so a
			// different slot on this warehouse can trigger again.
			delete(w.best, candidate.WarehouseID)
			m.FailedDates = append(m.FailedDates, candidate.Date)
		case booking.OutcomeAuthRequired:
			return 0, w.pauseForAuth(ctx, m, seller.ChatID, "session rejected during booking")
		case booking.OutcomeAborted:
			return 0, ctx.Err()
		case booking.OutcomeSkipped:
			// The owner was told what is missing; the cached best keeps
			// the same slot from re-alerting until a better one appears.
		}
	}

	if err := w.store.UpdateLastCheck(ctx, w.id); err != nil {
		w.logger.Warn().Err(err).Msg("failed to update last check time")
	}

	return pollInterval, nil
}

// pauseForAuth moves the monitoring to paused and tells the owner to
// re-authorize. The worker stops; the supervisor will not respawn it
// because the row is no longer active.
func (w *Worker) pauseForAuth(ctx context.Context, m *storage.Monitoring, chatID int64, reason string) error {
	w.logger.Warn().Str("reason", reason).Msg("authorization lost; pausing monitoring")

	if _, err := w.store.UpdateStatus(ctx, m.ID, storage.StatusActive, storage.StatusPaused); err != nil {
		w.logger.Error().Err(err).Msg("failed to pause monitoring")
	}

	if w.notifier != nil && chatID != 0 {
		err := w.notifier.Notify(ctx, alerting.Event{
			MonitoringID: m.ID,
			ChatID:       chatID,
			Kind:         alerting.KindAuthRequired,
			Message:      reason,
		})
		if err != nil {
			w.logger.Warn().Err(err).Msg("failed to dispatch alert")
		}
	}

	return errWorkerDone
}

func (w *Worker) recordSamples(ctx context.Context, best map[int64]slots.Candidate) {
	now := time.Now().UTC()
	for _, candidate := range best {
		sample := storage.CoefficientSample{
			MonitoringID:  w.id,
			WarehouseID:   candidate.WarehouseID,
			WarehouseName: candidate.WarehouseName,
			SlotDate:      candidate.Date,
			Coefficient:   candidate.Coefficient,
			CheckedAt:     now,
		}
		if err := w.store.InsertCoefficientSample(ctx, sample); err != nil {
			w.logger.Warn().Err(err).Int64("warehouse_id", candidate.WarehouseID).
				Msg("failed to record coefficient sample")
		}
	}
}
