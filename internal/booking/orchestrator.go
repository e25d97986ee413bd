package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"slot-watcher/internal/alerting"
	"slot-watcher/internal/logging"
	"slot-watcher/internal/session"
	"slot-watcher/internal/slots"
	"slot-watcher/internal/storage"
)

// Outcome is the terminal result of one booking episode.
type Outcome int

const (
	// OutcomeBooked means the slot was reserved and the monitoring retired.
	OutcomeBooked Outcome = iota
	// OutcomeBlacklisted means all attempts failed and the slot date was
	// recorded so it will not be re-attempted.
	OutcomeBlacklisted
	// OutcomeAuthRequired means the seller session was missing or rejected.
	OutcomeAuthRequired
	// OutcomeAborted means the episode stopped early, e.g. shutdown.
	OutcomeAborted
	// OutcomeSkipped means a precondition failed before the first
	// attempt, e.g. no supply order attached. Nothing was consumed or
	// blacklisted; the owner was told what is missing.
	OutcomeSkipped
)

// Result carries the outcome of one booking episode.
type Result struct {
	Outcome   Outcome
	EpisodeID string
	BookingID string
}

// episodeStore is the slice of storage the orchestrator needs.
type episodeStore interface {
	UpdateStatus(ctx context.Context, id int64, from, to storage.Status) (bool, error)
	DeleteMonitoring(ctx context.Context, id int64) error
	AddFailedDate(ctx context.Context, id int64, day time.Time) error
}

// Orchestrator 执行预约回合:获取会话、带上限重试、落库与通知。
type Orchestrator struct {
	store       episodeStore
	sessions    session.Provider
	booker      Booker
	notifier    alerting.Notifier
	retire      func(id int64)
	maxAttempts int
	retryDelay  time.Duration
	logger      zerolog.Logger
}

// NewOrchestrator builds a booking orchestrator. retire is called after a
// successful booking to mark the worker as finished before the monitoring
// row is deleted.
func NewOrchestrator(
	store episodeStore,
	sessions session.Provider,
	booker Booker,
	notifier alerting.Notifier,
	retire func(id int64),
	maxAttempts int,
	retryDelay time.Duration,
	logger zerolog.Logger,
) *Orchestrator {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if retryDelay <= 0 {
		retryDelay = 3 * time.Second
	}
	if retire == nil {
		retire = func(int64) {}
	}

	return &Orchestrator{
		store:       store,
		sessions:    sessions,
		booker:      booker,
		notifier:    notifier,
		retire:      retire,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		logger:      logging.Component(logger, "booking"),
	}
}

// Execute runs one booking episode for the candidate slot. The episode
// either books the slot and retires the monitoring, blacklists the date
// after exhausting attempts, surfaces an authorization problem, or skips
// when a precondition like the supply order is missing.
func (o *Orchestrator) Execute(ctx context.Context, m *storage.Monitoring, chatID int64, candidate slots.Candidate) (Result, error) {
	result := Result{EpisodeID: uuid.NewString(), Outcome: OutcomeAborted}

	logger := o.logger.With().
		Str("episode_id", result.EpisodeID).
		Int64("monitoring_id", m.ID).
		Int64("warehouse_id", candidate.WarehouseID).
		Str("date", candidate.Date.Format("2006-01-02")).
		Logger()

	o.notify(ctx, logger, alerting.Event{
		MonitoringID:  m.ID,
		ChatID:        chatID,
		Kind:          alerting.KindSlotFound,
		EpisodeID:     result.EpisodeID,
		WarehouseID:   candidate.WarehouseID,
		WarehouseName: candidate.WarehouseName,
		Date:          candidate.Date,
		Coefficient:   candidate.Coefficient,
		OrderRef:      m.OrderRef,
	})

	if m.OrderRef == "" {
		// Precondition failure: no attempt is made and nothing is
		// blacklisted, so the date stays bookable once an order exists.
		logger.Warn().Msg("monitoring has no supply order; cannot auto-book")
		o.notify(ctx, logger, alerting.Event{
			MonitoringID:  m.ID,
			ChatID:        chatID,
			Kind:          alerting.KindFailed,
			EpisodeID:     result.EpisodeID,
			WarehouseID:   candidate.WarehouseID,
			WarehouseName: candidate.WarehouseName,
			Date:          candidate.Date,
			Message:       "monitoring has no supply order attached",
		})
		result.Outcome = OutcomeSkipped
		return result, nil
	}

	sess, release, err := o.sessions.Acquire(ctx, m.SellerID)
	if err != nil {
		if errors.Is(err, session.ErrAuthRequired) {
			logger.Warn().Msg("no stored session; episode aborted")
			result.Outcome = OutcomeAuthRequired
			return result, nil
		}
		return result, fmt.Errorf("acquire session for seller %d: %w", m.SellerID, err)
	}
	defer release()

	// An attempt that has gone out on the wire must reach its terminal
	// outcome, and a booked slot must land in storage, even when the
	// worker's context is cancelled mid-episode. Cancellation is observed
	// only between attempts; the adapter's own timeout bounds each call.
	episodeCtx := context.WithoutCancel(ctx)

	var lastFailure string
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		bookingID, err := o.booker.Book(episodeCtx, sess, m.OrderRef, candidate.Date, candidate.WarehouseID)
		if err == nil {
			return o.complete(episodeCtx, logger, m, chatID, candidate, result, bookingID)
		}

		var failure *Failure
		if !errors.As(err, &failure) {
			failure = &Failure{Kind: FailureRetryable, Reason: err.Error()}
		}
		lastFailure = failure.Reason

		switch failure.Kind {
		case FailureAuth:
			logger.Warn().Int("attempt", attempt).Str("reason", failure.Reason).
				Msg("session rejected upstream; episode aborted")
			o.sessions.Invalidate(episodeCtx, m.SellerID)
			result.Outcome = OutcomeAuthRequired
			return result, nil
		case FailureTerminal:
			logger.Warn().Int("attempt", attempt).Str("reason", failure.Reason).
				Msg("booking failed terminally")
			return o.blacklist(episodeCtx, logger, m, chatID, candidate, result, failure.Reason)
		}

		logger.Warn().Int("attempt", attempt).Int("max_attempts", o.maxAttempts).
			Str("reason", failure.Reason).Msg("booking attempt failed")

		if attempt == o.maxAttempts {
			break
		}

		o.notify(episodeCtx, logger, alerting.Event{
			MonitoringID: m.ID,
			ChatID:       chatID,
			Kind:         alerting.KindRetrying,
			EpisodeID:    result.EpisodeID,
			WarehouseID:  candidate.WarehouseID,
			Date:         candidate.Date,
			OrderRef:     m.OrderRef,
			Attempt:      attempt,
			MaxAttempts:  o.maxAttempts,
			Message:      failure.Reason,
		})

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(o.retryDelay):
		}
	}

	return o.blacklist(episodeCtx, logger, m, chatID, candidate, result, lastFailure)
}

func (o *Orchestrator) complete(ctx context.Context, logger zerolog.Logger, m *storage.Monitoring, chatID int64, candidate slots.Candidate, result Result, bookingID string) (Result, error) {
	// Mark the worker retired before touching the row, so the
	// supervisor never respawns a worker for a booked monitoring.
	o.retire(m.ID)

	if _, err := o.store.UpdateStatus(ctx, m.ID, storage.StatusActive, storage.StatusStopped); err != nil {
		logger.Error().Err(err).Msg("failed to stop monitoring")
	}
	if err := o.store.DeleteMonitoring(ctx, m.ID); err != nil {
		logger.Error().Err(err).Msg("failed to delete monitoring")
	}

	o.notify(ctx, logger, alerting.Event{
		MonitoringID:  m.ID,
		ChatID:        chatID,
		Kind:          alerting.KindBooked,
		EpisodeID:     result.EpisodeID,
		WarehouseID:   candidate.WarehouseID,
		WarehouseName: candidate.WarehouseName,
		Date:          candidate.Date,
		Coefficient:   candidate.Coefficient,
		OrderRef:      m.OrderRef,
	})

	logger.Info().Str("booking_id", bookingID).Msg("slot booked")

	result.Outcome = OutcomeBooked
	result.BookingID = bookingID
	return result, nil
}

func (o *Orchestrator) blacklist(ctx context.Context, logger zerolog.Logger, m *storage.Monitoring, chatID int64, candidate slots.Candidate, result Result, reason string) (Result, error) {
	if err := o.store.AddFailedDate(ctx, m.ID, candidate.Date); err != nil {
		logger.Error().Err(err).Msg("failed to record failed date")
	}

	o.notify(ctx, logger, alerting.Event{
		MonitoringID:  m.ID,
		ChatID:        chatID,
		Kind:          alerting.KindFailed,
		EpisodeID:     result.EpisodeID,
		WarehouseID:   candidate.WarehouseID,
		WarehouseName: candidate.WarehouseName,
		Date:          candidate.Date,
		OrderRef:      m.OrderRef,
		MaxAttempts:   o.maxAttempts,
		Message:       reason,
	})

	logger.Info().Str("reason", reason).Msg("date blacklisted; monitoring continues")

	result.Outcome = OutcomeBlacklisted
	return result, nil
}

func (o *Orchestrator) notify(ctx context.Context, logger zerolog.Logger, event alerting.Event) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Notify(ctx, event); err != nil {
		logger.Warn().Err(err).Str("kind", string(event.Kind)).Msg("failed to dispatch alert")
	}
}
