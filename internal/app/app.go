package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"slot-watcher/internal/alerting"
	"slot-watcher/internal/booking"
	"slot-watcher/internal/config"
	"slot-watcher/internal/monitor"
	"slot-watcher/internal/ratelimit"
	"slot-watcher/internal/session"
	"slot-watcher/internal/storage"
	"slot-watcher/internal/wildberries"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newQuerier() wildberries.CoefficientQuerier {
	return wildberries.NewClient(wildberries.ClientOptions{
		BaseURL:   a.Config.Wildberries.SuppliesURL,
		Timeout:   a.Config.Wildberries.RequestTimeout,
		UserAgent: a.Config.Wildberries.UserAgent,
	}, a.Logger)
}

func (a *App) newBooker() booking.Booker {
	return wildberries.NewSupplyBooker(wildberries.BookerOptions{
		BaseURL:   a.Config.Wildberries.MarketplaceURL,
		Timeout:   a.Config.Wildberries.RequestTimeout,
		UserAgent: a.Config.Wildberries.UserAgent,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, errors.New("database.dsn is required")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	querier := a.newQuerier()
	notifier := a.newNotifier()
	if notifier == nil {
		a.Logger.Warn().Msg("alerting disabled; booking results will only be logged")
	}

	gate := ratelimit.New(a.Config.Wildberries.MinRequestSpacing, a.Logger)
	sessions := session.NewManager(store, a.Config.Booking.SessionCacheTTL, a.Logger)
	booker := a.newBooker()

	// The orchestrator needs the supervisor's retire hook and the
	// supervisor needs the orchestrator inside its worker factory, so
	// the hook closes over the variable assigned below.
	var supervisor *monitor.Supervisor
	retire := func(id int64) {
		supervisor.Retire(id)
	}

	episodes := booking.NewOrchestrator(
		store, sessions, booker, notifier, retire,
		a.Config.Booking.MaxAttempts, a.Config.Booking.RetryDelay, a.Logger,
	)

	factory := func(id int64) monitor.Runner {
		return monitor.NewWorker(id, store, querier, gate, episodes, notifier, a.Config.Monitor, a.Logger)
	}
	supervisor = monitor.NewSupervisor(store, a.Config.Monitor, factory, a.Logger)

	a.Logger.Info().Msg("starting slot monitoring service")
	err = supervisor.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("slot monitoring service stopped")
	return nil
}

// Sweep stops every active monitoring. Used after incidents or before
// maintenance so nothing books while operators intervene.
func (a *App) Sweep(ctx context.Context) (int64, error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return 0, err
	}
	defer closeStore()

	swept, err := store.StopAllActive(ctx)
	if err != nil {
		return 0, err
	}

	a.Logger.Info().Int64("count", swept).Msg("active monitorings stopped")
	return swept, nil
}

// ExportOptions hold parameters for exporting coefficient history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
