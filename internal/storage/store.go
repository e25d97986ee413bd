package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"slot-watcher/internal/config"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("storage: not found")
)

const (
	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// MonitoringStore defines operations for monitoring persistence.
type MonitoringStore interface {
	CreateMonitoring(ctx context.Context, m Monitoring) (Monitoring, error)
	GetMonitoring(ctx context.Context, id int64) (*Monitoring, error)
	ListActiveMonitorings(ctx context.Context) ([]Monitoring, error)
	UpdateMonitoring(ctx context.Context, id int64, update MonitoringUpdate) error
	UpdateStatus(ctx context.Context, id int64, from, to Status) (bool, error)
	UpdateLastCheck(ctx context.Context, id int64) error
	AddFailedDate(ctx context.Context, id int64, day time.Time) error
	ClearFailedDates(ctx context.Context, id int64) error
	DeleteMonitoring(ctx context.Context, id int64) error
	StopAllActive(ctx context.Context) (int64, error)
}

// SellerStore defines operations for seller (owner) records.
type SellerStore interface {
	GetSeller(ctx context.Context, id int64) (*Seller, error)
	ClearSellerSession(ctx context.Context, id int64) error
}

// SampleStore defines operations for coefficient-history persistence.
type SampleStore interface {
	InsertCoefficientSample(ctx context.Context, sample CoefficientSample) error
	ListRecentSamples(ctx context.Context, limit int) ([]CoefficientSample, error)
	ListSamplesBetween(ctx context.Context, from, to time.Time) ([]CoefficientSample, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// Store aggregates access to monitorings, sellers and coefficient samples.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a
// release func. The supervisor holds one for its whole run so a second
// process pointed at the same database stays passive.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Unlock is best effort; releasing the connection drops the
		// lock anyway if the statement fails.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}
