package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const (
	insertMonitoringSQL = `INSERT INTO monitorings (
        seller_id,
        coefficient_min,
        coefficient_max,
        warehouse_ids,
        box_type_id,
        logistics_shoulder_days,
        date_from,
        date_to,
        order_ref,
        status,
        poll_interval_seconds
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    RETURNING id, created_at, updated_at;`

	monitoringColumns = `id,
        seller_id,
        coefficient_min,
        coefficient_max,
        warehouse_ids,
        box_type_id,
        logistics_shoulder_days,
        date_from,
        date_to,
        order_ref,
        status,
        failed_dates,
        poll_interval_seconds,
        last_check_at,
        created_at,
        updated_at`

	getMonitoringSQL = `SELECT ` + monitoringColumns + `
    FROM monitorings
    WHERE id = $1;`

	listActiveMonitoringsSQL = `SELECT ` + monitoringColumns + `
    FROM monitorings
    WHERE status = 'active'
    ORDER BY id;`

	updateMonitoringSQL = `UPDATE monitorings
    SET coefficient_min         = $2,
        coefficient_max         = $3,
        warehouse_ids           = $4,
        box_type_id             = $5,
        logistics_shoulder_days = $6,
        date_from               = $7,
        date_to                 = $8,
        order_ref               = $9,
        failed_dates            = '{}',
        updated_at              = now()
    WHERE id = $1;`

	updateStatusSQL = `UPDATE monitorings
    SET status = $3, updated_at = now()
    WHERE id = $1 AND status = $2;`

	updateLastCheckSQL = `UPDATE monitorings
    SET last_check_at = now(), updated_at = now()
    WHERE id = $1;`

	addFailedDateSQL = `UPDATE monitorings
    SET failed_dates = array_append(failed_dates, $2::date), updated_at = now()
    WHERE id = $1
      AND NOT (failed_dates @> ARRAY[$2::date]);`

	clearFailedDatesSQL = `UPDATE monitorings
    SET failed_dates = '{}', updated_at = now()
    WHERE id = $1;`

	deleteMonitoringSQL = `DELETE FROM monitorings WHERE id = $1;`

	stopAllActiveSQL = `UPDATE monitorings
    SET status = 'stopped', updated_at = now()
    WHERE status = 'active';`
)

// CreateMonitoring persists a new monitoring in Active state.
func (s *Store) CreateMonitoring(ctx context.Context, m Monitoring) (Monitoring, error) {
	pool, err := s.getPool()
	if err != nil {
		return Monitoring{}, err
	}

	if m.CoefficientMin.GreaterThan(m.CoefficientMax) {
		return Monitoring{}, fmt.Errorf("coefficient_min %s exceeds coefficient_max %s", m.CoefficientMin, m.CoefficientMax)
	}
	if len(m.WarehouseIDs) == 0 {
		return Monitoring{}, errors.New("warehouse_ids must not be empty")
	}
	if m.DateFrom != nil && m.DateTo != nil && m.DateFrom.After(*m.DateTo) {
		return Monitoring{}, errors.New("date_from must not be after date_to")
	}
	if m.Status == "" {
		m.Status = StatusActive
	}

	var pollSeconds *int64
	if m.PollInterval > 0 {
		v := int64(m.PollInterval / time.Second)
		pollSeconds = &v
	}

	row := pool.QueryRow(ctx, insertMonitoringSQL,
		m.SellerID,
		m.CoefficientMin.String(),
		m.CoefficientMax.String(),
		m.WarehouseIDs,
		m.BoxTypeID,
		m.LogisticsShoulderDays,
		m.DateFrom,
		m.DateTo,
		m.OrderRef,
		string(m.Status),
		pollSeconds,
	)
	if err := row.Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return Monitoring{}, fmt.Errorf("insert monitoring: %w", err)
	}
	return m, nil
}

// GetMonitoring loads one monitoring by id.
func (s *Store) GetMonitoring(ctx context.Context, id int64) (*Monitoring, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, getMonitoringSQL, id)
	if queryErr != nil {
		return nil, fmt.Errorf("get monitoring: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return nil, rows.Err()
		}
		return nil, ErrNotFound
	}

	m, scanErr := scanMonitoring(rows)
	if scanErr != nil {
		return nil, scanErr
	}
	return &m, nil
}

// ListActiveMonitorings lists all monitorings in Active state.
func (s *Store) ListActiveMonitorings(ctx context.Context) ([]Monitoring, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listActiveMonitoringsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list active monitorings: %w", queryErr)
	}
	defer rows.Close()

	monitorings := make([]Monitoring, 0)
	for rows.Next() {
		m, scanErr := scanMonitoring(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		monitorings = append(monitorings, m)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return monitorings, nil
}

// UpdateMonitoring applies a constraint edit. Editing clears the
// failed-date blacklist so previously rejected dates become eligible again.
func (s *Store) UpdateMonitoring(ctx context.Context, id int64, update MonitoringUpdate) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	if update.CoefficientMin.GreaterThan(update.CoefficientMax) {
		return fmt.Errorf("coefficient_min %s exceeds coefficient_max %s", update.CoefficientMin, update.CoefficientMax)
	}
	if len(update.WarehouseIDs) == 0 {
		return errors.New("warehouse_ids must not be empty")
	}

	cmdTag, execErr := pool.Exec(ctx, updateMonitoringSQL,
		id,
		update.CoefficientMin.String(),
		update.CoefficientMax.String(),
		update.WarehouseIDs,
		update.BoxTypeID,
		update.LogisticsShoulderDays,
		update.DateFrom,
		update.DateTo,
		update.OrderRef,
	)
	if execErr != nil {
		return fmt.Errorf("update monitoring: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus transitions a monitoring from one status to another. It
// returns false when the record was not in the expected starting status,
// which makes success-path retirement race-free.
func (s *Store) UpdateStatus(ctx context.Context, id int64, from, to Status) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	cmdTag, execErr := pool.Exec(ctx, updateStatusSQL, id, string(from), string(to))
	if execErr != nil {
		return false, fmt.Errorf("update monitoring status: %w", execErr)
	}
	return cmdTag.RowsAffected() > 0, nil
}

// UpdateLastCheck stamps the monitoring's last poll time.
func (s *Store) UpdateLastCheck(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, updateLastCheckSQL, id); execErr != nil {
		return fmt.Errorf("update last check: %w", execErr)
	}
	return nil
}

// AddFailedDate appends day to the monitoring's blacklist. A date already
// present is left as is.
func (s *Store) AddFailedDate(ctx context.Context, id int64, day time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	day = day.UTC().Truncate(24 * time.Hour)
	if _, execErr := pool.Exec(ctx, addFailedDateSQL, id, day); execErr != nil {
		return fmt.Errorf("add failed date: %w", execErr)
	}
	return nil
}

// ClearFailedDates empties the monitoring's blacklist.
func (s *Store) ClearFailedDates(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, clearFailedDatesSQL, id); execErr != nil {
		return fmt.Errorf("clear failed dates: %w", execErr)
	}
	return nil
}

// DeleteMonitoring removes a monitoring record.
func (s *Store) DeleteMonitoring(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteMonitoringSQL, id); execErr != nil {
		return fmt.Errorf("delete monitoring: %w", execErr)
	}
	return nil
}

// StopAllActive moves every Active monitoring to Stopped. Used by the
// startup sweep: a restart never resumes a booking attempt mid-flight.
func (s *Store) StopAllActive(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	cmdTag, execErr := pool.Exec(ctx, stopAllActiveSQL)
	if execErr != nil {
		return 0, fmt.Errorf("stop all active: %w", execErr)
	}
	return cmdTag.RowsAffected(), nil
}

func scanMonitoring(rows pgx.Rows) (Monitoring, error) {
	var (
		m           Monitoring
		minStr      string
		maxStr      string
		status      string
		pollSeconds *int64
	)

	if err := rows.Scan(
		&m.ID,
		&m.SellerID,
		&minStr,
		&maxStr,
		&m.WarehouseIDs,
		&m.BoxTypeID,
		&m.LogisticsShoulderDays,
		&m.DateFrom,
		&m.DateTo,
		&m.OrderRef,
		&status,
		&m.FailedDates,
		&pollSeconds,
		&m.LastCheckAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return Monitoring{}, err
	}

	var convErr error
	m.CoefficientMin, convErr = decimal.NewFromString(minStr)
	if convErr != nil {
		return Monitoring{}, fmt.Errorf("parse coefficient_min: %w", convErr)
	}
	m.CoefficientMax, convErr = decimal.NewFromString(maxStr)
	if convErr != nil {
		return Monitoring{}, fmt.Errorf("parse coefficient_max: %w", convErr)
	}

	m.Status = Status(status)
	if pollSeconds != nil {
		m.PollInterval = time.Duration(*pollSeconds) * time.Second
	}
	return m, nil
}
