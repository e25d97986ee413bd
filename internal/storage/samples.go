package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const (
	insertSampleSQL = `INSERT INTO coefficient_samples (
        monitoring_id,
        warehouse_id,
        warehouse_name,
        slot_date,
        coefficient,
        checked_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    );`

	listRecentSamplesSQL = `SELECT
        id,
        monitoring_id,
        warehouse_id,
        warehouse_name,
        slot_date,
        coefficient,
        checked_at
    FROM coefficient_samples
    ORDER BY checked_at DESC
    LIMIT $1;`

	listSamplesBetweenSQL = `SELECT
        id,
        monitoring_id,
        warehouse_id,
        warehouse_name,
        slot_date,
        coefficient,
        checked_at
    FROM coefficient_samples
    WHERE checked_at >= $1
      AND checked_at < $2
    ORDER BY checked_at;`
)

// InsertCoefficientSample records one observed best coefficient.
func (s *Store) InsertCoefficientSample(ctx context.Context, sample CoefficientSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	checkedAt := sample.CheckedAt
	if checkedAt.IsZero() {
		checkedAt = time.Now().UTC()
	}

	if _, execErr := pool.Exec(ctx, insertSampleSQL,
		sample.MonitoringID,
		sample.WarehouseID,
		sample.WarehouseName,
		sample.SlotDate,
		sample.Coefficient.String(),
		checkedAt,
	); execErr != nil {
		return fmt.Errorf("insert coefficient sample: %w", execErr)
	}
	return nil
}

// ListRecentSamples lists the most recent samples ordered by descending
// check time.
func (s *Store) ListRecentSamples(ctx context.Context, limit int) ([]CoefficientSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentSamplesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent samples: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]CoefficientSample, 0, limit)
	for rows.Next() {
		sample, scanErr := scanSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// ListSamplesBetween lists samples within a time window.
func (s *Store) ListSamplesBetween(ctx context.Context, from, to time.Time) ([]CoefficientSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]CoefficientSample, 0)
	for rows.Next() {
		sample, scanErr := scanSample(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func scanSample(rows pgx.Rows) (CoefficientSample, error) {
	var (
		sample   CoefficientSample
		coeffStr string
	)

	if err := rows.Scan(
		&sample.ID,
		&sample.MonitoringID,
		&sample.WarehouseID,
		&sample.WarehouseName,
		&sample.SlotDate,
		&coeffStr,
		&sample.CheckedAt,
	); err != nil {
		return CoefficientSample{}, err
	}

	var convErr error
	sample.Coefficient, convErr = decimal.NewFromString(coeffStr)
	if convErr != nil {
		return CoefficientSample{}, fmt.Errorf("parse coefficient: %w", convErr)
	}
	return sample, nil
}
