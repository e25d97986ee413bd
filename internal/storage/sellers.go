package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const (
	getSellerSQL = `SELECT
        id,
        chat_id,
        name,
        api_token,
        session_data,
        created_at,
        updated_at
    FROM sellers
    WHERE id = $1;`

	clearSellerSessionSQL = `UPDATE sellers
    SET session_data = NULL, updated_at = now()
    WHERE id = $1;`
)

// GetSeller loads one seller by id.
func (s *Store) GetSeller(ctx context.Context, id int64) (*Seller, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var seller Seller
	row := pool.QueryRow(ctx, getSellerSQL, id)
	if scanErr := row.Scan(
		&seller.ID,
		&seller.ChatID,
		&seller.Name,
		&seller.APIToken,
		&seller.SessionData,
		&seller.CreatedAt,
		&seller.UpdatedAt,
	); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get seller: %w", scanErr)
	}
	return &seller, nil
}

// ClearSellerSession drops the stored cabinet session, forcing the seller
// to re-authenticate before further booking attempts.
func (s *Store) ClearSellerSession(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, clearSellerSessionSQL, id); execErr != nil {
		return fmt.Errorf("clear seller session: %w", execErr)
	}
	return nil
}
