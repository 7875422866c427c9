// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// GetIdempotency returns the memoized result for a key, if any.
func (s *Postgres) GetIdempotency(ctx context.Context, key string) ([]byte, bool, error) {
	var result []byte
	err := s.pool.QueryRow(ctx,
		`SELECT result FROM idempotency_keys WHERE key = $1`, key).Scan(&result)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: get idempotency: %w", err)
	}
	return result, true, nil
}

// PutIdempotency memoizes a result. The first writer wins; later
// writes for the same key are silently dropped so the recorded outcome
// stays stable.
func (s *Postgres) PutIdempotency(ctx context.Context, key string, result []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency_keys (key, result) VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING`, key, result)
	if err != nil {
		return fmt.Errorf("store: put idempotency: %w", err)
	}
	return nil
}
