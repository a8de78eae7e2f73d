package pgrunner

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS runner_requests (
  id TEXT PRIMARY KEY,
  request_id TEXT NOT NULL,
  order_id TEXT NOT NULL,
  store_id TEXT NOT NULL,
  runner_id TEXT NOT NULL,
  pickup_lat DOUBLE PRECISION NOT NULL DEFAULT 0,
  pickup_lng DOUBLE PRECISION NOT NULL DEFAULT 0,
  dropoff_lat DOUBLE PRECISION NOT NULL DEFAULT 0,
  dropoff_lng DOUBLE PRECISION NOT NULL DEFAULT 0,
  distance_km DOUBLE PRECISION NOT NULL DEFAULT 0,
  eta_minutes INT NOT NULL DEFAULT 0,
  state TEXT NOT NULL,
  polls INT NOT NULL DEFAULT 0,
  last_error TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  finished_at TIMESTAMPTZ NULL,
  UNIQUE (request_id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_runner_requests_order_id_created_at ON runner_requests(order_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_runner_requests_watching ON runner_requests(state) WHERE state = 'watching'`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
