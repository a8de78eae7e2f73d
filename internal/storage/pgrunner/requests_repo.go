package pgrunner

import (
	"context"
	"time"

	"github.com/BearBump/RunnerWatch/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const selectColumns = `
  id, request_id, order_id, store_id, runner_id,
  pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
  distance_km, eta_minutes,
  state, polls, last_error,
  created_at, updated_at, finished_at`

func (s *Storage) InsertRunnerRequest(ctx context.Context, r *models.RunnerRequest) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO runner_requests (
  id, request_id, order_id, store_id, runner_id,
  pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
  distance_km, eta_minutes, state, polls, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,0,$13,$13)
`, r.ID, r.RequestID, r.OrderID, r.StoreID, r.RunnerID,
		r.PickupLat, r.PickupLng, r.DropoffLat, r.DropoffLng,
		r.DistanceKm, r.EtaMinutes, string(r.State), r.CreatedAt.UTC())
	if err != nil {
		return errors.Wrap(err, "insert runner request")
	}
	return nil
}

func (s *Storage) GetRunnerRequest(ctx context.Context, id string) (*models.RunnerRequest, error) {
	row := s.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM runner_requests WHERE id = $1`, id)
	r, err := scanRunnerRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select runner request")
	}
	return r, nil
}

func (s *Storage) ListRunnerRequestsByOrder(ctx context.Context, orderID string, limit, offset int) ([]*models.RunnerRequest, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT `+selectColumns+`
FROM runner_requests
WHERE order_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`, orderID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select runner requests")
	}
	defer rows.Close()

	out := []*models.RunnerRequest{}
	for rows.Next() {
		r, err := scanRunnerRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan runner request")
		}
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// FinishRunnerRequest moves a watching request into a final state. It reports
// false when the request was already final, so duplicate outcomes are no-ops.
func (s *Storage) FinishRunnerRequest(ctx context.Context, f models.RunnerRequestFinish) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE runner_requests
SET
  state = $2,
  polls = $3,
  last_error = $4,
  finished_at = $5,
  updated_at = now()
WHERE id = $1 AND state = $6
`, f.ID, string(f.State), f.Polls, f.LastError, f.FinishedAt.UTC(), string(models.RunnerRequestWatching))
	if err != nil {
		return false, errors.Wrap(err, "finish runner request")
	}
	return tag.RowsAffected() == 1, nil
}

// ListWatching returns requests created up to createdBefore that are still
// waiting for a runner, oldest first.
func (s *Storage) ListWatching(ctx context.Context, createdBefore time.Time, limit int) ([]*models.RunnerRequest, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
SELECT `+selectColumns+`
FROM runner_requests
WHERE state = $1 AND created_at <= $2
ORDER BY created_at ASC
LIMIT $3
`, string(models.RunnerRequestWatching), createdBefore.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select watching runner requests")
	}
	defer rows.Close()

	var out []*models.RunnerRequest
	for rows.Next() {
		r, err := scanRunnerRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan runner request")
		}
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func scanRunnerRequest(row pgx.Row) (*models.RunnerRequest, error) {
	var r models.RunnerRequest
	var state string
	if err := row.Scan(
		&r.ID, &r.RequestID, &r.OrderID, &r.StoreID, &r.RunnerID,
		&r.PickupLat, &r.PickupLng, &r.DropoffLat, &r.DropoffLng,
		&r.DistanceKm, &r.EtaMinutes,
		&state, &r.Polls, &r.LastError,
		&r.CreatedAt, &r.UpdatedAt, &r.FinishedAt,
	); err != nil {
		return nil, err
	}
	r.State = models.RunnerRequestState(state)
	return &r, nil
}
