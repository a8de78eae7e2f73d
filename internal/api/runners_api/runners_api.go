package runners_api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/BearBump/RunnerWatch/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

type Service interface {
	Create(ctx context.Context, in models.RunnerRequestCreateInput) (*models.RunnerRequest, error)
	Get(ctx context.Context, id string) (*models.RunnerRequest, error)
	ListByOrder(ctx context.Context, orderID string, limit, offset int) ([]*models.RunnerRequest, error)
	Cancel(ctx context.Context, id string) (*models.RunnerRequest, error)
}

type Subscriber interface {
	Subscribe(id string) (<-chan *models.RunnerRequest, func())
}

type RunnersAPI struct {
	svc     Service
	hub     Subscriber
	limiter *ClientLimiter

	pingInterval time.Duration
}

func New(svc Service, hub Subscriber) *RunnersAPI {
	return &RunnersAPI{svc: svc, hub: hub, pingInterval: 30 * time.Second}
}

func (a *RunnersAPI) WithLimiter(l *ClientLimiter) *RunnersAPI {
	a.limiter = l
	return a
}

// WithStreamPing sets how often open streams are pinged. Every ping also
// re-reads the record, so outcomes applied by another replica still arrive.
func (a *RunnersAPI) WithStreamPing(d time.Duration) *RunnersAPI {
	if d > 0 {
		a.pingInterval = d
	}
	return a
}

// Register mounts the /v1 routes on r.
func (a *RunnersAPI) Register(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		if a.limiter != nil {
			r.Use(a.limiter.Handler)
		}
		r.Post("/runner-requests", a.create)
		r.Get("/runner-requests/{id}", a.get)
		r.Delete("/runner-requests/{id}", a.cancel)
		r.Get("/runner-requests/{id}/stream", a.stream)
		r.Get("/orders/{orderId}/runner-requests", a.listByOrder)
	})
}

type point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type createRunnerRequestBody struct {
	OrderID  string `json:"orderId"`
	RunnerID string `json:"runnerId"`
	StoreID  string `json:"storeId"`
	Pickup   point  `json:"pickup"`
	Dropoff  point  `json:"dropoff"`
}

type listResponse struct {
	Items []*models.RunnerRequest `json:"items"`
}

type errorResponse struct {
	Error string `json:"error"`
}

const bodyLimit = 1 << 20

func (a *RunnersAPI) create(w http.ResponseWriter, r *http.Request) {
	var body createRunnerRequestBody
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errors.Wrap(models.ErrInvalid, "malformed json body"))
		return
	}
	rr, err := a.svc.Create(r.Context(), models.RunnerRequestCreateInput{
		OrderID:    body.OrderID,
		RunnerID:   body.RunnerID,
		StoreID:    body.StoreID,
		PickupLat:  body.Pickup.Lat,
		PickupLng:  body.Pickup.Lng,
		DropoffLat: body.Dropoff.Lat,
		DropoffLng: body.Dropoff.Lng,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rr)
}

func (a *RunnersAPI) get(w http.ResponseWriter, r *http.Request) {
	rr, err := a.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rr)
}

func (a *RunnersAPI) cancel(w http.ResponseWriter, r *http.Request) {
	rr, err := a.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rr)
}

func (a *RunnersAPI) listByOrder(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	items, err := a.svc.ListByOrder(r.Context(), chi.URLParam(r, "orderId"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []*models.RunnerRequest{}
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items})
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.Wrapf(models.ErrInvalid, "%s must be a non-negative integer", name)
	}
	return n, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		slog.Error("runner api request failed", "error", msg)
		msg = "internal error"
	}
	writeJSON(w, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
