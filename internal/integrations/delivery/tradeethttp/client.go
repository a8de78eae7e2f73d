package tradeethttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BearBump/RunnerWatch/internal/models"
	"github.com/pkg/errors"
)

// TokenProvider supplies the merchant session token for the Authorization header.
type TokenProvider interface {
	Token() string
}

type Client struct {
	baseURL string
	tokens  TokenProvider
	httpc   *http.Client
}

func New(baseURL string, tokens TokenProvider) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:5000"
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type createReq struct {
	OrderID  string `json:"orderId"`
	RunnerID string `json:"runnerId"`
	StoreID  string `json:"storeId,omitempty"`
}

// The backend has answered with the id at the top level, as a mongo _id,
// and wrapped in a data envelope.
type createResp struct {
	RequestID string `json:"requestId"`
	ID        string `json:"_id"`
	Data      *struct {
		RequestID string `json:"requestId"`
		ID        string `json:"_id"`
	} `json:"data,omitempty"`
}

func (r createResp) requestID() string {
	switch {
	case r.RequestID != "":
		return r.RequestID
	case r.ID != "":
		return r.ID
	case r.Data != nil && r.Data.RequestID != "":
		return r.Data.RequestID
	case r.Data != nil:
		return r.Data.ID
	}
	return ""
}

type statusResp struct {
	Status string `json:"status"`
}

func (c *Client) CreateRequest(ctx context.Context, in models.DeliveryRequestInput) (models.DeliveryRequest, error) {
	body, err := json.Marshal(createReq{OrderID: in.OrderID, RunnerID: in.RunnerID, StoreID: in.StoreID})
	if err != nil {
		return models.DeliveryRequest{}, errors.Wrap(err, "marshal create request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/delivery/create", bytes.NewReader(body))
	if err != nil {
		return models.DeliveryRequest{}, errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")

	var rb createResp
	if err := c.do(req, &rb); err != nil {
		return models.DeliveryRequest{}, err
	}
	id := rb.requestID()
	if id == "" {
		return models.DeliveryRequest{}, fmt.Errorf("delivery backend returned no request id")
	}

	return models.DeliveryRequest{
		RequestID: id,
		OrderID:   in.OrderID,
		RunnerID:  in.RunnerID,
		StoreID:   in.StoreID,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (c *Client) GetStatus(ctx context.Context, requestID string) (models.AcceptanceStatus, error) {
	u := c.baseURL + "/delivery/status/" + url.PathEscape(requestID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return models.AcceptancePending, errors.Wrap(err, "new request")
	}

	var rb statusResp
	if err := c.do(req, &rb); err != nil {
		return models.AcceptancePending, err
	}
	return models.ParseAcceptanceStatus(rb.Status), nil
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		if tok := c.tokens.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("delivery backend rate limit (429)")
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("delivery backend http %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode")
	}
	return nil
}
