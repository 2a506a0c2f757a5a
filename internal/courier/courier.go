// Package courier schedules reverse pickups for returns and exchanges.
package courier

import (
	"context"
	"fmt"
	"time"

	"commerce-engine/internal/models"

	"github.com/go-resty/resty/v2"
)

//go:generate mockgen -source=./courier.go -package=couriermocks -destination=./mocks/courier.mock.go Client

type PickupRequest struct {
	Kind      string         `json:"kind"`
	Reference string         `json:"reference"`
	OrderNo   string         `json:"order_no"`
	Address   models.Address `json:"address"`
	VariantID int64          `json:"variant_id"`
	Quantity  int            `json:"quantity"`
}

type Pickup struct {
	PickupID    string    `json:"pickup_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// Client is the courier collaborator. Failures are retried out-of-band by the caller.
type Client interface {
	SchedulePickup(ctx context.Context, req PickupRequest) (*Pickup, error)
}

type HTTPClient struct {
	client *resty.Client
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json"),
	}
}

func (c *HTTPClient) SchedulePickup(ctx context.Context, req PickupRequest) (*Pickup, error) {
	var out Pickup
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/pickups")
	if err != nil {
		return nil, fmt.Errorf("schedule pickup: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("schedule pickup: status %d", resp.StatusCode())
	}
	if out.PickupID == "" {
		return nil, fmt.Errorf("schedule pickup: empty pickup id")
	}
	return &out, nil
}
