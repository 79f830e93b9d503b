// Package babysitter routes close requests for virtual positions to
// the external position-management service. A virtual position is one
// the PMS owns rather than the exchange account; when the orchestrator
// decides to close one, it must go through this client instead of
// submitting any exchange order.
package babysitter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"market_maker/internal/core"
	phttp "market_maker/pkg/http"

	"github.com/shopspring/decimal"
)

// Client talks to the PMS babysitter endpoint over HTTP.
type Client struct {
	http   *phttp.Client
	logger core.ILogger
}

// NewClient builds a babysitter client for the given PMS base URL.
func NewClient(apiURL string, logger core.ILogger) *Client {
	return &Client{
		http:   phttp.NewClient(apiURL, 10*time.Second, nil),
		logger: logger.WithField("component", "babysitter"),
	}
}

type closeRequest struct {
	PositionID string `json:"positionId"`
	ClosePrice string `json:"closePrice"`
	Reason     string `json:"reason"`
}

type closeResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ClosePosition asks the PMS to close the virtual position. Success is
// signaled by {"success": true} in the response body; anything else is
// an error the caller can retry on the next tick.
func (c *Client) ClosePosition(ctx context.Context, positionID string, closePrice decimal.Decimal, reason string) error {
	body, err := c.http.Post(ctx, "/babysitter/close-position", closeRequest{
		PositionID: positionID,
		ClosePrice: closePrice.String(),
		Reason:     reason,
	})
	if err != nil {
		return fmt.Errorf("babysitter close-position: %w", err)
	}
	var resp closeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("babysitter close-position: decode response: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("babysitter close-position rejected: %s", resp.Error)
	}
	c.logger.Info("virtual position closed", "position_id", positionID, "reason", reason)
	return nil
}
