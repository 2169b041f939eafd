// Package crm is the thin boundary to the external CRM API. The engine only
// depends on interfaces; this client exists so the binaries have something to
// wire. Every outbound call is recorded with the rate guard.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/punchamoorthee/dealrecon/internal/domain"
	"github.com/punchamoorthee/dealrecon/internal/ratelimit"
)

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	guard   *ratelimit.Guard
}

func NewClient(baseURL, token string, guard *ratelimit.Guard) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		guard:   guard,
	}
}

func (c *Client) GetDeal(ctx context.Context, id int64) (*domain.Deal, error) {
	c.guard.RecordCall("deal_read")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/deals/%d", c.baseURL, id), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crm deal read failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("crm deal read: unexpected status %d", resp.StatusCode)
	}

	var deal domain.Deal
	if err := json.NewDecoder(resp.Body).Decode(&deal); err != nil {
		return nil, fmt.Errorf("crm deal decode failed: %w", err)
	}
	return &deal, nil
}

func (c *Client) UpdateStage(ctx context.Context, dealID int64, stageID string) error {
	c.guard.RecordCall("stage_write")

	body, err := json.Marshal(map[string]string{"stage_id": stageID})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, fmt.Sprintf("%s/deals/%d", c.baseURL, dealID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("crm stage update failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("crm stage update: unexpected status %d", resp.StatusCode)
	}
	return nil
}
