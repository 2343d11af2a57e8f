package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/hynous/hynous-data/pkg/logger"
)

// Client is a thin REST client for the exchange /info endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient creates a client against baseURL.
func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     logger.Component(log, "exchange_client"),
	}
}

// post issues one /info request and decodes the response into out.
func (c *Client) post(ctx context.Context, body map[string]any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/info", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("info request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("info request: status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Meta fetches the instrument universe.
func (c *Client) Meta(ctx context.Context) (*Meta, error) {
	var m Meta
	if err := c.post(ctx, map[string]any{"type": "meta"}, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// UserState fetches the account state for one address.
func (c *Client) UserState(ctx context.Context, address string) (*UserState, error) {
	var s UserState
	if err := c.post(ctx, map[string]any{
		"type": "clearinghouseState",
		"user": address,
	}, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// AllMids fetches the current mid price per coin. Values arrive as
// strings keyed by coin.
func (c *Client) AllMids(ctx context.Context) (map[string]float64, error) {
	var raw map[string]Num
	if err := c.post(ctx, map[string]any{"type": "allMids"}, &raw); err != nil {
		return nil, err
	}
	mids := make(map[string]float64, len(raw))
	for coin, v := range raw {
		mids[coin] = v.Float()
	}
	return mids, nil
}

// UserFills fetches the trade history for one address.
func (c *Client) UserFills(ctx context.Context, address string) ([]Fill, error) {
	var fills []Fill
	if err := c.post(ctx, map[string]any{
		"type": "userFills",
		"user": address,
	}, &fills); err != nil {
		return nil, err
	}
	return fills, nil
}
