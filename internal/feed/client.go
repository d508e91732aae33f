package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"carry-vault-bot/internal/deposit"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Client polls an external deposit feed over HTTP. The feed exposes the most
// recent transfer it has observed, keyed by an opaque ordered version.
type Client struct {
	url  string
	http *http.Client
	log  *zap.Logger
}

func New(url string, timeout time.Duration, log *zap.Logger) *Client {
	return &Client{
		url: url,
		http: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

type feedEvent struct {
	Version json.Number `json:"version"`
	From    string      `json:"from"`
	To      string      `json:"to"`
	Amount  json.Number `json:"amount"`
}

// Poll fetches the newest event. A nil event with nil error means the feed
// currently has nothing to report; transport and decode failures come back
// as errors and the caller treats them as no-new-event.
func (c *Client) Poll(ctx context.Context) (*deposit.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed poll: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("feed poll: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var raw feedEvent
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("feed decode: %w", err)
	}
	version := strings.TrimSpace(raw.Version.String())
	if version == "" || version == "0" && raw.From == "" {
		return nil, nil
	}
	amount, err := decimal.NewFromString(raw.Amount.String())
	if err != nil {
		return nil, fmt.Errorf("feed amount %q: %w", raw.Amount.String(), err)
	}
	return &deposit.Event{
		Version:     version,
		FromAddress: raw.From,
		ToAddress:   raw.To,
		Amount:      amount,
	}, nil
}
