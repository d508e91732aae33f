package perp

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// FundingStream keeps the client's funding cache warm from the venue's
// websocket feed. It is optional: when the stream is down the client falls
// back to REST.
type FundingStream struct {
	url            string
	pair           string
	reconnectDelay time.Duration
	client         *Client
	log            *zap.Logger
}

func NewFundingStream(url, pair string, reconnectDelay time.Duration, client *Client, log *zap.Logger) *FundingStream {
	return &FundingStream{
		url:            url,
		pair:           pair,
		reconnectDelay: reconnectDelay,
		client:         client,
		log:            log,
	}
}

type fundingMessage struct {
	Channel     string  `json:"channel"`
	Pair        string  `json:"pair"`
	FundingRate float64 `json:"fundingRate"`
}

// Run blocks until the context is cancelled, reconnecting on any error.
func (s *FundingStream) Run(ctx context.Context) error {
	for {
		if err := s.session(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("funding stream ended", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *FundingStream) session(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	sub := map[string]any{"method": "subscribe", "channel": "funding", "pair": s.pair}
	payload, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return err
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg fundingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("funding stream: skipping message", zap.Error(err))
			continue
		}
		if msg.Channel != "funding" || msg.Pair != s.pair {
			continue
		}
		s.client.setFunding(msg.Pair, msg.FundingRate)
	}
}
