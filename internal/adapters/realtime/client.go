// Package realtime is the adapter for the streaming conversational-AI
// service: one websocket per conversation, JSON events both ways,
// base64 PCM audio in the payloads. The core only sees
// core.ModelClient / core.ModelConn.
package realtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/pkaminsk/Anchor/internal/core"
)

type Config struct {
	APIKey string
	URL    string
	Model  string
}

type Client struct {
	cfg    Config
	dialer *websocket.Dialer
}

func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
	}
}

// Dial opens one conversation, applies the session instructions and
// starts the read loop. Synthesized audio and fatal errors arrive as
// events on the returned connection's emitter.
func (c *Client) Dial(ctx context.Context, opts core.ModelOptions) (core.ModelConn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	url := fmt.Sprintf("%s?model=%s", c.cfg.URL, c.cfg.Model)
	ws, resp, err := c.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("realtime dial: %w", err)
	}

	conn := newConn(ws, log.With().Str("module", "realtime").Logger())
	if err := conn.configure(opts); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("realtime session update: %w", err)
	}
	go conn.readLoop()
	return conn, nil
}
