// Package rtc is the adapter for the external real-time communication
// network: token exchange over HTTPS, signaling over a websocket and
// media over a pion peer connection. The control-plane core only sees
// core.RoomClient / core.RoomHandle.
package rtc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/pkaminsk/Anchor/internal/core"
)

type Config struct {
	APIKey    string
	ProjectID string
	APIURL    string // token endpoint base
	SignalURL string // websocket signaling endpoint
}

type Client struct {
	cfg       Config
	http      *http.Client
	dialer    *websocket.Dialer
	rtcConfig webrtc.Configuration
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

func NewClient(cfg Config) *Client {
	return &Client{
		cfg:       cfg,
		http:      &http.Client{Timeout: 15 * time.Second},
		dialer:    websocket.DefaultDialer,
		rtcConfig: DefaultWebRTCConfig(),
	}
}

// Join acquires a room token, dials signaling and negotiates media.
// It returns once the server has acknowledged the join; lifecycle
// events flow through the returned handle's emitter afterwards.
func (c *Client) Join(ctx context.Context, opts core.RoomOptions) (core.RoomHandle, error) {
	token, err := c.fetchToken(ctx, opts)
	if err != nil {
		return nil, err
	}

	wsURL := fmt.Sprintf("%s?projectId=%s&token=%s", c.cfg.SignalURL, c.cfg.ProjectID, token)
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("signaling dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("signaling dial: %w", err)
	}

	pc, err := webrtc.NewPeerConnection(c.rtcConfig)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("peer connection: %w", err)
	}

	room := newRoom(opts.RoomID, conn, pc, log.With().Str("module", "rtc").Str("room", string(opts.RoomID)).Logger())
	if err := room.start(ctx, opts); err != nil {
		_ = room.Close()
		return nil, err
	}
	return room, nil
}

type tokenRequest struct {
	RoomID      string `json:"roomId"`
	Role        string `json:"role"`
	DisplayName string `json:"displayName"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

func (c *Client) fetchToken(ctx context.Context, opts core.RoomOptions) (string, error) {
	body, err := json.Marshal(tokenRequest{
		RoomID:      string(opts.RoomID),
		Role:        "host",
		DisplayName: opts.DisplayName,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL+"/api/v2/sdk/rooms/join-token", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("token request: status %d: %s", resp.StatusCode, data)
	}
	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("token response: %w", err)
	}
	if tr.Token == "" {
		return "", fmt.Errorf("token response: empty token")
	}
	return tr.Token, nil
}
