package realtime

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pkaminsk/Anchor/internal/core"
)

// Wire messages. Only the fields this adapter touches are modeled.

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	Instructions      string   `json:"instructions"`
	Voice             string   `json:"voice,omitempty"`
	Modalities        []string `json:"modalities"`
	InputAudioFormat  string   `json:"input_audio_format"`
	OutputAudioFormat string   `json:"output_audio_format"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type serverEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Conn is one live conversation. Writes are serialized; the read loop
// owns decoding and event emission.
type Conn struct {
	ws     *websocket.Conn
	events *core.Emitter

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	logger zerolog.Logger
}

func newConn(ws *websocket.Conn, logger zerolog.Logger) *Conn {
	return &Conn{
		ws:     ws,
		events: core.NewEmitter(),
		logger: logger,
	}
}

func (c *Conn) Events() *core.Emitter { return c.events }

func (c *Conn) configure(opts core.ModelOptions) error {
	return c.sendJSON(sessionUpdate{
		Type: "session.update",
		Session: sessionConfig{
			Instructions:      opts.Instructions,
			Voice:             opts.Voice,
			Modalities:        []string{"audio", "text"},
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
		},
	})
}

// SendAudio appends one frame of room audio to the model input buffer.
func (c *Conn) SendAudio(frame core.Frame) error {
	return c.sendJSON(audioAppend{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(frame),
	})
}

func (c *Conn) sendJSON(v any) error {
	if c.closed.Load() {
		return errors.New("model connection is closed")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteJSON(v)
}

// Close shuts the websocket. Idempotent and non-blocking: it never
// waits for the read loop, which may be the caller's goroutine.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
		c.logger.Info().Msg("model connection closed")
	})
	return nil
}

func (c *Conn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.events.Emit(core.KindModelError, err)
			}
			c.events.Emit(core.KindModelClosed, nil)
			return
		}
		c.handle(data)
	}
}

func (c *Conn) handle(data []byte) {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		c.logger.Error().Err(err).Msg("bad model event json")
		return
	}

	switch ev.Type {
	case "response.audio.delta":
		audio, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			c.logger.Error().Err(err).Msg("bad audio delta encoding")
			return
		}
		c.events.Emit(core.KindModelAudio, core.ModelAudio{Data: audio})
	case "error":
		// Server-reported errors are advisory; the connection stays
		// up. Fatal failures surface from the read loop instead.
		if ev.Error != nil {
			c.logger.Error().Str("code", ev.Error.Code).Str("message", ev.Error.Message).Msg("model error event")
		}
	case "session.created", "session.updated":
		c.logger.Debug().Str("type", ev.Type).Msg("model session event")
	default:
		// Transcript deltas, response lifecycle and rate limit events
		// are not consumed by the agent.
	}
}
