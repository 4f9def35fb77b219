package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/pkaminsk/Anchor/internal/core"
	"github.com/pkaminsk/Anchor/internal/domain"
)

const joinTimeout = 15 * time.Second

// Room is one live membership in a remote room. Signaling messages are
// translated into events on its emitter; the session subscribes there.
type Room struct {
	roomID domain.RoomID
	conn   *websocket.Conn
	pc     *webrtc.PeerConnection
	events *core.Emitter

	writeMu    sync.Mutex
	closeOnce  sync.Once
	closedEmit sync.Once
	closeErr   error
	joined     chan struct{}

	logger zerolog.Logger
}

func newRoom(roomID domain.RoomID, conn *websocket.Conn, pc *webrtc.PeerConnection, logger zerolog.Logger) *Room {
	return &Room{
		roomID: roomID,
		conn:   conn,
		pc:     pc,
		events: core.NewEmitter(),
		joined: make(chan struct{}),
		logger: logger,
	}
}

func (r *Room) RoomID() domain.RoomID { return r.roomID }
func (r *Room) Events() *core.Emitter { return r.events }

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (r *Room) start(ctx context.Context, opts core.RoomOptions) error {
	r.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		r.onTrack(track)
	})
	r.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		if err := r.send("candidate", cand.ToJSON()); err != nil {
			r.logger.Error().Err(err).Msg("send candidate")
		}
	})
	r.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		r.logger.Info().Str("peer_connection_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed {
			r.emitClosed()
		}
	})

	if err := r.send("join", map[string]any{
		"roomId":      string(opts.RoomID),
		"displayName": opts.DisplayName,
		"autoConsume": opts.AutoConsume,
	}); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	go r.readLoop()

	select {
	case <-r.joined:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(joinTimeout):
		return errors.New("timed out waiting for join ack")
	}
}

// Produce announces the agent's outbound track to the room. The track
// must come from NewOutboundTrack.
func (r *Room) Produce(_ context.Context, opts core.ProduceOptions) error {
	st, ok := opts.Track.(*sampleTrack)
	if !ok {
		return fmt.Errorf("produce: unsupported track %T", opts.Track)
	}
	if _, err := r.pc.AddTrack(st.track); err != nil {
		return fmt.Errorf("produce: add track: %w", err)
	}
	if err := r.send("produce", map[string]any{
		"label":   opts.Label,
		"trackId": st.track.ID(),
	}); err != nil {
		return fmt.Errorf("produce: %w", err)
	}
	r.logger.Info().Str("label", opts.Label).Msg("producing outbound audio")
	return nil
}

// Close releases signaling and media. Idempotent, never blocks on the
// read loop (it may be the caller).
func (r *Room) Close() error {
	r.closeOnce.Do(func() {
		_ = r.send("leave", nil)
		r.writeMu.Lock()
		_ = r.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		r.writeMu.Unlock()
		_ = r.conn.Close()
		r.closeErr = r.pc.Close()
		r.logger.Info().Msg("room handle closed")
	})
	return r.closeErr
}

func (r *Room) send(msgType string, data any) error {
	env := envelope{Type: msgType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		env.Data = raw
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = r.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return r.conn.WriteJSON(env)
}

func (r *Room) readLoop() {
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Info().Err(err).Msg("signaling read ended")
			}
			r.emitClosed()
			return
		}
		r.handle(data)
	}
}

func (r *Room) handle(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.logger.Error().Err(err).Msg("bad signaling json")
		return
	}

	switch env.Type {
	case "room-joined":
		select {
		case <-r.joined:
		default:
			close(r.joined)
		}
		r.events.Emit(core.KindRoomJoined, nil)
	case "peer-joined":
		var p struct {
			PeerID      string `json:"peerId"`
			DisplayName string `json:"displayName"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			r.logger.Error().Err(err).Str("type", env.Type).Msg("bad signaling payload")
			return
		}
		r.events.Emit(core.KindPeerJoined, core.PeerInfo{PeerID: p.PeerID, DisplayName: p.DisplayName})
	case "peer-left":
		var p struct {
			PeerID string `json:"peerId"`
		}
		if err := json.Unmarshal(env.Data, &p); err != nil {
			r.logger.Error().Err(err).Str("type", env.Type).Msg("bad signaling payload")
			return
		}
		r.events.Emit(core.KindPeerLeft, core.PeerInfo{PeerID: p.PeerID})
	case "producer-added":
		info, err := r.producerInfo(env.Data)
		if err != nil {
			r.logger.Error().Err(err).Str("type", env.Type).Msg("bad signaling payload")
			return
		}
		r.events.Emit(core.KindProducerAdded, info)
	case "producer-closed":
		info, err := r.producerInfo(env.Data)
		if err != nil {
			r.logger.Error().Err(err).Str("type", env.Type).Msg("bad signaling payload")
			return
		}
		r.events.Emit(core.KindProducerClosed, info)
	case "offer":
		r.handleOffer(env.Data)
	case "candidate":
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(env.Data, &cand); err == nil {
			if err := r.pc.AddICECandidate(cand); err != nil {
				r.logger.Error().Err(err).Msg("add ice candidate")
			}
		}
	case "room-closed":
		r.emitClosed()
	default:
		r.logger.Warn().Str("type", env.Type).Msg("unknown signaling message")
	}
}

func (r *Room) producerInfo(data []byte) (core.ProducerInfo, error) {
	var p struct {
		PeerID     string `json:"peerId"`
		ProducerID string `json:"producerId"`
		Kind       string `json:"kind"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return core.ProducerInfo{}, err
	}
	return core.ProducerInfo{PeerID: p.PeerID, ProducerID: p.ProducerID, Kind: core.MediaKind(p.Kind)}, nil
}

// handleOffer answers a server-initiated renegotiation.
func (r *Room) handleOffer(data []byte) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(data, &offer); err != nil {
		r.logger.Error().Err(err).Msg("bad offer")
		return
	}
	if err := r.pc.SetRemoteDescription(offer); err != nil {
		r.logger.Error().Err(err).Msg("set remote description")
		return
	}
	answer, err := r.pc.CreateAnswer(nil)
	if err != nil {
		r.logger.Error().Err(err).Msg("create answer")
		return
	}
	if err := r.pc.SetLocalDescription(answer); err != nil {
		r.logger.Error().Err(err).Msg("set local description")
		return
	}
	if err := r.send("answer", r.pc.LocalDescription()); err != nil {
		r.logger.Error().Err(err).Msg("send answer")
	}
}

// onTrack surfaces a newly consumed remote track. Producer identity
// rides on the stream id; the consumer id is minted here.
func (r *Room) onTrack(track *webrtc.TrackRemote) {
	consumerID := uuid.NewString()
	kind := core.MediaVideo
	var src core.AudioSource
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		kind = core.MediaAudio
		src = newRemoteSource(consumerID, track)
	}
	r.logger.Info().
		Str("consumer", consumerID).
		Str("producer", track.StreamID()).
		Str("kind", string(kind)).
		Msg("consumer added")
	r.events.Emit(core.KindConsumerAdded, core.ConsumerInfo{
		ConsumerID: consumerID,
		ProducerID: track.StreamID(),
		Kind:       kind,
		Track:      src,
	})
}

func (r *Room) emitClosed() {
	r.closedEmit.Do(func() {
		r.events.Emit(core.KindRoomClosed, nil)
	})
}
