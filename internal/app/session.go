package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/pkaminsk/Anchor/internal/core"
	"github.com/pkaminsk/Anchor/internal/domain"
)

// Status is the session lifecycle state.
type Status int32

const (
	StatusPending Status = iota
	StatusJoining
	StatusActive
	StatusClosing
	StatusClosed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusJoining:
		return "joining"
	case StatusActive:
		return "active"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SessionOptions configures one agent session.
type SessionOptions struct {
	DisplayName  string
	Instructions string
	Voice        string
	// OutTrack is the agent's outbound audio track. Nil means the
	// agent joins listen-only and skips the produce step.
	OutTrack core.OutboundTrack
}

// Session drives one room's agent lifecycle:
// Pending -> Joining -> Active -> Closing -> {Closed, Failed}.
// It owns exactly one room handle, one model connection and one
// outbound track, and runs in its own goroutine so a stalled room can
// never block the control plane or a sibling session. All termination
// triggers funnel into a one-shot teardown.
type Session struct {
	roomID   domain.RoomID
	rtc      core.RoomClient
	models   core.ModelClient
	registry *Registry
	opts     SessionOptions

	status    atomic.Int32
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	closing      bool
	room         core.RoomHandle
	model        core.ModelConn
	bridge       *Bridge
	subs         []core.Subscription
	consumerOf   map[string]string // producer id -> bound consumer id
	pendingBinds []core.ConsumerInfo

	teardown sync.Once
	done     chan struct{}

	logger zerolog.Logger
}

// NewSession prepares a session bound to parent's lifetime. The caller
// registers it and then launches Run in its own goroutine.
func NewSession(parent context.Context, roomID domain.RoomID, rtc core.RoomClient, models core.ModelClient, registry *Registry, opts SessionOptions) *Session {
	ctx, cancel := context.WithCancel(parent)
	return &Session{
		roomID:     roomID,
		rtc:        rtc,
		models:     models,
		registry:   registry,
		opts:       opts,
		createdAt:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
		consumerOf: make(map[string]string),
		done:       make(chan struct{}),
		logger:     log.With().Str("module", "app.session").Str("room", string(roomID)).Logger(),
	}
}

func (s *Session) RoomID() domain.RoomID { return s.roomID }
func (s *Session) CreatedAt() time.Time  { return s.createdAt }

func (s *Session) Status() Status { return Status(s.status.Load()) }

func (s *Session) setStatus(v Status) { s.status.Store(int32(v)) }

// Done is closed once teardown has completed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stop requests termination. Safe to call from any goroutine, any
// number of times, in any state.
func (s *Session) Stop() { s.cancel() }

// Run executes the session to completion. It returns once teardown is
// done; the registry entry is always removed before that.
func (s *Session) Run() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("session panicked")
			s.shutdown(StatusFailed, fmt.Errorf("session panic: %v", r))
		}
	}()

	s.setStatus(StatusJoining)
	s.logger.Info().Msg("session joining")

	// Room join and model connect run concurrently; either failure
	// aborts the other through the group context. Each handle's
	// listeners are wired the moment that handle exists: the adapters
	// start emitting as soon as their own call returns, so a terminal
	// event must not land while the slower handle is still connecting.
	g, gctx := errgroup.WithContext(s.ctx)
	g.Go(func() error {
		room, err := s.rtc.Join(gctx, core.RoomOptions{
			RoomID:      s.roomID,
			DisplayName: s.opts.DisplayName,
			AutoConsume: true,
		})
		if err != nil {
			return &core.JoinError{RoomID: s.roomID, Err: err}
		}
		s.mu.Lock()
		if s.closing {
			// Teardown already snapshotted the handles; this one is
			// ours to release.
			s.mu.Unlock()
			_ = room.Close()
			return gctx.Err()
		}
		s.room = room
		s.mu.Unlock()
		s.wireRoomEvents(room)
		return nil
	})
	g.Go(func() error {
		model, err := s.models.Dial(gctx, core.ModelOptions{
			Instructions: s.opts.Instructions,
			Voice:        s.opts.Voice,
		})
		if err != nil {
			return &core.ModelConnectError{Err: err}
		}
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			_ = model.Close()
			return gctx.Err()
		}
		s.model = model
		s.mu.Unlock()
		s.wireModelEvents(model)
		return nil
	})
	if err := g.Wait(); err != nil {
		final := StatusFailed
		if errors.Is(err, context.Canceled) {
			// Stop arrived mid-setup; that is a close, not a failure.
			final = StatusClosed
		}
		s.shutdown(final, err)
		return
	}

	// A terminal event may have torn the session down already while
	// the slower handle was still connecting.
	if s.ctx.Err() != nil {
		s.shutdown(StatusClosed, nil)
		return
	}

	s.mu.Lock()
	if s.closing {
		// Teardown fired after the ctx check; it owns the handles and
		// must not miss a bridge created behind its snapshot.
		s.mu.Unlock()
		return
	}
	s.bridge = NewBridge(s.model, s.opts.OutTrack, s.logger)
	bridge := s.bridge
	pending := s.pendingBinds
	s.pendingBinds = nil
	room := s.room
	s.mu.Unlock()

	// Consumers that arrived before the bridge existed get bound now.
	for _, info := range pending {
		bridge.Bind(info.ConsumerID, info.Track)
	}

	if s.opts.OutTrack != nil {
		if err := room.Produce(s.ctx, core.ProduceOptions{Label: "audio", Track: s.opts.OutTrack}); err != nil {
			s.shutdown(StatusFailed, fmt.Errorf("produce outbound audio: %w", err))
			return
		}
	} else {
		s.logger.Info().Msg("no outbound track, agent is listen-only")
	}

	if !s.status.CompareAndSwap(int32(StatusJoining), int32(StatusActive)) {
		// Teardown won the race against activation.
		return
	}
	s.logger.Info().Msg("session active")

	select {
	case <-s.ctx.Done():
		s.shutdown(StatusClosed, nil)
	case <-s.done:
	}
}

// shutdown is the single teardown path. Every step is attempted even
// if an earlier one failed; the terminal status and the registry
// removal happen exactly once no matter how many triggers race.
func (s *Session) shutdown(final Status, cause error) {
	s.teardown.Do(func() {
		s.setStatus(StatusClosing)
		// A close with a cause is still a close; only Failed is worth
		// an error-level line.
		ev := s.logger.Info()
		if final == StatusFailed {
			ev = s.logger.Error()
		}
		if cause != nil {
			ev = ev.Err(cause)
		}
		ev.Str("final", final.String()).Msg("session closing")

		s.cancel()

		s.mu.Lock()
		s.closing = true
		bridge, room, model := s.bridge, s.room, s.model
		subs := s.subs
		s.subs = nil
		s.mu.Unlock()

		if bridge != nil {
			bridge.Close()
		}
		for _, sub := range subs {
			sub.Cancel()
		}
		if room != nil {
			room.Events().RemoveAll()
		}
		if model != nil {
			model.Events().RemoveAll()
			if err := model.Close(); err != nil {
				s.logger.Error().Err(err).Msg("model close failed")
			}
		}
		if room != nil {
			if err := room.Close(); err != nil {
				s.logger.Error().Err(err).Msg("room close failed")
			}
		}

		s.setStatus(final)
		if s.registry != nil {
			s.registry.Unregister(s.roomID)
		}
		close(s.done)
		s.logger.Info().Str("status", final.String()).Msg("session closed")
	})
}

func (s *Session) subscribe(e *core.Emitter, kind core.Kind, fn core.Listener) {
	sub := e.On(kind, fn)
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
}

func (s *Session) wireRoomEvents(room core.RoomHandle) {
	ev := room.Events()
	s.subscribe(ev, core.KindRoomJoined, func(any) (any, error) {
		s.logger.Info().Msg("room joined")
		return nil, nil
	})
	s.subscribe(ev, core.KindPeerJoined, func(p any) (any, error) {
		if info, ok := p.(core.PeerInfo); ok {
			s.logger.Info().Str("peer", info.PeerID).Str("name", info.DisplayName).Msg("peer joined")
		}
		return nil, nil
	})
	s.subscribe(ev, core.KindPeerLeft, func(p any) (any, error) {
		if info, ok := p.(core.PeerInfo); ok {
			s.logger.Info().Str("peer", info.PeerID).Msg("peer left")
		}
		return nil, nil
	})
	s.subscribe(ev, core.KindProducerAdded, func(p any) (any, error) {
		// Bindings are created on the paired consumer event; only the
		// consumer side exposes a usable track.
		if info, ok := p.(core.ProducerInfo); ok {
			s.logger.Debug().Str("producer", info.ProducerID).Str("kind", string(info.Kind)).Msg("remote producer added")
		}
		return nil, nil
	})
	s.subscribe(ev, core.KindConsumerAdded, func(p any) (any, error) {
		info, ok := p.(core.ConsumerInfo)
		if !ok {
			return nil, fmt.Errorf("unexpected consumer payload %T", p)
		}
		return s.onConsumerAdded(info), nil
	})
	s.subscribe(ev, core.KindProducerClosed, func(p any) (any, error) {
		if info, ok := p.(core.ProducerInfo); ok {
			s.onProducerClosed(info)
		}
		return nil, nil
	})
	s.subscribe(ev, core.KindRoomClosed, func(any) (any, error) {
		s.logger.Info().Msg("room closed by remote")
		s.shutdown(StatusClosed, nil)
		return nil, nil
	})
	s.subscribe(ev, core.KindListenerError, s.onListenerError)
}

func (s *Session) wireModelEvents(model core.ModelConn) {
	ev := model.Events()
	s.subscribe(ev, core.KindModelAudio, func(p any) (any, error) {
		audio, ok := p.(core.ModelAudio)
		if !ok {
			return nil, nil
		}
		s.mu.Lock()
		bridge := s.bridge
		s.mu.Unlock()
		// Audio synthesized before the bridge exists has no outbound
		// track yet; dropping it is the bounded-queue policy anyway.
		if bridge != nil {
			bridge.EnqueueOutbound(audio.Data)
		}
		return nil, nil
	})
	s.subscribe(ev, core.KindModelError, func(p any) (any, error) {
		err, _ := p.(error)
		// An agent without a model is useless; a fatal model error
		// closes the room side too.
		s.shutdown(StatusClosed, fmt.Errorf("model connection failed: %w", err))
		return nil, nil
	})
	s.subscribe(ev, core.KindModelClosed, func(any) (any, error) {
		s.shutdown(StatusClosed, nil)
		return nil, nil
	})
	s.subscribe(ev, core.KindListenerError, s.onListenerError)
}

// onConsumerAdded returns the bound consumer id so emitters using
// EmitForResults can learn which consumers were routed.
func (s *Session) onConsumerAdded(info core.ConsumerInfo) any {
	if info.Kind != core.MediaAudio {
		s.logger.Debug().Str("consumer", info.ConsumerID).Str("kind", string(info.Kind)).Msg("ignoring non-audio consumer")
		return nil
	}
	if info.Track == nil {
		s.logger.Error().Str("consumer", info.ConsumerID).Msg("audio consumer arrived without a track")
		return nil
	}
	s.mu.Lock()
	s.consumerOf[info.ProducerID] = info.ConsumerID
	bridge := s.bridge
	if bridge == nil {
		// The model side is still connecting; Run binds these once the
		// bridge exists.
		s.pendingBinds = append(s.pendingBinds, info)
		s.mu.Unlock()
		return info.ConsumerID
	}
	s.mu.Unlock()
	bridge.Bind(info.ConsumerID, info.Track)
	return info.ConsumerID
}

func (s *Session) onProducerClosed(info core.ProducerInfo) {
	s.mu.Lock()
	consumerID, ok := s.consumerOf[info.ProducerID]
	if ok {
		delete(s.consumerOf, info.ProducerID)
	}
	bridge := s.bridge
	if ok && bridge == nil {
		for i, p := range s.pendingBinds {
			if p.ConsumerID == consumerID {
				s.pendingBinds = append(s.pendingBinds[:i], s.pendingBinds[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
	if ok && bridge != nil {
		bridge.Unbind(consumerID)
	}
}

func (s *Session) onListenerError(p any) (any, error) {
	if le, ok := p.(core.ListenerError); ok {
		s.logger.Error().Err(le.Err).Str("event", string(le.Kind)).Msg("event listener failed")
	}
	return nil, nil
}
