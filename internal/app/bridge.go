package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pkaminsk/Anchor/internal/core"
)

// outboundQueueDepth bounds the playout queue. EnqueueOutbound never
// blocks: on overflow the oldest queued frame is dropped first.
const outboundQueueDepth = 64

type route struct {
	consumerID string
	src        core.AudioSource
	cancel     context.CancelFunc
}

// Bridge routes audio for one session: each bound consumer track is
// pumped into the model's input stream by its own goroutine, and
// synthesized model audio is queued onto the session's outbound track.
// Frame order is preserved per binding and for the outbound queue, but
// not across bindings.
type Bridge struct {
	model core.ModelConn
	out   core.OutboundTrack // nil when the agent is listen-only

	mu     sync.Mutex
	routes map[string]*route
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan core.Frame
	wg     sync.WaitGroup

	logger zerolog.Logger
}

func NewBridge(model core.ModelConn, out core.OutboundTrack, logger zerolog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		model:  model,
		out:    out,
		routes: make(map[string]*route),
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan core.Frame, outboundQueueDepth),
		logger: logger,
	}
	if out != nil {
		b.wg.Add(1)
		go b.playout()
	}
	return b
}

// Bind starts forwarding src into the model input. Duplicate consumer
// IDs are a no-op, so replayed consumer-added events are harmless.
func (b *Bridge) Bind(consumerID string, src core.AudioSource) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if _, ok := b.routes[consumerID]; ok {
		b.mu.Unlock()
		b.logger.Warn().Str("consumer", consumerID).Msg("duplicate bind ignored")
		return
	}
	ctx, cancel := context.WithCancel(b.ctx)
	rt := &route{consumerID: consumerID, src: src, cancel: cancel}
	b.routes[consumerID] = rt
	b.wg.Add(1)
	b.mu.Unlock()

	b.logger.Info().Str("consumer", consumerID).Str("track", src.ID()).Msg("audio route bound")
	go b.pump(ctx, rt)
}

// Unbind stops forwarding for consumerID; no-op if absent.
func (b *Bridge) Unbind(consumerID string) {
	b.mu.Lock()
	rt, ok := b.routes[consumerID]
	if ok {
		delete(b.routes, consumerID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	rt.cancel()
	b.logger.Info().Str("consumer", consumerID).Msg("audio route released")
}

// Bound snapshots the currently bound consumer IDs.
func (b *Bridge) Bound() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.routes))
	for id := range b.routes {
		out = append(out, id)
	}
	return out
}

// EnqueueOutbound queues one synthesized frame for playout in
// submission order. Bounded and non-blocking: when the queue is full
// the oldest frame is dropped to make room.
func (b *Bridge) EnqueueOutbound(frame core.Frame) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed || b.out == nil {
		return
	}
	for {
		select {
		case b.queue <- frame:
			return
		default:
		}
		select {
		case <-b.queue:
			b.logger.Warn().Msg("outbound queue full, dropped oldest frame")
		default:
		}
	}
}

// Close cancels every pump, releases all bindings and stops playout.
// Idempotent; returns once all bridge goroutines have exited.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.wg.Wait()
		return
	}
	b.closed = true
	for id, rt := range b.routes {
		rt.cancel()
		delete(b.routes, id)
	}
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
}

// pump moves frames from one consumer track into the model input until
// the route is unbound, the bridge closes or the source dries up.
func (b *Bridge) pump(ctx context.Context, rt *route) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		frame, err := rt.src.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Info().Err(err).Str("consumer", rt.consumerID).Msg("audio source ended")
			}
			return
		}
		if err := b.model.SendAudio(frame); err != nil {
			b.logger.Error().Err(err).Str("consumer", rt.consumerID).Msg("model input write failed, stopping route")
			return
		}
	}
}

func (b *Bridge) playout() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case frame := <-b.queue:
			if err := b.out.WriteFrame(frame); err != nil {
				b.logger.Error().Err(err).Msg("outbound track write failed")
			}
		}
	}
}
