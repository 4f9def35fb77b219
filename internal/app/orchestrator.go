package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/pkaminsk/Anchor/internal/core"
	"github.com/pkaminsk/Anchor/internal/domain"
)

// ErrNotActive is returned when a stop or probe targets a room with no
// live agent.
var ErrNotActive = errors.New("no active agent for room")

// Interviewer is the stateless LLM surface: request/response calls
// that never touch the session registry.
type Interviewer interface {
	GenerateQuestions(ctx context.Context, jobTitle, jobDescription string, count int) ([]domain.Question, error)
	Score(ctx context.Context, question, answer string) (domain.ScoreCard, error)
	Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error)
}

// AgentOptions configures every launched agent session.
type AgentOptions struct {
	DisplayName  string
	Instructions string
	Voice        string
	// NewOutboundTrack mints the per-session outbound audio track.
	// Nil (or a nil factory result) means listen-only agents.
	NewOutboundTrack func() (core.OutboundTrack, error)
}

// Orchestrator is the control-plane facade: it launches one supervised
// session per room and proxies the stateless interview operations.
type Orchestrator struct {
	ctx      context.Context // base lifetime for launched sessions
	registry *Registry
	rtc      core.RoomClient
	models   core.ModelClient
	llm      Interviewer
	opts     AgentOptions
}

func NewOrchestrator(ctx context.Context, registry *Registry, rtc core.RoomClient, models core.ModelClient, llm Interviewer, opts AgentOptions) *Orchestrator {
	return &Orchestrator{
		ctx:      ctx,
		registry: registry,
		rtc:      rtc,
		models:   models,
		llm:      llm,
		opts:     opts,
	}
}

// StartAgent launches an agent session for roomID and returns once the
// launch is accepted. It never waits for the room join or model
// connect; later failures tear the session down asynchronously and
// surface through logs only.
func (o *Orchestrator) StartAgent(roomID domain.RoomID) error {
	var track core.OutboundTrack
	if o.opts.NewOutboundTrack != nil {
		t, err := o.opts.NewOutboundTrack()
		if err != nil {
			return fmt.Errorf("outbound track: %w", err)
		}
		track = t
	}

	sess := NewSession(o.ctx, roomID, o.rtc, o.models, o.registry, SessionOptions{
		DisplayName:  o.opts.DisplayName,
		Instructions: o.opts.Instructions,
		Voice:        o.opts.Voice,
		OutTrack:     track,
	})
	if err := o.registry.TryRegister(roomID, sess); err != nil {
		sess.Stop() // release the prepared context
		return err
	}

	go sess.Run()
	log.Info().Str("module", "app.orchestrator").Str("room", string(roomID)).Msg("agent session launched")
	return nil
}

// StopAgent requests teardown of the room's agent, if any.
func (o *Orchestrator) StopAgent(roomID domain.RoomID) error {
	h, ok := o.registry.Get(roomID)
	if !ok {
		return ErrNotActive
	}
	h.Stop()
	return nil
}

// IsActive reports whether roomID currently has a live agent.
func (o *Orchestrator) IsActive(roomID domain.RoomID) bool {
	return o.registry.IsActive(roomID)
}

// Shutdown stops every active session and waits for their teardown or
// ctx expiry, whichever is first.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	for _, roomID := range o.registry.ActiveRooms() {
		h, ok := o.registry.Get(roomID)
		if !ok {
			continue
		}
		h.Stop()
		select {
		case <-h.Done():
		case <-ctx.Done():
			log.Warn().Str("module", "app.orchestrator").Str("room", string(roomID)).Msg("shutdown timed out waiting for session")
			return
		}
	}
}

func (o *Orchestrator) GenerateQuestions(ctx context.Context, jobTitle, jobDescription string, count int) ([]domain.Question, error) {
	return o.llm.GenerateQuestions(ctx, jobTitle, jobDescription, count)
}

func (o *Orchestrator) Score(ctx context.Context, question, answer string) (domain.ScoreCard, error) {
	return o.llm.Score(ctx, question, answer)
}

func (o *Orchestrator) Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	return o.llm.Transcribe(ctx, filename, audio)
}
