package core

import (
	"context"
	"fmt"

	"github.com/pkaminsk/Anchor/internal/domain"
)

// RoomOptions configures one join against the external RTC network.
type RoomOptions struct {
	RoomID      domain.RoomID
	DisplayName string
	AutoConsume bool
}

// ProduceOptions announces the agent's outbound track to the room.
type ProduceOptions struct {
	Label string
	Track OutboundTrack
}

// RoomClient joins externally managed real-time rooms.
type RoomClient interface {
	Join(ctx context.Context, opts RoomOptions) (RoomHandle, error)
}

// RoomHandle is the agent's live handle on one joined room.
// Events() delivers room lifecycle kinds (KindRoom*, KindPeer*,
// KindProducer*, KindConsumerAdded). Close is idempotent.
type RoomHandle interface {
	RoomID() domain.RoomID
	Events() *Emitter
	Produce(ctx context.Context, opts ProduceOptions) error
	Close() error
}

// JoinError reports a failed room join; the session moves to Failed.
type JoinError struct {
	RoomID domain.RoomID
	Err    error
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join room %q: %v", e.RoomID, e.Err)
}

func (e *JoinError) Unwrap() error { return e.Err }
