package core

import "context"

// Frame is a raw binary audio payload (one decoded frame).
type Frame []byte

// AudioSource is an inbound audio endpoint exposed by a consumer.
// ReadFrame blocks until a frame arrives or the source closes.
// Owned by the adapter; callers must stop reading once it errors.
type AudioSource interface {
	ID() string
	ReadFrame(ctx context.Context) (Frame, error)
}

// OutboundTrack is the agent's own audio endpoint in a room.
// WriteFrame appends one frame to the playout stream.
type OutboundTrack interface {
	ID() string
	WriteFrame(Frame) error
}

// MediaKind distinguishes consumer payloads. Only audio is routed.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)
