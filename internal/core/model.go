package core

import (
	"context"
	"fmt"
)

// ModelOptions configures one streaming conversation.
type ModelOptions struct {
	Instructions string
	Voice        string
}

// ModelClient dials the external streaming conversational-AI service.
type ModelClient interface {
	Dial(ctx context.Context, opts ModelOptions) (ModelConn, error)
}

// ModelConn is one live conversation. SendAudio feeds a frame of
// inbound room audio into the model's input stream. Synthesized output
// arrives as KindModelAudio events; a fatal connection error surfaces
// as KindModelError followed by KindModelClosed.
type ModelConn interface {
	Events() *Emitter
	SendAudio(Frame) error
	Close() error
}

// ModelConnectError reports a failed model dial; the session moves to
// Failed.
type ModelConnectError struct {
	Err error
}

func (e *ModelConnectError) Error() string {
	return fmt.Sprintf("connect model: %v", e.Err)
}

func (e *ModelConnectError) Unwrap() error { return e.Err }
