package app

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/pkaminsk/Anchor/internal/core"
	"github.com/pkaminsk/Anchor/internal/domain"
)

type fakeRoom struct {
	roomID domain.RoomID
	events *core.Emitter

	mu         sync.Mutex
	produced   []core.ProduceOptions
	closeCount int
}

func newFakeRoom(roomID domain.RoomID) *fakeRoom {
	return &fakeRoom{roomID: roomID, events: core.NewEmitter()}
}

func (r *fakeRoom) RoomID() domain.RoomID { return r.roomID }
func (r *fakeRoom) Events() *core.Emitter { return r.events }

func (r *fakeRoom) Produce(_ context.Context, opts core.ProduceOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.produced = append(r.produced, opts)
	return nil
}

func (r *fakeRoom) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeCount++
	return nil
}

func (r *fakeRoom) closes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeCount
}

func (r *fakeRoom) producedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.produced)
}

type fakeRoomClient struct {
	mu        sync.Mutex
	joinErr   error
	joinDelay time.Duration
	room      *fakeRoom
}

func (c *fakeRoomClient) Join(ctx context.Context, opts core.RoomOptions) (core.RoomHandle, error) {
	c.mu.Lock()
	joinErr, delay := c.joinErr, c.joinDelay
	c.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if joinErr != nil {
		return nil, joinErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = newFakeRoom(opts.RoomID)
	return c.room, nil
}

func (c *fakeRoomClient) joined() *fakeRoom {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

type fakeModelConn struct {
	events *core.Emitter

	mu         sync.Mutex
	frames     []core.Frame
	sendErr    error
	closeCount int
}

func newFakeModelConn() *fakeModelConn {
	return &fakeModelConn{events: core.NewEmitter()}
}

func (m *fakeModelConn) Events() *core.Emitter { return m.events }

func (m *fakeModelConn) SendAudio(f core.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.frames = append(m.frames, f)
	return nil
}

func (m *fakeModelConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCount++
	return nil
}

func (m *fakeModelConn) received() []core.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Frame, len(m.frames))
	copy(out, m.frames)
	return out
}

func (m *fakeModelConn) closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCount
}

type fakeModelClient struct {
	mu        sync.Mutex
	dialErr   error
	dialDelay time.Duration
	conn      *fakeModelConn
}

func (c *fakeModelClient) Dial(ctx context.Context, _ core.ModelOptions) (core.ModelConn, error) {
	c.mu.Lock()
	dialErr, delay := c.dialErr, c.dialDelay
	c.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if dialErr != nil {
		return nil, dialErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = newFakeModelConn()
	return c.conn, nil
}

func (c *fakeModelClient) dialed() *fakeModelConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// fakeSource feeds frames from a channel; closing the channel ends the
// stream like a remote producer going away.
type fakeSource struct {
	id     string
	frames chan core.Frame
}

func newFakeSource(id string) *fakeSource {
	return &fakeSource{id: id, frames: make(chan core.Frame, 16)}
}

func (s *fakeSource) ID() string { return s.id }

func (s *fakeSource) ReadFrame(ctx context.Context) (core.Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case f, ok := <-s.frames:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	}
}

type fakeOutTrack struct {
	mu      sync.Mutex
	frames  []core.Frame
	blocked chan struct{} // non-nil: WriteFrame waits until closed
}

func (t *fakeOutTrack) ID() string { return "out" }

func (t *fakeOutTrack) WriteFrame(f core.Frame) error {
	if t.blocked != nil {
		<-t.blocked
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = append(t.frames, f)
	return nil
}

func (t *fakeOutTrack) written() []core.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]core.Frame, len(t.frames))
	copy(out, t.frames)
	return out
}

// fakeHandle is a registry entry stand-in with controllable liveness.
type fakeHandle struct {
	done     chan struct{}
	stopOnce sync.Once
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{done: make(chan struct{})}
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

var errExternal = errors.New("external service unavailable")
