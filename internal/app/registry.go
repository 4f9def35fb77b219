package app

import (
	"errors"
	"sync"

	"github.com/pkaminsk/Anchor/internal/domain"
	"github.com/rs/zerolog/log"
)

// ErrAlreadyActive is returned when a room already has a live agent.
var ErrAlreadyActive = errors.New("agent already active for room")

// Handle is the registry's non-owning view of a launched session:
// enough to check liveness and request a stop, nothing more.
type Handle interface {
	// Done is closed once the session has finished teardown.
	Done() <-chan struct{}
	// Stop requests teardown; it must be idempotent.
	Stop()
}

// Registry is the process-wide room -> session mapping. It is the only
// structure mutated from multiple goroutines: orchestrator callers
// insert, terminating sessions remove.
type Registry struct {
	mu      sync.Mutex
	entries map[domain.RoomID]Handle
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[domain.RoomID]Handle)}
}

func alive(h Handle) bool {
	select {
	case <-h.Done():
		return false
	default:
		return true
	}
}

// TryRegister atomically claims roomID for h. A live existing entry
// fails with ErrAlreadyActive. A dead entry (its session exited without
// unregistering) is replaced, so a crashed session cannot wedge the
// room forever.
func (r *Registry) TryRegister(roomID domain.RoomID, h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.entries[roomID]; ok {
		if alive(old) {
			return ErrAlreadyActive
		}
		log.Warn().Str("module", "app.registry").Str("room", string(roomID)).Msg("replacing stale session entry")
	}
	r.entries[roomID] = h
	return nil
}

// Unregister removes roomID; no-op if absent.
func (r *Registry) Unregister(roomID domain.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, roomID)
}

// IsActive reports whether a live session owns roomID.
func (r *Registry) IsActive(roomID domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.entries[roomID]
	return ok && alive(h)
}

// Get returns the live handle for roomID, if any.
func (r *Registry) Get(roomID domain.RoomID) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.entries[roomID]
	if !ok || !alive(h) {
		return nil, false
	}
	return h, true
}

// ActiveRooms snapshots the rooms with live sessions.
func (r *Registry) ActiveRooms() []domain.RoomID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.RoomID, 0, len(r.entries))
	for id, h := range r.entries {
		if alive(h) {
			out = append(out, id)
		}
	}
	return out
}
