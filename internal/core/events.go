package core

import (
	"fmt"
	"sync"
)

// Kind tags one lifecycle event on an emitting object.
type Kind string

const (
	KindRoomJoined     Kind = "room:joined"
	KindPeerJoined     Kind = "room:peer-joined"
	KindPeerLeft       Kind = "room:peer-left"
	KindRoomClosed     Kind = "room:closed"
	KindProducerAdded  Kind = "room:producer-added"
	KindProducerClosed Kind = "room:producer-closed"
	KindConsumerAdded  Kind = "room:consumer-added"

	KindModelAudio  Kind = "model:audio"
	KindModelError  Kind = "model:error"
	KindModelClosed Kind = "model:closed"

	// KindListenerError carries a ListenerError payload whenever a
	// listener on the same emitter failed or panicked.
	KindListenerError Kind = "error"
)

// Payloads, one tagged variant per event kind.

type PeerInfo struct {
	PeerID      string
	DisplayName string
}

type ProducerInfo struct {
	ProducerID string
	PeerID     string
	Kind       MediaKind
}

// ConsumerInfo is emitted on KindConsumerAdded. Track is nil for
// non-audio consumers; a nil Track on an audio consumer is an
// external-layer defect the listener must tolerate.
type ConsumerInfo struct {
	ConsumerID string
	ProducerID string
	PeerID     string
	Kind       MediaKind
	Track      AudioSource
}

type ModelAudio struct {
	Data Frame
}

type ListenerError struct {
	Kind Kind
	Err  error
}

// Listener handles one event. A non-nil result is collected by
// EmitForResults; Emit discards it.
type Listener func(payload any) (any, error)

type listenerEntry struct {
	id uint64
	fn Listener
}

// Emitter is a per-object event bus: each room handle and model
// connection owns one. Listeners fire synchronously, in registration
// order, on the emitting goroutine. A failing listener never stops its
// siblings; its error is re-emitted on KindListenerError.
type Emitter struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[Kind][]listenerEntry
}

func NewEmitter() *Emitter {
	return &Emitter{listeners: make(map[Kind][]listenerEntry)}
}

// Subscription identifies one registered listener for later release.
type Subscription struct {
	emitter *Emitter
	kind    Kind
	id      uint64
}

func (s Subscription) Cancel() {
	if s.emitter != nil {
		s.emitter.off(s.kind, s.id)
	}
}

func (e *Emitter) On(kind Kind, fn Listener) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.listeners[kind] = append(e.listeners[kind], listenerEntry{id: e.nextID, fn: fn})
	return Subscription{emitter: e, kind: kind, id: e.nextID}
}

func (e *Emitter) off(kind Kind, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entries := e.listeners[kind]
	for i, le := range entries {
		if le.id == id {
			e.listeners[kind] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// RemoveAll drops every listener on every kind. Used during teardown
// so a closed session can never be called back into.
func (e *Emitter) RemoveAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[Kind][]listenerEntry)
}

// ListenerCount reports listeners registered for kind; with no
// arguments it reports the total across all kinds.
func (e *Emitter) ListenerCount(kinds ...Kind) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(kinds) == 0 {
		n := 0
		for _, entries := range e.listeners {
			n += len(entries)
		}
		return n
	}
	n := 0
	for _, k := range kinds {
		n += len(e.listeners[k])
	}
	return n
}

// Emit invokes every listener registered for kind, in registration
// order, on the calling goroutine.
func (e *Emitter) Emit(kind Kind, payload any) {
	e.dispatch(kind, payload, nil)
}

// EmitForResults is Emit plus aggregation: non-nil listener results are
// returned in listener order. Failing listeners contribute no result
// and do not abort the rest.
func (e *Emitter) EmitForResults(kind Kind, payload any) []any {
	var results []any
	e.dispatch(kind, payload, &results)
	return results
}

func (e *Emitter) dispatch(kind Kind, payload any, results *[]any) {
	e.mu.RLock()
	snapshot := make([]listenerEntry, len(e.listeners[kind]))
	copy(snapshot, e.listeners[kind])
	e.mu.RUnlock()

	for _, le := range snapshot {
		res, err := e.invoke(le.fn, payload)
		if err != nil {
			if kind != KindListenerError {
				e.Emit(KindListenerError, ListenerError{Kind: kind, Err: err})
			}
			continue
		}
		if results != nil && res != nil {
			*results = append(*results, res)
		}
	}
}

func (e *Emitter) invoke(fn Listener, payload any) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return fn(payload)
}
