package core

import (
	"sync"
	"sync/atomic"
)

// Session is a browser↔gateway control-plane context. It owns its handles
// and its event queue; the registry owns the session.
type Session struct {
	ID uint64

	mu        sync.Mutex
	handles   map[uint64]*Handle
	destroyed atomic.Bool

	queue *EventQueue
	done  chan struct{}
}

func newSession(id uint64) *Session {
	return &Session{
		ID:      id,
		handles: make(map[uint64]*Handle),
		queue:   NewEventQueue(),
		done:    make(chan struct{}),
	}
}

// Queue is the session's pending-event FIFO.
func (s *Session) Queue() *EventQueue {
	return s.queue
}

// Done is closed when the session is destroyed or the gateway stops; a
// long poll parked on the queue selects on it to bail out early.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Destroyed reports the going-away state. It is set before the session is
// unlinked so in-flight handlers observe a consistent view.
func (s *Session) Destroyed() bool {
	return s.destroyed.Load()
}

func (s *Session) markDestroyed() {
	if s.destroyed.CompareAndSwap(false, true) {
		close(s.done)
	}
}

// Handle is a session's attachment to one plugin instance. It is bound to
// exactly one plugin for its entire lifetime.
type Handle struct {
	ID      uint64
	Session *Session
	Plugin  Plugin

	mu    sync.Mutex
	state any
	media *MediaContext

	// initDone is closed once the plugin's CreateSession returned; initErr
	// holds its result. detachHandle waits on the gate so a destroy racing
	// an attach cannot run the plugin hooks out of order.
	initDone chan struct{}
	initErr  error
	detached atomic.Bool
}

// PluginState is the opaque per-handle state owned by the bound plugin,
// freed only through Plugin.DestroySession. The slot is written on the
// detach path while media goroutines and the message worker read it, hence
// the mutex.
func (h *Handle) PluginState() any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// SetPluginState installs (or clears) the plugin-side state.
func (h *Handle) SetPluginState(state any) {
	h.mu.Lock()
	h.state = state
	h.mu.Unlock()
}

// Media returns the handle's media context, or nil before the SDP bridge
// ran.
func (h *Handle) Media() *MediaContext {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.media
}

// SetMedia installs the media context produced by the SDP bridge.
func (h *Handle) SetMedia(m *MediaContext) {
	h.mu.Lock()
	h.media = m
	h.mu.Unlock()
}
