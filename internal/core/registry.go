package core

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/skymeet/rtcgate/internal/telemetry"
)

var (
	ErrSessionNotFound = errors.New("no such session")
	ErrHandleNotFound  = errors.New("no such handle")
	ErrShuttingDown    = errors.New("gateway is shutting down")
)

// Registry is the table of live sessions. All mutations are serialized under
// its mutex; plugin callbacks are never invoked while it is held.
type Registry struct {
	mu       sync.Mutex
	sessions map[uint64]*Session
	stopped  bool
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[uint64]*Session),
	}
}

// CreateSession allocates a session under a fresh random ID.
func (r *Registry) CreateSession() (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil, ErrShuttingDown
	}

	id := randomID()
	for r.sessions[id] != nil {
		// ID already taken, try another one.
		id = randomID()
	}
	session := newSession(id)
	r.sessions[id] = session

	telemetry.SessionCreated()
	log.Debug().Uint64("session", id).Str("service", "core").Msg("creating new session")
	return session, nil
}

// FindSession returns the live session with the given ID, or nil.
func (r *Registry) FindSession(id uint64) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// DestroySession cascades: the destroyed flag is set first, every handle is
// detached from its plugin, then the session is unlinked.
func (r *Registry) DestroySession(id uint64) error {
	r.mu.Lock()
	session := r.sessions[id]
	if session == nil {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	session.markDestroyed()
	delete(r.sessions, id)

	session.mu.Lock()
	handles := make([]*Handle, 0, len(session.handles))
	for _, h := range session.handles {
		handles = append(handles, h)
	}
	session.handles = make(map[uint64]*Handle)
	session.mu.Unlock()
	r.mu.Unlock()

	for _, h := range handles {
		detachHandle(h)
	}

	telemetry.SessionDestroyed()
	log.Debug().Uint64("session", id).Str("service", "core").Msg("session destroyed")
	return nil
}

// CreateHandle attaches a plugin to the session under a fresh handle ID and
// runs the plugin's CreateSession hook. A destroy racing the attach waits on
// the handle's init gate, so the plugin always observes CreateSession before
// DestroySession.
func (r *Registry) CreateHandle(session *Session, p Plugin) (*Handle, error) {
	session.mu.Lock()
	if session.Destroyed() {
		session.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	id := randomID()
	for session.handles[id] != nil {
		id = randomID()
	}
	handle := &Handle{
		ID:       id,
		Session:  session,
		Plugin:   p,
		initDone: make(chan struct{}),
	}
	session.handles[id] = handle
	session.mu.Unlock()
	telemetry.HandleAttached()

	handle.initErr = p.CreateSession(handle)
	close(handle.initDone)

	if handle.initErr != nil {
		session.mu.Lock()
		delete(session.handles, id)
		session.mu.Unlock()
		telemetry.HandleDetached()
		return nil, handle.initErr
	}
	if session.Destroyed() {
		// The destroy cascade collected the handle while CreateSession was
		// running; it detaches the handle once the init gate opens.
		session.mu.Lock()
		orphaned := session.handles[id] != nil
		delete(session.handles, id)
		session.mu.Unlock()
		if orphaned {
			detachHandle(handle)
		}
		return nil, ErrSessionNotFound
	}

	log.Debug().
		Uint64("session", session.ID).
		Uint64("handle", id).
		Str("plugin", p.Package()).
		Str("service", "core").
		Msg("handle attached")
	return handle, nil
}

// FindHandle returns the session's live handle with the given ID, or nil.
func (r *Registry) FindHandle(session *Session, id uint64) *Handle {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.handles[id]
}

// DestroyHandle detaches the handle and frees its plugin-side state.
func (r *Registry) DestroyHandle(session *Session, id uint64) error {
	session.mu.Lock()
	handle := session.handles[id]
	if handle == nil {
		session.mu.Unlock()
		return ErrHandleNotFound
	}
	delete(session.handles, id)
	session.mu.Unlock()

	detachHandle(handle)
	return nil
}

func detachHandle(h *Handle) {
	<-h.initDone
	if h.initErr != nil {
		// CreateSession failed; the attach path already rolled the handle back.
		return
	}
	if !h.detached.CompareAndSwap(false, true) {
		return
	}
	if media := h.Media(); media.HasMedia() {
		h.Plugin.HangupMedia(h)
		if err := media.Transport.Close(); err != nil {
			log.Warn().Err(err).Uint64("handle", h.ID).Str("service", "core").Msg("closing media transport")
		}
		h.SetMedia(nil)
	}
	if err := h.Plugin.DestroySession(h); err != nil {
		log.Warn().Err(err).Uint64("handle", h.ID).Str("service", "core").Msg("plugin destroy session")
	}
	telemetry.HandleDetached()
	log.Debug().Uint64("handle", h.ID).Str("service", "core").Msg("handle detached")
}

// Shutdown marks the registry stopped and destroys every live session.
// Long polls parked on their queues return immediately.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.stopped = true
	ids := make([]uint64, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.DestroySession(id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			log.Warn().Err(err).Uint64("session", id).Str("service", "core").Msg("shutdown destroy")
		}
	}
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
