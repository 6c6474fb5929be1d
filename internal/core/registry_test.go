package core

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errCreateRefused = errors.New("refused")

// mockPlugin records the lifecycle calls the registry makes.
type mockPlugin struct {
	mu         sync.Mutex
	calls      []string
	failCreate bool
}

func (m *mockPlugin) record(call string) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
}

func (m *mockPlugin) recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockPlugin) Version() int          { return 1 }
func (m *mockPlugin) VersionString() string { return "0.0.1" }
func (m *mockPlugin) Name() string          { return "Mock plugin" }
func (m *mockPlugin) Description() string   { return "Records lifecycle calls" }
func (m *mockPlugin) Package() string       { return "test.plugin.mock" }

func (m *mockPlugin) Init(gw Callbacks, configPath string) error { return nil }
func (m *mockPlugin) Destroy()                                   {}

func (m *mockPlugin) CreateSession(h *Handle) error {
	m.record("create_session")
	if m.failCreate {
		return errCreateRefused
	}
	h.SetPluginState(struct{}{})
	return nil
}

func (m *mockPlugin) DestroySession(h *Handle) error {
	m.record("destroy_session")
	h.SetPluginState(nil)
	return nil
}

func (m *mockPlugin) HandleMessage(h *Handle, transaction string, body []byte, jsep *JSEP) {
	m.record("handle_message")
}

func (m *mockPlugin) SetupMedia(h *Handle)                     { m.record("setup_media") }
func (m *mockPlugin) IncomingRTP(h *Handle, v bool, b []byte)  {}
func (m *mockPlugin) IncomingRTCP(h *Handle, v bool, b []byte) {}
func (m *mockPlugin) HangupMedia(h *Handle)                    { m.record("hangup_media") }

func TestCreateSessionIDsAreUniqueAndNonZero(t *testing.T) {
	r := NewRegistry()

	seen := make(map[uint64]bool)
	for i := 0; i < 100; i++ {
		session, err := r.CreateSession()
		require.NoError(t, err)
		assert.NotZero(t, session.ID)
		assert.False(t, seen[session.ID])
		seen[session.ID] = true
	}
	assert.Equal(t, 100, r.Count())
}

func TestFindSession(t *testing.T) {
	r := NewRegistry()
	session, err := r.CreateSession()
	require.NoError(t, err)

	assert.Same(t, session, r.FindSession(session.ID))
	assert.Nil(t, r.FindSession(session.ID+1))
}

func TestDestroySessionCascades(t *testing.T) {
	r := NewRegistry()
	p := &mockPlugin{}
	session, err := r.CreateSession()
	require.NoError(t, err)

	_, err = r.CreateHandle(session, p)
	require.NoError(t, err)
	_, err = r.CreateHandle(session, p)
	require.NoError(t, err)

	require.NoError(t, r.DestroySession(session.ID))

	assert.True(t, session.Destroyed())
	assert.Nil(t, r.FindSession(session.ID))
	assert.Equal(t, 0, r.Count())
	assert.Equal(t,
		[]string{"create_session", "create_session", "destroy_session", "destroy_session"},
		p.recorded())

	assert.ErrorIs(t, r.DestroySession(session.ID), ErrSessionNotFound)
}

func TestDestroyedSessionClosesDone(t *testing.T) {
	r := NewRegistry()
	session, err := r.CreateSession()
	require.NoError(t, err)

	require.NoError(t, r.DestroySession(session.ID))

	select {
	case <-session.Done():
	default:
		t.Fatal("done channel still open after destroy")
	}
}

func TestAttachDetachOrder(t *testing.T) {
	r := NewRegistry()
	p := &mockPlugin{}
	session, err := r.CreateSession()
	require.NoError(t, err)

	handle, err := r.CreateHandle(session, p)
	require.NoError(t, err)
	assert.NotZero(t, handle.ID)
	assert.Same(t, handle, r.FindHandle(session, handle.ID))

	require.NoError(t, r.DestroyHandle(session, handle.ID))
	assert.Nil(t, r.FindHandle(session, handle.ID))
	assert.Equal(t, []string{"create_session", "destroy_session"}, p.recorded())

	assert.ErrorIs(t, r.DestroyHandle(session, handle.ID), ErrHandleNotFound)
}

func TestCreateHandleRollsBackOnPluginError(t *testing.T) {
	r := NewRegistry()
	p := &mockPlugin{failCreate: true}
	session, err := r.CreateSession()
	require.NoError(t, err)

	_, err = r.CreateHandle(session, p)
	assert.ErrorIs(t, err, errCreateRefused)

	// Destroying the session must not detach the failed handle again.
	require.NoError(t, r.DestroySession(session.ID))
	assert.Equal(t, []string{"create_session"}, p.recorded())
}

// blockingPlugin parks CreateSession until released, so tests can interleave
// a destroy with an in-flight attach.
type blockingPlugin struct {
	mockPlugin
	began   chan struct{}
	release chan struct{}
}

func (b *blockingPlugin) CreateSession(h *Handle) error {
	b.record("create_session")
	close(b.began)
	<-b.release
	h.SetPluginState(struct{}{})
	return nil
}

func TestDestroyDuringAttachKeepsLifecycleOrder(t *testing.T) {
	r := NewRegistry()
	p := &blockingPlugin{began: make(chan struct{}), release: make(chan struct{})}
	session, err := r.CreateSession()
	require.NoError(t, err)

	attachErr := make(chan error, 1)
	go func() {
		_, err := r.CreateHandle(session, p)
		attachErr <- err
	}()
	<-p.began

	destroyed := make(chan error, 1)
	go func() {
		destroyed <- r.DestroySession(session.ID)
	}()

	// The destroy is parked on the handle's init gate until CreateSession
	// returns.
	time.Sleep(20 * time.Millisecond)
	close(p.release)

	require.NoError(t, <-destroyed)
	assert.ErrorIs(t, <-attachErr, ErrSessionNotFound)
	assert.Equal(t, []string{"create_session", "destroy_session"}, p.recorded())
}

func TestShutdownRejectsNewSessions(t *testing.T) {
	r := NewRegistry()
	session, err := r.CreateSession()
	require.NoError(t, err)

	r.Shutdown()

	assert.Equal(t, 0, r.Count())
	assert.True(t, session.Destroyed())

	_, err = r.CreateSession()
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestRandomIDNeverZero(t *testing.T) {
	for i := 0; i < 1000; i++ {
		assert.NotZero(t, randomID())
	}
}
