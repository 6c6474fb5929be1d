package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skymeet/rtcgate/internal/config"
	"github.com/skymeet/rtcgate/internal/core"
	"github.com/skymeet/rtcgate/internal/eventsink"
	"github.com/skymeet/rtcgate/internal/plugin"
	"github.com/skymeet/rtcgate/internal/sdp"
)

// envelope decodes every protocol response shape. IDs must not go through
// float64, they are full 64-bit values.
type envelope struct {
	Janus       string `json:"janus"`
	Transaction string `json:"transaction"`
	Sender      uint64 `json:"sender"`
	Data        struct {
		ID uint64 `json:"id"`
	} `json:"data"`
	Error struct {
		Code   int    `json:"code"`
		Reason string `json:"reason"`
	} `json:"error"`
	PluginData struct {
		Plugin string          `json:"plugin"`
		Data   json.RawMessage `json:"data"`
	} `json:"plugindata"`
}

// echoPlugin answers every message with one event carrying the transaction.
type echoPlugin struct {
	gw core.Callbacks
}

func (e *echoPlugin) Version() int          { return 1 }
func (e *echoPlugin) VersionString() string { return "0.0.1" }
func (e *echoPlugin) Name() string          { return "Echo plugin" }
func (e *echoPlugin) Description() string   { return "Echoes every message back as an event" }
func (e *echoPlugin) Package() string       { return "test.plugin.echo" }

func (e *echoPlugin) Init(gw core.Callbacks, configPath string) error {
	e.gw = gw
	return nil
}

func (e *echoPlugin) Destroy() {}

func (e *echoPlugin) CreateSession(h *core.Handle) error {
	h.SetPluginState(struct{}{})
	return nil
}

func (e *echoPlugin) DestroySession(h *core.Handle) error {
	h.SetPluginState(nil)
	return nil
}

func (e *echoPlugin) HandleMessage(h *core.Handle, transaction string, body []byte, jsep *core.JSEP) {
	_ = e.gw.PushEvent(h, e, transaction, []byte(`{"echoed":true}`), nil)
}

func (e *echoPlugin) SetupMedia(h *core.Handle)                         {}
func (e *echoPlugin) IncomingRTP(h *core.Handle, video bool, b []byte)  {}
func (e *echoPlugin) IncomingRTCP(h *core.Handle, video bool, b []byte) {}
func (e *echoPlugin) HangupMedia(h *core.Handle)                        {}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	registry := core.NewRegistry()
	bridge := sdp.NewBridge(nil)
	gateway := NewGateway(bridge, eventsink.Nop{})
	bridge.SetNotifier(gateway)

	host := plugin.NewHost(gateway, "")
	require.NoError(t, host.Register(&echoPlugin{}))

	app, err := New(Options{
		Registry: registry,
		Host:     host,
		Bridge:   bridge,
		Gateway:  gateway,
		Sink:     eventsink.Nop{},
		Config: &config.Config{
			WebServer: config.WebServerConfig{HTTP: true, Port: 8088, BasePath: "/janus"},
		},
		PollTimeout: 150 * time.Millisecond,
	})
	require.NoError(t, err)

	server := httptest.NewServer(app.Router())
	t.Cleanup(func() {
		server.Close()
		host.Shutdown()
		registry.Shutdown()
	})
	return server
}

func post(t *testing.T, server *httptest.Server, path, body string) envelope {
	t.Helper()
	resp, err := http.Post(server.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env
}

func get(t *testing.T, server *httptest.Server, path string) envelope {
	t.Helper()
	resp, err := http.Get(server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env
}

func createSession(t *testing.T, server *httptest.Server) uint64 {
	t.Helper()
	env := post(t, server, "/janus", `{"janus":"create","transaction":"t-create"}`)
	require.Equal(t, "success", env.Janus)
	require.NotZero(t, env.Data.ID)
	return env.Data.ID
}

func attachEcho(t *testing.T, server *httptest.Server, session uint64) uint64 {
	t.Helper()
	env := post(t, server, fmt.Sprintf("/janus/%d", session),
		`{"janus":"attach","transaction":"t-attach","plugin":"test.plugin.echo"}`)
	require.Equal(t, "success", env.Janus)
	require.NotZero(t, env.Data.ID)
	return env.Data.ID
}

func TestCreateAndDestroySession(t *testing.T) {
	server := newTestServer(t)

	session := createSession(t, server)

	env := post(t, server, fmt.Sprintf("/janus/%d", session), `{"janus":"destroy","transaction":"t2"}`)
	assert.Equal(t, "success", env.Janus)
	assert.Equal(t, "t2", env.Transaction)

	env = get(t, server, fmt.Sprintf("/janus/%d", session))
	assert.Equal(t, "error", env.Janus)
	assert.Equal(t, ErrSessionNotFound, env.Error.Code)
}

func TestAttachUnknownPlugin(t *testing.T) {
	server := newTestServer(t)
	session := createSession(t, server)

	env := post(t, server, fmt.Sprintf("/janus/%d", session),
		`{"janus":"attach","transaction":"t","plugin":"nope"}`)
	assert.Equal(t, "error", env.Janus)
	assert.Equal(t, ErrPluginNotFound, env.Error.Code)
}

func TestMessageAckAndEventDelivery(t *testing.T) {
	server := newTestServer(t)
	session := createSession(t, server)
	handle := attachEcho(t, server, session)

	env := post(t, server, fmt.Sprintf("/janus/%d/%d", session, handle),
		`{"janus":"message","transaction":"t-msg","body":{"request":"noop"}}`)
	assert.Equal(t, "ack", env.Janus)
	assert.Equal(t, "t-msg", env.Transaction)

	// The echo event arrives asynchronously on the long poll.
	env = get(t, server, fmt.Sprintf("/janus/%d", session))
	assert.Equal(t, "event", env.Janus)
	assert.Equal(t, handle, env.Sender)
	assert.Equal(t, "t-msg", env.Transaction)
	assert.Equal(t, "test.plugin.echo", env.PluginData.Plugin)
	assert.JSONEq(t, `{"echoed":true}`, string(env.PluginData.Data))
}

func TestDetachNotifiesSession(t *testing.T) {
	server := newTestServer(t)
	session := createSession(t, server)
	handle := attachEcho(t, server, session)

	env := post(t, server, fmt.Sprintf("/janus/%d/%d", session, handle),
		`{"janus":"detach","transaction":"t-detach"}`)
	assert.Equal(t, "success", env.Janus)

	env = get(t, server, fmt.Sprintf("/janus/%d", session))
	assert.Equal(t, "detached", env.Janus)
	assert.Equal(t, handle, env.Sender)

	env = post(t, server, fmt.Sprintf("/janus/%d/%d", session, handle),
		`{"janus":"message","transaction":"t","body":{}}`)
	assert.Equal(t, ErrHandleNotFound, env.Error.Code)
}

func TestLongPollKeepalive(t *testing.T) {
	server := newTestServer(t)
	session := createSession(t, server)

	start := time.Now()
	env := get(t, server, fmt.Sprintf("/janus/%d", session))
	assert.Equal(t, "keepalive", env.Janus)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestLongPollSingleReader(t *testing.T) {
	server := newTestServer(t)
	session := createSession(t, server)

	first := make(chan envelope, 1)
	go func() {
		resp, err := http.Get(fmt.Sprintf("%s/janus/%d", server.URL, session))
		if err != nil {
			return
		}
		defer resp.Body.Close()
		var env envelope
		if json.NewDecoder(resp.Body).Decode(&env) == nil {
			first <- env
		}
	}()

	time.Sleep(30 * time.Millisecond)
	env := get(t, server, fmt.Sprintf("/janus/%d", session))
	assert.Equal(t, "error", env.Janus)
	assert.Equal(t, ErrUnknown, env.Error.Code)

	select {
	case env := <-first:
		assert.Equal(t, "keepalive", env.Janus)
	case <-time.After(time.Second):
		t.Fatal("parked long poll never returned")
	}
}

func TestSessionKeepaliveCommand(t *testing.T) {
	server := newTestServer(t)
	session := createSession(t, server)

	env := post(t, server, fmt.Sprintf("/janus/%d", session), `{"janus":"keepalive","transaction":"ka"}`)
	assert.Equal(t, "ack", env.Janus)
	assert.Equal(t, "ka", env.Transaction)
}

func TestRootGetRequiresPost(t *testing.T) {
	server := newTestServer(t)

	env := get(t, server, "/janus")
	assert.Equal(t, "error", env.Janus)
	assert.Equal(t, ErrUsePost, env.Error.Code)
}

func TestHandleGetRedirectsToSession(t *testing.T) {
	server := newTestServer(t)
	session := createSession(t, server)
	handle := attachEcho(t, server, session)

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(fmt.Sprintf("%s/janus/%d/%d", server.URL, session, handle))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, fmt.Sprintf("/janus/%d", session), resp.Header.Get("Location"))
}

func TestBodyValidation(t *testing.T) {
	server := newTestServer(t)
	session := createSession(t, server)
	sessionPath := fmt.Sprintf("/janus/%d", session)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"empty body", "", ErrMissingRequest},
		{"broken json", `{"janus":`, ErrInvalidJSON},
		{"not an object", `[1,2,3]`, ErrInvalidJSONObject},
		{"missing transaction", `{"janus":"create"}`, ErrMissingMandatoryElement},
		{"missing janus", `{"transaction":"t"}`, ErrMissingMandatoryElement},
		{"numeric transaction", `{"janus":"create","transaction":7}`, ErrInvalidJSON},
		{"unknown command", `{"janus":"dance","transaction":"t"}`, ErrUnknownRequest},
		{"message at session scope", `{"janus":"message","transaction":"t","body":{}}`, ErrInvalidRequestPath},
		{"create at session scope", `{"janus":"create","transaction":"t"}`, ErrInvalidRequestPath},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := post(t, server, sessionPath, tc.body)
			assert.Equal(t, "error", env.Janus)
			assert.Equal(t, tc.code, env.Error.Code)
		})
	}
}

func TestMessageValidation(t *testing.T) {
	server := newTestServer(t)
	session := createSession(t, server)
	handle := attachEcho(t, server, session)
	handlePath := fmt.Sprintf("/janus/%d/%d", session, handle)

	env := post(t, server, handlePath, `{"janus":"message","transaction":"t"}`)
	assert.Equal(t, ErrMissingMandatoryElement, env.Error.Code)

	env = post(t, server, handlePath, `{"janus":"message","transaction":"t","body":42}`)
	assert.Equal(t, ErrInvalidJSONObject, env.Error.Code)

	env = post(t, server, handlePath, `{"janus":"message","transaction":"t","body":{},"jsep":{"sdp":"v=0"}}`)
	assert.Equal(t, ErrMissingMandatoryElement, env.Error.Code)
}

func TestMalformedPaths(t *testing.T) {
	server := newTestServer(t)

	paths := []string{
		"/janus/abc",
		"/janus/0",
		"/janus/1/2/3",
		"/other",
		// Past the uint64 range; the route pattern still matches.
		"/janus/99999999999999999999",
		"/janus/1/99999999999999999999",
	}
	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Get(server.URL + path)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		})
	}

	t.Run("POST overflowing id", func(t *testing.T) {
		resp, err := http.Post(server.URL+"/janus/99999999999999999999", "application/json",
			strings.NewReader(`{"janus":"keepalive","transaction":"t"}`))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestUnsupportedMethod(t *testing.T) {
	server := newTestServer(t)

	req, err := http.NewRequest(http.MethodPut, server.URL+"/janus", strings.NewReader("{}"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestCORSHeaders(t *testing.T) {
	server := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, server.URL+"/janus", nil)
	require.NoError(t, err)
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "POST", resp.Header.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "Content-Type", resp.Header.Get("Access-Control-Allow-Headers"))
}

func TestServerInfo(t *testing.T) {
	server := newTestServer(t)

	resp, err := http.Get(server.URL + "/janus/info")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info struct {
		Janus   string `json:"janus"`
		Name    string `json:"name"`
		Plugins map[string]struct {
			Name string `json:"name"`
		} `json:"plugins"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))

	assert.Equal(t, "server_info", info.Janus)
	assert.Equal(t, "rtcgate", info.Name)
	assert.Equal(t, "Echo plugin", info.Plugins["test.plugin.echo"].Name)
}

func TestInfoCommandAtRoot(t *testing.T) {
	server := newTestServer(t)

	env := post(t, server, "/janus", `{"janus":"info","transaction":"ti"}`)
	assert.Equal(t, "server_info", env.Janus)
	assert.Equal(t, "ti", env.Transaction)
}

func TestDestroyDrainsParkedLongPoll(t *testing.T) {
	server := newTestServer(t)
	session := createSession(t, server)

	done := make(chan envelope, 1)
	go func() {
		resp, err := http.Get(fmt.Sprintf("%s/janus/%d", server.URL, session))
		if err != nil {
			return
		}
		defer resp.Body.Close()
		var env envelope
		if json.NewDecoder(resp.Body).Decode(&env) == nil {
			done <- env
		}
	}()

	time.Sleep(30 * time.Millisecond)
	env := post(t, server, fmt.Sprintf("/janus/%d", session), `{"janus":"destroy","transaction":"t"}`)
	require.Equal(t, "success", env.Janus)

	select {
	case env := <-done:
		assert.Equal(t, "keepalive", env.Janus)
	case <-time.After(time.Second):
		t.Fatal("long poll survived the session destroy")
	}
}
