package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/skymeet/rtcgate/internal/core"
	"github.com/skymeet/rtcgate/internal/plugin"
	"github.com/skymeet/rtcgate/internal/sdp"
	"github.com/skymeet/rtcgate/internal/telemetry"
)

// knownCommands is every command the protocol defines anywhere. A known
// command at the wrong scope is INVALID_REQUEST_PATH, anything else is
// UNKNOWN_REQUEST.
var knownCommands = map[string]bool{
	"create":    true,
	"info":      true,
	"attach":    true,
	"destroy":   true,
	"keepalive": true,
	"detach":    true,
	"message":   true,
}

// Router builds the control-plane handler: the protocol under the base
// path, prometheus under /metrics. Only GET, POST and OPTIONS exist; the
// rest is 501. Malformed paths (non-numeric or zero IDs, extra components)
// are a plain 404.
func (app *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.NotFound(notFound)
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		applyCORS(w, req)
		w.WriteHeader(http.StatusNotImplemented)
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route(app.basePath, func(r chi.Router) {
		r.Options("/", app.preflight)
		r.Get("/", app.rootGet)
		r.Post("/", app.rootPost)
		r.Get("/info", app.infoGet)

		r.Route("/{sessionID:[1-9][0-9]*}", func(r chi.Router) {
			r.Options("/", app.preflight)
			r.Get("/", app.longPoll)
			r.Post("/", app.sessionPost)

			r.Options("/{handleID:[1-9][0-9]*}", app.preflight)
			r.Get("/{handleID:[1-9][0-9]*}", app.handleGet)
			r.Post("/{handleID:[1-9][0-9]*}", app.handlePost)
		})
	})

	return r
}

func notFound(w http.ResponseWriter, r *http.Request) {
	applyCORS(w, r)
	w.WriteHeader(http.StatusNotFound)
}

// validPath rejects path IDs the route pattern matched but ParseUint cannot
// hold, such as numbers past the uint64 range. Those are malformed paths,
// answered with a plain 404 rather than a protocol error.
func (app *App) validPath(w http.ResponseWriter, r *http.Request, names ...string) bool {
	for _, name := range names {
		if _, ok := pathID(r, name); !ok {
			notFound(w, r)
			return false
		}
	}
	return true
}

func (app *App) preflight(w http.ResponseWriter, r *http.Request) {
	applyCORS(w, r)
	w.WriteHeader(http.StatusOK)
}

func (app *App) rootGet(w http.ResponseWriter, r *http.Request) {
	writeProtocolError(w, r, "", protocolError(ErrUsePost, "Use POST to interact with the gateway"))
}

func (app *App) rootPost(w http.ResponseWriter, r *http.Request) {
	req, apiErr := app.readRequest(r)
	if apiErr != nil {
		app.fail(w, r, "", "", apiErr)
		return
	}

	switch req.Janus {
	case "create":
		session, err := app.registry.CreateSession()
		if err != nil {
			app.fail(w, r, req.Janus, req.Transaction, createError(err))
			return
		}
		app.succeed(w, r, req.Janus, successEnvelope{
			Janus:       "success",
			Transaction: req.Transaction,
			Data:        map[string]any{"id": session.ID},
		})
	case "info":
		app.succeed(w, r, req.Janus, app.serverInfo(req.Transaction))
	default:
		app.fail(w, r, req.Janus, req.Transaction, wrongScope(req.Janus))
	}
}

func (app *App) infoGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, app.serverInfo(""))
}

// longPoll drains the head of the session's event queue, waiting up to the
// poll timeout and answering with the keepalive sentinel when nothing came.
func (app *App) longPoll(w http.ResponseWriter, r *http.Request) {
	if !app.validPath(w, r, "sessionID") {
		return
	}
	session, apiErr := app.findSession(r)
	if apiErr != nil {
		app.fail(w, r, "poll", "", apiErr)
		return
	}

	payload, err := session.Queue().Poll(app.pollTimeout, session.Done())
	if err != nil {
		app.fail(w, r, "poll", "", protocolError(ErrUnknown, "Already polling this session"))
		return
	}
	telemetry.RequestCounter.WithLabelValues("poll", "ok").Inc()
	writeRawJSON(w, r, payload)
}

func (app *App) sessionPost(w http.ResponseWriter, r *http.Request) {
	if !app.validPath(w, r, "sessionID") {
		return
	}
	req, apiErr := app.readRequest(r)
	if apiErr != nil {
		app.fail(w, r, "", "", apiErr)
		return
	}
	session, apiErr := app.findSession(r)
	if apiErr != nil {
		app.fail(w, r, req.Janus, req.Transaction, apiErr)
		return
	}

	switch req.Janus {
	case "attach":
		app.attach(w, r, session, req)
	case "destroy":
		if err := app.registry.DestroySession(session.ID); err != nil {
			app.fail(w, r, req.Janus, req.Transaction, protocolError(ErrSessionNotFound, "No such session %d", session.ID))
			return
		}
		app.succeed(w, r, req.Janus, successEnvelope{Janus: "success", Transaction: req.Transaction})
	case "keepalive":
		app.succeed(w, r, req.Janus, ackEnvelope{Janus: "ack", Transaction: req.Transaction})
	default:
		app.fail(w, r, req.Janus, req.Transaction, wrongScope(req.Janus))
	}
}

func (app *App) attach(w http.ResponseWriter, r *http.Request, session *core.Session, req *clientRequest) {
	if req.Plugin == "" {
		app.fail(w, r, req.Janus, req.Transaction,
			protocolError(ErrMissingMandatoryElement, "JSON error: missing mandatory element (plugin)"))
		return
	}
	p := app.host.Find(req.Plugin)
	if p == nil {
		app.fail(w, r, req.Janus, req.Transaction, protocolError(ErrPluginNotFound, "No such plugin '%s'", req.Plugin))
		return
	}
	handle, err := app.registry.CreateHandle(session, p)
	if err != nil {
		if errors.Is(err, core.ErrSessionNotFound) {
			app.fail(w, r, req.Janus, req.Transaction, protocolError(ErrSessionNotFound, "No such session %d", session.ID))
			return
		}
		app.fail(w, r, req.Janus, req.Transaction, protocolError(ErrPluginAttach, "Couldn't attach to plugin: %v", err))
		return
	}
	app.succeed(w, r, req.Janus, successEnvelope{
		Janus:       "success",
		Transaction: req.Transaction,
		Data:        map[string]any{"id": handle.ID},
	})
}

// handleGet redirects to the session path: events are delivered per session,
// not per handle.
func (app *App) handleGet(w http.ResponseWriter, r *http.Request) {
	if !app.validPath(w, r, "sessionID", "handleID") {
		return
	}
	sessionID, _ := pathID(r, "sessionID")
	applyCORS(w, r)
	w.Header().Set("Location", fmt.Sprintf("%s/%d", app.basePath, sessionID))
	w.WriteHeader(http.StatusFound)
}

func (app *App) handlePost(w http.ResponseWriter, r *http.Request) {
	if !app.validPath(w, r, "sessionID", "handleID") {
		return
	}
	req, apiErr := app.readRequest(r)
	if apiErr != nil {
		app.fail(w, r, "", "", apiErr)
		return
	}
	session, apiErr := app.findSession(r)
	if apiErr != nil {
		app.fail(w, r, req.Janus, req.Transaction, apiErr)
		return
	}
	handle, apiErr := app.findHandle(r, session)
	if apiErr != nil {
		app.fail(w, r, req.Janus, req.Transaction, apiErr)
		return
	}

	switch req.Janus {
	case "detach":
		if err := app.registry.DestroyHandle(session, handle.ID); err != nil {
			if errors.Is(err, core.ErrHandleNotFound) {
				app.fail(w, r, req.Janus, req.Transaction,
					protocolError(ErrHandleNotFound, "No such handle %d in session %d", handle.ID, session.ID))
				return
			}
			app.fail(w, r, req.Janus, req.Transaction, protocolError(ErrPluginDetach, "Couldn't detach from plugin: %v", err))
			return
		}
		app.gateway.notifyDetached(session, handle.ID)
		app.succeed(w, r, req.Janus, successEnvelope{Janus: "success", Transaction: req.Transaction})
	case "message":
		app.message(w, r, handle, req)
	default:
		app.fail(w, r, req.Janus, req.Transaction, wrongScope(req.Janus))
	}
}

// message pre-processes the jsep synchronously, queues the body on the
// plugin's worker and acks. The real answer arrives on the long poll.
func (app *App) message(w http.ResponseWriter, r *http.Request, handle *core.Handle, req *clientRequest) {
	if req.Body == nil {
		app.fail(w, r, req.Janus, req.Transaction,
			protocolError(ErrMissingMandatoryElement, "JSON error: missing mandatory element (body)"))
		return
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(req.Body, &body); err != nil {
		app.fail(w, r, req.Janus, req.Transaction, protocolError(ErrInvalidJSONObject, "JSON error: body is not an object"))
		return
	}

	jsep := req.Jsep
	if jsep != nil {
		processed, err := app.bridge.ProcessRemote(handle, jsep)
		if err != nil {
			app.fail(w, r, req.Janus, req.Transaction, jsepError(jsep, err))
			return
		}
		jsep = processed
	}

	err := app.host.Dispatch(plugin.InboundMessage{
		Handle:      handle,
		Transaction: req.Transaction,
		Body:        req.Body,
		Jsep:        jsep,
	})
	if err != nil {
		app.fail(w, r, req.Janus, req.Transaction, protocolError(ErrPluginMessage, "Couldn't queue message: %v", err))
		return
	}
	app.succeed(w, r, req.Janus, ackEnvelope{Janus: "ack", Transaction: req.Transaction})
}

func (app *App) readRequest(r *http.Request) (*clientRequest, *apiError) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, protocolError(ErrUnknown, "Couldn't read request: %v", err)
	}
	return parseRequest(raw)
}

func (app *App) findSession(r *http.Request) (*core.Session, *apiError) {
	id, ok := pathID(r, "sessionID")
	if !ok {
		return nil, protocolError(ErrSessionNotFound, "Invalid session identifier")
	}
	session := app.registry.FindSession(id)
	if session == nil {
		return nil, protocolError(ErrSessionNotFound, "No such session %d", id)
	}
	return session, nil
}

func (app *App) findHandle(r *http.Request, session *core.Session) (*core.Handle, *apiError) {
	id, ok := pathID(r, "handleID")
	if !ok {
		return nil, protocolError(ErrHandleNotFound, "Invalid handle identifier")
	}
	handle := app.registry.FindHandle(session, id)
	if handle == nil {
		return nil, protocolError(ErrHandleNotFound, "No such handle %d in session %d", id, session.ID)
	}
	return handle, nil
}

func pathID(r *http.Request, name string) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

func (app *App) succeed(w http.ResponseWriter, r *http.Request, command string, v any) {
	telemetry.RequestCounter.WithLabelValues(commandLabel(command), "ok").Inc()
	writeJSON(w, r, v)
}

func (app *App) fail(w http.ResponseWriter, r *http.Request, command, transaction string, apiErr *apiError) {
	telemetry.RequestCounter.WithLabelValues(commandLabel(command), "error").Inc()
	writeProtocolError(w, r, transaction, apiErr)
}

func commandLabel(command string) string {
	if command == "" || !knownCommands[command] && command != "poll" {
		return "unknown"
	}
	return command
}

func wrongScope(command string) *apiError {
	if knownCommands[command] {
		return protocolError(ErrInvalidRequestPath, "Unhandled request '%s' at this path", command)
	}
	return protocolError(ErrUnknownRequest, "Unknown request '%s'", command)
}

func createError(err error) *apiError {
	if errors.Is(err, core.ErrShuttingDown) {
		return protocolError(ErrUnknown, "Gateway is shutting down")
	}
	return protocolError(ErrUnknown, "Couldn't create session: %v", err)
}

func jsepError(jsep *core.JSEP, err error) *apiError {
	switch {
	case errors.Is(err, sdp.ErrUnknownType):
		return protocolError(ErrJSEPUnknownType, "JSEP error: unknown type '%s'", jsep.Type)
	case errors.Is(err, sdp.ErrInvalidSDP):
		return protocolError(ErrJSEPInvalidSDP, "JSEP error: invalid SDP")
	default:
		log.Warn().Err(err).Str("service", "api").Msg("jsep processing failed")
		return protocolError(ErrJSEPInvalidSDP, "JSEP error: %v", err)
	}
}
