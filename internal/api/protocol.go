package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/skymeet/rtcgate/internal/core"
)

// apiError is a protocol-level failure. It renders as the JSON error
// envelope and still travels with HTTP 200.
type apiError struct {
	code   int
	reason string
}

func protocolError(code int, format string, args ...any) *apiError {
	return &apiError{code: code, reason: fmt.Sprintf(format, args...)}
}

type errorBody struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

type errorEnvelope struct {
	Janus       string    `json:"janus"`
	Transaction string    `json:"transaction,omitempty"`
	Error       errorBody `json:"error"`
}

type successEnvelope struct {
	Janus       string         `json:"janus"`
	Transaction string         `json:"transaction,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

type ackEnvelope struct {
	Janus       string `json:"janus"`
	Transaction string `json:"transaction"`
}

type eventEnvelope struct {
	Janus       string     `json:"janus"`
	Sender      uint64     `json:"sender"`
	Transaction string     `json:"transaction,omitempty"`
	PluginData  pluginData `json:"plugindata"`
	Jsep        *core.JSEP `json:"jsep,omitempty"`
}

type pluginData struct {
	Plugin string          `json:"plugin"`
	Data   json.RawMessage `json:"data"`
}

type notificationEnvelope struct {
	Janus  string `json:"janus"`
	Sender uint64 `json:"sender"`
}

// clientRequest is a validated POST payload.
type clientRequest struct {
	Janus       string
	Transaction string
	Plugin      string
	Body        json.RawMessage
	Jsep        *core.JSEP
}

// parseRequest validates the envelope: a JSON object with string transaction
// and janus elements. transaction is checked first so even a bad command can
// be matched to its request.
func parseRequest(raw []byte) (*clientRequest, *apiError) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, protocolError(ErrMissingRequest, "Request payload missing")
	}

	var root map[string]json.RawMessage
	if err := json.Unmarshal(raw, &root); err != nil {
		var syn *json.SyntaxError
		if errors.As(err, &syn) {
			line, col := lineColumn(raw, syn.Offset)
			return nil, protocolError(ErrInvalidJSON, "JSON error: on line %d column %d: %v", line, col, err)
		}
		return nil, protocolError(ErrInvalidJSONObject, "JSON error: not an object")
	}

	req := &clientRequest{}
	if apiErr := stringElement(root, "transaction", true, &req.Transaction); apiErr != nil {
		return nil, apiErr
	}
	if apiErr := stringElement(root, "janus", true, &req.Janus); apiErr != nil {
		return nil, apiErr
	}
	if apiErr := stringElement(root, "plugin", false, &req.Plugin); apiErr != nil {
		return nil, apiErr
	}
	req.Body = root["body"]
	if rawJsep, ok := root["jsep"]; ok {
		jsep, apiErr := parseJSEP(rawJsep)
		if apiErr != nil {
			return nil, apiErr
		}
		req.Jsep = jsep
	}
	return req, nil
}

func stringElement(root map[string]json.RawMessage, name string, required bool, out *string) *apiError {
	raw, ok := root[name]
	if !ok {
		if required {
			return protocolError(ErrMissingMandatoryElement, "JSON error: missing mandatory element (%s)", name)
		}
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return protocolError(ErrInvalidJSON, "JSON error: invalid element type (%s should be a string)", name)
	}
	return nil
}

func parseJSEP(raw json.RawMessage) (*core.JSEP, *apiError) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, protocolError(ErrInvalidJSONObject, "JSON error: jsep is not an object")
	}
	jsep := &core.JSEP{}
	if apiErr := jsepString(obj, "type", &jsep.Type); apiErr != nil {
		return nil, apiErr
	}
	if apiErr := jsepString(obj, "sdp", &jsep.SDP); apiErr != nil {
		return nil, apiErr
	}
	return jsep, nil
}

func jsepString(obj map[string]json.RawMessage, name string, out *string) *apiError {
	raw, ok := obj[name]
	if !ok {
		return protocolError(ErrMissingMandatoryElement, "JSON error: missing mandatory element (jsep.%s)", name)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return protocolError(ErrInvalidJSON, "JSON error: invalid element type (jsep.%s should be a string)", name)
	}
	return nil
}

func lineColumn(raw []byte, offset int64) (int, int) {
	line, col := 1, 1
	for i := int64(0); i < offset && i < int64(len(raw)); i++ {
		if raw[i] == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return line, col
}

// applyCORS allows any origin and echoes the preflight's requested methods
// and headers.
func applyCORS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if methods := r.Header.Get("Access-Control-Request-Method"); methods != "" {
		w.Header().Set("Access-Control-Allow-Methods", methods)
	}
	if headers := r.Header.Get("Access-Control-Request-Headers"); headers != "" {
		w.Header().Set("Access-Control-Allow-Headers", headers)
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	applyCORS(w, r)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Str("service", "api").Msg("can't write response")
	}
}

// writeRawJSON ships an already marshalled payload, e.g. a queued event.
func writeRawJSON(w http.ResponseWriter, r *http.Request, payload []byte) {
	applyCORS(w, r)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(payload); err != nil {
		log.Debug().Err(err).Str("service", "api").Msg("can't write response")
	}
}

func writeProtocolError(w http.ResponseWriter, r *http.Request, transaction string, apiErr *apiError) {
	log.Debug().
		Int("code", apiErr.code).
		Str("reason", apiErr.reason).
		Str("service", "api").
		Msg("request failed")
	writeJSON(w, r, errorEnvelope{
		Janus:       "error",
		Transaction: transaction,
		Error:       errorBody{Code: apiErr.code, Reason: apiErr.reason},
	})
}
