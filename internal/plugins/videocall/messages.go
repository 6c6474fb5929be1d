package videocall

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/skymeet/rtcgate/internal/core"
)

var errNoSession = errors.New("no session associated with this handle")

type request struct {
	Request  string  `json:"request"`
	Username *string `json:"username"`
	Audio    *bool   `json:"audio"`
	Video    *bool   `json:"video"`
	Bitrate  *uint64 `json:"bitrate"`
}

// HandleMessage runs on the plugin worker, so requests for this plugin are
// handled one at a time.
func (p *Plugin) HandleMessage(h *core.Handle, transaction string, body []byte, jsep *core.JSEP) {
	s, ok := h.PluginState().(*callSession)
	if !ok || s == nil {
		log.Warn().Uint64("handle", h.ID).Str("plugin", pluginPackage).Msg("no session associated with this handle")
		return
	}

	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		p.pushError(h, transaction, fmt.Sprintf("JSON error: %v", err))
		return
	}
	if req.Request == "" {
		p.pushError(h, transaction, "JSON error: invalid element (request)")
		return
	}

	var result map[string]any
	switch req.Request {
	case "list":
		result = p.list()
	case "register":
		result = p.register(s, req, transaction)
	case "call":
		result = p.call(s, req, jsep, transaction)
	case "accept":
		result = p.accept(s, jsep, transaction)
	case "set":
		result = p.set(s, req)
	case "hangup":
		result = p.hangup(s)
	default:
		p.pushError(h, transaction, fmt.Sprintf("Unknown request (%s)", req.Request))
		return
	}
	if result == nil {
		// Either an error was already pushed, or the request is one that
		// stays silent (hangup with no peer).
		return
	}

	if err := p.gw.PushEvent(h, p, transaction, resultEvent(result), nil); err != nil {
		log.Warn().Err(err).Uint64("handle", h.ID).Str("plugin", pluginPackage).Msg("can't push event")
	}
}

func (p *Plugin) list() map[string]any {
	p.mu.Lock()
	names := make([]string, 0, len(p.usernames))
	for name := range p.usernames {
		names = append(names, name)
	}
	p.mu.Unlock()
	return map[string]any{"list": names}
}

func (p *Plugin) register(s *callSession, req request, transaction string) map[string]any {
	if req.Username == nil || *req.Username == "" {
		p.pushError(s.handle, transaction, "JSON error: missing element (username)")
		return nil
	}
	username := *req.Username

	p.mu.Lock()
	if s.username != "" {
		already := s.username
		p.mu.Unlock()
		p.pushError(s.handle, transaction, fmt.Sprintf("Already registered (%s)", already))
		return nil
	}
	if p.usernames[username] != nil {
		p.mu.Unlock()
		p.pushError(s.handle, transaction, fmt.Sprintf("Username '%s' already taken", username))
		return nil
	}
	s.username = username
	p.usernames[username] = s
	p.mu.Unlock()

	return map[string]any{"event": "registered", "username": username}
}

func (p *Plugin) call(s *callSession, req request, jsep *core.JSEP, transaction string) map[string]any {
	if req.Username == nil || *req.Username == "" {
		p.pushError(s.handle, transaction, "JSON error: missing element (username)")
		return nil
	}
	username := *req.Username

	p.mu.Lock()
	if s.peer != nil {
		p.mu.Unlock()
		p.pushError(s.handle, transaction, "Already in a call")
		return nil
	}
	peer := p.usernames[username]
	if peer == nil {
		p.mu.Unlock()
		p.pushError(s.handle, transaction, fmt.Sprintf("Username '%s' doesn't exist", username))
		return nil
	}
	if peer.peer != nil {
		caller := s.username
		p.mu.Unlock()
		log.Debug().Str("username", username).Str("plugin", pluginPackage).Msg("callee is busy")
		return map[string]any{"event": "hangup", "username": caller, "reason": "User busy"}
	}
	if jsep == nil || jsep.SDP == "" {
		p.mu.Unlock()
		p.pushError(s.handle, transaction, "Missing SDP")
		return nil
	}
	s.peer = peer
	peer.peer = s
	caller := s.username
	p.mu.Unlock()

	log.Info().
		Str("caller", caller).
		Str("callee", username).
		Str("plugin", pluginPackage).
		Msg("starting call")

	incoming := resultEvent(map[string]any{"event": "incomingcall", "username": caller})
	if err := p.gw.PushEvent(peer.handle, p, "", incoming, jsep); err != nil {
		log.Warn().Err(err).Str("plugin", pluginPackage).Msg("can't push incomingcall to peer")
	}
	return map[string]any{"event": "calling"}
}

func (p *Plugin) accept(s *callSession, jsep *core.JSEP, transaction string) map[string]any {
	p.mu.Lock()
	peer := s.peer
	username := s.username
	p.mu.Unlock()

	if peer == nil {
		p.pushError(s.handle, transaction, "No incoming call to accept")
		return nil
	}
	if jsep == nil || jsep.SDP == "" {
		p.pushError(s.handle, transaction, "Missing SDP")
		return nil
	}

	accepted := resultEvent(map[string]any{"event": "accepted", "username": username})
	if err := p.gw.PushEvent(peer.handle, p, "", accepted, jsep); err != nil {
		log.Warn().Err(err).Str("plugin", pluginPackage).Msg("can't push accepted to peer")
	}
	return map[string]any{"event": "accepted"}
}

func (p *Plugin) set(s *callSession, req request) map[string]any {
	p.mu.Lock()
	if req.Audio != nil {
		s.audioActive = *req.Audio
	}
	if req.Video != nil {
		s.videoActive = *req.Video
	}
	var sendREMB uint64
	if req.Bitrate != nil {
		// A zero bitrate after a non-zero cap means capping ceases
		// immediately; no synthetic REMB is sent for it.
		s.bitrate = *req.Bitrate
		sendREMB = s.bitrate
	}
	p.mu.Unlock()

	if sendREMB > 0 {
		p.sendREMB(s.handle, sendREMB)
	}
	return map[string]any{"event": "set"}
}

func (p *Plugin) hangup(s *callSession) map[string]any {
	p.mu.Lock()
	peer := s.peer
	if peer == nil {
		// No call to hangup, nothing to report.
		p.mu.Unlock()
		return nil
	}
	s.peer = nil
	peer.peer = nil
	username := s.username
	p.mu.Unlock()

	log.Info().Str("username", username).Str("plugin", pluginPackage).Msg("hanging up")

	remote := resultEvent(map[string]any{
		"event":    "hangup",
		"username": username,
		"reason":   "Remote hangup",
	})
	if err := p.gw.PushEvent(peer.handle, p, "", remote, nil); err != nil {
		log.Warn().Err(err).Str("plugin", pluginPackage).Msg("can't push hangup to peer")
	}

	return map[string]any{
		"event":    "hangup",
		"username": username,
		"reason":   "We did the hangup",
	}
}

func (p *Plugin) pushError(h *core.Handle, transaction, cause string) {
	event, _ := json.Marshal(map[string]any{
		"videocall": "event",
		"error":     cause,
	})
	if err := p.gw.PushEvent(h, p, transaction, event, nil); err != nil {
		log.Warn().Err(err).Uint64("handle", h.ID).Str("plugin", pluginPackage).Msg("can't push error event")
	}
}

func resultEvent(result map[string]any) []byte {
	event, _ := json.Marshal(map[string]any{
		"videocall": "event",
		"result":    result,
	})
	return event
}
