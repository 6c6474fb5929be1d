package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/skymeet/rtcgate/internal/core"
	"github.com/skymeet/rtcgate/internal/eventsink"
	"github.com/skymeet/rtcgate/internal/sdp"
)

var (
	errInvalidHandle = errors.New("push on an invalid handle")
	errNotAnObject   = errors.New("event is not a JSON object")
)

// Gateway is the callback surface handed to plugins. It turns plugin output
// into protocol notifications and plugin media into transport writes.
type Gateway struct {
	bridge *sdp.Bridge
	sink   eventsink.Sink
}

func NewGateway(bridge *sdp.Bridge, sink eventsink.Sink) *Gateway {
	return &Gateway{bridge: bridge, sink: sink}
}

// PushEvent wraps a plugin event in the notification envelope and appends it
// to the handle's session queue. A jsep, when present, goes through the SDP
// bridge first, so the sdp the browser receives carries the gateway's own
// ICE details rather than the plugin's.
func (g *Gateway) PushEvent(h *core.Handle, p core.Plugin, transaction string, event []byte, jsep *core.JSEP) error {
	if h == nil || h.Session == nil || p == nil {
		return errInvalidHandle
	}

	var data map[string]json.RawMessage
	if err := json.Unmarshal(event, &data); err != nil {
		return errNotAnObject
	}
	if h.Session.Destroyed() {
		return core.ErrSessionNotFound
	}

	env := eventEnvelope{
		Janus:       "event",
		Sender:      h.ID,
		Transaction: transaction,
		PluginData:  pluginData{Plugin: p.Package(), Data: event},
	}
	if jsep != nil {
		processed, err := g.bridge.ProcessLocal(h, jsep)
		if err != nil {
			return fmt.Errorf("jsep processing: %w", err)
		}
		env.Jsep = processed
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	g.notify(h.Session, payload)
	return nil
}

// RelayRTP hands a plugin-relayed frame to the handle's transport. Handles
// without negotiated media are a blackhole.
func (g *Gateway) RelayRTP(h *core.Handle, video bool, buf []byte) {
	media := h.Media()
	if !media.HasMedia() {
		return
	}
	if err := media.Transport.WriteRTP(video, buf); err != nil {
		log.Debug().Err(err).Uint64("handle", h.ID).Str("service", "api").Msg("can't relay RTP")
	}
}

func (g *Gateway) RelayRTCP(h *core.Handle, video bool, buf []byte) {
	media := h.Media()
	if !media.HasMedia() {
		return
	}
	if err := media.Transport.WriteRTCP(video, buf); err != nil {
		log.Debug().Err(err).Uint64("handle", h.ID).Str("service", "api").Msg("can't relay RTCP")
	}
}

// notify appends to the session queue and mirrors the payload to the event
// sink. The queue stays the source of truth; sink failures only log.
func (g *Gateway) notify(s *core.Session, payload []byte) {
	s.Queue().Push(payload)
	if err := g.sink.Publish(s.ID, payload); err != nil {
		log.Warn().Err(err).Uint64("session", s.ID).Str("service", "api").Msg("can't mirror event")
	}
}

// notifyDetached tells the session's long poll that a handle went away.
func (g *Gateway) notifyDetached(s *core.Session, handleID uint64) {
	payload, _ := json.Marshal(notificationEnvelope{Janus: "detached", Sender: handleID})
	g.notify(s, payload)
}

// NotifyHangup implements sdp.HangupNotifier: the transport lost its peer,
// tell the session about it.
func (g *Gateway) NotifyHangup(s *core.Session, handleID uint64) {
	if s.Destroyed() {
		return
	}
	payload, _ := json.Marshal(notificationEnvelope{Janus: "hangup", Sender: handleID})
	g.notify(s, payload)
}
