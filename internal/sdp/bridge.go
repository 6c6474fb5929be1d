package sdp

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skymeet/rtcgate/internal/core"
)

// MediaHandler receives demultiplexed media and lifecycle signals from a
// transport. The bridge wires it to the handle's plugin entry points.
type MediaHandler interface {
	OnConnected()
	OnRTP(video bool, buf []byte)
	OnRTCP(video bool, buf []byte)
	OnHangup()
}

// TransportFactory builds a fresh ICE/DTLS transport for a handle. The
// pion-backed implementation lives in internal/rtc.
type TransportFactory interface {
	NewTransport(mh MediaHandler) (core.Transport, error)
}

// HangupNotifier is told when a handle's media is torn down below the
// control plane, so the session's long poll hears about it too.
type HangupNotifier interface {
	NotifyHangup(s *core.Session, handleID uint64)
}

// Bridge runs SDP negotiation between a handle's plugin and its ICE/DTLS
// context, in both directions.
type Bridge struct {
	factory  TransportFactory
	notifier HangupNotifier

	// gatherTimeout bounds the wait for candidate gathering on the
	// local→remote direction.
	gatherTimeout time.Duration
}

func NewBridge(factory TransportFactory) *Bridge {
	return &Bridge{
		factory:       factory,
		gatherTimeout: 10 * time.Second,
	}
}

// SetNotifier installs the hangup notifier. Called once at wiring time,
// before any transport exists.
func (b *Bridge) SetNotifier(n HangupNotifier) {
	b.notifier = n
}

// ProcessRemote handles a jsep the browser attached to a message request:
// validate, set up the local ICE context on the offer direction, install the
// remote description, and return the anonymized jsep for the plugin.
func (b *Bridge) ProcessRemote(h *core.Handle, jsep *core.JSEP) (*core.JSEP, error) {
	offer, err := isOffer(jsep.Type)
	if err != nil {
		return nil, err
	}

	audio, video, err := Preparse(jsep.SDP)
	if err != nil {
		return nil, err
	}
	logExtraLines(h, audio, video)

	media := h.Media()
	if offer && !media.HasMedia() {
		if _, err := b.setupLocal(h, true, audio, video); err != nil {
			return nil, err
		}
		media = h.Media()
	}
	if !media.HasMedia() {
		return nil, fmt.Errorf("%w: no local ICE context for %s", ErrInvalidSDP, jsep.Type)
	}

	if err := media.Transport.SetRemoteDescription(jsep.Type, jsep.SDP); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSDP, err)
	}
	if !offer {
		if err := media.Transport.StartConnectivityChecks(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSDP, err)
		}
	}

	stripped, err := Anonymize(jsep.SDP)
	if err != nil {
		return nil, err
	}
	return &core.JSEP{Type: jsep.Type, SDP: stripped}, nil
}

// ProcessLocal handles a jsep the plugin produced for push_event: set up ICE
// on the offer direction, wait for candidate gathering, then anonymize the
// plugin SDP and merge in the gateway's own ICE details.
func (b *Bridge) ProcessLocal(h *core.Handle, jsep *core.JSEP) (*core.JSEP, error) {
	offer, err := isOffer(jsep.Type)
	if err != nil {
		return nil, err
	}

	audio, video, err := Preparse(jsep.SDP)
	if err != nil {
		return nil, err
	}
	logExtraLines(h, audio, video)

	media := h.Media()
	if offer && !media.HasMedia() {
		if _, err := b.setupLocal(h, false, audio, video); err != nil {
			return nil, err
		}
		media = h.Media()
	}
	if !media.HasMedia() {
		return nil, fmt.Errorf("%w: no local ICE context for %s", ErrInvalidSDP, jsep.Type)
	}
	transport := media.Transport

	// Candidate gathering completion is signalled by the transport; the
	// timeout stands in for the gathering-failure poll of old.
	select {
	case <-transport.GatheringComplete():
	case <-time.After(b.gatherTimeout):
		return nil, fmt.Errorf("%w: timed out gathering candidates", ErrInvalidSDP)
	}
	if transport.GatheringFailed() {
		return nil, fmt.Errorf("%w: error gathering candidates", ErrInvalidSDP)
	}

	stripped, err := Anonymize(jsep.SDP)
	if err != nil {
		return nil, err
	}
	merged, err := Merge(stripped, transport)
	if err != nil {
		return nil, err
	}

	if !offer {
		if err := transport.StartConnectivityChecks(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSDP, err)
		}
	}

	return &core.JSEP{Type: jsep.Type, SDP: merged}, nil
}

func (b *Bridge) setupLocal(h *core.Handle, remoteOffer bool, audio, video int) (core.Transport, error) {
	transport, err := b.factory.NewTransport(&pluginMediaHandler{handle: h, notifier: b.notifier})
	if err != nil {
		return nil, err
	}
	if err := transport.SetupLocal(remoteOffer, audio, video); err != nil {
		_ = transport.Close()
		return nil, err
	}

	streams := 0
	media := &core.MediaContext{Transport: transport}
	if audio > 0 {
		streams++
		media.AudioStream = streams
	}
	if video > 0 {
		streams++
		media.VideoStream = streams
	}
	media.StreamsNum = streams
	h.SetMedia(media)

	return transport, nil
}

// pluginMediaHandler forwards transport signals to the handle's plugin,
// skipping work once the session is going away.
type pluginMediaHandler struct {
	handle   *core.Handle
	notifier HangupNotifier
}

func (m *pluginMediaHandler) OnConnected() {
	if m.handle.Session.Destroyed() {
		return
	}
	m.handle.Plugin.SetupMedia(m.handle)
}

func (m *pluginMediaHandler) OnRTP(video bool, buf []byte) {
	if m.handle.Session.Destroyed() {
		return
	}
	m.handle.Plugin.IncomingRTP(m.handle, video, buf)
}

func (m *pluginMediaHandler) OnRTCP(video bool, buf []byte) {
	if m.handle.Session.Destroyed() {
		return
	}
	m.handle.Plugin.IncomingRTCP(m.handle, video, buf)
}

func (m *pluginMediaHandler) OnHangup() {
	if m.handle.Session.Destroyed() {
		return
	}
	m.handle.Plugin.HangupMedia(m.handle)
	if m.notifier != nil {
		m.notifier.NotifyHangup(m.handle.Session, m.handle.ID)
	}
}

func isOffer(sdpType string) (bool, error) {
	switch sdpType {
	case "offer":
		return true, nil
	case "answer":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownType, sdpType)
	}
}

func logExtraLines(h *core.Handle, audio, video int) {
	if audio > 1 {
		log.Warn().Uint64("handle", h.ID).Str("service", "sdp").Msg("more than one audio line, only negotiating one")
	}
	if video > 1 {
		log.Warn().Uint64("handle", h.ID).Str("service", "sdp").Msg("more than one video line, only negotiating one")
	}
}
