// Package videocall is the reference pair-matching plugin: two browsers
// register under a username, call each other, and have all their RTP/RTCP
// relayed through the gateway. It also exposes the audio/video mute knobs
// and a REMB-based bitrate cap.
package videocall

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/skymeet/rtcgate/internal/core"
)

const (
	pluginVersion       = 1
	pluginVersionString = "0.0.1"
	pluginName          = "VideoCall plugin"
	pluginDescription   = "Simple video call plugin, allowing two WebRTC peers to call each other through the gateway."
	pluginPackage       = "janus.plugin.videocall"
)

// callSession is the plugin-side state of one handle. Peer links are
// symmetric and cleared atomically under the plugin mutex.
type callSession struct {
	handle *core.Handle

	username    string
	audioActive bool
	videoActive bool
	bitrate     uint64
	peer        *callSession
	destroyed   bool
}

// Plugin implements core.Plugin.
type Plugin struct {
	gw core.Callbacks

	// mu guards the username table and every callSession's links.
	mu        sync.Mutex
	usernames map[string]*callSession
}

func New() *Plugin {
	return &Plugin{
		usernames: make(map[string]*callSession),
	}
}

func (p *Plugin) Version() int          { return pluginVersion }
func (p *Plugin) VersionString() string { return pluginVersionString }
func (p *Plugin) Name() string          { return pluginName }
func (p *Plugin) Description() string   { return pluginDescription }
func (p *Plugin) Package() string       { return pluginPackage }

func (p *Plugin) Init(gw core.Callbacks, configPath string) error {
	// Nothing to configure; the config folder is where a real deployment
	// would keep a <package>.cfg.
	log.Debug().Str("plugin", pluginPackage).Str("configs", configPath).Msg("videocall initialized")
	p.gw = gw
	return nil
}

func (p *Plugin) Destroy() {
	p.mu.Lock()
	p.usernames = make(map[string]*callSession)
	p.mu.Unlock()
}

func (p *Plugin) CreateSession(h *core.Handle) error {
	h.SetPluginState(&callSession{
		handle:      h,
		audioActive: true,
		videoActive: true,
	})
	return nil
}

func (p *Plugin) DestroySession(h *core.Handle) error {
	s, ok := h.PluginState().(*callSession)
	if !ok || s == nil {
		return errNoSession
	}

	p.hangupPeer(s, "Remote hangup")

	p.mu.Lock()
	if s.destroyed {
		p.mu.Unlock()
		return nil
	}
	s.destroyed = true
	if s.username != "" {
		delete(p.usernames, s.username)
	}
	p.mu.Unlock()

	h.SetPluginState(nil)
	return nil
}

func (p *Plugin) SetupMedia(h *core.Handle) {
	// We only relay what we get in the first place; nothing to prepare.
	log.Debug().Uint64("handle", h.ID).Str("plugin", pluginPackage).Msg("media is now available")
}

func (p *Plugin) HangupMedia(h *core.Handle) {
	s, ok := h.PluginState().(*callSession)
	if !ok || s == nil {
		return
	}

	p.hangupPeer(s, "Remote hangup")

	p.mu.Lock()
	s.audioActive = true
	s.videoActive = true
	s.bitrate = 0
	p.mu.Unlock()
}

// hangupPeer unlinks both directions of a call and pushes a hangup event to
// the surviving side.
func (p *Plugin) hangupPeer(s *callSession, peerReason string) {
	p.mu.Lock()
	peer := s.peer
	s.peer = nil
	if peer != nil {
		peer.peer = nil
	}
	username := s.username
	p.mu.Unlock()

	if peer == nil || peer.destroyed {
		return
	}
	event := resultEvent(map[string]any{
		"event":    "hangup",
		"username": username,
		"reason":   peerReason,
	})
	if err := p.gw.PushEvent(peer.handle, p, "", event, nil); err != nil {
		log.Warn().Err(err).Str("plugin", pluginPackage).Msg("can't push hangup to peer")
	}
}
