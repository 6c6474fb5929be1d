package videocall

import (
	"github.com/pion/rtcp"
	"github.com/rs/zerolog/log"

	"github.com/skymeet/rtcgate/internal/core"
)

// IncomingRTP relays a frame to the peer iff the originating side's media
// flag for that kind is active; muted frames are dropped here.
func (p *Plugin) IncomingRTP(h *core.Handle, video bool, buf []byte) {
	s, ok := h.PluginState().(*callSession)
	if !ok || s == nil {
		return
	}

	p.mu.Lock()
	peer := s.peer
	active := s.audioActive
	if video {
		active = s.videoActive
	}
	dead := s.destroyed || (peer != nil && peer.destroyed)
	p.mu.Unlock()

	if peer == nil || dead || !active {
		return
	}
	p.gw.RelayRTP(peer.handle, video, buf)
}

// IncomingRTCP forwards feedback to the peer, rewriting any REMB above the
// configured bitrate cap on the way out.
func (p *Plugin) IncomingRTCP(h *core.Handle, video bool, buf []byte) {
	s, ok := h.PluginState().(*callSession)
	if !ok || s == nil {
		return
	}

	p.mu.Lock()
	peer := s.peer
	maxRate := s.bitrate
	dead := s.destroyed || (peer != nil && peer.destroyed)
	p.mu.Unlock()

	if peer == nil || dead {
		return
	}
	if maxRate > 0 {
		if capped, changed := capREMB(buf, maxRate); changed {
			buf = capped
		}
	}
	p.gw.RelayRTCP(peer.handle, video, buf)
}

// sendREMB synthesizes a REMB at the given bitrate towards the local handle,
// capping the browser's outbound video. Useful for senders that never emit
// a REMB we could rewrite.
func (p *Plugin) sendREMB(h *core.Handle, bitrate uint64) {
	remb := &rtcp.ReceiverEstimatedMaximumBitrate{
		Bitrate: float32(bitrate),
	}
	raw, err := remb.Marshal()
	if err != nil {
		log.Warn().Err(err).Str("plugin", pluginPackage).Msg("can't marshal REMB")
		return
	}
	log.Debug().Uint64("bitrate", bitrate).Str("plugin", pluginPackage).Msg("sending REMB")
	p.gw.RelayRTCP(h, true, raw)
}

// capREMB rewrites any REMB in the compound packet whose estimate exceeds
// the cap. Returns the original buffer untouched when nothing matched.
func capREMB(buf []byte, maxRate uint64) ([]byte, bool) {
	packets, err := rtcp.Unmarshal(buf)
	if err != nil {
		return buf, false
	}
	changed := false
	for _, packet := range packets {
		if remb, ok := packet.(*rtcp.ReceiverEstimatedMaximumBitrate); ok {
			if remb.Bitrate > float32(maxRate) {
				remb.Bitrate = float32(maxRate)
				changed = true
			}
		}
	}
	if !changed {
		return buf, false
	}
	out, err := rtcp.Marshal(packets)
	if err != nil {
		return buf, false
	}
	return out, true
}
