// Package rtc implements the core.Transport contract on pion/webrtc. The
// gateway core stays codec-opaque: media enters and leaves as raw buffers.
package rtc

import (
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	pionsdp "github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/skymeet/rtcgate/internal/core"
	"github.com/skymeet/rtcgate/internal/sdp"
)

var (
	errNotSetup     = errors.New("transport is not set up")
	errNoLocalMedia = errors.New("no local track for this media kind")
)

var _ core.Transport = (*transport)(nil)

type transport struct {
	pc *webrtc.PeerConnection
	mh sdp.MediaHandler

	gatherDone chan struct{}
	gatherOnce sync.Once
	failed     atomic.Bool
	closed     atomic.Bool

	mu         sync.Mutex
	audioTrack *webrtc.TrackLocalStaticRTP
	videoTrack *webrtc.TrackLocalStaticRTP
}

func newTransport(f *Factory, mh sdp.MediaHandler) (*transport, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}

	t := &transport{
		pc:         pc,
		mh:         mh,
		gatherDone: make(chan struct{}),
	}

	pc.OnICEGatheringStateChange(func(state webrtc.ICEGathererState) {
		if state == webrtc.ICEGathererStateComplete {
			t.gatherOnce.Do(func() { close(t.gatherDone) })
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			t.mh.OnConnected()
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			t.mh.OnHangup()
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		go t.readRemote(track)
	})

	return t, nil
}

func (t *transport) SetupLocal(remoteOffer bool, audio, video int) error {
	if audio > 0 {
		track, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio", "rtcgate",
		)
		if err != nil {
			return err
		}
		sender, err := t.pc.AddTrack(track)
		if err != nil {
			return err
		}
		t.audioTrack = track
		go t.readSenderRTCP(sender, false)
	}
	if video > 0 {
		track, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "rtcgate",
		)
		if err != nil {
			return err
		}
		sender, err := t.pc.AddTrack(track)
		if err != nil {
			return err
		}
		t.videoTrack = track
		go t.readSenderRTCP(sender, true)
	}

	if !remoteOffer {
		// We are the offerer: the local description starts gathering now.
		offer, err := t.pc.CreateOffer(nil)
		if err != nil {
			t.fail()
			return err
		}
		if err := t.pc.SetLocalDescription(offer); err != nil {
			t.fail()
			return err
		}
	}
	return nil
}

func (t *transport) SetRemoteDescription(sdpType, raw string) error {
	desc := webrtc.SessionDescription{SDP: raw}
	switch sdpType {
	case "offer":
		desc.Type = webrtc.SDPTypeOffer
	case "answer":
		desc.Type = webrtc.SDPTypeAnswer
	default:
		return errors.New("unsupported SDP type " + sdpType)
	}

	if err := t.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	if desc.Type == webrtc.SDPTypeOffer {
		answer, err := t.pc.CreateAnswer(nil)
		if err != nil {
			t.fail()
			return err
		}
		if err := t.pc.SetLocalDescription(answer); err != nil {
			t.fail()
			return err
		}
	}
	return nil
}

func (t *transport) GatheringComplete() <-chan struct{} {
	return t.gatherDone
}

func (t *transport) GatheringFailed() bool {
	return t.failed.Load()
}

func (t *transport) LocalCredentials() (string, string) {
	desc := t.localDescription()
	if desc == nil {
		return "", ""
	}
	ufrag, _ := lookupAttribute(desc, "ice-ufrag")
	pwd, _ := lookupAttribute(desc, "ice-pwd")
	return ufrag, pwd
}

func (t *transport) LocalFingerprint() (string, string) {
	desc := t.localDescription()
	if desc == nil {
		return "", ""
	}
	fp, ok := lookupAttribute(desc, "fingerprint")
	if !ok {
		return "", ""
	}
	parts := strings.SplitN(fp, " ", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

func (t *transport) LocalCandidates() []string {
	desc := t.localDescription()
	if desc == nil {
		return nil
	}
	var candidates []string
	seen := make(map[string]bool)
	for _, m := range desc.MediaDescriptions {
		for _, a := range m.Attributes {
			if a.Key == "candidate" && !seen[a.Value] {
				seen[a.Value] = true
				candidates = append(candidates, a.Value)
			}
		}
	}
	return candidates
}

// StartConnectivityChecks is a no-op on pion: checks start as soon as both
// descriptions are installed. The method exists so the bridge's answer-side
// sequencing stays observable to fakes.
func (t *transport) StartConnectivityChecks() error {
	if t.pc.RemoteDescription() == nil {
		return errNotSetup
	}
	return nil
}

func (t *transport) WriteRTP(video bool, buf []byte) error {
	t.mu.Lock()
	track := t.audioTrack
	if video {
		track = t.videoTrack
	}
	t.mu.Unlock()
	if track == nil {
		return errNoLocalMedia
	}

	packet := &rtp.Packet{}
	if err := packet.Unmarshal(buf); err != nil {
		return err
	}
	return track.WriteRTP(packet)
}

func (t *transport) WriteRTCP(video bool, buf []byte) error {
	packets, err := rtcp.Unmarshal(buf)
	if err != nil {
		return err
	}
	return t.pc.WriteRTCP(packets)
}

func (t *transport) Close() error {
	t.closed.Store(true)
	return t.pc.Close()
}

func (t *transport) fail() {
	t.failed.Store(true)
	t.gatherOnce.Do(func() { close(t.gatherDone) })
}

func (t *transport) localDescription() *pionsdp.SessionDescription {
	local := t.pc.LocalDescription()
	if local == nil {
		return nil
	}
	var desc pionsdp.SessionDescription
	if err := desc.Unmarshal([]byte(local.SDP)); err != nil {
		log.Error().Err(err).Str("service", "rtc").Msg("can't parse own local description")
		return nil
	}
	return &desc
}

func (t *transport) readRemote(track *webrtc.TrackRemote) {
	video := track.Kind() == webrtc.RTPCodecTypeVideo
	buf := make([]byte, 1500)
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if !t.closed.Load() && !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("service", "rtc").Msg("remote track closed")
			}
			return
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		t.mh.OnRTP(video, frame)
	}
}

func (t *transport) readSenderRTCP(sender *webrtc.RTPSender, video bool) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		t.mh.OnRTCP(video, frame)
	}
}

func lookupAttribute(desc *pionsdp.SessionDescription, key string) (string, bool) {
	for _, a := range desc.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	for _, m := range desc.MediaDescriptions {
		for _, a := range m.Attributes {
			if a.Key == key {
				return a.Value, true
			}
		}
	}
	return "", false
}
