package rtc

import (
	"fmt"

	"github.com/pion/webrtc/v3"

	"github.com/skymeet/rtcgate/internal/core"
	"github.com/skymeet/rtcgate/internal/sdp"
)

// Options carries the ICE knobs from the [media] and [nat] configuration
// sections.
type Options struct {
	RTPPortMin uint16
	RTPPortMax uint16
	STUNServer string
	STUNPort   int
	PublicIP   string
}

// Factory builds pion-backed transports sharing one SettingEngine.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

func NewFactory(opts Options) (*Factory, error) {
	s := webrtc.SettingEngine{}

	// Use only UDP
	s.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6,
	})
	if opts.RTPPortMin > 0 || opts.RTPPortMax > 0 {
		if err := s.SetEphemeralUDPPortRange(opts.RTPPortMin, opts.RTPPortMax); err != nil {
			return nil, err
		}
	}
	if opts.PublicIP != "" {
		// Hosts behind 1:1 NAT advertise the public address in candidates.
		s.SetNAT1To1IPs([]string{opts.PublicIP}, webrtc.ICECandidateTypeHost)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	config := webrtc.Configuration{
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}
	if opts.STUNServer != "" {
		port := opts.STUNPort
		if port == 0 {
			port = 3478
		}
		config.ICEServers = []webrtc.ICEServer{
			{URLs: []string{fmt.Sprintf("stun:%s:%d", opts.STUNServer, port)}},
		}
	}

	return &Factory{
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithSettingEngine(s)),
		config: config,
	}, nil
}

// NewTransport implements sdp.TransportFactory.
func (f *Factory) NewTransport(mh sdp.MediaHandler) (core.Transport, error) {
	return newTransport(f, mh)
}
