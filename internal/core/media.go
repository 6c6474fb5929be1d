package core

// Transport is the ICE/DTLS-SRTP layer as seen by the core: an external
// collaborator reached only through this interface. internal/rtc provides the
// pion-backed implementation; tests substitute fakes.
type Transport interface {
	// SetupLocal prepares the local ICE context. remoteOffer tells the
	// transport whether the peer is the offerer (the transport will answer)
	// or the local side must produce the offer. audio and video are the
	// m-line counts from the SDP pre-parse, used as hints: only one stream
	// of each kind is negotiated.
	SetupLocal(remoteOffer bool, audio, video int) error

	// SetRemoteDescription parses the full remote SDP against the local ICE
	// context. sdpType is "offer" or "answer".
	SetRemoteDescription(sdpType, sdp string) error

	// GatheringComplete is closed once local candidate gathering finished
	// for all streams. GatheringFailed reports a gathering error; once it
	// returns true the transport is unusable.
	GatheringComplete() <-chan struct{}
	GatheringFailed() bool

	// Local ICE details, valid after gathering completed. Candidates are
	// raw "candidate:…" attribute values.
	LocalCredentials() (ufrag, pwd string)
	LocalFingerprint() (algorithm, value string)
	LocalCandidates() []string

	// StartConnectivityChecks installs the learned remote candidates for
	// every negotiated stream and component. Called on the answer
	// direction, once both descriptions are known.
	StartConnectivityChecks() error

	WriteRTP(video bool, buf []byte) error
	WriteRTCP(video bool, buf []byte) error

	Close() error
}

// MediaContext is the per-handle placeholder filled in by the SDP bridge.
type MediaContext struct {
	Transport Transport

	// Negotiated stream bookkeeping, mirroring what the ICE layer reports.
	AudioStream int
	VideoStream int
	StreamsNum  int
}

// HasMedia reports whether the bridge attached a transport to this handle.
func (m *MediaContext) HasMedia() bool {
	return m != nil && m.Transport != nil
}
