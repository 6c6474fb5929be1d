package core

// JSEP is a {type, sdp} envelope carrying an SDP offer or answer.
type JSEP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Plugin is the capability record every server-side module must implement.
// The host rejects a plugin whose metadata is incomplete; the method set
// itself is enforced by the compiler.
type Plugin interface {
	Version() int
	VersionString() string
	Name() string
	Description() string
	Package() string

	// Init hands the plugin its gateway callbacks and the folder holding
	// per-plugin configuration files. Destroy is the inverse.
	Init(gw Callbacks, configPath string) error
	Destroy()

	// CreateSession and DestroySession bracket the plugin-side state of a
	// handle; the state is owned by the plugin and reachable through
	// Handle.PluginState.
	CreateSession(h *Handle) error
	DestroySession(h *Handle) error

	// HandleMessage runs on the plugin's message worker, serialized per
	// plugin. body is the raw JSON text of the request body; jsep, when
	// non-nil, carries an already anonymized SDP.
	HandleMessage(h *Handle, transaction string, body []byte, jsep *JSEP)

	SetupMedia(h *Handle)
	IncomingRTP(h *Handle, video bool, buf []byte)
	IncomingRTCP(h *Handle, video bool, buf []byte)
	HangupMedia(h *Handle)
}

// Callbacks is the gateway-side surface handed to plugins at Init. Plugins
// never touch the network: events go through PushEvent, media through the
// relay calls.
type Callbacks interface {
	// PushEvent parses event (which must be a JSON object), optionally runs
	// the SDP bridge on jsep, and appends the resulting notification to the
	// handle's session queue.
	PushEvent(h *Handle, p Plugin, transaction string, event []byte, jsep *JSEP) error

	// RelayRTP hands an RTP frame to the ICE/DTLS layer of the target
	// handle. Blackhole if the handle has no active media.
	RelayRTP(h *Handle, video bool, buf []byte)

	// RelayRTCP does the same for RTCP.
	RelayRTCP(h *Handle, video bool, buf []byte)
}
