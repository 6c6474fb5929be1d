// Package sdp couples the opaque plugin SDP exchange to the ICE/DTLS layer.
// The parsing itself is pion/sdp's job; this package pre-parses, anonymizes
// and merges session descriptions the way they cross the gateway's trust
// boundary.
package sdp

import (
	"errors"
	"fmt"

	pionsdp "github.com/pion/sdp/v3"

	"github.com/skymeet/rtcgate/internal/core"
)

var (
	ErrUnknownType = errors.New("unknown JSEP type")
	ErrInvalidSDP  = errors.New("invalid SDP")
)

// strippedAttributes are the ICE/DTLS details removed when an SDP crosses a
// trust boundary.
var strippedAttributes = map[string]bool{
	"ice-ufrag":         true,
	"ice-pwd":           true,
	"ice-options":       true,
	"fingerprint":       true,
	"candidate":         true,
	"end-of-candidates": true,
}

// Preparse validates raw and counts its audio and video media sections.
func Preparse(raw string) (audio, video int, err error) {
	var desc pionsdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrInvalidSDP, err)
	}
	for _, m := range desc.MediaDescriptions {
		switch m.MediaName.Media {
		case "audio":
			audio++
		case "video":
			video++
		}
	}
	return audio, video, nil
}

// Anonymize strips ICE credentials, fingerprints and candidate lines from
// raw. Idempotent: anonymizing an anonymized SDP is a no-op.
func Anonymize(raw string) (string, error) {
	var desc pionsdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSDP, err)
	}

	desc.Attributes = stripAttributes(desc.Attributes)
	for _, m := range desc.MediaDescriptions {
		m.Attributes = stripAttributes(m.Attributes)
	}

	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSDP, err)
	}
	return string(out), nil
}

func stripAttributes(attrs []pionsdp.Attribute) []pionsdp.Attribute {
	kept := attrs[:0]
	for _, a := range attrs {
		if strippedAttributes[a.Key] {
			continue
		}
		kept = append(kept, a)
	}
	return kept
}

// Merge injects the gateway's own ICE credentials, fingerprint and candidates
// into an anonymized SDP before it is emitted to the peer.
func Merge(raw string, t core.Transport) (string, error) {
	var desc pionsdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSDP, err)
	}

	ufrag, pwd := t.LocalCredentials()
	algorithm, value := t.LocalFingerprint()
	candidates := t.LocalCandidates()

	for _, m := range desc.MediaDescriptions {
		merged := make([]pionsdp.Attribute, 0, len(m.Attributes)+len(candidates)+3)
		merged = append(merged,
			pionsdp.NewAttribute("ice-ufrag", ufrag),
			pionsdp.NewAttribute("ice-pwd", pwd),
			pionsdp.NewAttribute("fingerprint", algorithm+" "+value),
		)
		for _, c := range candidates {
			merged = append(merged, pionsdp.NewAttribute("candidate", c))
		}
		merged = append(merged, m.Attributes...)
		merged = append(merged, pionsdp.NewAttribute("end-of-candidates", ""))
		m.Attributes = merged
	}

	out, err := desc.Marshal()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSDP, err)
	}
	return string(out), nil
}
