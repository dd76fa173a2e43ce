// Package gateway is the narrow seam to the signalling process hosting the
// dataplane. The real gateway lives out of process; everything here is the
// surface the dataplane is allowed to touch.
package gateway

import "encoding/json"

// Extensions carries the RTP header extensions the gateway may attach when
// relaying. Negative values mean "not set".
type Extensions struct {
	// Playout delay bounds in 10 ms units.
	MinDelay int16
	MaxDelay int16
	// Clockwise rotation in degrees; 0/90/180/270, -1 when absent.
	VideoRotation int16
}

// ResetExtensions returns the all-unset extension block.
func ResetExtensions() Extensions {
	return Extensions{MinDelay: -1, MaxDelay: -1, VideoRotation: -1}
}

// RTP is one datagram handed to the gateway for delivery to a peer.
type RTP struct {
	Video  bool
	Buffer []byte
	// Mindex is the m-section index: video is always 0, audio 1.
	Mindex     int
	Extensions Extensions
}

// Handle identifies one signalling session; opaque to the dataplane.
type Handle any

// Gateway is the host API the dataplane consumes.
type Gateway interface {
	// RelayRTP delivers one datagram to the session's peer. Called from
	// dataplane threads; implementations must not block indefinitely.
	RelayRTP(session Handle, pkt *RTP)

	// PushEvent sends an asynchronous plugin event, optionally with a
	// JSEP payload (the SDP offer).
	PushEvent(session Handle, transaction string, event json.RawMessage, jsep json.RawMessage) error
}
