package rtp

import (
	"github.com/edvahn/kvm-stream-gate/pkg/logger"
)

// AudioPacketizer wraps encoded OPUS frames one-per-datagram (RFC 7587).
// The marker bit stays clear; the timestamp advances by OpusFrameSamples per
// packet and is supplied by the capture pipeline.
type AudioPacketizer struct {
	stream   stream
	callback Callback
	log      *logger.Logger
}

// NewAudioPacketizer creates an OPUS packetizer emitting to callback.
func NewAudioPacketizer(callback Callback, log *logger.Logger) *AudioPacketizer {
	return &AudioPacketizer{
		stream:   newStream(PayloadOpus, false),
		callback: callback,
		log:      log.With("component", "rtpa"),
	}
}

// SSRC returns the randomized stream identifier.
func (a *AudioPacketizer) SSRC() uint32 {
	return a.stream.ssrc
}

// Wrap emits one datagram carrying the encoded frame verbatim. Oversized
// frames cannot happen with a 20 ms OPUS encoder and are dropped.
func (a *AudioPacketizer) Wrap(data []byte, pts uint32) {
	if len(data)+HeaderSize > DatagramSize {
		a.log.Dbg(logger.CatRTP, "dropping oversized OPUS frame", "size", len(data))
		return
	}
	a.stream.writeHeader(pts, false)
	copy(a.stream.pkt.Datagram[HeaderSize:], data)
	a.stream.pkt.Used = HeaderSize + len(data)
	a.callback(&a.stream.pkt)
}
