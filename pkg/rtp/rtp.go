// Package rtp assembles outbound RTP datagrams: raw header composition plus
// the H.264 (RFC 6184) and OPUS (RFC 7587) payload formats used by the
// streaming dataplane.
package rtp

import (
	"math/rand/v2"

	pionrtp "github.com/pion/rtp"
)

const (
	// HeaderSize is the fixed RTP header length; no CSRC, no extensions.
	HeaderSize = 12

	// DatagramSize caps every emitted datagram at the WebRTC-safe MTU.
	DatagramSize = 1200

	// PayloadSize is the room left for payload bytes in a single datagram.
	PayloadSize = DatagramSize - HeaderSize

	// Payload types negotiated in the SDP offer.
	PayloadH264 uint8 = 96
	PayloadOpus uint8 = 97

	// OPUS stream parameters per RFC 7587.
	OpusHz       = 48000
	OpusChannels = 2
	// OpusFrameSamples is one 20 ms frame at 48 kHz, the timestamp step
	// between consecutive audio packets.
	OpusFrameSamples = OpusHz / 50
)

// Packet is one assembled RTP datagram. Values are copied whole into
// session rings, so everything a fan-out thread needs travels inside.
type Packet struct {
	SSRC    uint32
	Seq     uint16 // sequence number this datagram was emitted with
	Payload uint8
	Video   bool

	// ZeroPlayoutDelay asks the receiver to render with no buffering;
	// forwarded as the playout-delay header extension by the fan-out.
	ZeroPlayoutDelay bool

	Datagram [DatagramSize]byte
	Used     int
}

// Bytes returns the filled portion of the datagram.
func (p *Packet) Bytes() []byte {
	return p.Datagram[:p.Used]
}

// stream carries the per-RTP-stream sequence state shared by both
// packetizers. Not safe for concurrent use; each packetizer is driven by a
// single thread.
type stream struct {
	ssrc    uint32
	seq     uint16
	payload uint8
	video   bool
	pkt     Packet
}

func newStream(payload uint8, video bool) stream {
	return stream{
		ssrc:    rand.Uint32(),
		payload: payload,
		video:   video,
	}
}

// writeHeader composes the 12-byte header into the staging packet and
// advances the sequence counter. One call per emitted datagram.
func (s *stream) writeHeader(pts uint32, marked bool) {
	h := pionrtp.Header{
		Version:        2,
		Marker:         marked,
		PayloadType:    s.payload,
		SequenceNumber: s.seq,
		Timestamp:      pts,
		SSRC:           s.ssrc,
	}
	if _, err := h.MarshalTo(s.pkt.Datagram[:]); err != nil {
		// A 1200-byte buffer always fits a bare 12-byte header.
		panic(err)
	}
	s.pkt.SSRC = s.ssrc
	s.pkt.Seq = s.seq
	s.pkt.Payload = s.payload
	s.pkt.Video = s.video
	s.seq++
}
