// Package session fans packetized media out to one connected client and
// accepts its return audio. Each session owns fixed-capacity rings so a
// slow or stalled client can only ever lose its own packets, never stall
// the ingest side.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	pionrtp "github.com/pion/rtp"
	"golang.org/x/time/rate"

	"github.com/edvahn/kvm-stream-gate/pkg/aplay"
	"github.com/edvahn/kvm-stream-gate/pkg/gateway"
	"github.com/edvahn/kvm-stream-gate/pkg/logger"
	"github.com/edvahn/kvm-stream-gate/pkg/ring"
	"github.com/edvahn/kvm-stream-gate/pkg/rtp"
)

const (
	videoRingCapacity = 2048
	acapRingCapacity  = 64

	consumeTimeout = 100 * time.Millisecond

	// lateWindow is how far behind the expected sequence an inbound
	// audio packet may be before it is considered genuinely late rather
	// than a wrap after a gap.
	lateWindow = 50
)

// Session is one connected client.
type Session struct {
	gw     gateway.Gateway
	handle gateway.Handle
	log    *logger.Logger

	transmit      atomic.Bool
	transmitACap  atomic.Bool
	transmitAPlay atomic.Bool
	videoOrient   atomic.Uint32

	// aplaySeqNext is touched only by the signalling thread via Recv.
	aplaySeqNext uint16

	videoRing *ring.Ring[rtp.Packet]
	acapRing  *ring.Ring[rtp.Packet]
	aplay     *aplay.Pipeline

	dropWarn *rate.Limiter

	stop atomic.Bool
	wg   sync.WaitGroup
}

// New creates a session and starts its fan-out goroutines. withPlayback
// additionally starts the return-audio decode pipeline.
func New(gw gateway.Gateway, handle gateway.Handle, withPlayback bool, log *logger.Logger) (*Session, error) {
	s := &Session{
		gw:        gw,
		handle:    handle,
		log:       log.With("component", "session"),
		videoRing: ring.New[rtp.Packet](videoRingCapacity),
		acapRing:  ring.New[rtp.Packet](acapRingCapacity),
		dropWarn:  rate.NewLimiter(rate.Every(time.Second), 1),
	}

	if withPlayback {
		pipeline, err := aplay.NewPipeline(log)
		if err != nil {
			return nil, err
		}
		s.aplay = pipeline
	}

	s.wg.Add(2)
	go s.fanOutLoop(s.videoRing, true)
	go s.fanOutLoop(s.acapRing, false)
	return s, nil
}

// Handle returns the opaque signalling handle this session serves.
func (s *Session) Handle() gateway.Handle {
	return s.handle
}

// Playback returns the return-audio pipeline, or nil when disabled.
func (s *Session) Playback() *aplay.Pipeline {
	return s.aplay
}

// SetTransmit toggles all media transmission (setup/hangup media).
func (s *Session) SetTransmit(on bool) {
	s.transmit.Store(on)
}

// Transmitting reports whether the session wants media at all.
func (s *Session) Transmitting() bool {
	return s.transmit.Load()
}

// SetTransmitACap toggles outbound audio.
func (s *Session) SetTransmitACap(on bool) {
	s.transmitACap.Store(on)
}

// SetTransmitAPlay toggles the inbound audio return channel.
func (s *Session) SetTransmitAPlay(on bool) {
	s.transmitAPlay.Store(on)
}

// SetVideoOrient sets the rotation hint in degrees (0, 90, 180, 270).
func (s *Session) SetVideoOrient(degrees uint32) {
	s.videoOrient.Store(degrees % 360)
}

// Send enqueues one outbound datagram. Never blocks: a full ring drops the
// packet with a throttled warning, which is the whole point of per-session
// rings.
func (s *Session) Send(pkt *rtp.Packet) {
	if !s.transmit.Load() || (!pkt.Video && !s.transmitACap.Load()) {
		return
	}

	r := s.acapRing
	kind := "acap"
	if pkt.Video {
		r = s.videoRing
		kind = "video"
	}

	index, err := r.ProducerAcquire(0)
	if err != nil {
		if s.dropWarn.Allow() {
			s.log.Error("ring is full", "ring", kind)
		}
		return
	}
	*r.Slot(index) = *pkt
	r.ProducerRelease(index)
}

// Recv accepts one inbound RTP packet from the gateway. Only OPUS return
// audio is expected; everything else is dropped. The late/wrap guard keeps
// stale retransmissions out while letting the sequence counter wrap after
// a long gap.
func (s *Session) Recv(video bool, buf []byte) {
	if video ||
		len(buf) < rtp.HeaderSize ||
		!s.transmit.Load() ||
		!s.transmitAPlay.Load() ||
		s.aplay == nil {
		return
	}

	var packet pionrtp.Packet
	if err := packet.Unmarshal(buf); err != nil {
		return
	}
	if packet.PayloadType != rtp.PayloadOpus {
		return
	}

	if !s.acceptPlaybackSeq(packet.SequenceNumber) {
		return
	}

	if len(packet.Payload) == 0 {
		return
	}
	s.aplay.Push(packet.Payload)
}

// acceptPlaybackSeq applies the late/wrap guard. The distance modulo 2^16
// from the received sequence back to the expected one is 1..lateWindow only
// for genuinely late packets; anything else is in order, a loss, or a wrap
// after a gap. Acceptance advances the expected sequence.
func (s *Session) acceptPlaybackSeq(seq uint16) bool {
	distance := s.aplaySeqNext - seq
	if distance != 0 && distance <= lateWindow {
		return false
	}
	s.aplaySeqNext = seq + 1
	return true
}

func (s *Session) fanOutLoop(r *ring.Ring[rtp.Packet], video bool) {
	defer s.wg.Done()

	for !s.stop.Load() {
		index, err := r.ConsumerAcquire(consumeTimeout)
		if err != nil {
			continue
		}
		pkt := *r.Slot(index)
		r.ConsumerRelease(index)

		if !s.transmit.Load() || (!video && !s.transmitACap.Load()) {
			continue
		}

		out := gateway.RTP{
			Video:      pkt.Video,
			Buffer:     pkt.Bytes(),
			Extensions: gateway.ResetExtensions(),
		}
		// Video sits in m-section 0, audio in 1, matching the offer.
		if !pkt.Video {
			out.Mindex = 1
		}

		if pkt.Video {
			if pkt.ZeroPlayoutDelay {
				out.Extensions.MinDelay = 0
				out.Extensions.MaxDelay = 0
			}
			if orient := s.videoOrient.Load(); orient != 0 {
				// The extension rotates clockwise; viewers expect
				// counter-clockwise, so 90 and 270 swap.
				switch orient {
				case 90:
					orient = 270
				case 270:
					orient = 90
				}
				out.Extensions.VideoRotation = int16(orient)
			}
		}

		s.gw.RelayRTP(s.handle, &out)
	}
}

// Close stops all session goroutines and the playback pipeline. After it
// returns no ring is read again.
func (s *Session) Close() {
	s.stop.Store(true)
	s.wg.Wait()
	if s.aplay != nil {
		s.aplay.Close()
	}
}
