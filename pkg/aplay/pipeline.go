package aplay

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/hraban/opus.v2"

	"github.com/edvahn/kvm-stream-gate/pkg/logger"
	"github.com/edvahn/kvm-stream-gate/pkg/ring"
	"github.com/edvahn/kvm-stream-gate/pkg/rtp"
)

const (
	encRingCapacity = 64
	pcmRingCapacity = 64

	consumeTimeout = 100 * time.Millisecond
)

// encBlock is one inbound OPUS payload. used == 0 is a silence marker: the
// receive path stores it when a payload was rejected for size, and the
// decoder skips it.
type encBlock struct {
	data [rtp.PayloadSize]byte
	used int
}

// Pipeline decodes one session's return audio. The decoder is confined to
// the pipeline's own goroutine; Push is called from the signalling thread.
type Pipeline struct {
	log *logger.Logger

	encRing *ring.Ring[encBlock]
	pcmRing *ring.Ring[PCMBlock]

	overWarn *rate.Limiter

	stop atomic.Bool
	wg   sync.WaitGroup
}

// NewPipeline creates the rings and starts the decoder goroutine.
func NewPipeline(log *logger.Logger) (*Pipeline, error) {
	dec, err := opus.NewDecoder(rtp.OpusHz, rtp.OpusChannels)
	if err != nil {
		return nil, fmt.Errorf("create OPUS decoder: %w", err)
	}

	p := &Pipeline{
		log:      log.With("component", "aplay"),
		encRing:  ring.New[encBlock](encRingCapacity),
		pcmRing:  ring.New[PCMBlock](pcmRingCapacity),
		overWarn: rate.NewLimiter(rate.Every(time.Second), 1),
	}

	p.wg.Add(1)
	go p.decodeLoop(dec)
	return p, nil
}

// Push enqueues one OPUS payload; full ring drops silently (the sender
// retransmits nothing either way). Oversized payloads become silence
// markers so sequence bookkeeping upstream stays consistent.
func (p *Pipeline) Push(payload []byte) {
	index, err := p.encRing.ProducerAcquire(0)
	if err != nil {
		return
	}
	block := p.encRing.Slot(index)
	if len(payload) <= len(block.data) {
		block.used = copy(block.data[:], payload)
	} else {
		block.used = 0
	}
	p.encRing.ProducerRelease(index)
}

// TakePCM hands the next decoded block to fn, or returns false when none
// arrived within the timeout. The slot is valid only during the call.
func (p *Pipeline) TakePCM(timeout time.Duration, fn func(*PCMBlock)) bool {
	index, err := p.pcmRing.ConsumerAcquire(timeout)
	if err != nil {
		return false
	}
	fn(p.pcmRing.Slot(index))
	p.pcmRing.ConsumerRelease(index)
	return true
}

func (p *Pipeline) decodeLoop(dec *opus.Decoder) {
	defer p.wg.Done()

	for !p.stop.Load() {
		inIndex, err := p.encRing.ConsumerAcquire(consumeTimeout)
		if err != nil {
			continue
		}
		in := p.encRing.Slot(inIndex)

		if in.used == 0 {
			p.encRing.ConsumerRelease(inIndex)
			continue
		}

		outIndex, err := p.pcmRing.ProducerAcquire(0)
		if err != nil {
			if p.overWarn.Allow() {
				p.log.Error("OPUS decoder queue is full")
			}
			p.encRing.ConsumerRelease(inIndex)
			continue
		}
		out := p.pcmRing.Slot(outIndex)

		frames, err := dec.Decode(in.data[:in.used], out.Data[:])
		p.encRing.ConsumerRelease(inIndex)

		if err != nil {
			out.Frames = 0
			p.log.Error("fatal: can't decode OPUS to PCM frame", "error", err)
		} else {
			out.Frames = frames
		}
		p.pcmRing.ProducerRelease(outIndex)
	}
}

// Close stops the decoder goroutine and drains nothing; slots are plain
// values reclaimed by GC.
func (p *Pipeline) Close() {
	p.stop.Store(true)
	p.wg.Wait()
}
