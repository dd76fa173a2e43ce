// Package acap captures PCM from the ALSA device, resamples it to 48 kHz
// when needed, and OPUS-encodes 20 ms stereo frames for the RTP audio
// stream. Two staged rings decouple the hardware callback from the encoder.
package acap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/gen2brain/malgo"
	"github.com/zaf/resample"
	"golang.org/x/time/rate"
	"gopkg.in/hraban/opus.v2"

	"github.com/edvahn/kvm-stream-gate/pkg/logger"
	"github.com/edvahn/kvm-stream-gate/pkg/ring"
	"github.com/edvahn/kvm-stream-gate/pkg/rtp"
)

// PCM constraints of the pipeline.
const (
	MinPCMHz = 8000
	MaxPCMHz = 192000

	// DefaultBitrate matches RFC 7587's fullband stereo recommendation.
	DefaultBitrate = 128000

	pcmRingCapacity = 8
	encRingCapacity = 8

	consumeTimeout = 100 * time.Millisecond
)

var (
	// ErrNoData means the timed wait produced nothing; retry next tick.
	ErrNoData = errors.New("acap: no data")
	// ErrStopped is sticky once either pipeline thread hit a fatal error.
	ErrStopped = errors.New("acap: pipeline stopped")
)

// hzToFrames converts a sample rate to the per-channel frame count of one
// 20 ms block.
func hzToFrames(hz int) int {
	return hz / 50
}

// pcmBlock is one 20 ms interleaved stereo block at the device rate.
type pcmBlock struct {
	data []int16
}

// encBlock is one encoded OPUS frame plus its RTP timestamp.
type encBlock struct {
	data [rtp.PayloadSize]byte
	used int
	pts  uint32
}

// encoder is the slice of the OPUS binding the encode loop needs.
type encoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

// Capture owns the device, the resampler, the encoder, and the two rings.
type Capture struct {
	pcmHz     int
	pcmFrames int
	log       *logger.Logger

	pcmRing *ring.Ring[pcmBlock]
	encRing *ring.Ring[encBlock]

	enc encoder
	res *resample.Resampler
	// resampled output accumulates here until a full 48 kHz frame exists
	resOut   bytes.Buffer
	resFIFO  []int16
	overWarn *rate.Limiter

	ctx    *malgo.AllocatedContext
	device *malgo.Device
	pinner runtime.Pinner

	pts  uint32
	stop atomic.Bool
	wg   sync.WaitGroup

	// staging for callback bytes until one 20 ms block is complete
	cbBuf []byte
}

// New opens the capture device and starts the pipeline threads. bitrate is
// the OPUS target in bits per second (0 selects DefaultBitrate).
func New(deviceName string, pcmHz int, bitrate int, log *logger.Logger) (*Capture, error) {
	if pcmHz < MinPCMHz || pcmHz > MaxPCMHz {
		return nil, fmt.Errorf("acap: unsupported PCM rate %d; want %d <= F <= %d", pcmHz, MinPCMHz, MaxPCMHz)
	}
	if bitrate == 0 {
		bitrate = DefaultBitrate
	}

	c := &Capture{
		pcmHz:     pcmHz,
		pcmFrames: hzToFrames(pcmHz),
		log:       log.With("component", "acap", "device", deviceName),
		overWarn:  rate.NewLimiter(rate.Every(time.Second), 1),
	}
	blockSamples := c.pcmFrames * rtp.OpusChannels
	c.pcmRing = ring.NewWith(pcmRingCapacity, func() pcmBlock {
		return pcmBlock{data: make([]int16, blockSamples)}
	})
	c.encRing = ring.New[encBlock](encRingCapacity)
	c.cbBuf = make([]byte, 0, blockSamples*2)

	if pcmHz != rtp.OpusHz {
		res, err := resample.New(&c.resOut, float64(pcmHz), rtp.OpusHz, rtp.OpusChannels, resample.I16, resample.HighQ)
		if err != nil {
			return nil, fmt.Errorf("create resampler: %w", err)
		}
		c.res = res
	}

	enc, err := opus.NewEncoder(rtp.OpusHz, rtp.OpusChannels, opus.AppAudio)
	if err != nil {
		return nil, fmt.Errorf("create OPUS encoder: %w", err)
	}
	if err := enc.SetBitrate(bitrate); err != nil {
		return nil, fmt.Errorf("set OPUS bitrate: %w", err)
	}
	if err := enc.SetMaxBandwidth(opus.Fullband); err != nil {
		return nil, fmt.Errorf("set OPUS bandwidth: %w", err)
	}
	c.enc = enc

	if err := c.openDevice(deviceName); err != nil {
		c.Close()
		return nil, err
	}

	c.wg.Add(1)
	go c.encoderLoop()

	c.log.Info("audio capture configured", "pcm_hz", pcmHz, "bitrate", bitrate)
	return c, nil
}

func (c *Capture) openDevice(deviceName string) error {
	ctx, err := malgo.InitContext([]malgo.Backend{malgo.BackendAlsa}, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}
	c.ctx = ctx

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = rtp.OpusChannels
	cfg.SampleRate = uint32(c.pcmHz)
	cfg.PeriodSizeInFrames = uint32(c.pcmFrames)
	cfg.Alsa.NoMMap = 1

	if id := deviceIDFromName(deviceName); id != nil {
		c.pinner.Pin(id)
		cfg.Capture.DeviceID = unsafe.Pointer(id)
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			c.onCapture(input)
		},
		Stop: func() {
			if !c.stop.Load() {
				c.log.Error("audio capture device stopped")
				c.stop.Store(true)
			}
		},
	}

	device, err := malgo.InitDevice(ctx.Context, cfg, callbacks)
	if err != nil {
		return fmt.Errorf("open PCM capture: %w", err)
	}
	c.device = device

	if err := device.Start(); err != nil {
		return fmt.Errorf("start PCM capture: %w", err)
	}
	return nil
}

// onCapture runs on the audio thread. It slices the hardware delivery into
// exact 20 ms blocks and enqueues them without ever blocking.
func (c *Capture) onCapture(input []byte) {
	if c.stop.Load() || len(input) == 0 {
		return
	}
	c.cbBuf = append(c.cbBuf, input...)

	blockBytes := c.pcmFrames * rtp.OpusChannels * 2
	for len(c.cbBuf) >= blockBytes {
		index, err := c.pcmRing.ProducerAcquire(0)
		if err != nil {
			if c.overWarn.Allow() {
				c.log.Error("PCM ring is full")
			}
		} else {
			block := c.pcmRing.Slot(index)
			for i := range block.data {
				block.data[i] = int16(binary.LittleEndian.Uint16(c.cbBuf[i*2:]))
			}
			c.pcmRing.ProducerRelease(index)
		}
		c.cbBuf = c.cbBuf[:copy(c.cbBuf, c.cbBuf[blockBytes:])]
	}
}

// encoderLoop drains the PCM ring, resamples when the device rate is not
// 48 kHz, and emits encoded frames with a timestamp advancing 960 units per
// packet.
func (c *Capture) encoderLoop() {
	defer c.wg.Done()

	frameSamples := rtp.OpusFrameSamples * rtp.OpusChannels

	for !c.stop.Load() {
		index, err := c.pcmRing.ConsumerAcquire(consumeTimeout)
		if err != nil {
			continue
		}
		block := c.pcmRing.Slot(index)

		if c.res != nil {
			if err := c.resampleInto(block.data); err != nil {
				c.log.Error("fatal: can't resample PCM block", "error", err)
				c.pcmRing.ConsumerRelease(index)
				break
			}
		} else {
			c.resFIFO = append(c.resFIFO, block.data...)
		}
		c.pcmRing.ConsumerRelease(index)

		for len(c.resFIFO) >= frameSamples {
			if !c.encodeFrame(c.resFIFO[:frameSamples]) {
				c.stop.Store(true)
				return
			}
			c.resFIFO = c.resFIFO[:copy(c.resFIFO, c.resFIFO[frameSamples:])]
		}
	}
	c.stop.Store(true)
}

// resampleInto pushes one device-rate block through SOXR and appends the
// 48 kHz output samples to the FIFO.
func (c *Capture) resampleInto(pcm []int16) error {
	raw := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(s))
	}
	if _, err := c.res.Write(raw); err != nil {
		return err
	}

	out := c.resOut.Bytes()
	usable := len(out) &^ 3 // whole stereo frames only
	for i := 0; i < usable; i += 2 {
		c.resFIFO = append(c.resFIFO, int16(binary.LittleEndian.Uint16(out[i:])))
	}
	c.resOut.Next(usable)
	return nil
}

// encodeFrame encodes one 20 ms 48 kHz frame into the enc ring. Overflow
// drops the frame; encoder failure is fatal. Returns false to stop.
func (c *Capture) encodeFrame(pcm []int16) bool {
	index, err := c.encRing.ProducerAcquire(0)
	if err != nil {
		if c.overWarn.Allow() {
			c.log.Error("OPUS encoder queue is full")
		}
		return true
	}
	out := c.encRing.Slot(index)

	n, err := c.enc.Encode(pcm, out.data[:])
	if err != nil {
		c.log.Error("fatal: can't encode PCM frame to OPUS", "error", err)
		c.encRing.ProducerRelease(index)
		return false
	}
	out.used = n
	out.pts = c.pts
	c.pts += rtp.OpusFrameSamples
	c.encRing.ProducerRelease(index)
	return true
}

// GetEncoded copies the next encoded frame into buf. Returns ErrStopped
// once the pipeline died, ErrNoData when 100 ms passed without output.
func (c *Capture) GetEncoded(buf []byte) (n int, pts uint32, err error) {
	if c.stop.Load() {
		return 0, 0, ErrStopped
	}
	index, err := c.encRing.ConsumerAcquire(consumeTimeout)
	if err != nil {
		return 0, 0, ErrNoData
	}
	block := c.encRing.Slot(index)
	if len(buf) < block.used {
		c.encRing.ConsumerRelease(index)
		return 0, 0, ErrNoData
	}
	n = copy(buf, block.data[:block.used])
	pts = block.pts
	c.encRing.ConsumerRelease(index)
	return n, pts, nil
}

// Stopped reports whether the pipeline has hit a fatal condition.
func (c *Capture) Stopped() bool {
	return c.stop.Load()
}

// Close stops the threads and releases the device.
func (c *Capture) Close() {
	c.stop.Store(true)
	if c.device != nil {
		c.device.Uninit()
		c.device = nil
	}
	c.wg.Wait()
	if c.res != nil {
		c.res.Close()
		c.res = nil
	}
	if c.ctx != nil {
		c.ctx.Uninit()
		c.ctx.Free()
		c.ctx = nil
	}
	c.pinner.Unpin()
	c.log.Info("audio capture closed")
}

// deviceIDFromName builds a malgo device id from an ALSA device string.
// Empty or "default" selects the backend default device.
func deviceIDFromName(name string) *malgo.DeviceID {
	if name == "" || name == "default" {
		return nil
	}
	var id malgo.DeviceID
	copy(id[:], name)
	return &id
}
