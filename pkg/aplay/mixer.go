package aplay

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/gen2brain/malgo"

	"github.com/edvahn/kvm-stream-gate/pkg/logger"
	"github.com/edvahn/kvm-stream-gate/pkg/rtp"
)

// Mixer owns the playback device. Every callback period it pulls whatever
// decoded blocks the registered pipelines have ready, combines them with
// the soft-mix curve, and writes the result to the device. Sessions without
// fresh audio contribute silence.
type Mixer struct {
	log *logger.Logger

	mu        sync.Mutex
	pipelines map[*Pipeline]struct{}

	ctx    *malgo.AllocatedContext
	device *malgo.Device
	pinner runtime.Pinner

	// carry holds decoded samples left over when the device asks for
	// less than a full block.
	carry []byte
}

// NewMixer opens the ALSA playback device.
func NewMixer(deviceName string, log *logger.Logger) (*Mixer, error) {
	m := &Mixer{
		log:       log.With("component", "aplay-mixer", "device", deviceName),
		pipelines: make(map[*Pipeline]struct{}),
	}

	ctx, err := malgo.InitContext([]malgo.Backend{malgo.BackendAlsa}, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	m.ctx = ctx

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = rtp.OpusChannels
	cfg.SampleRate = rtp.OpusHz
	cfg.PeriodSizeInFrames = rtp.OpusFrameSamples
	cfg.Alsa.NoMMap = 1

	if id := deviceIDFromName(deviceName); id != nil {
		m.pinner.Pin(id)
		cfg.Playback.DeviceID = unsafe.Pointer(id)
	}

	device, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(output, _ []byte, _ uint32) {
			m.fill(output)
		},
	})
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("open PCM playback: %w", err)
	}
	m.device = device

	if err := device.Start(); err != nil {
		m.Close()
		return nil, fmt.Errorf("start PCM playback: %w", err)
	}

	m.log.Info("audio playback configured")
	return m, nil
}

// Register adds a session pipeline to the mix.
func (m *Mixer) Register(p *Pipeline) {
	m.mu.Lock()
	m.pipelines[p] = struct{}{}
	m.mu.Unlock()
}

// Unregister removes a pipeline; its queued audio is abandoned.
func (m *Mixer) Unregister(p *Pipeline) {
	m.mu.Lock()
	delete(m.pipelines, p)
	m.mu.Unlock()
}

// fill runs on the audio thread; it must never block on a ring.
func (m *Mixer) fill(output []byte) {
	for i := range output {
		output[i] = 0
	}

	filled := copy(output, m.carry)
	m.carry = m.carry[:copy(m.carry, m.carry[filled:])]

	for filled < len(output) {
		var mixed PCMBlock
		if !m.mixOnce(&mixed) {
			break
		}
		raw := make([]byte, mixed.Frames*rtp.OpusChannels*2)
		for i := 0; i < mixed.Frames*rtp.OpusChannels; i++ {
			binary.LittleEndian.PutUint16(raw[i*2:], uint16(mixed.Data[i]))
		}
		n := copy(output[filled:], raw)
		filled += n
		if n < len(raw) {
			m.carry = append(m.carry, raw[n:]...)
		}
	}
}

// mixOnce pulls at most one pending block from every pipeline. Returns
// false when no session had audio ready.
func (m *Mixer) mixOnce(mixed *PCMBlock) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	got := false
	for p := range m.pipelines {
		p.TakePCM(0, func(block *PCMBlock) {
			MixInto(mixed, block)
			got = got || block.Frames > 0
		})
	}
	return got
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

// Close stops the device and frees the context.
func (m *Mixer) Close() {
	if m.device != nil {
		m.device.Uninit()
		m.device = nil
	}
	if m.ctx != nil {
		m.ctx.Uninit()
		m.ctx.Free()
		m.ctx = nil
	}
	m.pinner.Unpin()
	m.log.Info("audio playback closed")
}
