// Package controller owns the dataplane lifecycle: the memsink intake
// thread, the audio pipelines, the session registry, and the signalling
// message surface.
package controller

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/edvahn/kvm-stream-gate/pkg/acap"
	"github.com/edvahn/kvm-stream-gate/pkg/aplay"
	"github.com/edvahn/kvm-stream-gate/pkg/config"
	"github.com/edvahn/kvm-stream-gate/pkg/frame"
	"github.com/edvahn/kvm-stream-gate/pkg/gateway"
	"github.com/edvahn/kvm-stream-gate/pkg/logger"
	"github.com/edvahn/kvm-stream-gate/pkg/memsink"
	"github.com/edvahn/kvm-stream-gate/pkg/mono"
	"github.com/edvahn/kvm-stream-gate/pkg/rtp"
	"github.com/edvahn/kvm-stream-gate/pkg/session"
	"github.com/edvahn/kvm-stream-gate/pkg/tc358743"
)

const (
	watchersPoll = 100 * time.Millisecond
	errorDelay   = time.Second
)

// ErrNoSession is returned for operations on an unknown session handle.
var ErrNoSession = errors.New("controller: no such session")

// Controller is the single dataplane instance owned by the plugin
// entry point.
type Controller struct {
	cfg *config.Config
	gw  gateway.Gateway
	log *logger.Logger
	// baseLog is handed to owned components so each stamps its own
	// component attribute.
	baseLog *logger.Logger

	reader *memsink.Reader
	rtpv   *rtp.VideoPacketizer
	rtpa   *rtp.AudioPacketizer
	acap   *acap.Capture
	mixer  *aplay.Mixer

	protoWarn *rate.Limiter

	mu          sync.Mutex
	sessions    map[gateway.Handle]*session.Session
	hasWatchers atomic.Bool

	stop atomic.Bool
	wg   sync.WaitGroup
}

// New builds the controller, probes the audio hardware, and starts the
// intake threads.
func New(cfg *config.Config, gw gateway.Gateway, log *logger.Logger) (*Controller, error) {
	c := &Controller{
		cfg:       cfg,
		gw:        gw,
		log:       log.With("component", "controller"),
		baseLog:   log,
		sessions:  make(map[gateway.Handle]*session.Session),
		protoWarn: rate.NewLimiter(rate.Every(time.Second), 1),
	}

	reader, err := memsink.NewReader(cfg.Video.Sink, log)
	if err != nil {
		return nil, err
	}
	c.reader = reader

	c.rtpv = rtp.NewVideoPacketizer(c.relayToSessions, log)

	c.initAudio()

	c.wg.Add(1)
	go c.memsinkLoop()

	if c.acap != nil {
		c.wg.Add(1)
		go c.audioLoop()
	}

	return c, nil
}

// initAudio wires capture and playback when the hardware agrees. Audio is
// best-effort: a probe or capture-open failure leaves the dataplane
// video-only; a playback-open failure only disables the return channel.
func (c *Controller) initAudio() {
	if !c.cfg.AudioEnabled() {
		return
	}
	if !acap.ProbeDevice(c.cfg.ACap.Device) {
		c.log.Warn("audio capture device not present, audio disabled", "device", c.cfg.ACap.Device)
		return
	}

	pcmHz := int(c.cfg.ACap.SamplingRate)
	if c.cfg.ACap.TC358743 != "" {
		info, err := tc358743.ReadInfo(c.cfg.ACap.TC358743)
		if err != nil {
			c.log.Warn("can't query TC358743, audio disabled", "error", err)
			return
		}
		if !info.HasAudio {
			c.log.Info("HDMI source carries no audio, audio disabled")
			return
		}
		if pcmHz == 0 {
			pcmHz = int(info.AudioHz)
		}
	}
	if pcmHz == 0 {
		pcmHz = rtp.OpusHz
	}

	capture, err := acap.New(c.cfg.ACap.Device, pcmHz, c.cfg.ACap.Bitrate, c.baseLog)
	if err != nil {
		c.log.Warn("can't start audio capture, audio disabled", "error", err)
		return
	}
	c.acap = capture
	c.rtpa = rtp.NewAudioPacketizer(c.relayToSessions, c.baseLog)

	if c.cfg.PlaybackEnabled() {
		mixer, err := aplay.NewMixer(c.cfg.APlay.Device, c.baseLog)
		if err != nil {
			c.log.Warn("can't start audio playback, return channel disabled", "error", err)
			return
		}
		c.mixer = mixer
	}
}

// AudioEnabled reports whether the capture pipeline is running.
func (c *Controller) AudioEnabled() bool {
	return c.acap != nil
}

// PlaybackEnabled reports whether the return channel is available.
func (c *Controller) PlaybackEnabled() bool {
	return c.mixer != nil
}

// relayToSessions is the packetizer callback: one datagram, every
// transmitting session. Sessions only enqueue, so holding the registry
// lock here never waits on gateway I/O.
func (c *Controller) relayToSessions(pkt *rtp.Packet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sessions {
		s.Send(pkt)
	}
}

// CreateSession registers a new client session.
func (c *Controller) CreateSession(handle gateway.Handle) error {
	if c.stop.Load() {
		return errors.New("controller: stopped")
	}

	s, err := session.New(c.gw, handle, c.mixer != nil, c.baseLog)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	c.mu.Lock()
	c.sessions[handle] = s
	c.hasWatchers.Store(true)
	c.mu.Unlock()

	if c.mixer != nil {
		c.mixer.Register(s.Playback())
	}

	c.log.Info("session created", "sessions", c.SessionCount())
	return nil
}

// DestroySession removes a session, joins its threads, and recomputes the
// watcher flag.
func (c *Controller) DestroySession(handle gateway.Handle) error {
	c.mu.Lock()
	s, ok := c.sessions[handle]
	if ok {
		delete(c.sessions, handle)
	}
	c.recomputeWatchersLocked()
	c.mu.Unlock()

	if !ok {
		return ErrNoSession
	}

	if c.mixer != nil {
		c.mixer.Unregister(s.Playback())
	}
	s.Close()
	c.log.Info("session removed", "sessions", c.SessionCount())
	return nil
}

// QuerySession reports whether a handle is registered.
func (c *Controller) QuerySession(handle gateway.Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[handle]
	return ok
}

// SessionCount returns the number of registered sessions.
func (c *Controller) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// SetupMedia is the gateway callback for a negotiated connection.
func (c *Controller) SetupMedia(handle gateway.Handle) {
	c.setTransmit(handle, true)
}

// HangupMedia is the gateway callback for a dropped connection.
func (c *Controller) HangupMedia(handle gateway.Handle) {
	c.setTransmit(handle, false)
}

func (c *Controller) setTransmit(handle gateway.Handle, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[handle]
	if !ok {
		c.log.Warn("no session for media callback")
		return
	}
	s.SetTransmit(on)
	c.recomputeWatchersLocked()
}

func (c *Controller) recomputeWatchersLocked() {
	for _, s := range c.sessions {
		if s.Transmitting() {
			c.hasWatchers.Store(true)
			return
		}
	}
	c.hasWatchers.Store(false)
}

// RecvRTP feeds one inbound packet from the gateway to its session.
func (c *Controller) RecvRTP(handle gateway.Handle, video bool, buf []byte) {
	c.mu.Lock()
	s, ok := c.sessions[handle]
	c.mu.Unlock()
	if ok {
		s.Recv(video, buf)
	}
}

// memsinkLoop is the video intake thread: watcher-gated attach, lock-step
// frame waits, packetize, fan out, detach on trouble with a 1 s back-off.
func (c *Controller) memsinkLoop() {
	defer c.wg.Done()

	f := frame.New()
	var lastID uint64

	// One log line per distinct condition, not one per retry.
	const (
		reportedNone = iota
		reportedNoWatchers
		reportedAttachFailed
	)
	reported := reportedNone

	for !c.stop.Load() {
		if !c.hasWatchers.Load() {
			if reported != reportedNoWatchers {
				c.log.Info("no active watchers, memsink disconnected")
				reported = reportedNoWatchers
			}
			c.sleep(watchersPoll)
			continue
		}

		if err := c.reader.Attach(); err != nil {
			if reported != reportedAttachFailed {
				c.log.Error("can't open memsink", "error", err)
				reported = reportedAttachFailed
			}
			c.sleep(errorDelay)
			continue
		}
		reported = reportedNone

		// Ask the producer for a key frame so new watchers can
		// decode without waiting out a GOP.
		keyRequired := true

		for !c.stop.Load() && c.hasWatchers.Load() {
			status, err := c.reader.WaitFrame(lastID)
			if err != nil {
				c.log.Error("memsink wait failed", "error", err)
				break
			}
			if status == memsink.NoData {
				continue
			}

			id, err := c.reader.ReadFrame(f, keyRequired)
			lastID = id
			if err != nil {
				if errors.Is(err, memsink.ErrNotH264) {
					if c.protoWarn.Allow() {
						c.log.Error("got non-H264 frame from memsink", "format", f.Format.String())
					}
					continue
				}
				c.log.Error("memsink read failed", "error", err)
				break
			}
			keyRequired = false

			c.log.Dbg(logger.CatMemsink, "frame", "id", id, "used", f.Used, "key", f.Key)
			if err := c.rtpv.Wrap(f, mono.VideoPTS(), false); err != nil && c.protoWarn.Allow() {
				c.log.Error("can't packetize frame", "error", err)
			}
		}

		c.reader.Detach()
		c.sleep(errorDelay)
	}

	c.reader.Detach()
}

// audioLoop pumps encoded OPUS frames into the audio packetizer.
func (c *Controller) audioLoop() {
	defer c.wg.Done()

	buf := make([]byte, rtp.PayloadSize)
	for !c.stop.Load() {
		n, pts, err := c.acap.GetEncoded(buf)
		switch {
		case err == nil:
			c.rtpa.Wrap(buf[:n], pts)
		case errors.Is(err, acap.ErrStopped):
			c.log.Error("audio capture stopped, audio relay exiting")
			return
		default:
			// ErrNoData: nothing this tick.
		}
	}
}

// sleep waits without outliving the stop flag by more than one tick.
func (c *Controller) sleep(d time.Duration) {
	const tick = 25 * time.Millisecond
	deadline := time.Now().Add(d)
	for !c.stop.Load() && time.Now().Before(deadline) {
		remaining := time.Until(deadline)
		if remaining > tick {
			remaining = tick
		}
		time.Sleep(remaining)
	}
}

// Destroy tears the dataplane down: intake threads first, then sessions,
// then audio.
func (c *Controller) Destroy() {
	c.stop.Store(true)
	c.wg.Wait()

	c.mu.Lock()
	sessions := make([]*session.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[gateway.Handle]*session.Session)
	c.hasWatchers.Store(false)
	c.mu.Unlock()

	for _, s := range sessions {
		if c.mixer != nil {
			c.mixer.Unregister(s.Playback())
		}
		s.Close()
	}

	if c.acap != nil {
		c.acap.Close()
	}
	if c.mixer != nil {
		c.mixer.Close()
	}
	c.log.Info("dataplane destroyed")
}
