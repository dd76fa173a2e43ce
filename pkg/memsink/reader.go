// Package memsink attaches to the POSIX shared-memory frame sink written by
// the uStreamer capture process and reads H.264 access units out of it under
// the advisory-flock protocol.
package memsink

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/edvahn/kvm-stream-gate/pkg/frame"
	"github.com/edvahn/kvm-stream-gate/pkg/logger"
	"github.com/edvahn/kvm-stream-gate/pkg/mono"
)

// ErrNotH264 is returned by ReadFrame when the sink carries another format.
var ErrNotH264 = errors.New("memsink: got non-H264 frame")

// Status is the outcome of a WaitFrame cycle.
type Status int

const (
	// Ready means a new frame is present and the advisory lock is HELD;
	// the caller must follow up with ReadFrame, which releases it.
	Ready Status = iota
	// NoData means the deadline passed without a new frame; the lock is free.
	NoData
)

// Reader is a detached-by-default handle on a shared-memory sink.
type Reader struct {
	obj  string
	kind SinkKind
	log  *logger.Logger

	// Wait protocol knobs, preset to the sink convention.
	WaitTimeout  time.Duration
	LockTimeout  time.Duration
	PollInterval time.Duration

	fd  int
	mem []byte

	versionWarned bool
}

// NewReader validates the object name and prepares a reader. No resources
// are held until Attach.
func NewReader(obj string, log *logger.Logger) (*Reader, error) {
	kind := KindOfObject(obj)
	if kind == KindUnknown {
		return nil, fmt.Errorf("memsink: can't infer capacity from object name %q", obj)
	}
	return &Reader{
		obj:          obj,
		kind:         kind,
		log:          log.With("component", "memsink", "object", obj),
		WaitTimeout:  time.Second,
		LockTimeout:  time.Second,
		PollInterval: time.Millisecond,
		fd:           -1,
	}, nil
}

// Kind returns the sink kind parsed from the object name.
func (r *Reader) Kind() SinkKind {
	return r.kind
}

// Attached reports whether the region is currently mapped.
func (r *Reader) Attached() bool {
	return r.mem != nil
}

// Attach opens and maps the shared-memory object read-write.
func (r *Reader) Attach() error {
	if r.Attached() {
		return nil
	}

	// shm_open("name") is open("/dev/shm/name") on Linux.
	name := strings.TrimPrefix(r.obj, "/")
	fd, err := unix.Open(path.Join("/dev/shm", name), unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open memsink %s: %w", r.obj, err)
	}

	size := HeaderSize + r.kind.Capacity()
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("map memsink %s (%d bytes): %w", r.obj, size, err)
	}

	r.fd = fd
	r.mem = mem
	r.log.Info("memsink opened", "kind", r.kind.String(), "capacity", r.kind.Capacity())
	return nil
}

// Detach unmaps and closes the sink. Safe to call repeatedly.
func (r *Reader) Detach() {
	if r.mem != nil {
		if err := unix.Munmap(r.mem); err != nil {
			r.log.Warn("can't unmap memsink", "error", err)
		}
		r.mem = nil
		r.log.Info("memsink closed")
	}
	if r.fd >= 0 {
		unix.Close(r.fd)
		r.fd = -1
	}
}

// WaitFrame polls for a frame whose id differs from lastID. On Ready the
// advisory lock is held and must be released by ReadFrame. On NoData the
// deadline expired. Any flock failure other than EWOULDBLOCK is an I/O error
// that ends the current attach cycle.
func (r *Reader) WaitFrame(lastID uint64) (Status, error) {
	deadline := mono.Now() + r.WaitTimeout.Seconds()
	for {
		err := r.flockTimedWait()
		now := mono.Now()
		if err != nil && !errors.Is(err, unix.EWOULDBLOCK) {
			return NoData, fmt.Errorf("lock memsink: %w", err)
		}
		if err == nil {
			h := decodeHeader(r.mem)
			if h.Magic == Magic && h.Version == Version && h.ID != lastID {
				return Ready, nil
			}
			if h.Magic == Magic && h.Version != Version && !r.versionWarned {
				r.log.Warn("memsink version mismatch", "want", Version, "got", h.Version)
				r.versionWarned = true
			}
			if err := unix.Flock(r.fd, unix.LOCK_UN); err != nil {
				return NoData, fmt.Errorf("unlock memsink: %w", err)
			}
		}
		if now >= deadline {
			return NoData, nil
		}
		time.Sleep(r.PollInterval)
	}
}

// ReadFrame copies the current frame out of the region. It assumes the lock
// is held (WaitFrame returned Ready), stamps last_client_ts, optionally sets
// key_requested, and releases the lock on every path.
func (r *Reader) ReadFrame(dst *frame.Frame, keyRequired bool) (uint64, error) {
	h := decodeHeader(r.mem)

	used := int(h.Used)
	if max := r.kind.Capacity(); used > max {
		used = max
	}
	dst.SetData(r.mem[HeaderSize : HeaderSize+used])
	dst.Width = h.Width
	dst.Height = h.Height
	dst.Format = frame.FourCC(h.Format)
	dst.Stride = h.Stride
	dst.Online = h.Online
	dst.Key = h.Key
	dst.GOP = h.GOP
	dst.GrabTS = h.GrabTS
	dst.EncodeBeginTS = h.EncodeBeginTS
	dst.EncodeEndTS = h.EncodeEndTS

	setLastClientTS(r.mem, mono.Now())
	if keyRequired {
		setKeyRequested(r.mem)
	}

	var ferr error
	if dst.Format != frame.FormatH264 {
		ferr = fmt.Errorf("%w: %s", ErrNotH264, dst.Format)
	}
	if err := unix.Flock(r.fd, unix.LOCK_UN); err != nil {
		ferr = fmt.Errorf("unlock memsink: %w", err)
	}
	return h.ID, ferr
}

// flockTimedWait tries to take the exclusive advisory lock, retrying
// non-blocking attempts until LockTimeout. Returns EWOULDBLOCK on timeout so
// callers can tell contention from real I/O failure.
func (r *Reader) flockTimedWait() error {
	deadline := mono.Now() + r.LockTimeout.Seconds()
	for {
		err := unix.Flock(r.fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil || !errors.Is(err, unix.EWOULDBLOCK) {
			return err
		}
		if mono.Now() >= deadline {
			return unix.EWOULDBLOCK
		}
		time.Sleep(r.PollInterval)
	}
}
