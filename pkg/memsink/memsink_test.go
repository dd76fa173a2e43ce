package memsink

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/edvahn/kvm-stream-gate/pkg/frame"
	"github.com/edvahn/kvm-stream-gate/pkg/logger"
)

func TestKindOfObject(t *testing.T) {
	tests := []struct {
		obj  string
		want SinkKind
	}{
		{"kvmd::ustreamer::h264", KindH264},
		{"demo.h264", KindH264},
		{"kvmd::ustreamer::jpeg", KindJPEG},
		{"sink.JPEG", KindJPEG},
		{"capture.raw", KindRaw},
		{"plain", KindUnknown},
		{"noext.", KindUnknown},
		{"weird:mp4", KindUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindOfObject(tt.obj), "object %q", tt.obj)
	}
}

func TestKindCapacities(t *testing.T) {
	assert.Equal(t, 4*1024*1024, KindJPEG.Capacity())
	assert.Equal(t, 2*1024*1024, KindH264.Capacity())
	assert.Equal(t, 1920*1200*3, KindRaw.Capacity())
	assert.Equal(t, 0, KindUnknown.Capacity())
}

func TestHeaderRoundTrip(t *testing.T) {
	mem := make([]byte, HeaderSize)
	want := header{
		Magic:         Magic,
		Version:       Version,
		ID:            42,
		Used:          1234,
		Width:         1920,
		Height:        1080,
		Format:        uint32(frame.FormatH264),
		Stride:        1920,
		Online:        true,
		Key:           true,
		GOP:           30,
		GrabTS:        12.5,
		EncodeBeginTS: 12.6,
		EncodeEndTS:   12.7,
		LastClientTS:  0,
		KeyRequested:  false,
	}
	encodeHeader(mem, want)
	assert.Equal(t, want, decodeHeader(mem))
}

func TestNewReaderRejectsUnknownKind(t *testing.T) {
	_, err := NewReader("mystery-object", logger.Default())
	assert.Error(t, err)
}

// newTestSink creates a real region under /dev/shm and returns its object
// name plus the raw backing file for writer-side manipulation.
func newTestSink(t *testing.T) (string, *os.File) {
	t.Helper()
	if _, err := os.Stat("/dev/shm"); err != nil {
		t.Skip("/dev/shm not available")
	}

	obj := fmt.Sprintf("streamgate-test-%d.h264", os.Getpid())
	path := "/dev/shm/" + obj
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(HeaderSize+KindH264.Capacity())))
	t.Cleanup(func() {
		f.Close()
		os.Remove(path)
	})
	return obj, f
}

func writeTestFrame(t *testing.T, f *os.File, id uint64, format uint32, data []byte) {
	t.Helper()
	mem := make([]byte, HeaderSize+len(data))
	encodeHeader(mem, header{
		Magic:   Magic,
		Version: Version,
		ID:      id,
		Used:    uint64(len(data)),
		Width:   640,
		Height:  480,
		Format:  format,
		Stride:  640,
		Online:  true,
		Key:     true,
		GOP:     30,
		GrabTS:  1.0,
	})
	copy(mem[HeaderSize:], data)
	_, err := f.WriteAt(mem, 0)
	require.NoError(t, err)
}

func TestAttachWaitRead(t *testing.T) {
	obj, file := newTestSink(t)
	payload := []byte{0x00, 0x00, 0x01, 0x65, 0x11, 0x22, 0x33}
	writeTestFrame(t, file, 7, uint32(frame.FormatH264), payload)

	r, err := NewReader(obj, logger.Default())
	require.NoError(t, err)
	require.NoError(t, r.Attach())
	defer r.Detach()

	status, err := r.WaitFrame(0)
	require.NoError(t, err)
	require.Equal(t, Ready, status)

	dst := frame.New()
	id, err := r.ReadFrame(dst, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), id)
	assert.Equal(t, payload, dst.Data[:dst.Used])
	assert.Equal(t, frame.FormatH264, dst.Format)
	assert.Equal(t, uint32(640), dst.Width)
	assert.True(t, dst.Key)

	// The reader stamped its liveness and the key request, and the lock
	// was released.
	h := decodeHeader(r.mem)
	assert.Greater(t, h.LastClientTS, 0.0)
	assert.True(t, h.KeyRequested)
	require.NoError(t, unix.Flock(r.fd, unix.LOCK_EX|unix.LOCK_NB))
	require.NoError(t, unix.Flock(r.fd, unix.LOCK_UN))
}

func TestWaitFrameTimesOutOnStaleID(t *testing.T) {
	obj, file := newTestSink(t)
	writeTestFrame(t, file, 3, uint32(frame.FormatH264), []byte{0x00, 0x00, 0x01, 0x65})

	r, err := NewReader(obj, logger.Default())
	require.NoError(t, err)
	require.NoError(t, r.Attach())
	defer r.Detach()

	r.WaitTimeout = 30 * time.Millisecond

	start := time.Now()
	status, err := r.WaitFrame(3) // already seen
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, NoData, status)
	assert.GreaterOrEqual(t, elapsed, 25*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestWaitFrameRejectsBadMagic(t *testing.T) {
	obj, file := newTestSink(t)
	writeTestFrame(t, file, 9, uint32(frame.FormatH264), []byte{0x01})

	// Corrupt the magic; the frame must never be reported ready.
	_, err := file.WriteAt([]byte{0xDE, 0xAD}, 0)
	require.NoError(t, err)

	r, err := NewReader(obj, logger.Default())
	require.NoError(t, err)
	require.NoError(t, r.Attach())
	defer r.Detach()

	r.WaitTimeout = 30 * time.Millisecond
	status, err := r.WaitFrame(0)
	require.NoError(t, err)
	assert.Equal(t, NoData, status)
}

func TestReadFrameNonH264(t *testing.T) {
	obj, file := newTestSink(t)
	mjpg := uint32(frame.MakeFourCC('M', 'J', 'P', 'G'))
	writeTestFrame(t, file, 1, mjpg, []byte{0xFF, 0xD8})

	r, err := NewReader(obj, logger.Default())
	require.NoError(t, err)
	require.NoError(t, r.Attach())
	defer r.Detach()

	status, err := r.WaitFrame(0)
	require.NoError(t, err)
	require.Equal(t, Ready, status)

	dst := frame.New()
	id, err := r.ReadFrame(dst, false)
	assert.Equal(t, uint64(1), id)
	assert.ErrorIs(t, err, ErrNotH264)

	// Lock released even on the error path.
	require.NoError(t, unix.Flock(r.fd, unix.LOCK_EX|unix.LOCK_NB))
	require.NoError(t, unix.Flock(r.fd, unix.LOCK_UN))
}

func TestAttachMissingObject(t *testing.T) {
	r, err := NewReader("definitely-not-there.h264", logger.Default())
	require.NoError(t, err)
	assert.Error(t, r.Attach())
}
