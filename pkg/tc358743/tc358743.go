// Package tc358743 queries the Toshiba TC358743 HDMI capture chip through
// its V4L2 user controls: whether the HDMI source carries audio and at what
// sampling rate.
package tc358743

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// V4L2 control plumbing; values match linux/videodev2.h and the TC358743
// driver's user-control block.
const (
	vidiocGCtrl = 0xc008561b // _IOWR('V', 27, struct v4l2_control)

	cidUserBase     = 0x00980900
	cidTC358743Base = cidUserBase + 0x1080

	cidAudioSamplingRate = cidTC358743Base + 0
	cidAudioPresent      = cidTC358743Base + 1
)

// v4l2Control mirrors struct v4l2_control.
type v4l2Control struct {
	ID    uint32
	Value int32
}

// Info is the HDMI audio state reported by the chip.
type Info struct {
	HasAudio bool
	AudioHz  uint32
}

// ReadInfo opens the V4L2 device node and reads both audio controls.
func ReadInfo(path string) (Info, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return Info{}, fmt.Errorf("open TC358743 V4L2 device %s: %w", path, err)
	}
	defer unix.Close(fd)

	present, err := getControl(fd, cidAudioPresent)
	if err != nil {
		return Info{}, fmt.Errorf("get audio-present control: %w", err)
	}
	hz, err := getControl(fd, cidAudioSamplingRate)
	if err != nil {
		return Info{}, fmt.Errorf("get audio-sampling-rate control: %w", err)
	}

	return Info{
		HasAudio: present != 0,
		AudioHz:  uint32(hz),
	}, nil
}

func getControl(fd int, id uint32) (int32, error) {
	ctl := v4l2Control{ID: id}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), vidiocGCtrl, uintptr(unsafe.Pointer(&ctl)))
	if errno != 0 {
		return 0, errno
	}
	return ctl.Value, nil
}
