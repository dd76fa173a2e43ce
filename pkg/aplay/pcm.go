// Package aplay is the audio return channel: inbound OPUS payloads are
// decoded per session, mixed across sessions, and fed to the ALSA playback
// device.
package aplay

import "github.com/edvahn/kvm-stream-gate/pkg/rtp"

// BlockSamples is one 20 ms stereo block at 48 kHz, interleaved.
const BlockSamples = rtp.OpusFrameSamples * rtp.OpusChannels

// PCMBlock is one decoded 20 ms block. Frames is the per-channel count the
// decoder produced; zero marks a block to be skipped.
type PCMBlock struct {
	Data   [BlockSamples]int16
	Frames int
}

// MixInto combines src into dst. An empty dst takes a plain copy; blocks
// are mixed only when both carry the same frame count, anything else is
// left alone. The mix is the multiplicative soft curve from
// https://stackoverflow.com/questions/12089662: quiet samples multiply,
// loud ones bend toward the rail instead of clipping.
func MixInto(dst, src *PCMBlock) {
	samples := src.Frames * rtp.OpusChannels
	switch {
	case src.Frames == 0:
		return
	case dst.Frames == 0:
		copy(dst.Data[:samples], src.Data[:samples])
		dst.Frames = src.Frames
	case dst.Frames == src.Frames:
		for i := 0; i < samples; i++ {
			a := int32(dst.Data[i]) + 32768
			b := int32(src.Data[i]) + 32768

			var m int32
			if a < 32768 && b < 32768 {
				m = a * b / 32768
			} else {
				m = 2*(a+b) - a*b/32768 - 65536
			}
			if m == 65536 {
				m = 65535
			}
			dst.Data[i] = int16(m - 32768)
		}
	}
}
