package sdp

import (
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvahn/kvm-stream-gate/pkg/frame"
	"github.com/edvahn/kvm-stream-gate/pkg/logger"
	"github.com/edvahn/kvm-stream-gate/pkg/rtp"
)

func feedParams(t *testing.T, v *rtp.VideoPacketizer, sps, pps []byte) {
	t.Helper()
	f := frame.New()
	f.Format = frame.FormatH264
	f.AppendData([]byte{0x00, 0x00, 0x01})
	f.AppendData(sps)
	f.AppendData([]byte{0x00, 0x00, 0x01})
	f.AppendData(pps)
	require.NoError(t, v.Wrap(f, 0, false))
}

func TestOfferFailsBeforeParams(t *testing.T) {
	v := rtp.NewVideoPacketizer(func(*rtp.Packet) {}, logger.Default())

	_, err := Offer(v, nil, false)
	assert.ErrorIs(t, err, ErrNoParams)
}

func TestOfferVideoOnly(t *testing.T) {
	v := rtp.NewVideoPacketizer(func(*rtp.Packet) {}, logger.Default())
	sps := []byte{0x67, 0x42, 0xE0, 0x1F, 0x11}
	pps := []byte{0x68, 0xCE, 0x38, 0x80}
	feedParams(t, v, sps, pps)

	offer, err := Offer(v, nil, false)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(offer, "v=0"))
	assert.Contains(t, offer, "s=PiKVM uStreamer")
	assert.Contains(t, offer, "m=video 1 RTP/SAVPF 96")
	assert.Contains(t, offer, "a=rtpmap:96 H264/90000")
	assert.Contains(t, offer, "profile-level-id=42E01F;packetization-mode=1")
	assert.Contains(t, offer, "a=rtcp-fb:96 nack pli")
	assert.Contains(t, offer, "a=rtcp-fb:96 goog-remb")
	assert.Contains(t, offer, "a=mid:v")
	assert.Contains(t, offer, fmt.Sprintf("a=ssrc:%d cname:ustreamer", v.SSRC()))
	assert.Contains(t, offer, "urn:3gpp:video-orientation")
	assert.Contains(t, offer, "rtp-hdrext/playout-delay")
	assert.Contains(t, offer, "rtp-hdrext/abs-capture-time")
	assert.NotContains(t, offer, "m=audio")
}

func TestOfferEmbedsLatestParams(t *testing.T) {
	v := rtp.NewVideoPacketizer(func(*rtp.Packet) {}, logger.Default())
	feedParams(t, v, []byte{0x67, 0x01}, []byte{0x68, 0x01})

	sps := []byte{0x67, 0x42, 0x00, 0x1E, 0xAB}
	pps := []byte{0x68, 0xEF, 0x01}
	feedParams(t, v, sps, pps)

	offer, err := Offer(v, nil, false)
	require.NoError(t, err)

	assert.Contains(t, offer, base64.StdEncoding.EncodeToString(sps))
	assert.Contains(t, offer, base64.StdEncoding.EncodeToString(pps))
	assert.NotContains(t, offer, base64.StdEncoding.EncodeToString([]byte{0x67, 0x01}))
}

func TestOfferWithAudio(t *testing.T) {
	v := rtp.NewVideoPacketizer(func(*rtp.Packet) {}, logger.Default())
	feedParams(t, v, []byte{0x67, 0x42}, []byte{0x68, 0xCE})
	a := rtp.NewAudioPacketizer(func(*rtp.Packet) {}, logger.Default())

	offer, err := Offer(v, a, false)
	require.NoError(t, err)

	assert.Contains(t, offer, "m=audio 1 RTP/SAVPF 97")
	assert.Contains(t, offer, "a=rtpmap:97 OPUS/48000/2")
	assert.Contains(t, offer, "a=fmtp:97 sprop-stereo=1")
	assert.Contains(t, offer, "a=mid:a")
	assert.Contains(t, offer, "a=sendonly")
	assert.NotContains(t, offer, "a=sendrecv")

	// Stable stream indices: video m-section first, always.
	assert.Less(t, strings.Index(offer, "m=video"), strings.Index(offer, "m=audio"))
}

func TestOfferMicSelectsSendrecv(t *testing.T) {
	v := rtp.NewVideoPacketizer(func(*rtp.Packet) {}, logger.Default())
	feedParams(t, v, []byte{0x67, 0x42}, []byte{0x68, 0xCE})
	a := rtp.NewAudioPacketizer(func(*rtp.Packet) {}, logger.Default())

	offer, err := Offer(v, a, true)
	require.NoError(t, err)

	audio := offer[strings.Index(offer, "m=audio"):]
	assert.Contains(t, audio, "a=sendrecv")
}
