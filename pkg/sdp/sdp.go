// Package sdp builds the session offer advertised to signalling clients.
// The video m-section always precedes the audio one so stream indices stay
// stable whether or not audio is available.
package sdp

import (
	"encoding/base64"
	"errors"
	"fmt"

	pionsdp "github.com/pion/sdp/v3"

	"github.com/edvahn/kvm-stream-gate/pkg/mono"
	"github.com/edvahn/kvm-stream-gate/pkg/rtp"
)

// ErrNoParams means no SPS/PPS pair has been seen yet, so a decodable video
// section cannot be offered.
var ErrNoParams = errors.New("sdp: no SPS/PPS received yet")

const cname = "ustreamer"

// Offer renders the SDP offer. audio may be nil when capture is disabled;
// mic selects sendrecv on the audio section when the return channel is up.
func Offer(video *rtp.VideoPacketizer, audio *rtp.AudioPacketizer, mic bool) (string, error) {
	sps, pps := video.Params()
	if sps == nil {
		return "", ErrNoParams
	}

	session := &pionsdp.SessionDescription{
		Origin: pionsdp.Origin{
			Username:       "-",
			SessionID:      mono.NowID() >> 1,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "0.0.0.0",
		},
		SessionName:      "PiKVM uStreamer",
		TimeDescriptions: []pionsdp.TimeDescription{{}},
	}

	session.MediaDescriptions = append(session.MediaDescriptions, videoSection(video, sps, pps))
	if audio != nil {
		session.MediaDescriptions = append(session.MediaDescriptions, audioSection(audio, mic))
	}

	raw, err := session.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal SDP: %w", err)
	}
	return string(raw), nil
}

func videoSection(video *rtp.VideoPacketizer, sps, pps []byte) *pionsdp.MediaDescription {
	pl := rtp.PayloadH264
	b64 := base64.StdEncoding
	return &pionsdp.MediaDescription{
		MediaName: pionsdp.MediaName{
			Media:   "video",
			Port:    pionsdp.RangedPort{Value: 1},
			Protos:  []string{"RTP", "SAVPF"},
			Formats: []string{fmt.Sprintf("%d", pl)},
		},
		ConnectionInformation: connection(),
		Attributes: attributes(
			fmt.Sprintf("rtpmap:%d H264/90000", pl),
			fmt.Sprintf("fmtp:%d profile-level-id=42E01F;packetization-mode=1;sprop-parameter-sets=%s,%s",
				pl, b64.EncodeToString(sps), b64.EncodeToString(pps)),
			fmt.Sprintf("rtcp-fb:%d nack", pl),
			fmt.Sprintf("rtcp-fb:%d nack pli", pl),
			fmt.Sprintf("rtcp-fb:%d goog-remb", pl),
			"mid:v",
			"msid:video v",
			fmt.Sprintf("ssrc:%d cname:%s", video.SSRC(), cname),
			"extmap:1/sendonly urn:3gpp:video-orientation",
			"extmap:2/sendonly http://www.webrtc.org/experiments/rtp-hdrext/playout-delay",
			"extmap:3/sendonly http://www.webrtc.org/experiments/rtp-hdrext/abs-capture-time",
			"sendonly",
		),
	}
}

func audioSection(audio *rtp.AudioPacketizer, mic bool) *pionsdp.MediaDescription {
	pl := rtp.PayloadOpus
	direction := "sendonly"
	if mic {
		direction = "sendrecv"
	}
	return &pionsdp.MediaDescription{
		MediaName: pionsdp.MediaName{
			Media:   "audio",
			Port:    pionsdp.RangedPort{Value: 1},
			Protos:  []string{"RTP", "SAVPF"},
			Formats: []string{fmt.Sprintf("%d", pl)},
		},
		ConnectionInformation: connection(),
		Attributes: attributes(
			fmt.Sprintf("rtpmap:%d OPUS/%d/%d", pl, rtp.OpusHz, rtp.OpusChannels),
			fmt.Sprintf("fmtp:%d sprop-stereo=1", pl),
			fmt.Sprintf("rtcp-fb:%d nack", pl),
			fmt.Sprintf("rtcp-fb:%d nack pli", pl),
			fmt.Sprintf("rtcp-fb:%d goog-remb", pl),
			"mid:a",
			"msid:audio a",
			fmt.Sprintf("ssrc:%d cname:%s", audio.SSRC(), cname),
			direction,
		),
	}
}

func connection() *pionsdp.ConnectionInformation {
	return &pionsdp.ConnectionInformation{
		NetworkType: "IN",
		AddressType: "IP4",
		Address:     &pionsdp.Address{Address: "0.0.0.0"},
	}
}

func attributes(values ...string) []pionsdp.Attribute {
	attrs := make([]pionsdp.Attribute, 0, len(values))
	for _, v := range values {
		attrs = append(attrs, pionsdp.NewAttribute(v, ""))
	}
	return attrs
}
