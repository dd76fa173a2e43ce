package rtp

import (
	"fmt"
	"sync"

	"github.com/edvahn/kvm-stream-gate/pkg/frame"
	"github.com/edvahn/kvm-stream-gate/pkg/logger"
)

const (
	// NAL unit types
	NALUTypePFrame = 1
	NALUTypeIFrame = 5
	NALUTypeSEI    = 6
	NALUTypeSPS    = 7
	NALUTypePPS    = 8
	NALUTypeAUD    = 9
	NALUTypeFUA    = 28 // Fragmentation Unit A

	// Annex-B start code prefix length (00 00 01)
	annexBPrefix = 3

	// FU-A spends two extra bytes on indicator+header.
	fuOverhead = HeaderSize + 2
)

// Callback receives each assembled datagram. The packet is reused for the
// next datagram as soon as the callback returns, so implementations must
// copy what they keep.
type Callback func(*Packet)

// VideoPacketizer slices Annex-B H.264 access units into RFC 6184
// single-NALU and FU-A datagrams. It also captures the most recent SPS/PPS
// pair for SDP generation; that pair is the only state shared with other
// threads and is guarded by its own lock.
type VideoPacketizer struct {
	stream   stream
	callback Callback
	log      *logger.Logger

	mu  sync.Mutex
	sps []byte
	pps []byte
}

// NewVideoPacketizer creates an H.264 packetizer emitting to callback.
func NewVideoPacketizer(callback Callback, log *logger.Logger) *VideoPacketizer {
	return &VideoPacketizer{
		stream:   newStream(PayloadH264, true),
		callback: callback,
		log:      log.With("component", "rtpv"),
	}
}

// SSRC returns the randomized stream identifier.
func (v *VideoPacketizer) SSRC() uint32 {
	return v.stream.ssrc
}

// HaveParams reports whether both SPS and PPS have been observed.
func (v *VideoPacketizer) HaveParams() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.sps) > 0 && len(v.pps) > 0
}

// Params returns copies of the most recent SPS and PPS, or nils before the
// first parameter sets arrive.
func (v *VideoPacketizer) Params() (sps, pps []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.sps) == 0 || len(v.pps) == 0 {
		return nil, nil
	}
	sps = make([]byte, len(v.sps))
	copy(sps, v.sps)
	pps = make([]byte, len(v.pps))
	copy(pps, v.pps)
	return sps, pps
}

// Wrap packetizes one access unit. All NALUs of the unit share a timestamp;
// only the final datagram of the unit carries the marker bit.
func (v *VideoPacketizer) Wrap(f *frame.Frame, pts uint32, zeroPlayoutDelay bool) error {
	if f.Format != frame.FormatH264 {
		return fmt.Errorf("rtp: refusing to wrap %s frame", f.Format)
	}
	v.stream.pkt.ZeroPlayoutDelay = zeroPlayoutDelay

	data := f.Data[:f.Used]
	lastOffset := -annexBPrefix

	for {
		nextStart := lastOffset + annexBPrefix
		offset := findAnnexB(data[nextStart:])
		if offset < 0 {
			break
		}
		offset += nextStart

		if lastOffset >= 0 {
			nalu := data[lastOffset+annexBPrefix : offset]
			// A start code may be preceded by an extra 00 belonging
			// to a 4-byte prefix; trim it off the previous NALU.
			if len(nalu) > 0 && nalu[len(nalu)-1] == 0 {
				nalu = nalu[:len(nalu)-1]
			}
			v.processNALU(nalu, pts, false)
		}
		lastOffset = offset
	}

	if lastOffset >= 0 {
		v.processNALU(data[lastOffset+annexBPrefix:], pts, true)
	}
	return nil
}

func (v *VideoPacketizer) processNALU(nalu []byte, pts uint32, marked bool) {
	if len(nalu) == 0 {
		return
	}
	refIdc := (nalu[0] >> 5) & 0x3
	naluType := nalu[0] & 0x1F

	switch naluType {
	case NALUTypeSPS:
		v.storeParam(&v.sps, nalu)
	case NALUTypePPS:
		v.storeParam(&v.pps, nalu)
	}

	if len(nalu)+HeaderSize <= DatagramSize {
		v.debugNALU(naluType, len(nalu), false)
		v.stream.writeHeader(pts, marked)
		copy(v.stream.pkt.Datagram[HeaderSize:], nalu)
		v.stream.pkt.Used = HeaderSize + len(nalu)
		v.callback(&v.stream.pkt)
		return
	}

	v.debugNALU(naluType, len(nalu), true)

	// FU-A: the NALU header byte is consumed and re-expressed in the
	// indicator/header pair of every fragment.
	src := nalu[1:]
	first := true
	for len(src) > 0 {
		fragSize := DatagramSize - fuOverhead
		last := len(src) <= fragSize
		if last {
			fragSize = len(src)
		}

		v.stream.writeHeader(pts, marked && last)

		dg := &v.stream.pkt.Datagram
		dg[HeaderSize] = NALUTypeFUA | refIdc<<5

		fu := naluType
		if first {
			fu |= 0x80
		}
		if last {
			fu |= 0x40
		}
		dg[HeaderSize+1] = fu

		copy(dg[fuOverhead:], src[:fragSize])
		v.stream.pkt.Used = fuOverhead + fragSize
		v.callback(&v.stream.pkt)

		src = src[fragSize:]
		first = false
	}
}

func (v *VideoPacketizer) storeParam(dst *[]byte, nalu []byte) {
	v.mu.Lock()
	*dst = append((*dst)[:0], nalu...)
	v.mu.Unlock()
}

func (v *VideoPacketizer) debugNALU(naluType uint8, size int, fragmented bool) {
	if v.log.Enabled(logger.CatRTP) {
		v.log.Dbg(logger.CatRTP, "NAL unit",
			"type", naluType,
			"type_name", naluTypeName(naluType),
			"size", size,
			"fragmented", fragmented)
	}
}

func naluTypeName(naluType uint8) string {
	switch naluType {
	case NALUTypePFrame:
		return "P-frame"
	case NALUTypeIFrame:
		return "IDR"
	case NALUTypeSEI:
		return "SEI"
	case NALUTypeSPS:
		return "SPS"
	case NALUTypePPS:
		return "PPS"
	case NALUTypeAUD:
		return "AUD"
	case NALUTypeFUA:
		return "FU-A"
	default:
		return fmt.Sprintf("unknown(%d)", naluType)
	}
}

// findAnnexB locates the next 00 00 01 start code, or -1.
func findAnnexB(data []byte) int {
	for i := 0; i+annexBPrefix <= len(data); i++ {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			return i
		}
	}
	return -1
}
