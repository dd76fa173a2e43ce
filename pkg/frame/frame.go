package frame

import (
	"bytes"
	"fmt"
)

// FourCC is a 32-bit little-endian pixel/stream format tag, V4L2 style.
type FourCC uint32

// MakeFourCC builds a FourCC from its four characters.
func MakeFourCC(a, b, c, d byte) FourCC {
	return FourCC(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

// FormatH264 is the only format accepted from the memsink.
var FormatH264 = MakeFourCC('H', '2', '6', '4')

// String renders the FourCC the way V4L2 tools print it.
func (f FourCC) String() string {
	buf := make([]byte, 0, 8)
	for shift := 0; shift < 32; shift += 8 {
		buf = append(buf, byte(f>>shift)&0x7F)
	}
	if f&(1<<31) != 0 {
		buf = append(buf, '-', 'B', 'E')
	}
	return string(buf)
}

// Frame is an owned byte buffer plus capture metadata. The buffer grows but
// never shrinks, so a frame allocated once at pipeline start is reused for
// the lifetime of the process.
type Frame struct {
	Data []byte // Data[:Used] is the payload; cap(Data) is the allocation

	Used   int
	Width  uint32
	Height uint32
	Format FourCC
	Stride uint32
	Online bool
	Key    bool
	GOP    uint32

	// Monotonic timestamps in seconds
	GrabTS        float64
	EncodeBeginTS float64
	EncodeEndTS   float64
}

// New allocates a frame with an initial buffer.
func New() *Frame {
	return &Frame{Data: make([]byte, 0, 512*1024)}
}

// Grow ensures the buffer can hold at least size bytes without
// shrinking an existing allocation.
func (f *Frame) Grow(size int) {
	if cap(f.Data) < size {
		grown := make([]byte, size)
		copy(grown, f.Data[:f.Used])
		f.Data = grown[:len(f.Data)]
	}
}

// SetData replaces the payload, reallocating only if the buffer is too small.
func (f *Frame) SetData(data []byte) {
	f.Grow(len(data))
	f.Data = f.Data[:len(data)]
	copy(f.Data, data)
	f.Used = len(data)
}

// AppendData appends to the payload.
func (f *Frame) AppendData(data []byte) {
	used := f.Used + len(data)
	f.Grow(used)
	f.Data = f.Data[:used]
	copy(f.Data[f.Used:], data)
	f.Used = used
}

// CopyMetaFrom copies the capture metadata (not the payload) from src.
func (f *Frame) CopyMetaFrom(src *Frame) {
	f.Width = src.Width
	f.Height = src.Height
	f.Format = src.Format
	f.Stride = src.Stride
	f.Online = src.Online
	f.Key = src.Key
	f.GOP = src.GOP
	f.GrabTS = src.GrabTS
	f.EncodeBeginTS = src.EncodeBeginTS
	f.EncodeEndTS = src.EncodeEndTS
}

// Equal reports whether two frames carry identical payloads.
func (f *Frame) Equal(other *Frame) bool {
	return f.Used == other.Used && bytes.Equal(f.Data[:f.Used], other.Data[:other.Used])
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame{%s %dx%d used=%d key=%v online=%v}",
		f.Format, f.Width, f.Height, f.Used, f.Key, f.Online)
}
