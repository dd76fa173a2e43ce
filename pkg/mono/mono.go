// Package mono reads the CLOCK_MONOTONIC clock directly. The shared-memory
// protocol stamps timestamps that must be comparable across processes, so
// Go's internal monotonic reading (relative to process start) is not enough.
package mono

import (
	"time"

	"golang.org/x/sys/unix"
)

// Now returns CLOCK_MONOTONIC in seconds.
func Now() float64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// The vDSO call cannot fail with a valid clock id.
		panic(err)
	}
	return float64(ts.Sec) + float64(ts.Nsec)/1e9
}

// NowNano returns CLOCK_MONOTONIC in nanoseconds.
func NowNano() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		panic(err)
	}
	return uint64(ts.Sec)*1e9 + uint64(ts.Nsec)
}

// VideoPTS converts the current monotonic time to 90 kHz RTP units.
func VideoPTS() uint32 {
	return uint32(NowNano() * 9 / 100_000)
}

// NowID returns a wall-clock derived identifier for SDP origin lines.
func NowID() uint64 {
	return uint64(time.Now().UnixMicro())
}
