// Copyright 2022 the LogFs Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package accesslog

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Stamp is a wall-clock instant with millisecond resolution, as it
// appears in a record's time fields.
type Stamp struct {
	Sec  int64
	Msec int64
}

// clock translates the coarse monotonic clock into wall-clock stamps.
// The offset between CLOCK_REALTIME and CLOCK_MONOTONIC_COARSE is
// computed once; per-event reads touch only the coarse clock, which
// keeps stamping cheap and makes stamps on one mount monotone even
// when the wall clock is adjusted.
type clock struct {
	sec  int64
	nsec int64
}

func newClock() (clock, error) {
	var rt, mono unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &rt); err != nil {
		return clock{}, fmt.Errorf("read realtime clock: %w", err)
	}
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC_COARSE, &mono); err != nil {
		return clock{}, fmt.Errorf("read monotonic clock: %w", err)
	}
	// real - mono, with borrow.
	if rt.Nsec < mono.Nsec {
		rt.Nsec += 1e9
		rt.Sec--
	}
	return clock{
		sec:  rt.Sec - mono.Sec,
		nsec: rt.Nsec - mono.Nsec,
	}, nil
}

func (c clock) now() Stamp {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC_COARSE, &ts); err != nil {
		return Stamp{}
	}
	sec := ts.Sec + c.sec
	nsec := ts.Nsec + c.nsec
	if nsec >= 1e9 {
		nsec -= 1e9
		sec++
	}
	return Stamp{Sec: sec, Msec: nsec / 1e6}
}
