// Copyright 2022 the LogFs Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package accesslog

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
)

// Kernel USER_HZ. Fixed at 100 on every architecture Linux exposes to
// userspace through /proc.
const clockTicks = 100

// pidTimes returns the calling process's accumulated user and system
// CPU time. Reading /proc/<pid>/stat costs two file reads per event, so
// it is opt-in; when disabled, or when the process is already gone,
// both stamps are zero.
func (l *Logger) pidTimes(pid int32) (utime, stime Stamp) {
	if !l.cpuTimes || pid <= 0 {
		return Stamp{}, Stamp{}
	}
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return Stamp{}, Stamp{}
	}
	uticks, sticks, err := parseStatTimes(data)
	if err != nil {
		return Stamp{}, Stamp{}
	}
	return ticksToStamp(uticks), ticksToStamp(sticks)
}

// parseStatTimes extracts the utime and stime tick counters (fields 14
// and 15) from a /proc/<pid>/stat line. The comm field may contain
// spaces and parentheses, so parsing starts after the last ')'.
func parseStatTimes(stat []byte) (utime, stime uint64, err error) {
	end := bytes.LastIndexByte(stat, ')')
	if end < 0 || end+2 > len(stat) {
		return 0, 0, fmt.Errorf("malformed stat line")
	}
	fields := bytes.Fields(stat[end+2:])
	// fields[0] is the state, field 3 of the stat line; utime and
	// stime are fields 14 and 15.
	if len(fields) < 13 {
		return 0, 0, fmt.Errorf("stat line too short: %d fields after comm", len(fields))
	}
	if utime, err = strconv.ParseUint(string(fields[11]), 10, 64); err != nil {
		return 0, 0, fmt.Errorf("utime: %w", err)
	}
	if stime, err = strconv.ParseUint(string(fields[12]), 10, 64); err != nil {
		return 0, 0, fmt.Errorf("stime: %w", err)
	}
	return utime, stime, nil
}

func ticksToStamp(ticks uint64) Stamp {
	return Stamp{
		Sec:  int64(ticks / clockTicks),
		Msec: int64(ticks%clockTicks) * (1000 / clockTicks),
	}
}
