// Copyright 2022 the LogFs Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package accesslog builds and emits the fixed-width access records
// written for every open, close, read and write that traverses the
// mount. One record is exactly one line; all fields have fixed widths
// so a record can be recovered from a byte offset without framing.
package accesslog

import (
	"fmt"
)

// Field widths. A record is the comma-separated concatenation of the
// fields below, followed by the space-padded path and a newline.
const (
	SizeTimeSec    = 20 // maybe a '-' followed by up to 19 digits
	SizeTimeMsec   = 3
	SizeTime       = SizeTimeSec + 1 + SizeTimeMsec
	SizePid        = 11 // maybe a '-' followed by up to 10 digits
	SizeInode      = 20
	SizeEvent      = 1
	SizeResult     = 11
	SizeFilehandle = 20
	SizeOffset     = 20
	SizeSize       = 20
	SizeFlags      = 10 // "0x" followed by 8 hex digits
	SizePath       = 240
)

// Byte offsets of each field within a record.
const (
	OffRTimeStart = 0
	OffRTimeEnd   = OffRTimeStart + SizeTime + 1
	OffPid        = OffRTimeEnd + SizeTime + 1
	OffUTimeStart = OffPid + SizePid + 1
	OffUTimeEnd   = OffUTimeStart + SizeTime + 1
	OffSTimeStart = OffUTimeEnd + SizeTime + 1
	OffSTimeEnd   = OffSTimeStart + SizeTime + 1
	OffInode      = OffSTimeEnd + SizeTime + 1
	OffEvent      = OffInode + SizeInode + 1
	OffResult     = OffEvent + SizeEvent + 1
	OffFilehandle = OffResult + SizeResult + 1
	OffOffset     = OffFilehandle + SizeFilehandle + 1
	OffSize       = OffOffset + SizeOffset + 1
	OffFlags      = OffSize + SizeSize + 1
	OffPath       = OffFlags + SizeFlags + 1

	// SizeEntry is the record length without the trailing newline.
	SizeEntry = OffPath + SizePath
)

// Event kinds.
const (
	EventOpen  = 'O'
	EventClose = 'C'
	EventRead  = 'R'
	EventWrite = 'W'
)

// Filehandle sentinels.
const (
	// FhNone marks an event that carries no file handle (an Open
	// that has not succeeded yet, or a failed one).
	FhNone = -1
	// FhUnknown marks an event whose kernel file handle was never
	// registered. The release handler suppresses such close records;
	// read and write records are written with this value.
	FhUnknown = -2
)

// Entry is an in-flight record. It is allocated by the caller (usually
// on the stack of a request handler), started by one of the Begin
// methods on Logger, finished with End and serialized with Format.
type Entry struct {
	logger *Logger

	rStart, rEnd Stamp
	uStart, uEnd Stamp
	sStart, sEnd Stamp

	pid        int32
	inode      uint64
	event      byte
	result     int32
	filehandle int64
	offset     uint64
	size       uint64
	flags      uint32

	buf [SizeEntry + 1]byte
}

// BeginOpen starts an open record. The file handle is assigned in End
// once the outcome of the open is known.
func (l *Logger) BeginOpen(pid uint32, ino uint64, flags uint32) Entry {
	e := l.begin(pid, ino, EventOpen, FhNone)
	e.flags = flags
	return e
}

// BeginClose starts a close record for the given kernel file handle.
func (l *Logger) BeginClose(pid uint32, ino uint64, fh uint64) Entry {
	return l.begin(pid, ino, EventClose, int64(fh))
}

// BeginRead starts a read record.
func (l *Logger) BeginRead(pid uint32, ino uint64, fh uint64, off uint64, size uint64) Entry {
	e := l.begin(pid, ino, EventRead, int64(fh))
	e.offset = off
	e.size = size
	return e
}

// BeginWrite starts a write record.
func (l *Logger) BeginWrite(pid uint32, ino uint64, fh uint64, off uint64, size uint64) Entry {
	e := l.begin(pid, ino, EventWrite, int64(fh))
	e.offset = off
	e.size = size
	return e
}

func (l *Logger) begin(pid uint32, ino uint64, evt byte, fh int64) Entry {
	e := Entry{
		logger: l,
		pid:    int32(pid),
		event:  evt,
	}
	if fh != FhNone {
		if logical, ok := l.lookupHandle(uint64(fh)); ok {
			e.filehandle = logical
		} else {
			e.filehandle = FhUnknown
		}
	} else {
		e.filehandle = FhNone
	}
	if ino != 0 {
		e.inode = l.inodeID(ino)
	}
	e.rStart = l.clock.now()
	e.uStart, e.sStart = l.pidTimes(e.pid)
	return e
}

// End records the end timestamps and the outcome. For open events a
// non-negative res is the new kernel file handle: a fresh logical
// handle ID is issued and registered for it, and the stored result is
// zero. For every other event res is stored verbatim (bytes moved, or
// a negated errno).
func (e *Entry) End(res int64) {
	e.rEnd = e.logger.clock.now()
	e.uEnd, e.sEnd = e.logger.pidTimes(e.pid)
	if e.event == EventOpen {
		if res >= 0 {
			e.filehandle = e.logger.registerHandle(uint64(res))
			e.result = 0
		} else {
			e.result = int32(res)
			e.filehandle = FhNone
		}
		return
	}
	e.result = int32(res)
}

// UnknownHandle reports whether the event's kernel file handle was
// never registered, in which case the record should not be written.
func (e *Entry) UnknownHandle() bool {
	return e.filehandle == FhUnknown
}

// Format serializes the record into the entry's buffer and returns it,
// newline included. The path field is left blank; callers may fill
// buf[OffPath:OffPath+SizePath] before handing the buffer to Emit.
func (e *Entry) Format() []byte {
	b := fmt.Appendf(e.buf[:0],
		"%20d.%03d,%20d.%03d,%11d,%20d.%03d,%20d.%03d,%20d.%03d,%20d.%03d,%20d,%c,%11d,%20d,%20d,%20d,0x%08x,%240s",
		e.rStart.Sec, e.rStart.Msec,
		e.rEnd.Sec, e.rEnd.Msec,
		e.pid,
		e.uStart.Sec, e.uStart.Msec,
		e.uEnd.Sec, e.uEnd.Msec,
		e.sStart.Sec, e.sStart.Msec,
		e.sEnd.Sec, e.sEnd.Msec,
		e.inode,
		e.event,
		e.result,
		e.filehandle,
		e.offset,
		e.size,
		e.flags,
		"")
	b = append(b, '\n')
	return b
}
