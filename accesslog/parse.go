// Copyright 2022 the LogFs Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package accesslog

import (
	"fmt"
	"strconv"
	"strings"
)

// Record is one decoded access record. The zero value of Path means
// the producing handler did not know a filesystem path for the event.
type Record struct {
	RTimeStart Stamp
	RTimeEnd   Stamp
	Pid        int32
	UTimeStart Stamp
	UTimeEnd   Stamp
	STimeStart Stamp
	STimeEnd   Stamp
	Inode      uint64
	Event      byte
	Result     int32
	Filehandle int64
	Offset     uint64
	Size       uint64
	Flags      uint32
	Path       string
}

// ParseRecord decodes one record line as produced by Entry.Format. The
// input must be SizeEntry bytes, optionally followed by the newline.
func ParseRecord(line []byte) (Record, error) {
	switch len(line) {
	case SizeEntry:
	case SizeEntry + 1:
		if line[SizeEntry] != '\n' {
			return Record{}, fmt.Errorf("record does not end in newline")
		}
	default:
		return Record{}, fmt.Errorf("record length %d, want %d", len(line), SizeEntry)
	}

	var (
		r   Record
		err error
	)
	field := func(off, size int) string {
		return strings.TrimSpace(string(line[off : off+size]))
	}
	stamp := func(off int) Stamp {
		s := field(off, SizeTime)
		sec, msec, ok := strings.Cut(s, ".")
		if !ok {
			err = fmt.Errorf("time field at %d: %q", off, s)
			return Stamp{}
		}
		var st Stamp
		if st.Sec, err = strconv.ParseInt(sec, 10, 64); err != nil {
			return Stamp{}
		}
		if st.Msec, err = strconv.ParseInt(msec, 10, 64); err != nil {
			return Stamp{}
		}
		return st
	}

	r.RTimeStart = stamp(OffRTimeStart)
	r.RTimeEnd = stamp(OffRTimeEnd)
	r.UTimeStart = stamp(OffUTimeStart)
	r.UTimeEnd = stamp(OffUTimeEnd)
	r.STimeStart = stamp(OffSTimeStart)
	r.STimeEnd = stamp(OffSTimeEnd)
	if err != nil {
		return Record{}, err
	}

	pid, err := strconv.ParseInt(field(OffPid, SizePid), 10, 32)
	if err != nil {
		return Record{}, fmt.Errorf("pid: %w", err)
	}
	r.Pid = int32(pid)
	if r.Inode, err = strconv.ParseUint(field(OffInode, SizeInode), 10, 64); err != nil {
		return Record{}, fmt.Errorf("inode: %w", err)
	}
	r.Event = line[OffEvent]
	res, err := strconv.ParseInt(field(OffResult, SizeResult), 10, 32)
	if err != nil {
		return Record{}, fmt.Errorf("result: %w", err)
	}
	r.Result = int32(res)
	if r.Filehandle, err = strconv.ParseInt(field(OffFilehandle, SizeFilehandle), 10, 64); err != nil {
		return Record{}, fmt.Errorf("filehandle: %w", err)
	}
	if r.Offset, err = strconv.ParseUint(field(OffOffset, SizeOffset), 10, 64); err != nil {
		return Record{}, fmt.Errorf("offset: %w", err)
	}
	if r.Size, err = strconv.ParseUint(field(OffSize, SizeSize), 10, 64); err != nil {
		return Record{}, fmt.Errorf("size: %w", err)
	}
	flagField := field(OffFlags, SizeFlags)
	if !strings.HasPrefix(flagField, "0x") {
		return Record{}, fmt.Errorf("flags field %q lacks 0x prefix", flagField)
	}
	flags, err := strconv.ParseUint(flagField[2:], 16, 32)
	if err != nil {
		return Record{}, fmt.Errorf("flags: %w", err)
	}
	r.Flags = uint32(flags)
	r.Path = strings.TrimRight(string(line[OffPath:OffPath+SizePath]), " ")
	return r, nil
}
