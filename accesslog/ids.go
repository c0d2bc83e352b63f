// Copyright 2022 the LogFs Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package accesslog

import (
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// Logger owns the process-wide logging state: the clock offset, the
// logical ID allocators, the handle and inode translation tables, and
// the output sink. It is created once per mount and shared by all
// request handlers.
type Logger struct {
	sink     io.Writer
	clock    clock
	cpuTimes bool

	fhMu  sync.RWMutex
	fhs   map[uint64]int64
	curFh atomic.Int64

	inoMu    sync.RWMutex
	inodes   map[uint64]uint64
	curInode atomic.Uint64
}

// Options configures a Logger.
type Options struct {
	// Sink receives the records. Defaults to standard output.
	Sink io.Writer

	// CPUTimes enables reading per-process user/system CPU times
	// from /proc/<pid>/stat for every event. When disabled the CPU
	// time fields are zero.
	CPUTimes bool
}

// New creates a Logger and fixes the clock offset. It fails when
// either clock cannot be read; the caller is expected to treat that as
// fatal.
func New(opts Options) (*Logger, error) {
	c, err := newClock()
	if err != nil {
		return nil, err
	}
	sink := opts.Sink
	if sink == nil {
		sink = os.Stdout
	}
	return &Logger{
		sink:     sink,
		clock:    c,
		cpuTimes: opts.CPUTimes,
		fhs:      make(map[uint64]int64),
		inodes:   make(map[uint64]uint64),
	}, nil
}

// registerHandle issues the next logical handle ID and maps the kernel
// file handle to it. Logical handle IDs start at zero. A kernel handle
// number that is reused after a release simply overwrites the stale
// mapping.
func (l *Logger) registerHandle(kernelFh uint64) int64 {
	id := l.curFh.Add(1) - 1
	l.fhMu.Lock()
	l.fhs[kernelFh] = id
	l.fhMu.Unlock()
	return id
}

func (l *Logger) lookupHandle(kernelFh uint64) (int64, bool) {
	l.fhMu.RLock()
	id, ok := l.fhs[kernelFh]
	l.fhMu.RUnlock()
	return id, ok
}

// InformNewNode assigns a logical inode ID to an underlying inode
// number. With created set (the object was just created through this
// mount) an already-known inode is given a fresh ID, since the number
// now names a different file; otherwise a known inode keeps its ID.
// Logical inode IDs start at one; zero means "never seen".
func (l *Logger) InformNewNode(ino uint64, created bool) {
	l.inoMu.RLock()
	_, ok := l.inodes[ino]
	l.inoMu.RUnlock()
	if ok && !created {
		return
	}
	l.inoMu.Lock()
	if _, ok := l.inodes[ino]; !ok || created {
		l.inodes[ino] = l.curInode.Add(1)
	}
	l.inoMu.Unlock()
}

// inodeID returns the logical ID for an underlying inode number, or
// zero if the inode was never registered.
func (l *Logger) inodeID(ino uint64) uint64 {
	l.inoMu.RLock()
	id := l.inodes[ino]
	l.inoMu.RUnlock()
	return id
}
