// Copyright 2022 the LogFs Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pollmux

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type fakeHandle struct {
	notified  atomic.Int32
	destroyed atomic.Int32
}

func (h *fakeHandle) Notify() error {
	h.notified.Add(1)
	return nil
}

func (h *fakeHandle) Destroy() {
	h.destroyed.Add(1)
}

func makePipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], 0))
	return fds[0], fds[1]
}

func TestReadinessNotifiesOnce(t *testing.T) {
	m, err := Start()
	require.NoError(t, err)
	defer m.Kill(false)

	r, w := makePipe(t)
	defer unix.Close(w)

	h := &fakeHandle{}
	require.NoError(t, m.Register(h, r, unix.POLLIN))

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.notified.Load() == 1 && h.destroyed.Load() == 1
	}, time.Second, time.Millisecond)

	// The multiplexer owns the registered descriptor and closes it
	// after the notification fired.
	require.Eventually(t, func() bool {
		var st unix.Stat_t
		return unix.Fstat(r, &st) == unix.EBADF
	}, time.Second, time.Millisecond)
}

func TestMultipleRegistrations(t *testing.T) {
	m, err := Start()
	require.NoError(t, err)
	defer m.Kill(false)

	const count = 8
	handles := make([]*fakeHandle, count)
	writers := make([]int, count)
	for i := range handles {
		r, w := makePipe(t)
		handles[i] = &fakeHandle{}
		writers[i] = w
		require.NoError(t, m.Register(handles[i], r, unix.POLLIN))
	}

	// Fire them out of order.
	for _, i := range []int{3, 0, 7, 5, 1, 6, 2, 4} {
		_, err := unix.Write(writers[i], []byte("x"))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		for _, h := range handles {
			if h.notified.Load() != 1 || h.destroyed.Load() != 1 {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)

	for _, w := range writers {
		unix.Close(w)
	}
}

func TestKillNotifiesPending(t *testing.T) {
	m, err := Start()
	require.NoError(t, err)

	r, w := makePipe(t)
	defer unix.Close(w)

	h := &fakeHandle{}
	require.NoError(t, m.Register(h, r, unix.POLLIN))
	require.NoError(t, m.Kill(true))

	assert.Equal(t, int32(1), h.notified.Load())
	assert.Equal(t, int32(1), h.destroyed.Load())
}

func TestKillSilent(t *testing.T) {
	m, err := Start()
	require.NoError(t, err)

	r, w := makePipe(t)
	defer unix.Close(w)

	h := &fakeHandle{}
	require.NoError(t, m.Register(h, r, unix.POLLIN))
	require.NoError(t, m.Kill(false))

	assert.Equal(t, int32(0), h.notified.Load())
	assert.Equal(t, int32(1), h.destroyed.Load())
}

func TestRegisterAfterKill(t *testing.T) {
	m, err := Start()
	require.NoError(t, err)
	require.NoError(t, m.Kill(false))
	// Kill is idempotent.
	require.NoError(t, m.Kill(true))

	r, w := makePipe(t)
	defer unix.Close(r)
	defer unix.Close(w)
	assert.Equal(t, ErrKilled, m.Register(&fakeHandle{}, r, unix.POLLIN))
}
