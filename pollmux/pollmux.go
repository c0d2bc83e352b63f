// Copyright 2022 the LogFs Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pollmux multiplexes readiness notifications for pollable
// objects exposed through the mount. Request handlers never touch the
// notification API themselves; they register a descriptor and a
// notification handle with the multiplexer, which owns all poll state
// in a single background goroutine.
package pollmux

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Handle is the notification side of one registered pollable object.
// Notify fires the readiness notification; Destroy releases the handle.
// For a handle it has accepted, the multiplexer calls each at most
// once, from its own goroutine.
type Handle interface {
	Notify() error
	Destroy()
}

// A message is either a registration (handle non-nil) or the shutdown
// sentinel (handle nil, notify saying whether pending handles get one
// final notification on the way down).
type message struct {
	handle Handle
	fd     int32
	events int16
	notify bool
}

// Mux owns the registered descriptors and their notification handles.
// All communication with the poll goroutine runs through a control
// pipe: one byte per message wakes the poller, the message itself
// travels on a channel. The goroutine only ever blocks in poll(2).
type Mux struct {
	pipeR, pipeW int
	msgs         chan message

	mu     sync.Mutex
	killed bool

	// closed when the poll goroutine has torn down.
	done chan struct{}
}

// ErrKilled is returned by Register after the multiplexer was shut
// down.
var ErrKilled = errors.New("pollmux: multiplexer is shut down")

// Start creates the control pipe and launches the poll goroutine.
func Start() (*Mux, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	m := &Mux{
		pipeR: fds[0],
		pipeW: fds[1],
		msgs:  make(chan message, 16),
		done:  make(chan struct{}),
	}
	go m.run()
	return m, nil
}

// Register hands a pollable descriptor and its notification handle to
// the multiplexer. The multiplexer takes ownership of both: once the
// descriptor is ready the handle is notified and destroyed and the
// descriptor closed.
func (m *Mux) Register(h Handle, fd int, events int16) error {
	return m.send(message{handle: h, fd: int32(fd), events: events})
}

// Kill shuts the multiplexer down. With notifyPending, every handle
// still registered receives one final notification before being
// destroyed; otherwise the handles are destroyed silently. Registered
// descriptors and the control pipe are closed either way. Kill waits
// for the poll goroutine to finish and is idempotent.
func (m *Mux) Kill(notifyPending bool) error {
	m.mu.Lock()
	if m.killed {
		m.mu.Unlock()
		<-m.done
		return nil
	}
	m.killed = true
	m.mu.Unlock()

	err := m.sendLocked(message{notify: notifyPending})
	<-m.done
	unix.Close(m.pipeW)
	return err
}

func (m *Mux) send(msg message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.killed {
		return ErrKilled
	}
	return m.sendLocked(msg)
}

func (m *Mux) sendLocked(msg message) error {
	m.msgs <- msg
	for {
		_, err := unix.Write(m.pipeW, []byte{0})
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

func (m *Mux) run() {
	defer close(m.done)

	pfds := []unix.PollFd{{Fd: int32(m.pipeR), Events: unix.POLLIN}}
	var handles []Handle

	teardown := func(notify bool) {
		for _, h := range handles {
			if notify {
				if err := h.Notify(); err != nil {
					logrus.WithError(err).Warn("pollmux: final notify failed")
				}
			}
			h.Destroy()
		}
		for _, p := range pfds[1:] {
			unix.Close(int(p.Fd))
		}
		unix.Close(m.pipeR)
	}

	for {
		n, err := unix.Poll(pfds, -1)
		if err == unix.EINTR || n == 0 {
			continue
		}
		if err != nil {
			logrus.WithError(err).Error("pollmux: poll failed, shutting down")
			teardown(false)
			return
		}

		if pfds[0].Revents != 0 {
			var buf [1]byte
			if _, err := unix.Read(m.pipeR, buf[:]); err != nil && err != unix.EINTR {
				teardown(false)
				return
			}
			msg := <-m.msgs
			if msg.handle == nil {
				teardown(msg.notify)
				return
			}
			pfds = append(pfds, unix.PollFd{Fd: msg.fd, Events: msg.events})
			handles = append(handles, msg.handle)
		}

		// Ready descriptors are notified once: fire the handle,
		// close the fd and swap-remove the slot.
		for i := 1; i < len(pfds); {
			if pfds[i].Revents == 0 {
				i++
				continue
			}
			h := handles[i-1]
			if err := h.Notify(); err != nil {
				logrus.WithError(err).Warn("pollmux: notify failed")
			}
			h.Destroy()
			unix.Close(int(pfds[i].Fd))

			last := len(pfds) - 1
			pfds[i] = pfds[last]
			pfds = pfds[:last]
			handles[i-1] = handles[last-1]
			handles = handles[:last-1]
		}
		for i := range pfds {
			pfds[i].Revents = 0
		}
	}
}
