// Copyright 2022 the LogFs Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package logfs

import (
	"context"
	"fmt"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// MountConfig carries the knobs the mount tool exposes.
type MountConfig struct {
	// Debug makes the host library print the request stream.
	Debug bool

	// SingleThreaded serializes request handling.
	SingleThreaded bool

	// Options are extra "-o" mount options handed to the host
	// library verbatim.
	Options []string
}

// Session is one mounted lifecycle, from mount through unmount. It
// owns the filesystem, the server of the host library, and through the
// filesystem the poll multiplexer and the log state.
type Session struct {
	FS     *FileSystem
	Server *fuse.Server
}

// Mount creates the server and mounts it over mountpoint. The
// filesystem must have been created from the same directory, so that
// its root descriptor reaches the tree now shadowed by the mount.
func Mount(mountpoint string, fs *FileSystem, cfg *MountConfig) (*Session, error) {
	if cfg == nil {
		cfg = &MountConfig{}
	}
	opts := &fuse.MountOptions{
		Name:                     "logfs",
		FsName:                   mountpoint,
		Debug:                    cfg.Debug,
		SingleThreaded:           cfg.SingleThreaded,
		Options:                  cfg.Options,
		EnableAcl:                true,
		ExplicitDataCacheControl: true,
		MaxWrite:                 fuse.MAX_KERNEL_WRITE,
	}
	server, err := fuse.NewServer(fs, mountpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &Session{FS: fs, Server: server}, nil
}

// Run serves the mount until it is unmounted or ctx is canceled, then
// tears the filesystem down. Cancellation triggers an unmount, which
// fails while the mountpoint is busy; the serve loop ends once the
// kernel lets go.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	g.Go(func() error {
		s.Server.Serve()
		close(done)
		return nil
	})
	if err := s.Server.WaitMount(); err != nil {
		return fmt.Errorf("wait for mount: %w", err)
	}
	g.Go(func() error {
		select {
		case <-ctx.Done():
			if err := s.Server.Unmount(); err != nil {
				logrus.WithError(err).Warn("unmount failed, mountpoint may be busy")
			}
		case <-done:
		}
		return nil
	})

	err := g.Wait()
	s.FS.Destroy()
	return err
}
