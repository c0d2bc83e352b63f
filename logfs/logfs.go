// Copyright 2022 the LogFs Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package logfs implements a passthrough filesystem that mirrors an
// underlying directory tree and emits one access record for every
// open, close, read and write crossing the mount. It speaks the raw
// FUSE protocol (fuse.RawFileSystem); every node is backed by an open
// descriptor on the underlying filesystem and all operations are
// performed with descriptor-relative syscalls, never with paths.
package logfs

import (
	"math"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/crc-fonda/logfs/accesslog"
	"github.com/crc-fonda/logfs/pollmux"
)

// Entries and attributes never change behind the kernel's back except
// through this mount, so the kernel may cache them forever.
const cacheTimeout = time.Duration(math.MaxInt64)

// node is one object of the mirrored tree currently known to the
// kernel. The descriptor is opened path-only for traversal; regular
// files visible to callers get separate read/write descriptors at open
// time. lookup counts the kernel's outstanding references; when it
// drops to zero the node leaves the table and the descriptor is
// closed.
type node struct {
	fd     int
	ino    uint64
	lookup atomic.Uint64
}

// FileSystem is the passthrough engine. The node table maps underlying
// inode numbers to nodes; the same numbers serve as the protocol's
// node IDs, with fuse.FUSE_ROOT_ID reserved for the root.
type FileSystem struct {
	fuse.RawFileSystem

	root *node

	mu    sync.RWMutex
	nodes map[uint64]*node

	// Held exclusive by every operation that materializes or
	// removes a name, shared by lookup, so that a name revealed by
	// a creation is always consistent with the node published in
	// the table. Per-parent locking would reduce contention but is
	// not done yet.
	createMu sync.RWMutex

	dirMu sync.RWMutex
	dirs  map[uint64]*dirStream

	log    *accesslog.Logger
	mux    *pollmux.Mux
	procFd int
	server *fuse.Server
}

// New creates a FileSystem mirroring the directory at root. The
// directory must be opened before the kernel mounts over it; the
// returned engine holds the only descriptor that still reaches the
// underlying tree.
func New(root string, logger *accesslog.Logger, mux *pollmux.Mux) (*FileSystem, error) {
	rootFd, err := unix.Open(root, unix.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	var st unix.Stat_t
	if err := unix.Fstat(rootFd, &st); err != nil {
		unix.Close(rootFd)
		return nil, err
	}
	procFd, err := unix.Open("/proc/self/fd", unix.O_RDONLY|unix.O_PATH, 0)
	if err != nil {
		unix.Close(rootFd)
		return nil, err
	}
	return &FileSystem{
		RawFileSystem: fuse.NewDefaultRawFileSystem(),
		root:          &node{fd: rootFd, ino: st.Ino},
		nodes:         make(map[uint64]*node),
		dirs:          make(map[uint64]*dirStream),
		log:           logger,
		mux:           mux,
		procFd:        procFd,
	}, nil
}

func (fs *FileSystem) String() string {
	return "logfs"
}

// Init stores the server handle and clears the umask so that modes
// pass through unmodified.
func (fs *FileSystem) Init(server *fuse.Server) {
	fs.server = server
	syscall.Umask(0)
}

// Destroy tears the engine down: the poll multiplexer is killed, every
// node's descriptor is closed and the table emptied. Called by the
// session once the kernel connection is gone.
func (fs *FileSystem) Destroy() {
	if fs.mux != nil {
		fs.mux.Kill(false)
	}
	fs.createMu.Lock()
	fs.mu.Lock()
	for ino, n := range fs.nodes {
		unix.Close(n.fd)
		delete(fs.nodes, ino)
	}
	fs.mu.Unlock()
	fs.createMu.Unlock()

	fs.dirMu.Lock()
	for fh, ds := range fs.dirs {
		unix.Close(ds.fd)
		delete(fs.dirs, fh)
	}
	fs.dirMu.Unlock()

	if fs.root.fd != -1 {
		unix.Close(fs.root.fd)
		fs.root.fd = -1
	}
	if fs.procFd != -1 {
		unix.Close(fs.procFd)
		fs.procFd = -1
	}
}

// getNode resolves a protocol node ID. The reserved root ID returns
// the root node; everything else is an underlying inode number chosen
// at entry reply time.
func (fs *FileSystem) getNode(ino uint64) *node {
	if ino == fuse.FUSE_ROOT_ID {
		return fs.root
	}
	fs.mu.RLock()
	n := fs.nodes[ino]
	fs.mu.RUnlock()
	return n
}

// findChild resolves name relative to parent and returns its node with
// the lookup count already incremented, creating and publishing the
// node if the inode was not known yet. Concurrent resolutions of the
// same new inode produce exactly one node; the loser closes its
// redundant descriptor.
func (fs *FileSystem) findChild(parent *node, name string, attr *unix.Stat_t) (*node, syscall.Errno) {
	if err := unix.Fstatat(parent.fd, name, attr, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return nil, errno(err)
	}

	// If the name was just created, the shared creation lock waits
	// until the creator has published its node.
	fs.createMu.RLock()
	fs.mu.RLock()
	if n := fs.nodes[attr.Ino]; n != nil {
		n.lookup.Add(1)
		fs.mu.RUnlock()
		fs.createMu.RUnlock()
		return n, 0
	}
	fs.mu.RUnlock()
	fs.createMu.RUnlock()

	// Miss: prepare the descriptor outside any lock, then try to
	// insert. A shared lock cannot be upgraded, so another thread
	// may have won the race meanwhile.
	fd, err := unix.Openat(parent.fd, name, unix.O_PATH|unix.O_NOFOLLOW, 0)
	if err != nil {
		return nil, errno(err)
	}

	fs.mu.Lock()
	if winner := fs.nodes[attr.Ino]; winner != nil {
		winner.lookup.Add(1)
		fs.mu.Unlock()
		unix.Close(fd)
		return winner, 0
	}
	n := &node{fd: fd, ino: attr.Ino}
	n.lookup.Add(1)
	fs.nodes[attr.Ino] = n
	if attr.Mode&unix.S_IFMT == unix.S_IFREG {
		// Must happen before the node can be seen by loggable
		// operations.
		fs.log.InformNewNode(attr.Ino, false)
	}
	fs.mu.Unlock()
	return n, 0
}

// handleCreation opens a freshly created name, gives it to the caller,
// and publishes its node. Invoked with the creation lock held
// exclusive.
func (fs *FileSystem) handleCreation(caller *fuse.Caller, parentFd int, name string, openFlags int, attr *unix.Stat_t) (*node, syscall.Errno) {
	fd, err := unix.Openat(parentFd, name, openFlags, 0)
	if err != nil {
		return nil, errno(err)
	}
	if err := unix.Fstat(fd, attr); err != nil {
		unix.Close(fd)
		return nil, errno(err)
	}
	if openFlags&unix.O_PATH != 0 {
		unix.Fchownat(parentFd, name, int(caller.Uid), int(caller.Gid), unix.AT_SYMLINK_NOFOLLOW)
	} else {
		unix.Fchown(fd, int(caller.Uid), int(caller.Gid))
	}

	fs.mu.Lock()
	if winner := fs.nodes[attr.Ino]; winner != nil {
		winner.lookup.Add(1)
		fs.mu.Unlock()
		unix.Close(fd)
		return winner, 0
	}
	n := &node{fd: fd, ino: attr.Ino}
	n.lookup.Add(1)
	fs.nodes[attr.Ino] = n
	if attr.Mode&unix.S_IFMT == unix.S_IFREG {
		fs.log.InformNewNode(attr.Ino, true)
	}
	fs.mu.Unlock()
	return n, 0
}

type forgetEntry struct {
	ino     uint64
	nlookup uint64
}

// Forget drops nlookup references from a node.
func (fs *FileSystem) Forget(nodeid, nlookup uint64) {
	fs.forget([]forgetEntry{{ino: nodeid, nlookup: nlookup}})
}

// forget processes a batch of reference drops. Nodes whose lookup
// count reaches zero are collected first, then erased under the
// exclusive table lock, re-checking the count since a concurrent
// resolution may have revived them.
func (fs *FileSystem) forget(batch []forgetEntry) {
	var zeroed []*node
	for _, f := range batch {
		n := fs.getNode(f.ino)
		if n == nil || n == fs.root {
			continue
		}
		if subClamped(&n.lookup, f.nlookup) == 0 {
			zeroed = append(zeroed, n)
		}
	}
	if len(zeroed) == 0 {
		return
	}
	fs.mu.Lock()
	for _, n := range zeroed {
		if fs.nodes[n.ino] == n && n.lookup.Load() == 0 {
			delete(fs.nodes, n.ino)
			unix.Close(n.fd)
		}
	}
	fs.mu.Unlock()
}

// subClamped subtracts n from v, clamping at zero. The protocol
// promises no underflow, but a forget larger than the current count is
// treated as a drop to zero rather than a wraparound.
func subClamped(v *atomic.Uint64, n uint64) uint64 {
	for {
		cur := v.Load()
		sub := n
		if sub > cur {
			sub = cur
		}
		if v.CompareAndSwap(cur, cur-sub) {
			return cur - sub
		}
	}
}

// entryOut fills an entry reply for a node. The node ID handed to the
// kernel is the underlying inode number.
func (fs *FileSystem) entryOut(n *node, attr *unix.Stat_t, out *fuse.EntryOut) {
	out.NodeId = n.ino
	out.Generation = 0
	attrFromStat(attr, &out.Attr)
	out.SetEntryTimeout(cacheTimeout)
	out.SetAttrTimeout(cacheTimeout)
}

func attrFromStat(st *unix.Stat_t, out *fuse.Attr) {
	out.Ino = st.Ino
	out.Size = uint64(st.Size)
	out.Blocks = uint64(st.Blocks)
	out.Atime = uint64(st.Atim.Sec)
	out.Atimensec = uint32(st.Atim.Nsec)
	out.Mtime = uint64(st.Mtim.Sec)
	out.Mtimensec = uint32(st.Mtim.Nsec)
	out.Ctime = uint64(st.Ctim.Sec)
	out.Ctimensec = uint32(st.Ctim.Nsec)
	out.Mode = st.Mode
	out.Nlink = uint32(st.Nlink)
	out.Uid = st.Uid
	out.Gid = st.Gid
	out.Rdev = uint32(st.Rdev)
	out.Blksize = uint32(st.Blksize)
}

func errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	if e, ok := err.(syscall.Errno); ok {
		return e
	}
	return syscall.EIO
}
