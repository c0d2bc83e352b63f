// Copyright 2022 the LogFs Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package logfs

import (
	"bytes"
	"strconv"
	"sync"
	"syscall"
	"unsafe"

	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/crc-fonda/logfs/accesslog"
)

func (fs *FileSystem) Lookup(cancel <-chan struct{}, header *fuse.InHeader, name string, out *fuse.EntryOut) fuse.Status {
	parent := fs.getNode(header.NodeId)
	if parent == nil {
		return fuse.Status(syscall.ESTALE)
	}
	var attr unix.Stat_t
	n, errn := fs.findChild(parent, name, &attr)
	if n == nil {
		return fuse.ToStatus(errn)
	}
	fs.entryOut(n, &attr, out)
	return fuse.OK
}

func (fs *FileSystem) Mknod(cancel <-chan struct{}, in *fuse.MknodIn, name string, out *fuse.EntryOut) fuse.Status {
	parent := fs.getNode(in.NodeId)
	if parent == nil {
		return fuse.Status(syscall.ESTALE)
	}
	// Fifos, sockets and device nodes would block or reject a real
	// open, so they only get a path descriptor.
	openFlags := unix.O_RDONLY | unix.O_PATH
	switch in.Mode & unix.S_IFMT {
	case unix.S_IFREG, unix.S_IFLNK, unix.S_IFDIR:
		openFlags = unix.O_RDWR
	}

	var (
		n    *node
		attr unix.Stat_t
		errn syscall.Errno
	)
	fs.createMu.Lock()
	if err := unix.Mknodat(parent.fd, name, in.Mode, int(in.Rdev)); err != nil {
		errn = errno(err)
	} else {
		n, errn = fs.handleCreation(&in.Caller, parent.fd, name, openFlags, &attr)
	}
	fs.createMu.Unlock()

	if n == nil {
		return fuse.ToStatus(errn)
	}
	fs.entryOut(n, &attr, out)
	return fuse.OK
}

func (fs *FileSystem) Mkdir(cancel <-chan struct{}, in *fuse.MkdirIn, name string, out *fuse.EntryOut) fuse.Status {
	parent := fs.getNode(in.NodeId)
	if parent == nil {
		return fuse.Status(syscall.ESTALE)
	}
	var (
		n    *node
		attr unix.Stat_t
		errn syscall.Errno
	)
	fs.createMu.Lock()
	if err := unix.Mkdirat(parent.fd, name, in.Mode); err != nil {
		errn = errno(err)
	} else {
		n, errn = fs.handleCreation(&in.Caller, parent.fd, name, unix.O_RDONLY, &attr)
	}
	fs.createMu.Unlock()

	if n == nil {
		return fuse.ToStatus(errn)
	}
	fs.entryOut(n, &attr, out)
	return fuse.OK
}

func (fs *FileSystem) Unlink(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	parent := fs.getNode(header.NodeId)
	if parent == nil {
		return fuse.Status(syscall.ESTALE)
	}
	fs.createMu.Lock()
	err := unix.Unlinkat(parent.fd, name, 0)
	fs.createMu.Unlock()
	return fuse.ToStatus(err)
}

func (fs *FileSystem) Rmdir(cancel <-chan struct{}, header *fuse.InHeader, name string) fuse.Status {
	parent := fs.getNode(header.NodeId)
	if parent == nil {
		return fuse.Status(syscall.ESTALE)
	}
	fs.createMu.Lock()
	err := unix.Unlinkat(parent.fd, name, unix.AT_REMOVEDIR)
	fs.createMu.Unlock()
	return fuse.ToStatus(err)
}

func (fs *FileSystem) Rename(cancel <-chan struct{}, in *fuse.RenameIn, oldName string, newName string) fuse.Status {
	parent := fs.getNode(in.NodeId)
	newParent := fs.getNode(in.Newdir)
	if parent == nil || newParent == nil {
		return fuse.Status(syscall.ESTALE)
	}
	fs.createMu.Lock()
	err := unix.Renameat2(parent.fd, oldName, newParent.fd, newName, uint(in.Flags))
	fs.createMu.Unlock()
	return fuse.ToStatus(err)
}

func (fs *FileSystem) Symlink(cancel <-chan struct{}, header *fuse.InHeader, pointedTo string, linkName string, out *fuse.EntryOut) fuse.Status {
	parent := fs.getNode(header.NodeId)
	if parent == nil {
		return fuse.Status(syscall.ESTALE)
	}
	var (
		n    *node
		attr unix.Stat_t
		errn syscall.Errno
	)
	fs.createMu.Lock()
	if err := unix.Symlinkat(pointedTo, parent.fd, linkName); err != nil {
		errn = errno(err)
	} else {
		n, errn = fs.handleCreation(&header.Caller, parent.fd, linkName, unix.O_PATH|unix.O_NOFOLLOW, &attr)
	}
	fs.createMu.Unlock()

	if n == nil {
		return fuse.ToStatus(errn)
	}
	fs.entryOut(n, &attr, out)
	return fuse.OK
}

func (fs *FileSystem) Link(cancel <-chan struct{}, in *fuse.LinkIn, filename string, out *fuse.EntryOut) fuse.Status {
	n := fs.getNode(in.Oldnodeid)
	newParent := fs.getNode(in.NodeId)
	if n == nil || newParent == nil {
		return fuse.Status(syscall.ESTALE)
	}
	fs.createMu.Lock()
	err := unix.Linkat(n.fd, "", newParent.fd, filename, unix.AT_EMPTY_PATH)
	fs.createMu.Unlock()
	if err != nil {
		return fuse.ToStatus(err)
	}
	var attr unix.Stat_t
	if err := unix.Fstat(n.fd, &attr); err != nil {
		return fuse.ToStatus(err)
	}
	n.lookup.Add(1)
	fs.entryOut(n, &attr, out)
	return fuse.OK
}

// Create materializes a regular file, publishes its node, and opens a
// second descriptor for the caller through /proc/self/fd with the
// create and exclusive bits stripped. If that open fails and nobody
// else has resolved the new node yet, the create is rolled back and
// the file removed; otherwise the file stays and the error is
// surfaced. The whole operation emits one open record, path included.
func (fs *FileSystem) Create(cancel <-chan struct{}, in *fuse.CreateIn, name string, out *fuse.CreateOut) fuse.Status {
	parent := fs.getNode(in.NodeId)
	if parent == nil {
		return fuse.Status(syscall.ESTALE)
	}
	logFlags := in.Flags | unix.O_CREAT | unix.O_EXCL
	entry := fs.log.BeginOpen(in.Caller.Pid, 0, logFlags)

	var (
		n    *node
		attr unix.Stat_t
		errn syscall.Errno
	)
	fd := -1

	fs.createMu.Lock()
	if err := unix.Mknodat(parent.fd, name, (in.Mode&^unix.S_IFMT)|unix.S_IFREG, 0); err != nil {
		errn = errno(err)
	} else if n, errn = fs.handleCreation(&in.Caller, parent.fd, name, unix.O_RDWR, &attr); n != nil {
		entry = fs.log.BeginOpen(in.Caller.Pid, attr.Ino, logFlags)
		callerFd, err := unix.Openat(fs.procFd, strconv.Itoa(n.fd), int(in.Flags)&^(unix.O_CREAT|unix.O_EXCL), 0)
		if err != nil {
			errn = errno(err)
			fs.mu.Lock()
			if n.lookup.Add(^uint64(0)) == 0 {
				// Nobody else has seen the file yet; undo
				// its creation.
				unix.Unlinkat(parent.fd, name, 0)
				delete(fs.nodes, n.ino)
				unix.Close(n.fd)
				n = nil
			}
			fs.mu.Unlock()
		} else {
			fd = callerFd
		}
	}
	fs.createMu.Unlock()

	res := int64(fd)
	if fd == -1 {
		res = -int64(errn)
	}
	entry.End(res)

	status := fuse.OK
	if n != nil && fd != -1 {
		fs.entryOut(n, &attr, &out.EntryOut)
		out.Fh = uint64(fd)
		out.OpenFlags = fuse.FOPEN_DIRECT_IO | fuse.FOPEN_KEEP_CACHE
	} else {
		status = fuse.ToStatus(errn)
	}

	buf := entry.Format()
	fs.fillCreatePath(buf, parent.fd, name)
	fs.log.Emit(buf)
	return status
}

// fillCreatePath resolves the parent descriptor's path and appends the
// new name into the record's path field, truncating silently.
func (fs *FileSystem) fillCreatePath(buf []byte, parentFd int, name string) {
	field := buf[accesslog.OffPath : accesslog.OffPath+accesslog.SizePath]
	sz, err := unix.Readlinkat(fs.procFd, strconv.Itoa(parentFd), field)
	if err != nil || sz >= len(field) {
		return
	}
	field[sz] = '/'
	copy(field[sz+1:], name)
}

const direntNameOff = int(unsafe.Offsetof(syscall.Dirent{}.Name))

// dirStream is the read state of one open directory handle: the
// directory descriptor, a getdents buffer, and the index of the next
// entry to hand out. Offsets in readdir requests are entry counts;
// seeking backwards rewinds the descriptor and skips forward again.
type dirStream struct {
	mu      sync.Mutex
	fd      int
	next    uint64
	buf     []byte
	todo    []byte
	pending *fuse.DirEntry
}

func parseDirent(todo []byte) (fuse.DirEntry, int) {
	de := (*syscall.Dirent)(unsafe.Pointer(&todo[0]))
	name := todo[direntNameOff:de.Reclen]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return fuse.DirEntry{
		Ino:  de.Ino,
		Mode: uint32(de.Type) << 12,
		Name: string(name),
	}, int(de.Reclen)
}

// peek returns the next entry, excluding "." and "..", without
// consuming it. The bool result is false at end of stream.
func (ds *dirStream) peek() (fuse.DirEntry, syscall.Errno, bool) {
	for {
		if ds.pending != nil {
			return *ds.pending, 0, true
		}
		if len(ds.todo) == 0 {
			n, err := unix.Getdents(ds.fd, ds.buf)
			if err != nil {
				return fuse.DirEntry{}, errno(err), false
			}
			if n == 0 {
				return fuse.DirEntry{}, 0, false
			}
			ds.todo = ds.buf[:n]
		}
		e, consumed := parseDirent(ds.todo)
		ds.todo = ds.todo[consumed:]
		if e.Name == "." || e.Name == ".." {
			continue
		}
		ds.pending = &e
	}
}

func (ds *dirStream) advance() {
	ds.pending = nil
	ds.next++
}

// seek positions the stream so that the next entry handed out has the
// given index.
func (ds *dirStream) seek(off uint64) syscall.Errno {
	if off == ds.next {
		return 0
	}
	if off < ds.next {
		if _, err := unix.Seek(ds.fd, 0, 0); err != nil {
			return errno(err)
		}
		ds.todo = nil
		ds.pending = nil
		ds.next = 0
	}
	for ds.next < off {
		_, errn, ok := ds.peek()
		if errn != 0 {
			return errn
		}
		if !ok {
			break
		}
		ds.advance()
	}
	return 0
}

func (fs *FileSystem) dirStream(fh uint64) *dirStream {
	fs.dirMu.RLock()
	ds := fs.dirs[fh]
	fs.dirMu.RUnlock()
	return ds
}

func (fs *FileSystem) OpenDir(cancel <-chan struct{}, in *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	n := fs.getNode(in.NodeId)
	if n == nil {
		return fuse.Status(syscall.ESTALE)
	}
	fd, err := unix.Openat(n.fd, ".", unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return fuse.ToStatus(err)
	}
	ds := &dirStream{fd: fd, buf: make([]byte, 8192)}
	fs.dirMu.Lock()
	fs.dirs[uint64(fd)] = ds
	fs.dirMu.Unlock()

	out.Fh = uint64(fd)
	out.OpenFlags = fuse.FOPEN_CACHE_DIR
	return fuse.OK
}

// ReadDir fills the reply with as many entries as fit. An error is
// surfaced only when it prevented producing any entry at all;
// otherwise whatever was produced is returned and the kernel retries
// at the new offset.
func (fs *FileSystem) ReadDir(cancel <-chan struct{}, in *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	ds := fs.dirStream(in.Fh)
	if ds == nil {
		return fuse.Status(syscall.EBADF)
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if errn := ds.seek(in.Offset); errn != 0 {
		return fuse.ToStatus(errn)
	}
	added := 0
	for {
		e, errn, ok := ds.peek()
		if errn != 0 {
			if added == 0 {
				return fuse.ToStatus(errn)
			}
			break
		}
		if !ok {
			break
		}
		if !out.AddDirEntry(e) {
			break
		}
		ds.advance()
		added++
	}
	return fuse.OK
}

// ReadDirPlus additionally resolves every entry through findChild so
// the kernel can cache it, exactly as a lookup would.
func (fs *FileSystem) ReadDirPlus(cancel <-chan struct{}, in *fuse.ReadIn, out *fuse.DirEntryList) fuse.Status {
	dir := fs.getNode(in.NodeId)
	ds := fs.dirStream(in.Fh)
	if dir == nil || ds == nil {
		return fuse.Status(syscall.EBADF)
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if errn := ds.seek(in.Offset); errn != 0 {
		return fuse.ToStatus(errn)
	}
	added := 0
	for {
		e, errn, ok := ds.peek()
		if errn != 0 {
			if added == 0 {
				return fuse.ToStatus(errn)
			}
			break
		}
		if !ok {
			break
		}
		var attr unix.Stat_t
		child, errn := fs.findChild(dir, e.Name, &attr)
		if child == nil {
			if added == 0 {
				return fuse.ToStatus(errn)
			}
			break
		}
		eo := out.AddDirLookupEntry(e)
		if eo == nil {
			// The entry reply was never delivered; take the
			// reference back.
			fs.forget([]forgetEntry{{ino: child.ino, nlookup: 1}})
			break
		}
		fs.entryOut(child, &attr, eo)
		ds.advance()
		added++
	}
	return fuse.OK
}

func (fs *FileSystem) ReleaseDir(in *fuse.ReleaseIn) {
	fs.dirMu.Lock()
	ds := fs.dirs[in.Fh]
	delete(fs.dirs, in.Fh)
	fs.dirMu.Unlock()
	if ds != nil {
		unix.Close(ds.fd)
	}
}

func (fs *FileSystem) FsyncDir(cancel <-chan struct{}, in *fuse.FsyncIn) fuse.Status {
	ds := fs.dirStream(in.Fh)
	if ds == nil {
		return fuse.Status(syscall.EBADF)
	}
	if in.FsyncFlags&1 != 0 {
		return fuse.ToStatus(unix.Fdatasync(ds.fd))
	}
	return fuse.ToStatus(unix.Fsync(ds.fd))
}
