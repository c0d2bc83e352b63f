// Copyright 2022 the LogFs Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package logfs

import (
	"strconv"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

func (fs *FileSystem) GetAttr(cancel <-chan struct{}, in *fuse.GetAttrIn, out *fuse.AttrOut) fuse.Status {
	n := fs.getNode(in.NodeId)
	if n == nil {
		return fuse.Status(syscall.ESTALE)
	}
	var st unix.Stat_t
	if err := unix.Fstat(n.fd, &st); err != nil {
		return fuse.ToStatus(err)
	}
	attrFromStat(&st, &out.Attr)
	out.SetTimeout(cacheTimeout)
	return fuse.OK
}

// SetAttr applies exactly the requested attribute subsets. Size goes
// through a writable reopen of the node descriptor; ownership, mode
// and times go through the /proc/self/fd name of that descriptor.
// Both also work for path-only descriptors.
func (fs *FileSystem) SetAttr(cancel <-chan struct{}, in *fuse.SetAttrIn, out *fuse.AttrOut) fuse.Status {
	n := fs.getNode(in.NodeId)
	if n == nil {
		return fuse.Status(syscall.ESTALE)
	}
	fdname := strconv.Itoa(n.fd)

	if in.Valid&fuse.FATTR_SIZE != 0 {
		wfd, err := unix.Openat(fs.procFd, fdname, unix.O_WRONLY|unix.O_NONBLOCK, 0)
		if err != nil {
			return fuse.ToStatus(err)
		}
		err = unix.Ftruncate(wfd, int64(in.Size))
		unix.Close(wfd)
		if err != nil {
			return fuse.ToStatus(err)
		}
	}
	if in.Valid&(fuse.FATTR_UID|fuse.FATTR_GID) != 0 {
		uid, gid := -1, -1
		if in.Valid&fuse.FATTR_UID != 0 {
			uid = int(in.Owner.Uid)
		}
		if in.Valid&fuse.FATTR_GID != 0 {
			gid = int(in.Owner.Gid)
		}
		if err := unix.Fchownat(fs.procFd, fdname, uid, gid, 0); err != nil {
			return fuse.ToStatus(err)
		}
	}
	if in.Valid&fuse.FATTR_MODE != 0 {
		if err := unix.Fchmodat(fs.procFd, fdname, in.Mode, 0); err != nil {
			return fuse.ToStatus(err)
		}
	}
	if in.Valid&(fuse.FATTR_ATIME|fuse.FATTR_MTIME|fuse.FATTR_ATIME_NOW|fuse.FATTR_MTIME_NOW) != 0 {
		times := []unix.Timespec{
			{Nsec: unix.UTIME_OMIT},
			{Nsec: unix.UTIME_OMIT},
		}
		switch {
		case in.Valid&fuse.FATTR_ATIME_NOW != 0:
			times[0].Nsec = unix.UTIME_NOW
		case in.Valid&fuse.FATTR_ATIME != 0:
			times[0] = unix.Timespec{Sec: int64(in.Atime), Nsec: int64(in.Atimensec)}
		}
		switch {
		case in.Valid&fuse.FATTR_MTIME_NOW != 0:
			times[1].Nsec = unix.UTIME_NOW
		case in.Valid&fuse.FATTR_MTIME != 0:
			times[1] = unix.Timespec{Sec: int64(in.Mtime), Nsec: int64(in.Mtimensec)}
		}
		if err := unix.UtimesNanoAt(fs.procFd, fdname, times, 0); err != nil {
			return fuse.ToStatus(err)
		}
	}

	var st unix.Stat_t
	if err := unix.Fstat(n.fd, &st); err != nil {
		return fuse.ToStatus(err)
	}
	attrFromStat(&st, &out.Attr)
	out.SetTimeout(cacheTimeout)
	return fuse.OK
}

func (fs *FileSystem) Readlink(cancel <-chan struct{}, header *fuse.InHeader) ([]byte, fuse.Status) {
	n := fs.getNode(header.NodeId)
	if n == nil {
		return nil, fuse.Status(syscall.ESTALE)
	}
	// The target can grow between reads; double until it fits.
	for l := 256; ; l *= 2 {
		buf := make([]byte, l)
		sz, err := unix.Readlinkat(n.fd, "", buf)
		if err != nil {
			return nil, fuse.ToStatus(err)
		}
		if sz < len(buf) {
			return buf[:sz], fuse.OK
		}
	}
}

func (fs *FileSystem) StatFs(cancel <-chan struct{}, in *fuse.InHeader, out *fuse.StatfsOut) fuse.Status {
	n := fs.getNode(in.NodeId)
	if n == nil {
		return fuse.Status(syscall.ESTALE)
	}
	var st syscall.Statfs_t
	if err := syscall.Fstatfs(n.fd, &st); err != nil {
		return fuse.ToStatus(err)
	}
	out.FromStatfsT(&st)
	return fuse.OK
}

func (fs *FileSystem) GetXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string, dest []byte) (uint32, fuse.Status) {
	n := fs.getNode(header.NodeId)
	if n == nil {
		return 0, fuse.Status(syscall.ESTALE)
	}
	sz, err := unix.Fgetxattr(n.fd, attr, dest)
	if err != nil {
		return 0, fuse.ToStatus(err)
	}
	return uint32(sz), fuse.OK
}

func (fs *FileSystem) ListXAttr(cancel <-chan struct{}, header *fuse.InHeader, dest []byte) (uint32, fuse.Status) {
	n := fs.getNode(header.NodeId)
	if n == nil {
		return 0, fuse.Status(syscall.ESTALE)
	}
	sz, err := unix.Flistxattr(n.fd, dest)
	if err != nil {
		return 0, fuse.ToStatus(err)
	}
	return uint32(sz), fuse.OK
}

func (fs *FileSystem) SetXAttr(cancel <-chan struct{}, in *fuse.SetXAttrIn, attr string, data []byte) fuse.Status {
	n := fs.getNode(in.NodeId)
	if n == nil {
		return fuse.Status(syscall.ESTALE)
	}
	return fuse.ToStatus(unix.Fsetxattr(n.fd, attr, data, int(in.Flags)))
}

func (fs *FileSystem) RemoveXAttr(cancel <-chan struct{}, header *fuse.InHeader, attr string) fuse.Status {
	n := fs.getNode(header.NodeId)
	if n == nil {
		return fuse.Status(syscall.ESTALE)
	}
	return fuse.ToStatus(unix.Fremovexattr(n.fd, attr))
}
