// Copyright 2022 the LogFs Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package logfs

import (
	"strconv"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/splice"
	"golang.org/x/sys/unix"

	"github.com/crc-fonda/logfs/accesslog"
	"github.com/crc-fonda/logfs/pollmux"
)

// Open reopens the node's descriptor through /proc/self/fd with the
// caller's flags and hands the new descriptor to the kernel as the
// file handle. One open record is emitted whether or not the open
// succeeded; on success the record carries a freshly issued logical
// handle and the resolved path.
func (fs *FileSystem) Open(cancel <-chan struct{}, in *fuse.OpenIn, out *fuse.OpenOut) fuse.Status {
	n := fs.getNode(in.NodeId)
	if n == nil {
		return fuse.Status(syscall.ESTALE)
	}
	entry := fs.log.BeginOpen(in.Caller.Pid, in.NodeId, in.Flags)

	fdname := strconv.Itoa(n.fd)
	fd, err := unix.Openat(fs.procFd, fdname, int(in.Flags), 0)
	res := int64(fd)
	if err != nil {
		res = -int64(errno(err))
	}
	entry.End(res)

	status := fuse.OK
	if err != nil {
		status = fuse.ToStatus(err)
	} else {
		out.Fh = uint64(fd)
		out.OpenFlags = fuse.FOPEN_DIRECT_IO | fuse.FOPEN_KEEP_CACHE
	}

	buf := entry.Format()
	unix.Readlinkat(fs.procFd, fdname, buf[accesslog.OffPath:accesslog.OffPath+accesslog.SizePath])
	fs.log.Emit(buf)
	return status
}

// Read replies straight from the file handle so the server can splice
// the data to the kernel. The logged result is the number of bytes the
// reply will move, bounded by the file size at request time.
func (fs *FileSystem) Read(cancel <-chan struct{}, in *fuse.ReadIn, buf []byte) (fuse.ReadResult, fuse.Status) {
	entry := fs.log.BeginRead(in.Caller.Pid, in.NodeId, in.Fh, in.Offset, uint64(in.Size))

	fd := int(in.Fh)
	var res int64
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		res = -int64(errno(err))
	} else {
		res = st.Size - int64(in.Offset)
		if res < 0 {
			res = 0
		}
		if res > int64(in.Size) {
			res = int64(in.Size)
		}
	}
	r := fuse.ReadResultFd(uintptr(fd), int64(in.Offset), int(in.Size))

	entry.End(res)
	fs.log.Emit(entry.Format())
	return r, fuse.OK
}

func (fs *FileSystem) Write(cancel <-chan struct{}, in *fuse.WriteIn, data []byte) (uint32, fuse.Status) {
	entry := fs.log.BeginWrite(in.Caller.Pid, in.NodeId, in.Fh, in.Offset, uint64(len(data)))

	n, err := unix.Pwrite(int(in.Fh), data, int64(in.Offset))
	res := int64(n)
	if err != nil {
		res = -int64(errno(err))
	}
	entry.End(res)
	fs.log.Emit(entry.Format())

	if err != nil {
		return 0, fuse.ToStatus(err)
	}
	return uint32(n), fuse.OK
}

// WriteFd is the fd-sourced counterpart of Write: size bytes are moved
// from srcFd into the file handle at off without passing through a
// user-space buffer. The event is logged like a regular write.
func (fs *FileSystem) WriteFd(pid uint32, nodeid uint64, fh uint64, srcFd int, off int64, size int) (int64, syscall.Errno) {
	entry := fs.log.BeginWrite(pid, nodeid, fh, uint64(off), uint64(size))

	dstOff := off
	n, err := unix.Splice(srcFd, nil, int(fh), &dstOff, size, unix.SPLICE_F_MOVE)
	res := n
	errn := errno(err)
	if err != nil {
		res = -int64(errn)
	}
	entry.End(res)
	fs.log.Emit(entry.Format())

	if err != nil {
		return 0, errn
	}
	return n, 0
}

// Release closes the file handle. The close record is suppressed when
// the handle was never registered by an open on this mount.
func (fs *FileSystem) Release(cancel <-chan struct{}, in *fuse.ReleaseIn) {
	entry := fs.log.BeginClose(in.Caller.Pid, in.NodeId, in.Fh)

	err := unix.Close(int(in.Fh))
	if entry.UnknownHandle() {
		return
	}
	var res int64
	if err != nil {
		res = -int64(errno(err))
	}
	entry.End(res)
	fs.log.Emit(entry.Format())
}

func (fs *FileSystem) Fsync(cancel <-chan struct{}, in *fuse.FsyncIn) fuse.Status {
	fd := int(in.Fh)
	if in.FsyncFlags&1 != 0 {
		return fuse.ToStatus(unix.Fdatasync(fd))
	}
	return fuse.ToStatus(unix.Fsync(fd))
}

func (fs *FileSystem) Fallocate(cancel <-chan struct{}, in *fuse.FallocateIn) fuse.Status {
	return fuse.ToStatus(unix.Fallocate(int(in.Fh), in.Mode, int64(in.Offset), int64(in.Length)))
}

func (fs *FileSystem) Lseek(cancel <-chan struct{}, in *fuse.LseekIn, out *fuse.LseekOut) fuse.Status {
	off, err := unix.Seek(int(in.Fh), int64(in.Offset), int(in.Whence))
	if err != nil {
		return fuse.ToStatus(err)
	}
	out.Offset = uint64(off)
	return fuse.OK
}

// CopyFileRange forwards to copy_file_range(2) and falls back to
// splicing through a pipe when the kernel refuses the direct copy
// (cross-device, or no support on the backing filesystem).
func (fs *FileSystem) CopyFileRange(cancel <-chan struct{}, in *fuse.CopyFileRangeIn) (uint32, fuse.Status) {
	offIn := int64(in.OffIn)
	offOut := int64(in.OffOut)
	n, err := unix.CopyFileRange(int(in.FhIn), &offIn, int(in.FhOut), &offOut, int(in.Len), int(in.Flags))
	if err == unix.EXDEV || err == unix.ENOSYS {
		n, err = spliceCopy(int(in.FhIn), int64(in.OffIn), int(in.FhOut), int64(in.OffOut), int(in.Len))
	}
	if err != nil {
		return 0, fuse.ToStatus(err)
	}
	return uint32(n), fuse.OK
}

func spliceCopy(fdIn int, offIn int64, fdOut int, offOut int64, size int) (int, error) {
	p, err := splice.Get()
	if err != nil {
		return 0, err
	}
	defer splice.Done(p)
	p.MaxGrow()

	total := 0
	for total < size {
		chunk := size - total
		if chunk > p.Cap() {
			chunk = p.Cap()
		}
		m, err := p.LoadFromAt(uintptr(fdIn), chunk, offIn+int64(total))
		if err != nil {
			return total, err
		}
		if m == 0 {
			break
		}
		dst := offOut + int64(total)
		if _, err := unix.Splice(int(p.ReadFd()), nil, fdOut, &dst, m, 0); err != nil {
			return total, err
		}
		total += m
	}
	return total, nil
}

// Poll answers one poll request for a file handle. The descriptor is
// polled once without blocking; when the caller supplied a
// notification handle it is parked in the multiplexer until the
// descriptor becomes ready.
func (fs *FileSystem) Poll(fh uint64, events int16, ph pollmux.Handle) (int16, syscall.Errno) {
	pfd := []unix.PollFd{{Fd: int32(fh), Events: events}}
	if _, err := unix.Poll(pfd, 0); err != nil {
		if ph != nil {
			ph.Destroy()
		}
		return 0, errno(err)
	}
	if ph != nil {
		if err := fs.mux.Register(ph, int(fh), events); err != nil {
			ph.Destroy()
			return pfd[0].Revents, 0
		}
	}
	return pfd[0].Revents, 0
}
