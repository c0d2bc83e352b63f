// Copyright 2022 the LogFs Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package logfs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
)

func (fs *testFS) opendir(t *testing.T, nodeid uint64) *fuse.OpenOut {
	t.Helper()
	out := &fuse.OpenOut{}
	in := &fuse.OpenIn{InHeader: header(nodeid, 100)}
	if status := fs.OpenDir(nil, in, out); status != fuse.OK {
		t.Fatalf("OpenDir: %v", status)
	}
	return out
}

func TestDirStreamIteration(t *testing.T) {
	fs := newTestFS(t)
	want := []string{"a", "b", "c", "d", "e"}
	for _, name := range want {
		if err := os.WriteFile(filepath.Join(fs.dir, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	out := fs.opendir(t, fuse.FUSE_ROOT_ID)
	ds := fs.dirStream(out.Fh)
	if ds == nil {
		t.Fatal("no stream registered for the directory handle")
	}

	var got []string
	for {
		e, errno, ok := ds.peek()
		if errno != 0 {
			t.Fatalf("peek: %v", errno)
		}
		if !ok {
			break
		}
		if e.Name == "." || e.Name == ".." {
			t.Fatalf("dot entry %q leaked through the stream", e.Name)
		}
		if e.Ino == 0 {
			t.Errorf("entry %q has zero inode", e.Name)
		}
		if e.Mode&syscall.S_IFMT != syscall.S_IFREG {
			t.Errorf("entry %q has mode %#o, want regular", e.Name, e.Mode)
		}
		got = append(got, e.Name)
		ds.advance()
	}
	sort.Strings(got)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("entries %v, want %v", got, want)
	}

	// Seeking backwards rewinds and skips forward again.
	if errno := ds.seek(2); errno != 0 {
		t.Fatalf("seek: %v", errno)
	}
	if ds.next != 2 {
		t.Fatalf("next %d after seek(2)", ds.next)
	}
	rest := 0
	for {
		_, errno, ok := ds.peek()
		if errno != 0 || !ok {
			break
		}
		ds.advance()
		rest++
	}
	if rest != len(want)-2 {
		t.Fatalf("%d entries after seek(2), want %d", rest, len(want)-2)
	}

	fs.ReleaseDir(&fuse.ReleaseIn{Fh: out.Fh})
	if fs.dirStream(out.Fh) != nil {
		t.Fatal("stream survived ReleaseDir")
	}
}

func TestReadDirPaging(t *testing.T) {
	fs := newTestFS(t)
	const count = 20
	for i := 0; i < count; i++ {
		name := fmt.Sprintf("file%02d", i)
		if err := os.WriteFile(filepath.Join(fs.dir, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	out := fs.opendir(t, fuse.FUSE_ROOT_ID)
	ds := fs.dirStream(out.Fh)

	// Drive the handler the way the kernel does: request a small
	// buffer, continue from the returned offset until no progress.
	var offset uint64
	pages := 0
	for {
		list := fuse.NewDirEntryList(make([]byte, 256), offset)
		in := &fuse.ReadIn{InHeader: header(fuse.FUSE_ROOT_ID, 100), Fh: out.Fh, Offset: offset}
		if status := fs.ReadDir(nil, in, list); status != fuse.OK {
			t.Fatalf("ReadDir at %d: %v", offset, status)
		}
		if ds.next == offset {
			break
		}
		offset = ds.next
		pages++
	}
	if offset != count {
		t.Fatalf("consumed %d entries, want %d", offset, count)
	}
	if pages < 2 {
		t.Fatalf("directory fit in %d page(s); buffer too large for the test", pages)
	}
}

func TestReadDirPlusResolvesChildren(t *testing.T) {
	fs := newTestFS(t)
	for _, name := range []string{"x", "y"} {
		if err := os.WriteFile(filepath.Join(fs.dir, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	out := fs.opendir(t, fuse.FUSE_ROOT_ID)
	list := fuse.NewDirEntryList(make([]byte, 4096), 0)
	in := &fuse.ReadIn{InHeader: header(fuse.FUSE_ROOT_ID, 100), Fh: out.Fh}
	if status := fs.ReadDirPlus(nil, in, list); status != fuse.OK {
		t.Fatalf("ReadDirPlus: %v", status)
	}

	// Each produced entry is backed by a published node holding one
	// reference per entry reply.
	fs.mu.RLock()
	count := len(fs.nodes)
	for _, n := range fs.nodes {
		if got := n.lookup.Load(); got != 1 {
			t.Errorf("node %d lookup %d, want 1", n.ino, got)
		}
	}
	fs.mu.RUnlock()
	if count != 2 {
		t.Fatalf("node table has %d entries, want 2", count)
	}
}

func TestReadlinkGrowingTarget(t *testing.T) {
	fs := newTestFS(t)
	target := strings.Repeat("x", 300) // longer than the initial buffer
	if err := os.Symlink(target, filepath.Join(fs.dir, "l")); err != nil {
		t.Fatal(err)
	}
	entry := fs.lookup(t, fuse.FUSE_ROOT_ID, "l")

	got, status := fs.Readlink(nil, &fuse.InHeader{NodeId: entry.NodeId})
	if status != fuse.OK {
		t.Fatalf("Readlink: %v", status)
	}
	if string(got) != target {
		t.Fatalf("Readlink returned %d bytes, want %d", len(got), len(target))
	}
}

func TestSetAttrSubsets(t *testing.T) {
	fs := newTestFS(t)
	p := filepath.Join(fs.dir, "f")
	if err := os.WriteFile(p, []byte("0123456789"), 0644); err != nil {
		t.Fatal(err)
	}
	entry := fs.lookup(t, fuse.FUSE_ROOT_ID, "f")

	// Mode only.
	var out fuse.AttrOut
	in := &fuse.SetAttrIn{}
	in.NodeId = entry.NodeId
	in.Valid = fuse.FATTR_MODE
	in.Mode = 0600
	if status := fs.SetAttr(nil, in, &out); status != fuse.OK {
		t.Fatalf("SetAttr(mode): %v", status)
	}
	if st, _ := os.Stat(p); st.Mode().Perm() != 0600 {
		t.Errorf("mode %v, want 0600", st.Mode().Perm())
	}

	// Size only; mode must be untouched.
	in = &fuse.SetAttrIn{}
	in.NodeId = entry.NodeId
	in.Valid = fuse.FATTR_SIZE
	in.Size = 4
	if status := fs.SetAttr(nil, in, &out); status != fuse.OK {
		t.Fatalf("SetAttr(size): %v", status)
	}
	st, err := os.Stat(p)
	if err != nil {
		t.Fatal(err)
	}
	if st.Size() != 4 {
		t.Errorf("size %d, want 4", st.Size())
	}
	if st.Mode().Perm() != 0600 {
		t.Errorf("mode %v changed by size-only setattr", st.Mode().Perm())
	}
	if out.Attr.Size != 4 {
		t.Errorf("reply attr size %d, want 4", out.Attr.Size)
	}

	// Explicit mtime.
	in = &fuse.SetAttrIn{}
	in.NodeId = entry.NodeId
	in.Valid = fuse.FATTR_MTIME
	in.Mtime = 1600000000
	if status := fs.SetAttr(nil, in, &out); status != fuse.OK {
		t.Fatalf("SetAttr(mtime): %v", status)
	}
	if st, _ := os.Stat(p); st.ModTime().Unix() != 1600000000 {
		t.Errorf("mtime %d, want 1600000000", st.ModTime().Unix())
	}
}

func TestMkdirRmdir(t *testing.T) {
	fs := newTestFS(t)

	var out fuse.EntryOut
	in := &fuse.MkdirIn{InHeader: header(fuse.FUSE_ROOT_ID, 100), Mode: 0755}
	if status := fs.Mkdir(nil, in, "d", &out); status != fuse.OK {
		t.Fatalf("Mkdir: %v", status)
	}
	st, err := os.Stat(filepath.Join(fs.dir, "d"))
	if err != nil || !st.IsDir() {
		t.Fatalf("mkdir result: %v %v", st, err)
	}
	if out.Attr.Mode&syscall.S_IFMT != syscall.S_IFDIR {
		t.Errorf("entry mode %#o is not a directory", out.Attr.Mode)
	}

	if status := fs.Rmdir(nil, &fuse.InHeader{NodeId: fuse.FUSE_ROOT_ID}, "d"); status != fuse.OK {
		t.Fatalf("Rmdir: %v", status)
	}
	if _, err := os.Stat(filepath.Join(fs.dir, "d")); !os.IsNotExist(err) {
		t.Fatalf("directory survived rmdir: %v", err)
	}
}

func TestSymlinkAndUnlink(t *testing.T) {
	fs := newTestFS(t)

	var out fuse.EntryOut
	hdr := header(fuse.FUSE_ROOT_ID, 100)
	if status := fs.Symlink(nil, &hdr, "target", "l", &out); status != fuse.OK {
		t.Fatalf("Symlink: %v", status)
	}
	got, err := os.Readlink(filepath.Join(fs.dir, "l"))
	if err != nil || got != "target" {
		t.Fatalf("readlink: %q %v", got, err)
	}

	if status := fs.Unlink(nil, &hdr, "l"); status != fuse.OK {
		t.Fatalf("Unlink: %v", status)
	}
	if _, err := os.Lstat(filepath.Join(fs.dir, "l")); !os.IsNotExist(err) {
		t.Fatalf("symlink survived unlink: %v", err)
	}
}

func TestLinkBumpsLookup(t *testing.T) {
	fs := newTestFS(t)
	if err := os.WriteFile(filepath.Join(fs.dir, "f"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	entry := fs.lookup(t, fuse.FUSE_ROOT_ID, "f")

	var out fuse.EntryOut
	in := &fuse.LinkIn{InHeader: header(fuse.FUSE_ROOT_ID, 100), Oldnodeid: entry.NodeId}
	status := fs.Link(nil, in, "hard", &out)
	if status != fuse.OK {
		// Linking by descriptor needs CAP_DAC_READ_SEARCH on
		// some kernels.
		if status == fuse.Status(syscall.EPERM) || status == fuse.Status(syscall.ENOENT) {
			t.Skipf("linkat(AT_EMPTY_PATH) not permitted: %v", status)
		}
		t.Fatalf("Link: %v", status)
	}
	if out.NodeId != entry.NodeId {
		t.Fatalf("link entry node %d, want %d", out.NodeId, entry.NodeId)
	}
	fs.mu.RLock()
	n := fs.nodes[entry.NodeId]
	fs.mu.RUnlock()
	if got := n.lookup.Load(); got != 2 {
		t.Fatalf("lookup count %d after link, want 2", got)
	}
	if out.Attr.Nlink != 2 {
		t.Errorf("nlink %d, want 2", out.Attr.Nlink)
	}
}

func TestMknodFifo(t *testing.T) {
	fs := newTestFS(t)

	var out fuse.EntryOut
	in := &fuse.MknodIn{InHeader: header(fuse.FUSE_ROOT_ID, 100), Mode: syscall.S_IFIFO | 0600}
	if status := fs.Mknod(nil, in, "fifo", &out); status != fuse.OK {
		t.Fatalf("Mknod: %v", status)
	}
	st, err := os.Lstat(filepath.Join(fs.dir, "fifo"))
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode()&os.ModeNamedPipe == 0 {
		t.Fatalf("mode %v is not a fifo", st.Mode())
	}
}

func TestStatFs(t *testing.T) {
	fs := newTestFS(t)
	var out fuse.StatfsOut
	if status := fs.StatFs(nil, &fuse.InHeader{NodeId: fuse.FUSE_ROOT_ID}, &out); status != fuse.OK {
		t.Fatalf("StatFs: %v", status)
	}
	if out.Bsize == 0 {
		t.Errorf("statfs block size is zero")
	}
}

func TestXAttrRoundTrip(t *testing.T) {
	fs := newTestFS(t)
	if err := os.WriteFile(filepath.Join(fs.dir, "f"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	entry := fs.lookup(t, fuse.FUSE_ROOT_ID, "f")
	hdr := header(entry.NodeId, 100)

	in := &fuse.SetXAttrIn{InHeader: hdr}
	status := fs.SetXAttr(nil, in, "user.test", []byte("value"))
	if status == fuse.Status(syscall.ENOTSUP) || status == fuse.Status(syscall.EOPNOTSUPP) {
		t.Skip("backing filesystem lacks xattr support")
	}
	if status != fuse.OK {
		t.Fatalf("SetXAttr: %v", status)
	}

	// Size probe, then the data.
	sz, status := fs.GetXAttr(nil, &hdr, "user.test", nil)
	if status != fuse.OK || sz != 5 {
		t.Fatalf("GetXAttr probe: %d %v", sz, status)
	}
	dest := make([]byte, sz)
	sz, status = fs.GetXAttr(nil, &hdr, "user.test", dest)
	if status != fuse.OK || string(dest[:sz]) != "value" {
		t.Fatalf("GetXAttr: %q %v", dest[:sz], status)
	}

	lst := make([]byte, 64)
	sz, status = fs.ListXAttr(nil, &hdr, lst)
	if status != fuse.OK || !strings.Contains(string(lst[:sz]), "user.test") {
		t.Fatalf("ListXAttr: %q %v", lst[:sz], status)
	}

	if status := fs.RemoveXAttr(nil, &hdr, "user.test"); status != fuse.OK {
		t.Fatalf("RemoveXAttr: %v", status)
	}
	if _, status := fs.GetXAttr(nil, &hdr, "user.test", nil); status == fuse.OK {
		t.Fatal("attribute survived removal")
	}
}

func TestLseekAndFallocate(t *testing.T) {
	fs := newTestFS(t)
	out := fs.create(t, 100, "f", uint32(os.O_RDWR), 0644)

	fin := &fuse.FallocateIn{InHeader: header(out.NodeId, 100), Fh: out.Fh, Length: 4096}
	if status := fs.Fallocate(nil, fin); status != fuse.OK {
		t.Fatalf("Fallocate: %v", status)
	}
	if st, _ := os.Stat(filepath.Join(fs.dir, "f")); st.Size() != 4096 {
		t.Fatalf("size %d after fallocate, want 4096", st.Size())
	}

	lin := &fuse.LseekIn{InHeader: header(out.NodeId, 100), Fh: out.Fh, Offset: 100, Whence: 0}
	var lout fuse.LseekOut
	if status := fs.Lseek(nil, lin, &lout); status != fuse.OK {
		t.Fatalf("Lseek: %v", status)
	}
	if lout.Offset != 100 {
		t.Fatalf("lseek offset %d, want 100", lout.Offset)
	}
}

func TestFsyncDirAndFile(t *testing.T) {
	fs := newTestFS(t)
	out := fs.create(t, 100, "f", uint32(os.O_RDWR), 0644)
	fin := &fuse.FsyncIn{InHeader: header(out.NodeId, 100), Fh: out.Fh}
	if status := fs.Fsync(nil, fin); status != fuse.OK {
		t.Fatalf("Fsync: %v", status)
	}
	fin.FsyncFlags = 1
	if status := fs.Fsync(nil, fin); status != fuse.OK {
		t.Fatalf("Fsync(datasync): %v", status)
	}

	dout := fs.opendir(t, fuse.FUSE_ROOT_ID)
	din := &fuse.FsyncIn{InHeader: header(fuse.FUSE_ROOT_ID, 100), Fh: dout.Fh}
	if status := fs.FsyncDir(nil, din); status != fuse.OK {
		t.Fatalf("FsyncDir: %v", status)
	}
}

func TestGetAttr(t *testing.T) {
	fs := newTestFS(t)
	if err := os.WriteFile(filepath.Join(fs.dir, "f"), []byte("abc"), 0640); err != nil {
		t.Fatal(err)
	}
	entry := fs.lookup(t, fuse.FUSE_ROOT_ID, "f")

	var out fuse.AttrOut
	in := &fuse.GetAttrIn{InHeader: header(entry.NodeId, 100)}
	if status := fs.GetAttr(nil, in, &out); status != fuse.OK {
		t.Fatalf("GetAttr: %v", status)
	}
	if out.Attr.Size != 3 {
		t.Errorf("size %d, want 3", out.Attr.Size)
	}
	if out.Attr.Mode&0777 != 0640 {
		t.Errorf("mode %#o, want 0640", out.Attr.Mode&0777)
	}
	if out.Attr.Ino != entry.NodeId {
		t.Errorf("ino %d, want %d", out.Attr.Ino, entry.NodeId)
	}
}
