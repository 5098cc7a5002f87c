// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fusebridge

import (
	"context"
	"os"
	"path/filepath"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/ckennelly/asymmetricfs/lib/overlay"
)

// overlayNode is the single node type backing every entry in the mounted
// tree, file or directory alike. It carries no state of its own beyond
// the shared *overlay.Filesystem; its logical path is recomputed from the
// inode tree on every call via path() rather than cached and kept in sync
// by hand.
type overlayNode struct {
	fs.Inode
	fsys *overlay.Filesystem
}

var (
	_ fs.InodeEmbedder     = (*overlayNode)(nil)
	_ fs.NodeLookuper      = (*overlayNode)(nil)
	_ fs.NodeGetattrer     = (*overlayNode)(nil)
	_ fs.NodeSetattrer     = (*overlayNode)(nil)
	_ fs.NodeOpener        = (*overlayNode)(nil)
	_ fs.NodeCreater       = (*overlayNode)(nil)
	_ fs.NodeReaddirer     = (*overlayNode)(nil)
	_ fs.NodeMkdirer       = (*overlayNode)(nil)
	_ fs.NodeRmdirer       = (*overlayNode)(nil)
	_ fs.NodeUnlinker      = (*overlayNode)(nil)
	_ fs.NodeRenamer       = (*overlayNode)(nil)
	_ fs.NodeSymlinker     = (*overlayNode)(nil)
	_ fs.NodeReadlinker    = (*overlayNode)(nil)
	_ fs.NodeLinker        = (*overlayNode)(nil)
	_ fs.NodeAccesser      = (*overlayNode)(nil)
	_ fs.NodeStatfser      = (*overlayNode)(nil)
	_ fs.NodeGetxattrer    = (*overlayNode)(nil)
	_ fs.NodeSetxattrer    = (*overlayNode)(nil)
	_ fs.NodeRemovexattrer = (*overlayNode)(nil)
	_ fs.NodeListxattrer   = (*overlayNode)(nil)
)

func newNode(fsys *overlay.Filesystem) *overlayNode {
	return &overlayNode{fsys: fsys}
}

// path returns this node's location relative to the mount's root.
func (n *overlayNode) path() string {
	return n.Path(n.Root())
}

func (n *overlayNode) child(ctx context.Context, rel string, mode uint32) *fs.Inode {
	return n.NewInode(ctx, newNode(n.fsys), fs.StableAttr{Mode: mode})
}

func (n *overlayNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	rel := filepath.Join(n.path(), name)
	st, err := n.fsys.Getattr(ctx, rel)
	if err != nil {
		return nil, fs.ToErrno(err)
	}
	out.Attr.FromStat(&st)
	return n.child(ctx, rel, st.Mode), fs.OK
}

func (n *overlayNode) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	if f != nil {
		return f.(fs.FileGetattrer).Getattr(ctx, out)
	}
	st, err := n.fsys.Getattr(ctx, n.path())
	if err != nil {
		return fs.ToErrno(err)
	}
	out.Attr.FromStat(&st)
	return fs.OK
}

func (n *overlayNode) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if f != nil {
		return f.(fs.FileSetattrer).Setattr(ctx, in, out)
	}

	rel := n.path()

	if mode, ok := in.GetMode(); ok {
		if err := n.fsys.Chmod(rel, os.FileMode(mode&0o7777)); err != nil {
			return fs.ToErrno(err)
		}
	}

	uid, uok := in.GetUID()
	gid, gok := in.GetGID()
	if uok || gok {
		u, g := -1, -1
		if uok {
			u = int(uid)
		}
		if gok {
			g = int(gid)
		}
		if err := n.fsys.Chown(rel, u, g); err != nil {
			return fs.ToErrno(err)
		}
	}

	if size, ok := in.GetSize(); ok {
		if err := n.fsys.Truncate(ctx, rel, int64(size)); err != nil {
			return fs.ToErrno(err)
		}
	}

	atime, aok := in.GetATime()
	mtime, mok := in.GetMTime()
	if aok || mok {
		if !aok {
			atime = mtime
		}
		if !mok {
			mtime = atime
		}
		if err := n.fsys.Utimens(rel, atime, mtime); err != nil {
			return fs.ToErrno(err)
		}
	}

	st, err := n.fsys.Getattr(ctx, rel)
	if err != nil {
		return fs.ToErrno(err)
	}
	out.Attr.FromStat(&st)
	return fs.OK
}

func (n *overlayNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	h, err := n.fsys.Open(ctx, n.path(), int(flags))
	if err != nil {
		return nil, 0, fs.ToErrno(err)
	}
	return &fileHandle{fsys: n.fsys, h: h}, 0, fs.OK
}

func (n *overlayNode) Create(ctx context.Context, name string, flags, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	rel := filepath.Join(n.path(), name)
	h, err := n.fsys.Create(ctx, rel, int(flags), os.FileMode(mode&0o7777))
	if err != nil {
		return nil, nil, 0, fs.ToErrno(err)
	}

	st, err := n.fsys.Getattr(ctx, rel)
	if err != nil {
		n.fsys.Release(ctx, h)
		return nil, nil, 0, fs.ToErrno(err)
	}
	out.Attr.FromStat(&st)

	return n.child(ctx, rel, st.Mode), &fileHandle{fsys: n.fsys, h: h}, 0, fs.OK
}

func (n *overlayNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	rel := n.path()
	h, err := n.fsys.OpenDir(rel)
	if err != nil {
		return nil, fs.ToErrno(err)
	}
	defer n.fsys.ReleaseDir(h)

	entries, err := n.fsys.ReadDir(h)
	if err != nil {
		return nil, fs.ToErrno(err)
	}

	list := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		list = append(list, fuse.DirEntry{Name: e.Name, Mode: e.Mode})
	}
	return fs.NewListDirStream(list), fs.OK
}

func (n *overlayNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	rel := filepath.Join(n.path(), name)
	if err := n.fsys.Mkdir(rel, os.FileMode(mode&0o7777)); err != nil {
		return nil, fs.ToErrno(err)
	}
	st, err := n.fsys.Getattr(ctx, rel)
	if err != nil {
		return nil, fs.ToErrno(err)
	}
	out.Attr.FromStat(&st)
	return n.child(ctx, rel, st.Mode), fs.OK
}

func (n *overlayNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return fs.ToErrno(n.fsys.Rmdir(filepath.Join(n.path(), name)))
}

func (n *overlayNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return fs.ToErrno(n.fsys.Unlink(filepath.Join(n.path(), name)))
}

func (n *overlayNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	np, ok := newParent.(*overlayNode)
	if !ok {
		return syscall.EXDEV
	}
	oldRel := filepath.Join(n.path(), name)
	newRel := filepath.Join(np.path(), newName)
	return fs.ToErrno(n.fsys.Rename(oldRel, newRel))
}

func (n *overlayNode) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	rel := filepath.Join(n.path(), name)
	if err := n.fsys.Symlink(target, rel); err != nil {
		return nil, fs.ToErrno(err)
	}
	st, err := n.fsys.Getattr(ctx, rel)
	if err != nil {
		return nil, fs.ToErrno(err)
	}
	out.Attr.FromStat(&st)
	return n.child(ctx, rel, st.Mode), fs.OK
}

func (n *overlayNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.fsys.Readlink(n.path())
	if err != nil {
		return nil, fs.ToErrno(err)
	}
	return []byte(target), fs.OK
}

func (n *overlayNode) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	return nil, syscall.EPERM
}

func (n *overlayNode) Access(ctx context.Context, mask uint32) syscall.Errno {
	return fs.ToErrno(n.fsys.Access(n.path(), mask))
}

func (n *overlayNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	st, err := n.fsys.Statfs()
	if err != nil {
		return fs.ToErrno(err)
	}
	out.FromStatfsT(&st)
	return fs.OK
}

func (n *overlayNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	v, err := n.fsys.GetXattr(n.path(), attr)
	if err != nil {
		return 0, fs.ToErrno(err)
	}
	if len(dest) < len(v) {
		return uint32(len(v)), syscall.ERANGE
	}
	copy(dest, v)
	return uint32(len(v)), fs.OK
}

func (n *overlayNode) Setxattr(ctx context.Context, attr string, data []byte, flags uint32) syscall.Errno {
	return fs.ToErrno(n.fsys.SetXattr(n.path(), attr, data, int(flags)))
}

func (n *overlayNode) Removexattr(ctx context.Context, attr string) syscall.Errno {
	return fs.ToErrno(n.fsys.RemoveXattr(n.path(), attr))
}

func (n *overlayNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	names, err := n.fsys.ListXattr(n.path())
	if err != nil {
		return 0, fs.ToErrno(err)
	}

	var size int
	for _, name := range names {
		size += len(name) + 1
	}
	if len(dest) < size {
		return uint32(size), syscall.ERANGE
	}

	var off int
	for _, name := range names {
		copy(dest[off:], name)
		off += len(name)
		dest[off] = 0
		off++
	}
	return uint32(size), fs.OK
}
