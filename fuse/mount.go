// Package fuse mounts a dlpfs.LinkRegistry as a flat FUSE directory.
// Each registered link appears as a regular file whose reads and writes
// go through the link's container.
package fuse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/absfs/dlpfs"
	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted.
	Mountpoint string

	// Registry provides the linked containers.
	Registry *dlpfs.LinkRegistry

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Logger receives diagnostic messages. If nil, errors go to stderr.
	Logger *slog.Logger
}

// Mount mounts the registry at the configured mountpoint. The caller must
// call Unmount on the returned Server when done.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &rootNode{options: &options}

	// Content changes underneath the kernel, so attributes are not cached.
	entryTimeout := 1 * time.Second
	attrTimeout := time.Duration(0)
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "dlpfs",
			Name:       "dlpfs",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("dlpfs FUSE filesystem mounted", "mountpoint", options.Mountpoint)
	return server, nil
}

// rootNode lists every registered link.
type rootNode struct {
	gofuse.Inode
	options *Options
}

var _ gofuse.InodeEmbedder = (*rootNode)(nil)
var _ gofuse.NodeLookuper = (*rootNode)(nil)
var _ gofuse.NodeReaddirer = (*rootNode)(nil)

func (r *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	link, ok := r.options.Registry.Lookup(name)
	if !ok {
		return nil, syscall.ENOENT
	}

	stat := link.Stat()
	fillAttr(&out.Attr, stat)

	node := &linkNode{options: r.options, name: name}
	child := r.NewInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFREG, Ino: stat.Ino})
	return child, 0
}

func (r *rootNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	names := r.options.Registry.Names()
	entries := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, fuse.DirEntry{
			Name: name,
			Mode: syscall.S_IFREG,
		})
	}
	return gofuse.NewListDirStream(entries), 0
}

// linkNode is a single linked container. The link is resolved on every
// call so a released link turns into ENOENT.
type linkNode struct {
	gofuse.Inode
	options *Options
	name    string
}

var _ gofuse.InodeEmbedder = (*linkNode)(nil)
var _ gofuse.NodeGetattrer = (*linkNode)(nil)
var _ gofuse.NodeSetattrer = (*linkNode)(nil)
var _ gofuse.NodeOpener = (*linkNode)(nil)
var _ gofuse.NodeReader = (*linkNode)(nil)
var _ gofuse.NodeWriter = (*linkNode)(nil)
var _ gofuse.NodeFsyncer = (*linkNode)(nil)

func (n *linkNode) link() (*dlpfs.LinkFile, syscall.Errno) {
	link, ok := n.options.Registry.Lookup(n.name)
	if !ok {
		return nil, syscall.ENOENT
	}
	return link, 0
}

func (n *linkNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	link, errno := n.link()
	if errno != 0 {
		return errno
	}
	fillAttr(&out.Attr, link.Stat())
	return 0
}

func (n *linkNode) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	link, errno := n.link()
	if errno != 0 {
		return errno
	}
	if size, ok := in.GetSize(); ok {
		if err := link.Truncate(size); err != nil {
			return n.errno("truncate", err)
		}
	}
	fillAttr(&out.Attr, link.Stat())
	return 0
}

func (n *linkNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	link, errno := n.link()
	if errno != 0 {
		return nil, 0, errno
	}
	if link.Stopped() {
		return nil, 0, syscall.EPERM
	}
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 && link.ReadOnly() {
		return nil, 0, syscall.EROFS
	}

	if _, ok := n.options.Registry.Get(n.name); !ok {
		return nil, 0, syscall.ENOENT
	}
	// Plaintext must not linger in the page cache.
	return &linkHandle{options: n.options, name: n.name}, fuse.FOPEN_DIRECT_IO, 0
}

func (n *linkNode) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	link, errno := n.link()
	if errno != 0 {
		return nil, errno
	}
	if off < 0 {
		return nil, syscall.EINVAL
	}

	var uid uint32
	if caller, ok := fuse.FromContext(ctx); ok {
		uid = caller.Uid
	}

	data, err := link.Read(uint64(off), uint32(len(dest)), uid)
	if err != nil {
		return nil, n.errno("read", err)
	}
	return fuse.ReadResultData(data), 0
}

func (n *linkNode) Write(ctx context.Context, f gofuse.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	link, errno := n.link()
	if errno != 0 {
		return 0, errno
	}
	if off < 0 {
		return 0, syscall.EINVAL
	}

	written, err := link.Write(uint64(off), data)
	if err != nil {
		return 0, n.errno("write", err)
	}
	return uint32(written), 0
}

func (n *linkNode) Fsync(ctx context.Context, f gofuse.FileHandle, flags uint32) syscall.Errno {
	link, errno := n.link()
	if errno != 0 {
		return errno
	}
	if link.ReadOnly() {
		return 0
	}
	if err := link.Container().Sync(); err != nil {
		return n.errno("fsync", err)
	}
	return 0
}

func (n *linkNode) errno(op string, err error) syscall.Errno {
	errno := toErrno(err)
	if errno == syscall.EIO {
		n.options.Logger.Error("link operation failed", "op", op, "name", n.name, "error", err)
	}
	return errno
}

// linkHandle holds one link reference for the lifetime of an open file.
type linkHandle struct {
	options *Options
	name    string
}

var _ gofuse.FileReleaser = (*linkHandle)(nil)

func (h *linkHandle) Release(ctx context.Context) syscall.Errno {
	if err := h.options.Registry.Release(h.name, 1); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return syscall.ENOENT
		}
		h.options.Logger.Error("release failed", "name", h.name, "error", err)
		return syscall.EIO
	}
	return 0
}

// toErrno maps engine errors onto the errno a file-system caller expects.
func toErrno(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, dlpfs.ErrReadOnlyDenied):
		return syscall.EROFS
	case errors.Is(err, dlpfs.ErrLinkingStopped), errors.Is(err, dlpfs.ErrPermissionDenied):
		return syscall.EPERM
	case errors.Is(err, dlpfs.ErrValueInvalid):
		return syscall.EINVAL
	case errors.Is(err, dlpfs.ErrNotReady):
		return syscall.EAGAIN
	case errors.Is(err, os.ErrNotExist):
		return syscall.ENOENT
	default:
		return syscall.EIO
	}
}

func fillAttr(out *fuse.Attr, stat dlpfs.LinkStat) {
	out.Ino = stat.Ino
	out.Mode = syscall.S_IFREG | uint32(stat.Mode.Perm())
	out.Size = stat.Size
	out.Blocks = (stat.Size + 511) / 512
	out.Nlink = 1
	out.Uid = stat.Uid
	out.Gid = stat.Gid
	out.SetTimes(&stat.Atime, &stat.Mtime, &stat.Ctime)
}
