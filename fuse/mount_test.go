package fuse

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/absfs/dlpfs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

func newTestOptions(t *testing.T, access dlpfs.FileAccess, plaintext []byte) *Options {
	t.Helper()

	material, err := dlpfs.GenerateCipherMaterial(16)
	if err != nil {
		t.Fatalf("GenerateCipherMaterial failed: %v", err)
	}
	defer material.Zero()

	f, err := os.OpenFile(filepath.Join(t.TempDir(), "doc.dlp"), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	c, err := dlpfs.NewFlatContainer(f, nil)
	if err != nil {
		t.Fatalf("NewFlatContainer failed: %v", err)
	}
	if err := c.SetCipher(material); err != nil {
		t.Fatalf("SetCipher failed: %v", err)
	}
	if err := c.SetEncryptCert([]byte("certificate")); err != nil {
		t.Fatalf("SetEncryptCert failed: %v", err)
	}
	if err := c.SetContactAccount("owner@example.com"); err != nil {
		t.Fatalf("SetContactAccount failed: %v", err)
	}
	if err := c.SetPolicy(dlpfs.Policy{Access: access}); err != nil {
		t.Fatalf("SetPolicy failed: %v", err)
	}
	if err := c.Protect(bytes.NewReader(plaintext)); err != nil {
		t.Fatalf("Protect failed: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := dlpfs.NewLinkRegistry(logger)
	if _, err := registry.Add("doc.txt", c); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	t.Cleanup(func() { registry.Close() })

	return &Options{Registry: registry, Logger: logger}
}

func TestMount_RequiresOptions(t *testing.T) {
	if _, err := Mount(Options{Registry: dlpfs.NewLinkRegistry(nil)}); err == nil {
		t.Error("Mount without mountpoint succeeded")
	}
	if _, err := Mount(Options{Mountpoint: t.TempDir()}); err == nil {
		t.Error("Mount without registry succeeded")
	}
}

func TestRootNode_Readdir(t *testing.T) {
	opts := newTestOptions(t, dlpfs.AccessReadOnly, []byte("x"))
	root := &rootNode{options: opts}

	stream, errno := root.Readdir(context.Background())
	if errno != 0 {
		t.Fatalf("Readdir errno = %v", errno)
	}
	defer stream.Close()

	var names []string
	for stream.HasNext() {
		entry, errno := stream.Next()
		if errno != 0 {
			t.Fatalf("Next errno = %v", errno)
		}
		if entry.Mode != syscall.S_IFREG {
			t.Errorf("entry %s mode = %o", entry.Name, entry.Mode)
		}
		names = append(names, entry.Name)
	}
	if len(names) != 1 || names[0] != "doc.txt" {
		t.Errorf("Readdir names = %v", names)
	}
}

func TestLinkNode_ReadWrite(t *testing.T) {
	ctx := context.Background()
	opts := newTestOptions(t, dlpfs.AccessContentEdit, []byte("hello world"))
	node := &linkNode{options: opts, name: "doc.txt"}

	var attr fuse.AttrOut
	if errno := node.Getattr(ctx, nil, &attr); errno != 0 {
		t.Fatalf("Getattr errno = %v", errno)
	}
	if attr.Size != 11 || attr.Mode != syscall.S_IFREG|0o640 {
		t.Errorf("attr size %d, mode %o", attr.Size, attr.Mode)
	}

	fh, flags, errno := node.Open(ctx, syscall.O_RDWR)
	if errno != 0 {
		t.Fatalf("Open errno = %v", errno)
	}
	if flags&fuse.FOPEN_DIRECT_IO == 0 {
		t.Error("Open did not request direct I/O")
	}
	link, _ := opts.Registry.Lookup("doc.txt")
	if link.RefCount() != 2 {
		t.Errorf("refcount after Open = %d, want 2", link.RefCount())
	}

	written, errno := node.Write(ctx, fh, []byte("WORLD"), 6)
	if errno != 0 || written != 5 {
		t.Fatalf("Write = %d, errno %v", written, errno)
	}

	result, errno := node.Read(ctx, fh, make([]byte, 64), 0)
	if errno != 0 {
		t.Fatalf("Read errno = %v", errno)
	}
	data, _ := result.Bytes(make([]byte, 64))
	if string(data) != "hello WORLD" {
		t.Errorf("Read = %q", data)
	}

	if errno := node.Fsync(ctx, fh, 0); errno != 0 {
		t.Errorf("Fsync errno = %v", errno)
	}

	var in fuse.SetAttrIn
	in.Valid = fuse.FATTR_SIZE
	in.Size = 5
	if errno := node.Setattr(ctx, fh, &in, &attr); errno != 0 {
		t.Fatalf("Setattr errno = %v", errno)
	}
	if attr.Size != 5 {
		t.Errorf("size after truncate = %d, want 5", attr.Size)
	}

	if _, errno := node.Read(ctx, fh, make([]byte, 4), -1); errno != syscall.EINVAL {
		t.Errorf("negative offset errno = %v, want EINVAL", errno)
	}

	if errno := fh.(*linkHandle).Release(ctx); errno != 0 {
		t.Fatalf("Release errno = %v", errno)
	}
	if link.RefCount() != 1 {
		t.Errorf("refcount after Release = %d, want 1", link.RefCount())
	}
}

func TestLinkNode_ReadOnly(t *testing.T) {
	ctx := context.Background()
	opts := newTestOptions(t, dlpfs.AccessReadOnly, []byte("secret"))
	node := &linkNode{options: opts, name: "doc.txt"}

	if _, _, errno := node.Open(ctx, syscall.O_WRONLY); errno != syscall.EROFS {
		t.Errorf("Open for write errno = %v, want EROFS", errno)
	}
	if _, errno := node.Write(ctx, nil, []byte("x"), 0); errno != syscall.EROFS {
		t.Errorf("Write errno = %v, want EROFS", errno)
	}

	var attr fuse.AttrOut
	node.Getattr(ctx, nil, &attr)
	if attr.Mode != syscall.S_IFREG|0o440 {
		t.Errorf("mode = %o, want read-only", attr.Mode)
	}

	fh, _, errno := node.Open(ctx, syscall.O_RDONLY)
	if errno != 0 {
		t.Fatalf("Open errno = %v", errno)
	}
	result, errno := node.Read(ctx, fh, make([]byte, 16), 0)
	if errno != 0 {
		t.Fatalf("Read errno = %v", errno)
	}
	data, _ := result.Bytes(nil)
	if string(data) != "secret" {
		t.Errorf("Read = %q", data)
	}
}

func TestLinkNode_Released(t *testing.T) {
	ctx := context.Background()
	opts := newTestOptions(t, dlpfs.AccessReadOnly, []byte("x"))
	node := &linkNode{options: opts, name: "doc.txt"}

	if err := opts.Registry.Release("doc.txt", 1); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	var attr fuse.AttrOut
	if errno := node.Getattr(ctx, nil, &attr); errno != syscall.ENOENT {
		t.Errorf("Getattr errno = %v, want ENOENT", errno)
	}
	if _, _, errno := node.Open(ctx, syscall.O_RDONLY); errno != syscall.ENOENT {
		t.Errorf("Open errno = %v, want ENOENT", errno)
	}
}

func TestLinkNode_Stopped(t *testing.T) {
	ctx := context.Background()
	opts := newTestOptions(t, dlpfs.AccessContentEdit, []byte("x"))
	node := &linkNode{options: opts, name: "doc.txt"}

	opts.Registry.Stop("doc.txt")
	if _, _, errno := node.Open(ctx, syscall.O_RDONLY); errno != syscall.EPERM {
		t.Errorf("Open errno = %v, want EPERM", errno)
	}
	if _, errno := node.Read(ctx, nil, make([]byte, 1), 0); errno != syscall.EPERM {
		t.Errorf("Read errno = %v, want EPERM", errno)
	}
}

func TestToErrno(t *testing.T) {
	tests := []struct {
		err  error
		want syscall.Errno
	}{
		{nil, 0},
		{dlpfs.ErrReadOnlyDenied, syscall.EROFS},
		{dlpfs.ErrLinkingStopped, syscall.EPERM},
		{dlpfs.ErrPermissionDenied, syscall.EPERM},
		{dlpfs.NewValidationError("length", 0, "zero"), syscall.EINVAL},
		{dlpfs.ErrNotReady, syscall.EAGAIN},
		{os.ErrNotExist, syscall.ENOENT},
		{dlpfs.NewCorruptionError("", "bad tag"), syscall.EIO},
		{errors.New("boom"), syscall.EIO},
	}

	for _, tt := range tests {
		if got := toErrno(tt.err); got != tt.want {
			t.Errorf("toErrno(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
