package dlpfs

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var nextLinkIno atomic.Uint64

// LinkStat is the cached metadata a LinkFile reports to the file-system shim
type LinkStat struct {
	Ino   uint64
	Size  uint64
	Mode  os.FileMode
	Uid   uint32
	Gid   uint32
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// LinkFile exposes a container's plaintext as a reference-counted virtual file
type LinkFile struct {
	name      string
	container Container
	readOnly  bool
	logger    *slog.Logger

	// mu guards refcount and stopped
	mu       sync.Mutex
	refcount int
	stopped  bool

	statMu sync.Mutex
	stat   LinkStat
}

// NewLinkFile creates a link holding one reference and marks c as linked
func NewLinkFile(name string, c Container, logger *slog.Logger) (*LinkFile, error) {
	if name == "" {
		return nil, NewValidationError("name", name, "link name cannot be empty")
	}
	if c == nil {
		return nil, NewValidationError("container", nil, "container cannot be nil")
	}

	access := c.Access()
	size, _ := c.ContentSize()
	now := time.Now()

	l := &LinkFile{
		name:      name,
		container: c,
		readOnly:  !access.Writable(),
		logger:    defaultLogger(logger),
		refcount:  1,
		stat: LinkStat{
			Ino:   nextLinkIno.Add(1),
			Size:  size,
			Mode:  access.FileMode(),
			Uid:   uint32(os.Getuid()),
			Gid:   uint32(os.Getgid()),
			Atime: now,
			Mtime: now,
			Ctime: now,
		},
	}
	c.MarkLinked(true)
	return l, nil
}

// Name returns the link's virtual name
func (l *LinkFile) Name() string {
	return l.name
}

// Container returns the linked container
func (l *LinkFile) Container() Container {
	return l.container
}

// ReadOnly reports whether the link was created for a read-only grant
func (l *LinkFile) ReadOnly() bool {
	return l.readOnly
}

// IncreaseRef takes another reference and reports whether it did. A link
// whose count already reached zero cannot be revived.
func (l *LinkFile) IncreaseRef() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.refcount <= 0 {
		l.logger.Warn("increase ref on released link", "name", l.name, "refcount", l.refcount)
		return false
	}
	l.refcount++
	return true
}

// ReleaseRef drops n references and reports whether none remain. Invalid
// counts are logged and leave the link unchanged.
func (l *LinkFile) ReleaseRef(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 {
		l.logger.Warn("release ref with non-positive count", "name", l.name, "count", n)
		return false
	}
	if n > l.refcount {
		l.logger.Warn("release ref exceeds refcount", "name", l.name, "count", n, "refcount", l.refcount)
		return false
	}
	l.refcount -= n
	return l.refcount == 0
}

// RefCount returns the current reference count
func (l *LinkFile) RefCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refcount
}

// StopLink permanently stops the link and unlinks its container
func (l *LinkFile) StopLink() {
	l.mu.Lock()
	already := l.stopped
	l.stopped = true
	l.mu.Unlock()

	if !already {
		l.container.Unlink()
		l.logger.Info("link stopped", "name", l.name)
	}
}

// Stopped reports whether StopLink has been called
func (l *LinkFile) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// Stat returns the cached metadata with a refreshed size. The previous
// size is kept when the container cannot report one.
func (l *LinkFile) Stat() LinkStat {
	size, ok := l.container.ContentSize()

	l.statMu.Lock()
	defer l.statMu.Unlock()
	if ok {
		l.stat.Size = size
	}
	return l.stat
}

// Read returns plaintext at offset for the calling uid
func (l *LinkFile) Read(offset uint64, size uint32, uid uint32) ([]byte, error) {
	if l.Stopped() {
		return nil, ErrLinkingStopped
	}

	data, err := l.container.Read(offset, size, uid)
	if err != nil {
		l.logger.Error("link read failed", "name", l.name, "offset", offset, "size", size, "error", err)
		return nil, err
	}
	l.touch(true, false)
	return data, nil
}

// Write stores data at offset
func (l *LinkFile) Write(offset uint64, data []byte) (int, error) {
	if l.Stopped() {
		return 0, ErrLinkingStopped
	}
	if l.readOnly {
		return 0, ErrReadOnlyDenied
	}

	n, err := l.container.Write(offset, data)
	if err != nil {
		l.logger.Error("link write failed", "name", l.name, "offset", offset, "size", len(data), "error", err)
		return n, err
	}
	l.touch(false, true)
	return n, nil
}

// Truncate changes the content size
func (l *LinkFile) Truncate(size uint64) error {
	if l.Stopped() {
		return ErrLinkingStopped
	}
	if l.readOnly {
		return ErrReadOnlyDenied
	}
	if size >= MaxContentSize {
		return NewValidationError("size", size, fmt.Sprintf("must be below %d", MaxContentSize))
	}

	if err := l.container.Truncate(size); err != nil {
		l.logger.Error("link truncate failed", "name", l.name, "size", size, "error", err)
		return err
	}
	l.touch(false, true)
	return nil
}

func (l *LinkFile) touch(access, modify bool) {
	now := time.Now()
	l.statMu.Lock()
	defer l.statMu.Unlock()
	if access {
		l.stat.Atime = now
	}
	if modify {
		l.stat.Mtime = now
		l.stat.Ctime = now
	}
}
