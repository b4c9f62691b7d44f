package dlpfs

import (
	"errors"
	"fmt"
	"os"

	"github.com/absfs/absfs"
	"golang.org/x/sys/unix"
)

// FileFromDescriptor wraps a raw descriptor handed over by the caller in
// an absfs.File. The descriptor is duplicated, so the caller keeps
// ownership of fd and the returned file must be closed separately.
func FileFromDescriptor(fd int) (absfs.File, error) {
	if fd < 0 {
		return nil, NewIOError("open", "", -1, fmt.Errorf("descriptor %d: %w", fd, ErrFdError))
	}

	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		if errors.Is(err, unix.EBADF) {
			return nil, NewIOError("open", "", -1, fmt.Errorf("descriptor %d: %w", fd, ErrFdError))
		}
		return nil, NewIOError("fcntl", "", -1, err)
	}
	if flags&unix.O_ACCMODE == unix.O_WRONLY {
		return nil, NewIOError("open", "", -1, fmt.Errorf("descriptor %d is write-only: %w", fd, ErrFdError))
	}

	dup, err := unix.Dup(fd)
	if err != nil {
		return nil, NewIOError("dup", "", -1, err)
	}
	unix.CloseOnExec(dup)
	return os.NewFile(uintptr(dup), descriptorName(fd)), nil
}

// descriptorName resolves the path a descriptor refers to, falling back
// to a synthetic name when /proc is unavailable
func descriptorName(fd int) string {
	if target, err := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", fd)); err == nil {
		return target
	}
	return fmt.Sprintf("fd:%d", fd)
}
