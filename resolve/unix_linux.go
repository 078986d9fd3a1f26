//go:build linux

package resolve

import "golang.org/x/sys/unix"

// UnixSyscalls implements [Syscalls] via golang.org/x/sys/unix, the
// production backend for the chroot pivot.
type UnixSyscalls struct{}

func (UnixSyscalls) Open(path string) (int, error) {
	return unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY, 0)
}

func (UnixSyscalls) Fchdir(fd int) error { return unix.Fchdir(fd) }

func (UnixSyscalls) Chroot(path string) error { return unix.Chroot(path) }

func (UnixSyscalls) Close(fd int) error { return unix.Close(fd) }
