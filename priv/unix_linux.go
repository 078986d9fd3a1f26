//go:build linux

package priv

import (
	"golang.org/x/sys/unix"
)

// UnixSyscalls implements [Syscalls] against the running Linux kernel via
// golang.org/x/sys/unix, grounded on cmd/hsu/main.go's Setresuid/Setresgid/
// Setgroups/PR_SET_NO_NEW_PRIVS sequence in the teacher repository — the
// same primitives, used here as in-process identity transitions rather
// than to hand off into a re-exec'd setuid helper.
type UnixSyscalls struct{}

func (UnixSyscalls) Setresuid(ruid, euid, suid int) error {
	return unix.Setresuid(ruid, euid, suid)
}

func (UnixSyscalls) Setresgid(rgid, egid, sgid int) error {
	return unix.Setresgid(rgid, egid, sgid)
}

func (UnixSyscalls) Setgroups(gids []int) error {
	return unix.Setgroups(gids)
}

func (UnixSyscalls) Getresuid() (ruid, euid, suid int, err error) {
	r, e, s := unix.Getresuid()
	return r, e, s, nil
}

func (UnixSyscalls) Getresgid() (rgid, egid, sgid int, err error) {
	r, e, s := unix.Getresgid()
	return r, e, s, nil
}

func (UnixSyscalls) Getgroups() ([]int, error) {
	return unix.Getgroups()
}

// RaiseNproc raises RLIMIT_NPROC to infinity, falling back to its hard
// limit when that is refused (unix.Setrlimit cannot exceed the hard limit
// without CAP_SYS_RESOURCE), and returns a closure that restores the
// original limit, per spec.md §4.2.
func (UnixSyscalls) RaiseNproc() (restore func() error, err error) {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NPROC, &rlim); err != nil {
		return nil, err
	}
	original := rlim

	raised := unix.Rlimit{Cur: ^uint64(0), Max: ^uint64(0)}
	if err := unix.Setrlimit(unix.RLIMIT_NPROC, &raised); err != nil {
		raised = rlim
		raised.Cur = raised.Max
		if err := unix.Setrlimit(unix.RLIMIT_NPROC, &raised); err != nil {
			return nil, err
		}
	}

	return func() error {
		return unix.Setrlimit(unix.RLIMIT_NPROC, &original)
	}, nil
}
