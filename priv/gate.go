// Package priv implements the Privilege Gate (C2 in SPEC_FULL.md): a stack
// of identity states with strict save/restore, grounded on the
// apply/revert-with-partial-rollback shape of system.I.Commit/Revert in the
// teacher repository (FortressOS-hakurei's system/op.go) — there, a batch
// of reversible system operations is applied and unwound on first failure;
// here a single identity transition is pushed and must be popped on every
// exit path, and a failed push never changes the stack.
package priv

import (
	"fmt"

	"sudoctl.dev/sudoctl/internal/errs"
)

// State names one step of the privilege stack, spec.md §4.2.
type State int

const (
	// Initial is the state as entered: typically setuid-root with the real
	// uid equal to the invoking user.
	Initial State = iota
	// Root is euid=0.
	Root
	// Sudoers reads policy files as the sudoers-file owner.
	Sudoers
	// User is the real invoking user.
	User
	// Runas is the target identity.
	Runas
)

func (s State) String() string {
	switch s {
	case Initial:
		return "initial"
	case Root:
		return "root"
	case Sudoers:
		return "sudoers"
	case User:
		return "user"
	case Runas:
		return "runas"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Identity holds the uid/gid/groups to assume for a push into [Sudoers] or
// [Runas]; [Root] and [User] are derived from values captured at [New].
type Identity struct {
	UID    int
	GID    int
	Groups []int
}

// Syscalls is the test seam for the Gate's operating-system surface,
// grounded on system/dispatcher.go's syscallDispatcher pattern: production
// code uses [UnixSyscalls], tests substitute a fake that records calls
// without ever touching real process credentials.
type Syscalls interface {
	Setresuid(ruid, euid, suid int) error
	Setresgid(rgid, egid, sgid int) error
	Setgroups(gids []int) error
	Getresuid() (ruid, euid, suid int, err error)
	Getresgid() (rgid, egid, sgid int, err error)
	Getgroups() ([]int, error)
	RaiseNproc() (restore func() error, err error)
}

// Gate is a stack of privilege states with strict save/restore. A Gate must
// not be used concurrently; the orchestrator's pipeline is single-threaded
// per spec.md §5.
type Gate struct {
	sys Syscalls

	initial Identity
	groups0 []int

	restoreNproc func() error

	stack []frame
}

type frame struct {
	state  State
	uid    int
	gid    int
	groups []int
}

// New captures the process's current (real) identity as [Initial] and
// raises RLIMIT_NPROC through [Syscalls.RaiseNproc], per spec.md §4.2: "On Linux,
// before any identity switch the Gate raises RLIMIT_NPROC to infinity
// (falling back to the hard limit) ... because per-uid nproc limits can
// spuriously fail a setuid transition."
func New(sys Syscalls) (*Gate, error) {
	ruid, _, _, err := sys.Getresuid()
	if err != nil {
		return nil, &errs.PrivilegeError{Op: "getresuid", Err: err}
	}
	rgid, _, _, err := sys.Getresgid()
	if err != nil {
		return nil, &errs.PrivilegeError{Op: "getresgid", Err: err}
	}
	groups, err := sys.Getgroups()
	if err != nil {
		return nil, &errs.PrivilegeError{Op: "getgroups", Err: err}
	}

	restore, err := sys.RaiseNproc()
	if err != nil {
		return nil, &errs.PrivilegeError{Op: "raise RLIMIT_NPROC", Err: err}
	}

	g := &Gate{
		sys:          sys,
		initial:      Identity{UID: ruid, GID: rgid, Groups: groups},
		groups0:      groups,
		restoreNproc: restore,
		stack:        []frame{{state: Initial, uid: ruid, gid: rgid, groups: groups}},
	}
	return g, nil
}

// Current returns the state at the top of the stack.
func (g *Gate) Current() State { return g.stack[len(g.stack)-1].state }

// Depth returns the number of frames currently pushed, including Initial.
func (g *Gate) Depth() int { return len(g.stack) }

// Guard is returned by Push and releases the pushed frame on Pop. Callers
// must Pop on every exit path (spec.md §4.2 invariant: "every push is
// matched by pop on every exit path").
type Guard struct {
	g     *Gate
	state State
	popped bool
}

// Pop restores the identity active before the matching Push. Popping twice
// is a program invariant violation and panics, mirroring spec.md §9's
// "double-pop is a program invariant violation".
func (gd *Guard) Pop() error {
	if gd.popped {
		panic("priv: Guard popped twice")
	}
	gd.popped = true
	return gd.g.pop()
}

// Push transitions to state using identity (ignored for [Root] and [User],
// which are derived from the identity captured at [New]). On success the
// returned Guard's Pop restores the prior identity. On failure the stack is
// left unchanged, per spec.md §4.2.
func (g *Gate) Push(state State, identity Identity) (*Guard, error) {
	var target Identity
	switch state {
	case Root:
		target = Identity{UID: 0, GID: 0, Groups: nil}
	case User:
		target = g.initial
	case Sudoers, Runas:
		target = identity
	default:
		return nil, &errs.PrivilegeError{Op: "push", Err: fmt.Errorf("invalid target state %v", state)}
	}

	prev := g.stack[len(g.stack)-1]

	if target.Groups != nil {
		if err := g.sys.Setgroups(target.Groups); err != nil {
			return nil, &errs.PrivilegeError{Op: "setgroups", Err: err}
		}
	}
	if err := g.sys.Setresgid(target.GID, target.GID, prev.gid); err != nil {
		g.restoreGroupsBestEffort(prev.groups)
		return nil, &errs.PrivilegeError{Op: "setresgid", Err: err}
	}
	if err := g.sys.Setresuid(target.UID, target.UID, prev.uid); err != nil {
		// roll back gid and groups; a failed push must leave the stack
		// (and the process identity) unchanged.
		_ = g.sys.Setresgid(prev.gid, prev.gid, prev.gid)
		g.restoreGroupsBestEffort(prev.groups)
		return nil, &errs.PrivilegeError{Op: "setresuid", Err: err}
	}

	groups := target.Groups
	if groups == nil {
		groups = prev.groups
	}
	next := frame{state: state, uid: target.UID, gid: target.GID, groups: groups}
	g.stack = append(g.stack, next)
	return &Guard{g: g, state: state}, nil
}

func (g *Gate) restoreGroupsBestEffort(groups []int) {
	if groups != nil {
		_ = g.sys.Setgroups(groups)
	}
}

func (g *Gate) pop() error {
	if len(g.stack) < 2 {
		panic("priv: pop without a matching push")
	}
	prev := g.stack[len(g.stack)-2]

	if err := g.sys.Setresuid(prev.uid, prev.uid, prev.uid); err != nil {
		return &errs.PrivilegeError{Op: "setresuid (restore)", Err: err}
	}
	if err := g.sys.Setresgid(prev.gid, prev.gid, prev.gid); err != nil {
		return &errs.PrivilegeError{Op: "setresgid (restore)", Err: err}
	}
	if prev.groups != nil {
		if err := g.sys.Setgroups(prev.groups); err != nil {
			return &errs.PrivilegeError{Op: "setgroups (restore)", Err: err}
		}
	}

	g.stack = g.stack[:len(g.stack)-1]
	return nil
}

// Close restores RLIMIT_NPROC to its value at [New]. The caller must have
// popped back to [Initial] first; Close panics otherwise, since leaving the
// stack non-empty at process exit is the invariant violation spec.md §8
// tests for ("the process identity on return equals the identity on
// entry").
func (g *Gate) Close() error {
	if len(g.stack) != 1 || g.stack[0].state != Initial {
		panic("priv: Close called with a non-empty privilege stack")
	}
	if g.restoreNproc == nil {
		return nil
	}
	if err := g.restoreNproc(); err != nil {
		return &errs.PrivilegeError{Op: "restore RLIMIT_NPROC", Err: err}
	}
	return nil
}
