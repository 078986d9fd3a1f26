// Package resolve implements the Command Resolver (C5 in SPEC_FULL.md):
// PATH search honoring secure_path/ignore_dot, an optional chroot pivot,
// canonicalization, and stat capture (spec.md §4.5). Grounded on
// priv.Gate's identity-stack idiom for the as-ROOT/as-USER retry, and on
// the teacher's dispatcher.go test-seam pattern for the chroot syscalls
// (container/dispatcher.go's syscallDispatcher, here [Syscalls]).
package resolve

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"sudoctl.dev/sudoctl/internal/errs"
	"sudoctl.dev/sudoctl/priv"
)

// Syscalls is the test seam for the filesystem operations a chroot pivot
// needs beyond what package os exposes portably.
type Syscalls interface {
	// Open opens path for later Fchdir, returning a file descriptor the
	// caller must Close.
	Open(path string) (fd int, err error)
	// Fchdir changes the current directory to the directory referenced by
	// fd, used to "remember" a location across a Chroot.
	Fchdir(fd int) error
	// Chroot changes the process's root directory.
	Chroot(path string) error
	Close(fd int) error
}

// Result is everything the Orchestrator needs from a successful resolution.
type Result struct {
	// Path is the resolved absolute path to the executable.
	Path string
	// Dir is the canonicalized directory containing Path.
	Dir string
	Info os.FileInfo

	// FoundInDot reports that a bare command name (no slash) resolved only
	// via a "." entry in the search path (spec.md §4.5's FOUND_BUT_IN_DOT).
	FoundInDot bool
	// IsSudoedit reports that Path's basename is "sudoedit", which the
	// Orchestrator uses to switch from run mode to edit mode.
	IsSudoedit bool
}

// Resolver performs PATH search and the optional chroot pivot.
type Resolver struct {
	sys Syscalls
}

func New(sys Syscalls) *Resolver {
	return &Resolver{sys: sys}
}

// Options configures one Resolve call.
type Options struct {
	// SearchPath is the directory list to search, already split (either the
	// user's PATH or secure_path, per the caller's exemption check).
	SearchPath []string
	// IgnoreDot reports the ignore_dot setting: "." and other relative
	// SearchPath entries are never used for the command actually resolved,
	// but a match found only through one is still detected and reported as
	// FOUND_BUT_IN_DOT rather than silently dropped.
	IgnoreDot bool
	// Chroot is a directory to pivot into before searching, or "" / "*" for
	// no pivot (spec.md §4.5: "a chroot to pivot into if non-null and not
	// the wildcard *").
	Chroot string
	// RunasIdentity is not read by Resolve: the retry after a ROOT miss
	// pushes [priv.User] with an empty identity, and the Gate fills in the
	// user identity it captured at [priv.New].
	RunasIdentity priv.Identity
}

// Resolve searches for cmd (argv[0], or argv[1] in list-check mode) across
// Options.SearchPath, first as [priv.Root] and, if not found, as
// [priv.User] (spec.md §4.5: "so user-readable bins under user-only
// directories are still found correctly").
func (r *Resolver) Resolve(ctx context.Context, gate *priv.Gate, cmd string, opts Options) (*Result, error) {
	undo, err := r.pivot(opts.Chroot)
	if err != nil {
		return nil, err
	}
	defer undo()

	dirs := opts.SearchPath

	if filepath.IsAbs(cmd) || strings.ContainsRune(cmd, os.PathSeparator) {
		return r.statCandidate(cmd, false)
	}

	res, err := r.searchAs(gate, priv.Root, priv.Identity{}, cmd, dirs, opts.IgnoreDot)
	if err == nil {
		return res, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	guard, perr := gate.Push(priv.User, priv.Identity{})
	if perr != nil {
		return nil, perr
	}
	res, err = r.search(cmd, dirs, opts.IgnoreDot)
	if popErr := guard.Pop(); popErr != nil {
		return nil, popErr
	}
	return res, err
}

func (r *Resolver) searchAs(gate *priv.Gate, state priv.State, identity priv.Identity, cmd string, dirs []string, ignoreDot bool) (*Result, error) {
	guard, err := gate.Push(state, identity)
	if err != nil {
		return nil, err
	}
	res, searchErr := r.search(cmd, dirs, ignoreDot)
	if popErr := guard.Pop(); popErr != nil {
		return nil, popErr
	}
	return res, searchErr
}

// search walks dirs in order, returning the first match. When ignoreDot is
// set, a "." (or other relative) entry is never used for the command
// actually returned as FOUND: a match there is held back and, if nothing
// else in dirs matches, reported as FOUND_BUT_IN_DOT rather than silently
// accepted or silently dropped (spec.md §4.5, §8 scenario 2).
func (r *Resolver) search(cmd string, dirs []string, ignoreDot bool) (*Result, error) {
	var dotMatch *Result
	for _, dir := range dirs {
		candidate := filepath.Join(dir, cmd)
		res, err := r.statCandidate(candidate, false)
		if err != nil {
			continue
		}
		if ignoreDot && isDotEntry(dir) {
			if dotMatch == nil {
				dotMatch = res
			}
			continue
		}
		return res, nil
	}
	if dotMatch != nil {
		dotMatch.FoundInDot = true
		return dotMatch, nil
	}
	return nil, &errs.ResolutionError{Command: cmd, Reason: "not found"}
}

func (r *Resolver) statCandidate(path string, foundInDot bool) (*Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &errs.ResolutionError{Command: path, Reason: "not found", Err: err}
	}
	if info.IsDir() {
		return nil, &errs.ResolutionError{Command: path, Reason: "is a directory"}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &errs.ResolutionError{Command: path, Reason: "cannot canonicalize", Err: err}
	}
	dir, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		dir = filepath.Dir(abs)
	}
	return &Result{
		Path:       abs,
		Dir:        dir,
		Info:       info,
		FoundInDot: foundInDot,
		IsSudoedit: filepath.Base(abs) == "sudoedit",
	}, nil
}

// pivot opens "/" and chroot before chrooting into dir, returning an undo
// function that unpivots even if the caller never reaches a normal return
// (spec.md §4.5: "Unpivot on all exit paths, even on error").
func (r *Resolver) pivot(dir string) (undo func(), err error) {
	if dir == "" || dir == "*" {
		return func() {}, nil
	}

	rootFD, err := r.sys.Open("/")
	if err != nil {
		return nil, &errs.ResolutionError{Command: dir, Reason: "cannot open / for unpivot", Err: err}
	}
	if err := r.sys.Chroot(dir); err != nil {
		_ = r.sys.Close(rootFD)
		return nil, &errs.ResolutionError{Command: dir, Reason: "chroot failed", Err: err}
	}

	return func() {
		_ = r.sys.Fchdir(rootFD)
		_ = r.sys.Chroot(".")
		_ = r.sys.Close(rootFD)
	}, nil
}

func isDotEntry(dir string) bool {
	return dir == "." || dir == "" || !filepath.IsAbs(dir)
}

func isNotFound(err error) bool {
	re, ok := err.(*errs.ResolutionError)
	return ok && re.Reason == "not found"
}
