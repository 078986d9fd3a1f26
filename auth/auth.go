// Package auth implements the Authenticator Gate (C7 in SPEC_FULL.md):
// the required/not-required/cache-valid decision, the root_sudo and
// requiretty checks, chroot/cwd allow-list checks, and the password-read
// path (spec.md §4.7). The terminal read is grounded on
// bureau-foundation-bureau's cli/login.go use of golang.org/x/term, with
// the resulting password held in [secret.Buffer] adapted from that same
// repository's lib/secret package. The timestamp cache is the named
// external collaborator spec.md §1 leaves out of scope; [TimestampCache]
// is the narrow interface this package needs from it.
package auth

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/term"

	"sudoctl.dev/sudoctl/internal/errs"
	"sudoctl.dev/sudoctl/internal/hlog"
	"sudoctl.dev/sudoctl/internal/secret"
)

// Requirement is the decision [Decide] returns before any password is read.
type Requirement int

const (
	Required Requirement = iota
	NotRequired
	CacheValid
)

// AllowState is the outcome of a chroot/cwd override check against its
// allow list.
type AllowState int

const (
	Allowed AllowState = iota
	DeniedWithHint
	AllowError
)

// TTYInfo is the subset of the Unified Context a tty presence check needs.
type TTYInfo struct {
	HasControllingTTY bool
	TTYPath            string
}

// Gate decides whether authentication is required and, if so, drives the
// password prompt and delegates verification to a [Backend].
type Gate struct {
	backend Backend
	cache   TimestampCache
	openTTY func() (*os.File, error)
}

// New returns a Gate. openTTY defaults to opening /dev/tty when nil.
func New(backend Backend, cache TimestampCache, openTTY func() (*os.File, error)) *Gate {
	if openTTY == nil {
		openTTY = func() (*os.File, error) { return os.OpenFile("/dev/tty", os.O_RDWR, 0) }
	}
	return &Gate{backend: backend, cache: cache, openTTY: openTTY}
}

// Backend verifies a password against the platform's authentication
// mechanism (PAM, shadow, etc). Its result is tri-state per spec.md §4.7.
type Backend interface {
	Verify(ctx context.Context, user string, password *secret.Buffer) (Result, error)
}

// Result is the tri-state outcome of a Backend call.
type Result int

const (
	Authenticated Result = iota
	Rejected
	BackendError
)

// TimestampCache is the narrow interface onto the external timestamp
// store: a cache key (derived from uid + tty + command digest, per
// SPEC_FULL.md's blake3 wiring) maps to a validity check and a refresh.
type TimestampCache interface {
	Valid(key string, timeout time.Duration) (bool, error)
	Refresh(key string) error
}

// Policy is the subset of Defaults values [Decide] and the allow-list
// checks need, passed explicitly rather than coupling this package to
// package defaults.
type Policy struct {
	RootSudo         bool
	RequireTTY       bool
	Authenticate     bool
	TimestampTimeout time.Duration
	PasswdTries      int
	ChrootAllowed    bool
	CwdAllowed       bool
}

// Decide returns the Requirement for a request, or an error for the two
// immediate-deny cases spec.md §4.7 names: root_sudo off with uid 0, and
// requiretty on with no controlling tty.
func (g *Gate) Decide(uid int, tty TTYInfo, policy Policy, cacheKey string) (Requirement, error) {
	if uid == 0 && !policy.RootSudo {
		return Required, &errs.AuthError{Reason: "sudoers specifies that root is not allowed to sudo"}
	}
	if policy.RequireTTY && !tty.HasControllingTTY {
		if !g.ttyFallbackAvailable() {
			return Required, &errs.AuthError{Reason: "sorry, you must have a tty to run sudo"}
		}
	}
	if !policy.Authenticate {
		return NotRequired, nil
	}
	if g.cache != nil {
		valid, err := g.cache.Valid(cacheKey, policy.TimestampTimeout)
		if err != nil {
			return Required, &errs.AuthError{Reason: "timestamp cache error", Err: err}
		}
		if valid {
			return CacheValid, nil
		}
	}
	return Required, nil
}

func (g *Gate) ttyFallbackAvailable() bool {
	f, err := g.openTTY()
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

// CheckChroot and CheckCwd independently verify an override against its
// allow list (spec.md §4.7: "the states are allow / deny-with-hint / error").
func CheckChroot(requested string, policy Policy) AllowState {
	return checkOverride(requested, policy.ChrootAllowed)
}

func CheckCwd(requested string, policy Policy) AllowState {
	return checkOverride(requested, policy.CwdAllowed)
}

func checkOverride(requested string, allowed bool) AllowState {
	if requested == "" {
		return Allowed
	}
	if allowed {
		return Allowed
	}
	return DeniedWithHint
}

// Authenticate reads a password from the terminal and delegates to the
// Backend, up to policy.PasswdTries times. Only a genuine backend
// rejection returns rejected=true (the caller's cue to log a denial); a tty/read
// failure returns an [errs.AuthError] without ever reaching the backend
// (spec.md §4.7: "only rejected triggers a log_denial").
func (g *Gate) Authenticate(ctx context.Context, user string, policy Policy, tty TTYInfo, cacheKey string) (rejected bool, err error) {
	tries := policy.PasswdTries
	if tries <= 0 {
		tries = 1
	}

	f, openErr := g.openTTY()
	if openErr != nil {
		return false, &errs.AuthError{Reason: "no tty present and no askpass program specified", Err: openErr}
	}
	defer f.Close()

	// Buffer diagnostic output for the duration of the password
	// conversation: a "Defaults" warning interleaved with the prompt is at
	// best confusing and at worst a spoofing vector.
	hlog.Suspend()
	defer hlog.Resume()

	for attempt := 0; attempt < tries; attempt++ {
		pw, readErr := readPassword(f)
		if readErr != nil {
			return false, &errs.AuthError{Reason: "a password is required", Err: readErr}
		}
		if pw.Len() == 0 {
			pw.Close()
			return false, &errs.AuthError{Reason: "empty password"}
		}

		result, verifyErr := g.backend.Verify(ctx, user, pw)
		pw.Close()
		if verifyErr != nil {
			return false, &errs.AuthError{Reason: "authentication backend failed", Err: verifyErr}
		}
		switch result {
		case Authenticated:
			if g.cache != nil {
				_ = g.cache.Refresh(cacheKey)
			}
			return false, nil
		case Rejected:
			if attempt == tries-1 {
				return true, &errs.AuthError{Reason: "incorrect password"}
			}
		case BackendError:
			return false, &errs.AuthError{Reason: "authentication backend failed"}
		}
	}
	return true, &errs.AuthError{Reason: "incorrect password"}
}

func readPassword(f *os.File) (*secret.Buffer, error) {
	fmt.Fprint(f, "Password: ")
	raw, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(f)
	if err != nil {
		return nil, err
	}
	return secret.NewFromBytes(raw)
}

// CacheKey derives the timestamp-cache lookup key from uid, tty, and the
// command being authorized, per SPEC_FULL.md's domain-stack wiring of
// blake3 for "keyed content hash ... of the timestamp-cache lookup key
// (uid + tty + command digest)".
func CacheKey(uid int, ttyPath, command string) string {
	h := blake3.New()
	fmt.Fprintf(h, "%d\x00%s\x00%s", uid, ttyPath, command)
	return hex.EncodeToString(h.Sum(nil))
}

