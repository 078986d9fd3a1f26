// Package errs defines the error kinds of SPEC_FULL.md §7 (carried over
// unchanged from spec.md) as concrete types, grounded on the
// container.MountError/AbsoluteError shape in the teacher repository:
// a struct holding the fields relevant to the failure, an Unwrap to the
// underlying cause, and a Message() string distinct from Error() so the
// orchestrator never has to paraphrase the component closest to the cause.
package errs

import "fmt"

// InputError: missing command, conflicting options, invalid numeric id.
type InputError struct {
	Reason string
	Err    error
}

func (e *InputError) Error() string   { return "input: " + e.Reason }
func (e *InputError) Message() string { return e.Reason }
func (e *InputError) Unwrap() error   { return e.Err }

// AuthError: password timeout / empty / read failure / no tty and no
// askpass / backend failure.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string   { return "auth: " + e.Reason }
func (e *AuthError) Message() string { return e.Reason }
func (e *AuthError) Unwrap() error   { return e.Err }

// PolicyError: no valid rule sources, parse I/O failure, unknown
// user/group without permission.
type PolicyError struct {
	Reason string
	Err    error
}

func (e *PolicyError) Error() string   { return "policy: " + e.Reason }
func (e *PolicyError) Message() string { return e.Reason }
func (e *PolicyError) Unwrap() error   { return e.Err }

// ResolutionError: command not found, command found only via ".", name
// too long.
type ResolutionError struct {
	Command string
	Reason  string
	Err     error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %q: %s", e.Command, e.Reason)
}
func (e *ResolutionError) Message() string { return e.Reason }
func (e *ResolutionError) Unwrap() error   { return e.Err }

// PrivilegeError: identity push/pop failed, rlimit change failed.
type PrivilegeError struct {
	Op  string
	Err error
}

func (e *PrivilegeError) Error() string   { return "privilege " + e.Op + ": " + e.Err.Error() }
func (e *PrivilegeError) Message() string { return "a privilege operation failed: " + e.Op }
func (e *PrivilegeError) Unwrap() error   { return e.Err }

// ResourceError: allocation failure, environment-build failure.
type ResourceError struct {
	Reason string
	Err    error
}

func (e *ResourceError) Error() string   { return "resource: " + e.Reason }
func (e *ResourceError) Message() string { return e.Reason }
func (e *ResourceError) Unwrap() error   { return e.Err }

// UsageError: implied shell without shell_noargs, -U without -l, etc.
// Distinguished from the other kinds because the orchestrator maps it to
// exit code -2 rather than -1 (spec.md §4.10, §6).
type UsageError struct {
	Reason string
}

func (e *UsageError) Error() string   { return "usage: " + e.Reason }
func (e *UsageError) Message() string { return e.Reason }
