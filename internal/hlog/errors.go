package hlog

import (
	"fmt"
	"log"
	"strings"
)

// MessageError is an error carrying a user-facing message distinct from the
// chained Error() string. Every error kind in internal/errs implements it.
type MessageError interface {
	// Message returns the user-facing message, run under the caller's
	// locale (see the "Locale sensitivity" design note in SPEC_FULL.md).
	Message() string
	error
}

// BaseError wraps an error with a user-facing message when no more specific
// error kind applies.
type BaseError struct {
	message string
	err     error
}

func (e *BaseError) Error() string   { return e.err.Error() }
func (e *BaseError) Unwrap() error   { return e.err }
func (e *BaseError) Message() string { return e.message }

// WrapErr wraps err with a message built from a. Returns nil if err is nil.
func WrapErr(err error, a ...any) error {
	if err == nil {
		return nil
	}
	return &BaseError{strings.TrimSuffix(fmt.Sprintln(a...), "\n"), err}
}

// WrapErrSuffix wraps err with a message built from a, with err appended.
func WrapErrSuffix(err error, a ...any) error {
	if err == nil {
		return nil
	}
	return WrapErr(err, append(a, err)...)
}

// PrintBaseError prints the user-facing message of err if it implements
// MessageError, falling back to fallback+err otherwise.
func PrintBaseError(err error, fallback string) {
	var e MessageError
	if asMessageError(err, &e) {
		if msg := strings.TrimSpace(e.Message()); msg != "" {
			log.Print(msg)
			return
		}
	}
	log.Println(fallback, err)
}

func asMessageError(err error, target *MessageError) bool {
	for err != nil {
		if e, ok := err.(MessageError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
