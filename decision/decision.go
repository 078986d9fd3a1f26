// Package decision implements the Decision Emitter (C10 in SPEC_FULL.md):
// it turns the common pipeline's outcome into the command_info bundle
// the front end expects on allow (spec.md §4.10), or into an audited
// deny/error, and stamps every emitted event with a K-sortable id via
// go.jetify.com/typeid/v2, the way xraph-warden's id package prefixes
// every entity's identifier ("evt_" here rather than "role_"/"perm_").
package decision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.jetify.com/typeid/v2"

	"sudoctl.dev/sudoctl/internal/errs"
	"sudoctl.dev/sudoctl/iolog"
	"sudoctl.dev/sudoctl/match"
)

// Outcome is the result the common pipeline reached.
type Outcome int

const (
	Allow Outcome = iota
	Deny
	Error
	UsageError
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case Error:
		return "error"
	case UsageError:
		return "usage-error"
	default:
		return "unknown"
	}
}

// PolicyReturnCode maps an Outcome to the integer a sudo policy plugin's
// check/validate entry points return: 1 for allow, 0 for deny, -1 for an
// error, -2 for a usage error (spec.md §4.10).
func (o Outcome) PolicyReturnCode() int {
	switch o {
	case Allow:
		return 1
	case Deny:
		return 0
	case UsageError:
		return -2
	default:
		return -1
	}
}

// eventPrefix is the typeid prefix stamped on every emitted Record and
// citation reference, mirroring the per-entity prefixes in xraph-warden's
// id package (role_, perm_, asgn_, …) but for this domain's one entity.
const eventPrefix = "evt"

func newEventID() (string, error) {
	tid, err := typeid.Generate(eventPrefix)
	if err != nil {
		return "", fmt.Errorf("decision: generate event id: %w", err)
	}
	return tid.String(), nil
}

// Record is the outcome the orchestrator hands back to the front end: the
// allow-case command_info fields, or the deny/error reason, always
// stamped with an ID and carrying the match citation that produced it.
type Record struct {
	ID       string
	Outcome  Outcome
	Argv     []string
	Env      []string
	Umask    uint32
	IologPath string
	Citation  string
	Reason    string
}

// UmaskPolicy is the subset of Defaults values needed to compute the
// target umask, passed explicitly per the convention package auth and
// package env use for their Policy types.
type UmaskPolicy struct {
	Def      uint32
	User     uint32
	Override bool
}

// ComputeUmask implements spec.md §4.10's "computed as def_umask |
// user_umask unless umask_override", in which case the configured
// default wins outright rather than being OR'd with the user's own.
func ComputeUmask(p UmaskPolicy) uint32 {
	if p.Override {
		return p.Def
	}
	return p.Def | p.User
}

// IologPolicy is the subset of iolog settings the Emitter needs to
// expand iolog_path for an allowed decision.
type IologPolicy struct {
	Enabled      bool
	DirTemplate  string
	FileTemplate string
	Escapes      iolog.Escapes
	IgnoreErrors bool
}

// Owner is the uid/gid an admin success flag file should be created
// with, per sudoers.c's set_admin_flag.
type Owner struct {
	UID int
	GID int
}

// AuditSink is the abstract audit collaborator spec.md §1 names as out
// of scope for a concrete transport: the Emitter calls it, the caller
// decides whether that means a syslog line, an append-only file, or
// nothing at all.
type AuditSink interface {
	AuditSuccess(ctx context.Context, rec Record) error
	AuditFailure(ctx context.Context, rec Record) error
}

// MailSink is the SUPPLEMENTED "mail-on-parse-error batching" feature's
// collaborator: sudoers.c's mail_parse_errors sends one message for all
// parse failures accumulated during Init, not one per error.
type MailSink interface {
	MailParseErrors(ctx context.Context, errs []error) error
}

// Emitter is C10. The orchestrator builds one at Init and reuses it for
// every request; each request ends in at most one Allow/Deny/Fail call,
// and Init itself makes at most one FlushParseErrors call.
type Emitter struct {
	sink AuditSink
	mail MailSink

	// adminFlagPath, if non-empty, is touched on an allowed decision
	// (sudoers.c's admin_flag). adminFlagOwner is nil when the caller
	// does not want ownership changed (e.g. running unprivileged in a
	// test).
	adminFlagPath  string
	adminFlagOwner *Owner

	// touchAdminFlag is a test seam over the real filesystem operation.
	touchAdminFlag func(path string, owner *Owner) error
	// writeManifest is a test seam over the real iolog manifest write.
	writeManifest func(path string, m iolog.Manifest) error
}

// New returns an Emitter that audits through sink. mail may be nil if
// the deployment has no parse-error mail collaborator configured.
func New(sink AuditSink, mail MailSink) *Emitter {
	return &Emitter{sink: sink, mail: mail, touchAdminFlag: defaultTouchAdminFlag, writeManifest: defaultWriteManifest}
}

// WithAdminFlag configures the admin-success flag file path and,
// optionally, the uid/gid it should be created with.
func (e *Emitter) WithAdminFlag(path string, owner *Owner) *Emitter {
	e.adminFlagPath = path
	e.adminFlagOwner = owner
	return e
}

// AllowInput is everything Emit needs to assemble an allow Record.
type AllowInput struct {
	Argv     []string
	Env      []string
	Umask    UmaskPolicy
	Iolog    IologPolicy
	Citation match.Citation
}

// Allow implements the allow branch of spec.md §4.10: post-shaped argv,
// env vector, computed umask, an iolog path (or none if logging is
// disabled or its templates fail to expand and ignore_iolog_errors is
// set), and the citation that authorized the request. Step 11 of the
// common pipeline (spec.md §4.9) is folded in here: the admin-success
// flag file is touched before the audit call.
func (e *Emitter) Allow(ctx context.Context, in AllowInput) (Record, error) {
	id, err := newEventID()
	if err != nil {
		return Record{}, err
	}

	rec := Record{
		ID:       id,
		Outcome:  Allow,
		Argv:     in.Argv,
		Env:      in.Env,
		Umask:    ComputeUmask(in.Umask),
		Citation: in.Citation.String(),
	}

	if in.Iolog.Enabled {
		path, err := iolog.Path(in.Iolog.DirTemplate, in.Iolog.FileTemplate, in.Iolog.Escapes, in.Iolog.IgnoreErrors)
		if err != nil {
			return Record{}, err
		}
		rec.IologPath = path

		manifest := iolog.Manifest{
			Path:      path,
			User:      in.Iolog.Escapes.User,
			Runas:     in.Iolog.Escapes.Runas,
			Host:      in.Iolog.Escapes.Host,
			Command:   in.Iolog.Escapes.Command,
			Citation:  in.Citation.String(),
			StartedAt: in.Iolog.Escapes.Now.Unix(),
		}
		if err := e.writeManifest(path+".manifest", manifest); err != nil && !in.Iolog.IgnoreErrors {
			return Record{}, &errs.ResourceError{Reason: "could not write iolog session manifest", Err: err}
		}
	}

	if e.adminFlagPath != "" {
		if err := e.touchAdminFlag(e.adminFlagPath, e.adminFlagOwner); err != nil {
			return Record{}, &errs.ResourceError{Reason: "could not create admin success flag file", Err: err}
		}
	}

	if e.sink != nil {
		if err := e.sink.AuditSuccess(ctx, rec); err != nil {
			return Record{}, err
		}
	}

	return rec, nil
}

// Deny implements the deny branch: emit audit + log, return a Record
// whose Outcome.PolicyReturnCode() is 0 ("return false" in spec.md
// §4.10's terms).
func (e *Emitter) Deny(ctx context.Context, reason string, citation match.Citation) (Record, error) {
	id, err := newEventID()
	if err != nil {
		return Record{}, err
	}
	rec := Record{ID: id, Outcome: Deny, Reason: reason, Citation: citation.String()}
	if e.sink != nil {
		if err := e.sink.AuditFailure(ctx, rec); err != nil {
			return Record{}, err
		}
	}
	return rec, nil
}

// Fail implements the error branches: a general error maps to
// PolicyReturnCode() -1, a usage error (implied shell without
// shell_noargs, etc.) to -2.
func (e *Emitter) Fail(ctx context.Context, cause error, usage bool) (Record, error) {
	id, err := newEventID()
	if err != nil {
		return Record{}, err
	}
	outcome := Error
	if usage {
		outcome = UsageError
	}
	rec := Record{ID: id, Outcome: outcome, Reason: cause.Error()}
	if e.sink != nil {
		if err := e.sink.AuditFailure(ctx, rec); err != nil {
			return Record{}, err
		}
	}
	return rec, nil
}

// FlushParseErrors implements the SUPPLEMENTED "mail-on-parse-error
// batching" feature: the caller (orchestrator, at the end of Init)
// passes every error accumulated by rulesource.Manager's open/parse
// pass, and a single mail is sent for the whole batch rather than one
// audit event per error. A nil or empty errs is a no-op.
func (e *Emitter) FlushParseErrors(ctx context.Context, errs []error) error {
	if e.mail == nil || len(errs) == 0 {
		return nil
	}
	return e.mail.MailParseErrors(ctx, errs)
}

// defaultWriteManifest creates path's parent directory and writes m as a
// zstd-compressed JSON manifest, per iolog.WriteManifest.
func defaultWriteManifest(path string, m iolog.Manifest) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := iolog.WriteManifest(f, m); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// defaultTouchAdminFlag creates path's parent directory and an empty
// file at path, chown'ing it to owner when given, matching sudoers.c's
// set_admin_flag ("directory creation, ownership, no content").
func defaultTouchAdminFlag(path string, owner *Owner) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if owner != nil {
		return os.Chown(path, owner.UID, owner.GID)
	}
	return nil
}
