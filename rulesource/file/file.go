// Package file implements a [rulesource.Source] backed by a single local
// rule file, the simplest and default rule source (spec.md §3 "a local
// file is the baseline source every installation has").
package file

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"sudoctl.dev/sudoctl/internal/errs"
	"sudoctl.dev/sudoctl/rule"
)

// Source reads one rules file from disk, re-parsing it on every Open so a
// long-lived intercepted process picks up edits between requests.
type Source struct {
	path string
	f    *os.File
	tree *rule.Tree

	uid             int
	gid             int
	allowGroupWrite bool
}

// New returns a Source reading path. The policy file discipline check (see
// WithOwner) defaults to the calling process's own effective uid/gid until
// WithOwner configures sudoers_uid/sudoers_gid explicitly.
func New(path string) *Source {
	return &Source{path: path, uid: os.Geteuid(), gid: os.Getegid()}
}

// WithOwner sets the uid/gid that Open's policy file discipline check
// enforces, per spec.md §6's sudoers_uid/sudoers_gid: regular file, owned
// by uid, and group-writable only when allowGroupWrite permits it (i.e.
// sudoers_gid was configured deliberately to allow it).
func (s *Source) WithOwner(uid, gid int, allowGroupWrite bool) *Source {
	s.uid = uid
	s.gid = gid
	s.allowGroupWrite = allowGroupWrite
	return s
}

func (s *Source) Origin() string { return s.path }

func (s *Source) Open(ctx context.Context) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	if err := s.checkDiscipline(f); err != nil {
		_ = f.Close()
		return err
	}
	s.f = f
	return nil
}

// checkDiscipline enforces spec.md §6's policy file discipline: a regular
// file, owned by the configured uid, never world-writable, and
// group-writable only when allowGroupWrite and the group actually matches.
func (s *Source) checkDiscipline(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return &errs.PolicyError{Reason: fmt.Sprintf("%s is not a regular file", s.path)}
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	if int(stat.Uid) != s.uid {
		return &errs.PolicyError{Reason: fmt.Sprintf("%s: found owner uid %d, should be %d", s.path, stat.Uid, s.uid)}
	}
	perm := info.Mode().Perm()
	if perm&0o002 != 0 {
		return &errs.PolicyError{Reason: fmt.Sprintf("%s: world-writable", s.path)}
	}
	if perm&0o020 != 0 && (!s.allowGroupWrite || int(stat.Gid) != s.gid) {
		return &errs.PolicyError{Reason: fmt.Sprintf("%s: group-writable by gid %d", s.path, stat.Gid)}
	}
	return nil
}

func (s *Source) Parse(ctx context.Context) (*rule.Tree, error) {
	tree, err := rule.Parse(s.f, s.path)
	if err != nil {
		return nil, err
	}
	s.tree = tree
	return tree, nil
}

func (s *Source) GetDefaults(ctx context.Context) ([]rule.Defaults, error) {
	if s.tree == nil {
		return nil, nil
	}
	return s.tree.Defaults, nil
}

func (s *Source) Close() error {
	if s.f == nil {
		return nil
	}
	return s.f.Close()
}
