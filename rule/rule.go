// Package rule defines the rule-source AST (the "sudoers grammar parser and
// its rule AST" spec.md §1 treats as an external collaborator) and a
// simplified parser for a line-oriented rule grammar, named after
// original_source/plugins/sudoers/sudoers.c's userspec/privilege/cmndspec
// structures. The full sudoers grammar is out of scope; this parser
// implements enough of it — user/host/runas/command matching with tags and
// negation — for [match.Lookup] (C6) to be exercised end to end.
package rule

import "time"

// Tag is a per-command-spec modifier, e.g. NOPASSWD, SETENV.
type Tag string

const (
	TagPasswd    Tag = "PASSWD"
	TagNoPasswd  Tag = "NOPASSWD"
	TagSetenv    Tag = "SETENV"
	TagNoSetenv  Tag = "NOSETENV"
	TagLogInput  Tag = "LOG_INPUT"
	TagLogOutput Tag = "LOG_OUTPUT"
)

// Member is one element of a user/host/runas list: a name, "ALL", a
// "%group", or a negated form of any of those ("!name").
type Member struct {
	Name     string
	All      bool
	Negated  bool
	IsGroup  bool // %group
}

// Matches reports whether subject (a plain name) matches m, ignoring
// negation — callers apply negation themselves since a trailing match
// inverts the running verdict rather than failing the whole entry.
func (m Member) Matches(subject string, groups []string) bool {
	if m.All {
		return true
	}
	if m.IsGroup {
		for _, g := range groups {
			if g == m.Name {
				return true
			}
		}
		return false
	}
	return m.Name == subject
}

// RunAs constrains the target user and group list of a CmndSpec.
type RunAs struct {
	Users  []Member
	Groups []Member
}

// DateRange is the "date constraints" dimension of spec.md §4.6's
// five-dimension scoring (NOTAFTER/NOTBEFORE in real sudoers).
type DateRange struct {
	NotBefore time.Time
	NotAfter  time.Time
}

// InRange reports whether now satisfies d. A zero time on either bound
// means that bound is unset.
func (d DateRange) InRange(now time.Time) bool {
	if !d.NotBefore.IsZero() && now.Before(d.NotBefore) {
		return false
	}
	if !d.NotAfter.IsZero() && now.After(d.NotAfter) {
		return false
	}
	return true
}

// CmndSpec is the innermost level of a rule: a command pattern, its runas
// constraint, tags, and optional date range.
type CmndSpec struct {
	RunAs   RunAs
	Command Member
	Args    []string // nil means "any arguments", []string{} means "no arguments"
	Allow   bool
	Tags    map[Tag]bool

	Date DateRange

	// Line and Column locate this spec for the citation recorded in
	// spec.md §3's Match info (MI).
	Line, Column int
}

// Privilege groups the host list and command specs under one user-spec
// entry.
type Privilege struct {
	Hosts []Member
	Cmnds []CmndSpec
}

// UserSpec is the outer level: which users this entry applies to, and
// under what privileges.
type UserSpec struct {
	Users      []Member
	Privileges []Privilege

	File string
	Line int
}

// Defaults is one `Defaults` line, scoped per spec.md §3's Defaults store
// (DS) layering.
type Defaults struct {
	Scope ScopeKind
	Bound string // host/user/runas/command name this entry is scoped to; empty for generic
	Name  string
	Value string
	Op    AssignOp

	File         string
	Line, Column int
}

// ScopeKind is the scope dimension of a Defaults entry.
type ScopeKind int

const (
	ScopeGeneric ScopeKind = iota
	ScopeHost
	ScopeUser
	ScopeRunas
	ScopeCommand
)

// AssignOp is the assignment operator of a Defaults line: `=`, `+=`, `-=`,
// or a bare flag name meaning "set true" (and `!name` meaning "set false",
// represented by Op==OpFalse).
type AssignOp int

const (
	OpSet AssignOp = iota
	OpAdd
	OpSubtract
	OpTrue
	OpFalse
)

// Tree is a parsed rule source: the "parse tree" of spec.md §3 (RS).
type Tree struct {
	UserSpecs []UserSpec
	Defaults  []Defaults
}
