// Package defaults implements the Defaults Engine (C3 in SPEC_FULL.md): a
// layered key/value settings store with scoped, ordered application,
// grounded on config.go's flag-then-template construction in the teacher
// repository — there a Config is built from either flags or a JSON
// template with compiled-in fallbacks; here a Store is built from a
// compiled-in table and then layered with scoped overrides from each rule
// source, in the order spec.md §3 fixes: initial → generic → host →
// user → runas → per-command.
package defaults

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"sudoctl.dev/sudoctl/internal/hlog"
	"sudoctl.dev/sudoctl/rule"
)

// Kind is the type of a setting's value.
type Kind int

const (
	KindBool Kind = iota
	KindString
	KindInt
	KindStringList
)

// Schema describes the compiled-in setting table: name to expected [Kind]
// and zero value.
type Schema map[string]Kind

// Compiled returns the built-in defaults table. Mirrors init_defaults() in
// the original sudoers.c: a handful of security-relevant settings ship
// with a fixed starting value before anything is read from a rule source.
func Compiled() *Store {
	s := newStore()
	s.schema = Schema{
		"env_reset":              KindBool,
		"env_keep":               KindStringList,
		"env_check":              KindStringList,
		"env_delete":             KindStringList,
		"secure_path":            KindString,
		"path":                   KindStringList,
		"ignore_dot":             KindBool,
		"requiretty":             KindBool,
		"root_sudo":              KindBool,
		"runas_allow_unknown_id": KindBool,
		"umask":                  KindInt,
		"umask_override":         KindBool,
		"closefrom_override":     KindBool,
		"closefrom":              KindInt,
		"authenticate":           KindBool,
		"timestamp_timeout":      KindInt,
		"passwd_tries":           KindInt,
		"setenv":                 KindBool,
		"iolog_dir":              KindString,
		"iolog_file":             KindString,
		"ignore_iolog_errors":    KindBool,
		"admin_flag":             KindString,
		"mailerpath":             KindString,
		"shell_noargs":           KindBool,
		"use_pty":                KindBool,
		"preserve_groups":        KindBool,
		"chroot_allowed":         KindBool,
		"cwd_allowed":            KindBool,
		"user_command_timeouts":  KindBool,
		"sudoers_uid":            KindInt,
		"sudoers_gid":            KindInt,
	}

	set := func(name string, v any, op rule.AssignOp) {
		if err := s.setTyped(name, v, Origin{File: "<compiled>"}, op); err != nil {
			panic("defaults: bad compiled default for " + name + ": " + err.Error())
		}
	}
	set("env_reset", true, rule.OpSet)
	set("secure_path", "", rule.OpSet)
	set("ignore_dot", false, rule.OpSet)
	set("requiretty", false, rule.OpSet)
	set("root_sudo", true, rule.OpSet)
	set("runas_allow_unknown_id", false, rule.OpSet)
	set("umask", int64(0022), rule.OpSet)
	set("umask_override", false, rule.OpSet)
	set("closefrom_override", false, rule.OpSet)
	set("closefrom", int64(3), rule.OpSet)
	set("authenticate", true, rule.OpSet)
	set("timestamp_timeout", int64(15), rule.OpSet)
	set("passwd_tries", int64(3), rule.OpSet)
	set("setenv", false, rule.OpSet)
	set("ignore_iolog_errors", false, rule.OpSet)
	set("shell_noargs", false, rule.OpSet)
	set("use_pty", false, rule.OpSet)
	set("preserve_groups", false, rule.OpSet)
	set("chroot_allowed", false, rule.OpSet)
	set("cwd_allowed", false, rule.OpSet)
	set("user_command_timeouts", false, rule.OpSet)
	// sudoers_gid of -1 means "not configured": the policy file discipline
	// check in package rulesource/file only permits group-write when this
	// is set to a real gid, mirroring sudoers.c's -1 sentinel.
	set("sudoers_uid", int64(0), rule.OpSet)
	set("sudoers_gid", int64(-1), rule.OpSet)
	set("env_keep", []string{"COLORS", "DISPLAY", "HOSTNAME", "LANG", "LANGUAGE", "LC_*", "LINGUAS", "TERM"}, rule.OpSet)
	set("env_check", []string{"COLORTERM", "LANG", "LANGUAGE", "LC_*", "LINGUAS", "TERM", "TZ"}, rule.OpSet)
	set("env_delete", []string{"IFS", "CDPATH", "ENV", "BASH_ENV"}, rule.OpSet)

	return s
}

// Origin records where a setting's current value came from, for the
// diagnostics spec.md §3 requires ("each setting records its origin").
type Origin struct {
	File   string
	Line   int
	Column int
}

func (o Origin) String() string {
	if o.File == "" {
		return "<builtin>"
	}
	if o.Line == 0 {
		return o.File
	}
	return fmt.Sprintf("%s:%d:%d", o.File, o.Line, o.Column)
}

// Value is one setting's current typed value plus its origin.
type Value struct {
	Kind   Kind
	Bool   bool
	String string
	Int    int64
	List   []string
	Origin Origin
}

// Subjects is the matching context a scoped Defaults entry is filtered
// against: the host, user, runas-user, and command this request concerns.
type Subjects struct {
	Host       string
	User       string
	RunasUser  string
	Command    string
}

// Callback is invoked once per successfully-applied setting, per spec.md
// §3's "after applying a layer, all callbacks registered for changed
// settings are invoked".
type Callback func(name string, v Value)

// ScopeMask selects which Defaults scopes Apply considers, mirroring
// sudoers.c's SETDEF_GENERIC|SETDEF_HOST|... bitmask.
type ScopeMask uint8

const (
	ScopeGeneric ScopeMask = 1 << iota
	ScopeHost
	ScopeUser
	ScopeRunas
	ScopeCommand

	ScopeAll = ScopeGeneric | ScopeHost | ScopeUser | ScopeRunas | ScopeCommand
)

func maskFor(k rule.ScopeKind) ScopeMask {
	switch k {
	case rule.ScopeHost:
		return ScopeHost
	case rule.ScopeUser:
		return ScopeUser
	case rule.ScopeRunas:
		return ScopeRunas
	case rule.ScopeCommand:
		return ScopeCommand
	default:
		return ScopeGeneric
	}
}

// Store is the layered Defaults store (DS in spec.md §3).
type Store struct {
	schema    Schema
	values    map[string]Value
	callbacks map[string][]Callback
}

func newStore() *Store {
	return &Store{values: map[string]Value{}, callbacks: map[string][]Callback{}}
}

// Clone returns a copy of the store suitable as a fresh starting point for
// a new request (spec.md §3: "DS is rebuilt on every request").
func (s *Store) Clone() *Store {
	c := newStore()
	c.schema = s.schema
	for k, v := range s.values {
		c.values[k] = v
	}
	return c
}

// Get returns the current value of name and whether it is set.
func (s *Store) Get(name string) (Value, bool) {
	v, ok := s.values[name]
	return v, ok
}

func (s *Store) Bool(name string) bool {
	v, ok := s.values[name]
	return ok && v.Kind == KindBool && v.Bool
}

func (s *Store) String(name string) string {
	return s.values[name].String
}

func (s *Store) Int(name string) int64 {
	return s.values[name].Int
}

func (s *Store) StringList(name string) []string {
	return s.values[name].List
}

// RegisterCallback registers fn to run whenever name is successfully set.
func (s *Store) RegisterCallback(name string, fn Callback) {
	s.callbacks[name] = append(s.callbacks[name], fn)
}

func (s *Store) fireCallbacks(name string, v Value) {
	for _, fn := range s.callbacks[name] {
		fn(name, v)
	}
}

// ApplyInitial applies the front-end's initial overrides, unconditionally
// (no scope filtering: these come from the front-end, not a rule source),
// per SPEC_FULL.md's "two-phase defaults application" supplement.
func (s *Store) ApplyInitial(overrides map[string]string, quiet bool) {
	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s.applyOne(rule.Defaults{Name: name, Value: overrides[name], Op: rule.OpSet, File: "<frontend>"}, quiet)
	}
}

// ApplyFromSource applies tree's Defaults entries filtered by mask and
// subjects, in file order, per spec.md §4.3 "walk the parse tree's
// defaults entries, filter by scope mask, and for each entry set the typed
// value".
func (s *Store) ApplyFromSource(tree *rule.Tree, mask ScopeMask, subj Subjects, quiet bool) {
	for _, d := range tree.Defaults {
		if mask&maskFor(d.Scope) == 0 {
			continue
		}
		if !boundMatches(d, subj) {
			continue
		}
		s.applyOne(d, quiet)
	}
}

func boundMatches(d rule.Defaults, subj Subjects) bool {
	if d.Scope == rule.ScopeGeneric {
		return true
	}
	switch d.Scope {
	case rule.ScopeHost:
		return d.Bound == subj.Host
	case rule.ScopeUser:
		return d.Bound == subj.User
	case rule.ScopeRunas:
		return d.Bound == subj.RunasUser
	case rule.ScopeCommand:
		return d.Bound == subj.Command
	default:
		return false
	}
}

func (s *Store) applyOne(d rule.Defaults, quiet bool) {
	origin := Origin{File: d.File, Line: d.Line, Column: d.Column}
	kind, known := s.schema[d.Name]
	if !known {
		if !quiet {
			hlog.Verbose(true, fmt.Sprintf("%s: unknown setting %q ignored", origin, d.Name))
		}
		return
	}

	var v any
	var err error
	switch d.Op {
	case rule.OpTrue:
		v = true
	case rule.OpFalse:
		v = false
	default:
		v, err = convert(kind, d.Value)
	}
	if err != nil {
		if !quiet {
			hlog.Verbose(true, fmt.Sprintf("%s: invalid value for %q: %v", origin, d.Name, err))
		}
		return
	}

	if err := s.setTyped(d.Name, v, origin, d.Op); err != nil {
		if !quiet {
			hlog.Verbose(true, fmt.Sprintf("%s: %v", origin, err))
		}
		return
	}
}

func convert(kind Kind, raw string) (any, error) {
	switch kind {
	case KindBool:
		return true, nil // presence without !/= means true; value-bearing bools are rare in practice
	case KindString:
		return raw, nil
	case KindInt:
		n, err := strconv.ParseInt(raw, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("not an integer: %q", raw)
		}
		return n, nil
	case KindStringList:
		return splitList(raw), nil
	default:
		return nil, fmt.Errorf("unknown kind")
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ":") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Store) setTyped(name string, v any, origin Origin, op rule.AssignOp) error {
	kind, known := s.schema[name]
	if !known {
		return fmt.Errorf("unknown setting %q", name)
	}

	cur := s.values[name]
	newVal := Value{Kind: kind, Origin: origin}

	switch kind {
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("%q expects a boolean", name)
		}
		newVal.Bool = b
	case KindString:
		str, ok := v.(string)
		if !ok {
			return fmt.Errorf("%q expects a string", name)
		}
		newVal.String = str
	case KindInt:
		n, ok := v.(int64)
		if !ok {
			return fmt.Errorf("%q expects an integer", name)
		}
		newVal.Int = n
	case KindStringList:
		list, ok := v.([]string)
		if !ok {
			return fmt.Errorf("%q expects a list", name)
		}
		switch op {
		case rule.OpAdd:
			newVal.List = mergeAdd(cur.List, list)
		case rule.OpSubtract:
			newVal.List = mergeSubtract(cur.List, list)
		default:
			newVal.List = list
		}
	}

	s.values[name] = newVal
	s.fireCallbacks(name, newVal)
	return nil
}

func mergeAdd(cur, add []string) []string {
	out := append([]string{}, cur...)
	for _, a := range add {
		if !contains(out, a) {
			out = append(out, a)
		}
	}
	return out
}

func mergeSubtract(cur, sub []string) []string {
	out := make([]string, 0, len(cur))
	for _, c := range cur {
		if !contains(sub, c) {
			out = append(out, c)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
