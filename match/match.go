// Package match implements the Lookup & Matcher (C6 in SPEC_FULL.md): a
// five-dimension scan over an ordered rule-source list that determines
// whether a request is allowed, denied, or unmatched, recording a citation
// to the winning rule as it goes (spec.md §4.6). The locale-scoped guard
// follows spec.md §9's "Locale sensitivity" design note.
package match

import (
	"fmt"
	"time"

	"sudoctl.dev/sudoctl/rule"
)

// Verdict is the outcome of a Lookup call.
type Verdict int

const (
	// NoMatch means no rule anywhere granted or denied the request.
	NoMatch Verdict = iota
	Allow
	Deny
	// Error means a rule source itself failed during the scan (I/O or
	// allocation failure), distinct from "no match" (spec.md §4.6).
	Error
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case Error:
		return "error"
	default:
		return "no-match"
	}
}

// Subject is everything a Lookup call matches a candidate rule against.
type Subject struct {
	User       string
	UserGroups []string
	Host       string
	RunasUser  string
	RunasGroup string
	Command    string
	Args       []string
	Now        time.Time
}

// Citation locates the winning rule for later diagnostics, the "MI" of
// spec.md §3.
type Citation struct {
	File     string
	Line     int
	Column   int
	UserSpec *rule.UserSpec
	CmndSpec *rule.CmndSpec
}

func (c Citation) String() string {
	if c.File == "" {
		return "<no citation>"
	}
	if c.Column != 0 {
		return fmt.Sprintf("%s:%d:%d", c.File, c.Line, c.Column)
	}
	return fmt.Sprintf("%s:%d", c.File, c.Line)
}

// CitationFunc is invoked as soon as a command-level decision is known, so
// even denied matches carry a citation (spec.md §4.6).
type CitationFunc func(Citation)

// Locale is the scoped-guard value spec.md §9 calls for around the lookup:
// production code swaps the process locale to the sudoers locale for the
// duration of the call and restores the prior one on every return path.
type Locale struct {
	prior string
	set   func(string) string // returns the previous value
}

// NewLocale returns a Locale guard that will call set(sudoersLocale) on
// Enter and remember the value set returns; Exit hands that prior value to
// its restore callback rather than calling set. set is a test seam;
// production code wires it to the platform's locale-setting call.
func NewLocale(set func(string) string, sudoersLocale string) *Locale {
	return &Locale{set: func(_ string) string { return set(sudoersLocale) }}
}

// Enter swaps to the sudoers locale, remembering the prior value.
func (l *Locale) Enter() {
	if l == nil || l.set == nil {
		return
	}
	l.prior = l.set("")
}

// Exit restores the prior locale. Safe to call unconditionally (including
// when Enter was never reached) since it is always paired via defer.
func (l *Locale) Exit(restore func(string)) {
	if l == nil || restore == nil {
		return
	}
	restore(l.prior)
}

// Lookup scans trees in order; within a tree, user-specs in file order.
// The last matching command-spec within a source wins (standard sudoers
// semantics); a later source's verdict overrides an earlier source's.
func Lookup(trees []*rule.Tree, subj Subject, record CitationFunc) Verdict {
	verdict := NoMatch
	for _, tree := range trees {
		if tree == nil {
			continue
		}
		v, cite := scanTree(tree, subj)
		if v == NoMatch {
			continue
		}
		verdict = v
		if record != nil && cite != nil {
			record(*cite)
		}
	}
	return verdict
}

func scanTree(tree *rule.Tree, subj Subject) (Verdict, *Citation) {
	var verdict = NoMatch
	var cite *Citation

	for i := range tree.UserSpecs {
		us := &tree.UserSpecs[i]
		if !anyMemberMatches(us.Users, subj.User, subj.UserGroups) {
			continue
		}
		for j := range us.Privileges {
			priv := &us.Privileges[j]
			if !anyMemberMatches(priv.Hosts, subj.Host, nil) {
				continue
			}
			for k := range priv.Cmnds {
				cs := &priv.Cmnds[k]
				if !cmndMatches(cs, subj) {
					continue
				}
				// last match wins within a source.
				if cs.Allow {
					verdict = Allow
				} else {
					verdict = Deny
				}
				cite = &Citation{
					File:     us.File,
					Line:     cs.Line,
					Column:   cs.Column,
					UserSpec: us,
					CmndSpec: cs,
				}
			}
		}
	}
	return verdict, cite
}

func cmndMatches(cs *rule.CmndSpec, subj Subject) bool {
	if !anyMemberMatches(cs.RunAs.Users, subj.RunasUser, nil) {
		return false
	}
	if !anyMemberMatches(cs.RunAs.Groups, subj.RunasGroup, nil) {
		return false
	}
	if !commandMatches(cs.Command, subj.Command) {
		return false
	}
	if cs.Args != nil && !argsMatch(cs.Args, subj.Args) {
		return false
	}
	if !cs.Date.InRange(subj.Now) {
		return false
	}
	return true
}

// commandMatches ignores m.Negated: a leading "!" on a command spec marks
// the whole spec as a deny (captured in [rule.CmndSpec.Allow] by the
// parser), not an exclusion from the match itself.
func commandMatches(m rule.Member, command string) bool {
	return m.Matches(command, nil)
}

func argsMatch(want, got []string) bool {
	if len(want) != len(got) {
		return false
	}
	for i := range want {
		if want[i] != got[i] {
			return false
		}
	}
	return true
}

// anyMemberMatches reports whether subject matches any non-negated member
// and no negated member (sudoers semantics: a negated entry excludes).
func anyMemberMatches(members []rule.Member, subject string, groups []string) bool {
	if len(members) == 0 {
		return true
	}
	matchedPositive := false
	for _, m := range members {
		hit := m.Matches(subject, groups)
		if m.Negated {
			if hit {
				return false
			}
			continue
		}
		if hit {
			matchedPositive = true
		}
	}
	return matchedPositive
}
