// Package rulesource implements the Rule Source Manager (C4 in
// SPEC_FULL.md): an ordered list of named [Source] providers, each opened
// and parsed independently; a source that fails to open or parse is
// dropped without aborting the request, and only an empty resulting list
// is an error (spec.md §3 RS, §4.4).
package rulesource

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"sudoctl.dev/sudoctl/internal/errs"
	"sudoctl.dev/sudoctl/internal/hlog"
	"sudoctl.dev/sudoctl/rule"
)

// Source is the five-operation interface spec.md §3/§6 names: open, parse,
// get_defaults, close, plus a human-readable origin used for citations.
type Source interface {
	// Open prepares the source for reading (e.g. opening a file or
	// connecting to a database). Must run under [priv.Sudoers] or
	// [priv.Root], per spec.md §4.4.
	Open(ctx context.Context) error
	// Parse returns the source's parse tree.
	Parse(ctx context.Context) (*rule.Tree, error)
	// GetDefaults returns just the source's Defaults entries, used when a
	// caller needs defaults without a full re-parse.
	GetDefaults(ctx context.Context) ([]rule.Defaults, error)
	// Close releases any resources Open acquired.
	Close() error
	// Origin is the human-readable name used in citations and diagnostics.
	Origin() string
}

// opened is a [Source] that survived Open+Parse, paired with its tree and
// a content hash of that tree.
type opened struct {
	src  Source
	tree *rule.Tree
	hash string
}

// contentHash derives a staleness/cache key for tree, per SPEC_FULL.md's
// domain-stack wiring of blake3 for a "keyed content hash of a parsed
// rule source".
func contentHash(tree *rule.Tree) string {
	h := blake3.New()
	fmt.Fprintf(h, "%#v", tree)
	return hex.EncodeToString(h.Sum(nil))
}

// Manager holds the ordered, successfully-opened list of sources for one
// process lifetime (spec.md §5: "the parsed rule tree ... is deliberately
// preserved across requests" in intercept mode).
type Manager struct {
	sources []opened
	failed  []error
}

// NewManager opens and parses each of sources in order, dropping any that
// fail either step without aborting (spec.md §4.4). Failures are collected
// rather than discarded so the orchestrator can batch them into a single
// mail-on-parse-error call (SPEC_FULL.md supplement).
func NewManager(ctx context.Context, sources []Source) (*Manager, error) {
	m := &Manager{}
	for _, src := range sources {
		if err := src.Open(ctx); err != nil {
			m.failed = append(m.failed, fmt.Errorf("%s: open: %w", src.Origin(), err))
			continue
		}
		tree, err := src.Parse(ctx)
		if err != nil {
			m.failed = append(m.failed, fmt.Errorf("%s: parse: %w", src.Origin(), err))
			_ = src.Close()
			continue
		}
		m.sources = append(m.sources, opened{src: src, tree: tree, hash: contentHash(tree)})
	}
	if len(m.sources) == 0 {
		return nil, &errs.PolicyError{Reason: "no valid sudoers sources found, quitting"}
	}
	return m, nil
}

// ContentKeys returns each successfully-opened source's content hash,
// keyed by Origin, for the cache/staleness checks a long-lived
// intercepted process needs around its preserved parse tree (spec.md §5).
func (m *Manager) ContentKeys() map[string]string {
	out := make(map[string]string, len(m.sources))
	for _, o := range m.sources {
		out[o.src.Origin()] = o.hash
	}
	return out
}

// ParseErrors returns every open/parse failure recorded during NewManager,
// for the mail-on-parse-error batching supplement.
func (m *Manager) ParseErrors() []error { return m.failed }

// Sources returns the successfully-opened sources in order, newest-untouched.
func (m *Manager) Sources() []Source {
	out := make([]Source, len(m.sources))
	for i, o := range m.sources {
		out[i] = o.src
	}
	return out
}

// Trees returns the parse tree for each successfully-opened source, in the
// same order as [Manager.Sources].
func (m *Manager) Trees() []*rule.Tree {
	out := make([]*rule.Tree, len(m.sources))
	for i, o := range m.sources {
		out[i] = o.tree
	}
	return out
}

// GetAllDefaults calls GetDefaults on every source, logging but not
// aborting on a per-source failure (spec.md §4.4: "get_defaults failures
// are non-fatal").
func (m *Manager) GetAllDefaults(ctx context.Context) []rule.Defaults {
	var all []rule.Defaults
	for _, o := range m.sources {
		ds, err := o.src.GetDefaults(ctx)
		if err != nil {
			hlog.Verbose(true, fmt.Sprintf("unable to get defaults from %s: %v", o.src.Origin(), err))
			continue
		}
		all = append(all, ds...)
	}
	return all
}

// Close closes every opened source in reverse order, collecting (not
// aborting on) individual close errors.
func (m *Manager) Close() error {
	var errList []error
	for i := len(m.sources) - 1; i >= 0; i-- {
		if err := m.sources[i].src.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	if len(errList) == 0 {
		return nil
	}
	return fmt.Errorf("rulesource: %d source(s) failed to close: %v", len(errList), errList)
}
