// Package static implements a [rulesource.Source] backed by a directory of
// YAML documents, for sites that manage rules as checked-in config rather
// than hand-edited sudoers text (SPEC_FULL.md domain stack: a structured
// alternative front end onto the same [rule.Tree], decoded with
// gopkg.in/yaml.v3 the way the teacher's template config is decoded with
// encoding/json).
package static

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"sudoctl.dev/sudoctl/rule"
)

// doc is the YAML document shape for one rules file. It mirrors [rule.Tree]
// closely enough that decoding is a near-direct mapping, but keeps its own
// field names so the on-disk format isn't coupled to the Go type names.
type doc struct {
	Defaults []defaultEntry `yaml:"defaults"`
	Users    []userSpec     `yaml:"users"`
}

type defaultEntry struct {
	Scope string `yaml:"scope"` // "", "host", "user", "runas", "command"
	Bound string `yaml:"bound"`
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
	Op    string `yaml:"op"` // "set" (default), "add", "subtract", "true", "false"
}

type userSpec struct {
	Users      []string    `yaml:"users"`
	Privileges []privilege `yaml:"privileges"`
}

type privilege struct {
	Hosts []string `yaml:"hosts"`
	Runas runas     `yaml:"runas"`
	Cmnds []cmnd    `yaml:"commands"`
}

type runas struct {
	Users  []string `yaml:"users"`
	Groups []string `yaml:"groups"`
}

type cmnd struct {
	Command   string   `yaml:"command"`
	Args      []string `yaml:"args"`
	Deny      bool     `yaml:"deny"`
	Tags      []string `yaml:"tags"`
	NotBefore string   `yaml:"not_before"`
	NotAfter  string   `yaml:"not_after"`
}

// Source reads every *.yaml/*.yml file in a directory, in lexical order,
// merging them into a single [rule.Tree].
type Source struct {
	dir     string
	entries []string
	tree    *rule.Tree
}

// New returns a Source reading every YAML file directly under dir.
func New(dir string) *Source {
	return &Source{dir: dir}
}

func (s *Source) Origin() string { return s.dir }

func (s *Source) Open(ctx context.Context) error {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.yaml"))
	if err != nil {
		return err
	}
	more, err := filepath.Glob(filepath.Join(s.dir, "*.yml"))
	if err != nil {
		return err
	}
	matches = append(matches, more...)
	sort.Strings(matches)
	if len(matches) == 0 {
		return fmt.Errorf("static: no *.yaml files under %s", s.dir)
	}
	s.entries = matches
	return nil
}

func (s *Source) Parse(ctx context.Context) (*rule.Tree, error) {
	tree := &rule.Tree{}
	for _, path := range s.entries {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("static: %s: %w", path, err)
		}
		var d doc
		if err := yaml.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("static: %s: %w", path, err)
		}
		specs, defs, err := decode(d, path)
		if err != nil {
			return nil, fmt.Errorf("static: %s: %w", path, err)
		}
		tree.UserSpecs = append(tree.UserSpecs, specs...)
		tree.Defaults = append(tree.Defaults, defs...)
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

func (s *Source) Close() error { return nil }

func decode(d doc, path string) ([]rule.UserSpec, []rule.Defaults, error) {
	defs := make([]rule.Defaults, 0, len(d.Defaults))
	for _, de := range d.Defaults {
		op, err := decodeOp(de.Op)
		if err != nil {
			return nil, nil, err
		}
		defs = append(defs, rule.Defaults{
			Scope: decodeScope(de.Scope),
			Bound: de.Bound,
			Name:  de.Name,
			Value: de.Value,
			Op:    op,
			File:  path,
		})
	}

	specs := make([]rule.UserSpec, 0, len(d.Users))
	for _, u := range d.Users {
		privs := make([]rule.Privilege, 0, len(u.Privileges))
		for _, p := range u.Privileges {
			cmnds := make([]rule.CmndSpec, 0, len(p.Cmnds))
			for _, c := range p.Cmnds {
				dr, err := decodeDateRange(c.NotBefore, c.NotAfter)
				if err != nil {
					return nil, nil, err
				}
				cmnds = append(cmnds, rule.CmndSpec{
					RunAs:   decodeRunAs(p.Runas),
					Command: decodeMember(c.Command),
					Args:    c.Args,
					Allow:   !c.Deny,
					Tags:    decodeTags(c.Tags),
					Date:    dr,
				})
			}
			privs = append(privs, rule.Privilege{
				Hosts: decodeMembers(p.Hosts),
				Cmnds: cmnds,
			})
		}
		specs = append(specs, rule.UserSpec{
			Users:      decodeMembers(u.Users),
			Privileges: privs,
			File:       path,
		})
	}
	return specs, defs, nil
}

func decodeScope(s string) rule.ScopeKind {
	switch s {
	case "host":
		return rule.ScopeHost
	case "user":
		return rule.ScopeUser
	case "runas":
		return rule.ScopeRunas
	case "command":
		return rule.ScopeCommand
	default:
		return rule.ScopeGeneric
	}
}

func decodeOp(s string) (rule.AssignOp, error) {
	switch s {
	case "", "set":
		return rule.OpSet, nil
	case "add":
		return rule.OpAdd, nil
	case "subtract":
		return rule.OpSubtract, nil
	case "true":
		return rule.OpTrue, nil
	case "false":
		return rule.OpFalse, nil
	default:
		return 0, fmt.Errorf("unknown op %q", s)
	}
}

func decodeMember(name string) rule.Member {
	if name == "" || name == "ALL" {
		return rule.Member{All: true}
	}
	if len(name) > 0 && name[0] == '%' {
		return rule.Member{IsGroup: true, Name: name[1:]}
	}
	return rule.Member{Name: name}
}

func decodeMembers(names []string) []rule.Member {
	out := make([]rule.Member, 0, len(names))
	for _, n := range names {
		out = append(out, decodeMember(n))
	}
	return out
}

func decodeRunAs(r runas) rule.RunAs {
	return rule.RunAs{Users: decodeMembers(r.Users), Groups: decodeMembers(r.Groups)}
}

func decodeTags(tags []string) map[rule.Tag]bool {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[rule.Tag]bool, len(tags))
	for _, t := range tags {
		out[rule.Tag(t)] = true
	}
	return out
}

func decodeDateRange(notBefore, notAfter string) (rule.DateRange, error) {
	var dr rule.DateRange
	if notBefore != "" {
		t, err := time.Parse(time.RFC3339, notBefore)
		if err != nil {
			return dr, fmt.Errorf("not_before: %w", err)
		}
		dr.NotBefore = t
	}
	if notAfter != "" {
		t, err := time.Parse(time.RFC3339, notAfter)
		if err != nil {
			return dr, fmt.Errorf("not_after: %w", err)
		}
		dr.NotAfter = t
	}
	return dr, nil
}
