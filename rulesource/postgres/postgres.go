// Package postgres implements a [rulesource.Source] backed by a Postgres
// directory service, for sites that centralize rule administration rather
// than distributing a file to every host (spec.md §1's "network directory
// service" collaborator made concrete). Grounded on the narrow
// Exec/Query/QueryRow interface over *pgx.Conn/pgxpool.Pool seen wrapping
// github.com/jackc/pgx/v5 in the retrieval pack, rather than depending on
// the concrete pool type directly.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sudoctl.dev/sudoctl/rule"
)

// rowScanner is the narrow slice of pgx.Rows that scanUserSpecs and
// scanDefaults actually call, so tests can drive them with a fake instead
// of a live connection.
type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// db is the narrow slice of *pgxpool.Pool this source actually calls,
// substitutable in tests without a live database.
type db interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Source reads user specs and Defaults entries from two tables:
//
//	user_specs(user_name, is_group, host, runas_user, runas_group,
//	           command, args, allow, tags, not_before, not_after)
//	defaults(scope, bound, name, value, op)
type Source struct {
	dsn  string
	pool db
	tree *rule.Tree
}

// New returns a Source that will connect to dsn on Open.
func New(dsn string) *Source {
	return &Source{dsn: dsn}
}

// NewWithPool returns a Source using an already-established pool, for
// tests (e.g. one backed by testcontainers-go/modules/postgres).
func NewWithPool(pool db) *Source {
	return &Source{pool: pool}
}

func (s *Source) Origin() string { return "postgres" }

func (s *Source) Open(ctx context.Context) error {
	if s.pool != nil {
		return nil
	}
	pool, err := pgxpool.New(ctx, s.dsn)
	if err != nil {
		return fmt.Errorf("postgres: connect: %w", err)
	}
	s.pool = pool
	return nil
}

func (s *Source) Parse(ctx context.Context) (*rule.Tree, error) {
	tree := &rule.Tree{}

	rows, err := s.pool.Query(ctx, `SELECT user_name, is_group, host, runas_user, runas_group,
		command, args, allow, tags, not_before, not_after FROM user_specs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: query user_specs: %w", err)
	}
	specs, err := scanUserSpecs(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan user_specs: %w", err)
	}
	tree.UserSpecs = specs

	defRows, err := s.pool.Query(ctx, `SELECT scope, bound, name, value, op FROM defaults ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: query defaults: %w", err)
	}
	defs, err := scanDefaults(defRows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan defaults: %w", err)
	}
	tree.Defaults = defs

	s.tree = tree
	return tree, nil
}

func (s *Source) GetDefaults(ctx context.Context) ([]rule.Defaults, error) {
	rows, err := s.pool.Query(ctx, `SELECT scope, bound, name, value, op FROM defaults ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: query defaults: %w", err)
	}
	return scanDefaults(rows)
}

func (s *Source) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func scanUserSpecs(rows rowScanner) ([]rule.UserSpec, error) {
	defer rows.Close()

	// group all rows sharing a user into one UserSpec, and consecutive
	// rows of that user sharing a host into one Privilege, since the
	// table is one row per command-spec.
	byUser := map[string]*rule.UserSpec{}
	var order []string

	for rows.Next() {
		var (
			userName, host, runasUser, runasGroup, command string
			isGroup, allow                                  bool
			args, tags                                       []string
			notBefore, notAfter                              *string
		)
		if err := rows.Scan(&userName, &isGroup, &host, &runasUser, &runasGroup,
			&command, &args, &allow, &tags, &notBefore, &notAfter); err != nil {
			return nil, err
		}

		spec, ok := byUser[userName]
		if !ok {
			spec = &rule.UserSpec{
				Users: []rule.Member{{Name: userName, IsGroup: isGroup, All: userName == "ALL"}},
				File:  "postgres",
			}
			byUser[userName] = spec
			order = append(order, userName)
		}

		dr, err := parseDateRange(notBefore, notAfter)
		if err != nil {
			return nil, err
		}

		cs := rule.CmndSpec{
			RunAs: rule.RunAs{
				Users:  memberList(runasUser),
				Groups: memberList(runasGroup),
			},
			Command: commandMember(command),
			Args:    args,
			Allow:   allow,
			Tags:    tagSet(tags),
			Date:    dr,
		}

		if len(spec.Privileges) == 0 || !sameHost(spec.Privileges[len(spec.Privileges)-1].Hosts, host) {
			spec.Privileges = append(spec.Privileges, rule.Privilege{Hosts: memberList(host)})
		}
		last := &spec.Privileges[len(spec.Privileges)-1]
		last.Cmnds = append(last.Cmnds, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]rule.UserSpec, 0, len(order))
	for _, u := range order {
		out = append(out, *byUser[u])
	}
	return out, nil
}

func scanDefaults(rows rowScanner) ([]rule.Defaults, error) {
	defer rows.Close()
	var out []rule.Defaults
	for rows.Next() {
		var scope, bound, name, value, op string
		if err := rows.Scan(&scope, &bound, &name, &value, &op); err != nil {
			return nil, err
		}
		as, err := decodeOp(op)
		if err != nil {
			return nil, err
		}
		out = append(out, rule.Defaults{
			Scope: decodeScope(scope),
			Bound: bound,
			Name:  name,
			Value: value,
			Op:    as,
			File:  "postgres",
		})
	}
	return out, rows.Err()
}

func parseDateRange(notBefore, notAfter *string) (rule.DateRange, error) {
	var dr rule.DateRange
	if notBefore != nil && *notBefore != "" {
		t, err := time.Parse(time.RFC3339, *notBefore)
		if err != nil {
			return dr, fmt.Errorf("not_before: %w", err)
		}
		dr.NotBefore = t
	}
	if notAfter != nil && *notAfter != "" {
		t, err := time.Parse(time.RFC3339, *notAfter)
		if err != nil {
			return dr, fmt.Errorf("not_after: %w", err)
		}
		dr.NotAfter = t
	}
	return dr, nil
}

func memberList(name string) []rule.Member {
	if name == "" {
		return nil
	}
	return []rule.Member{commandMember(name)}
}

func commandMember(name string) rule.Member {
	if name == "" || name == "ALL" {
		return rule.Member{All: true}
	}
	if name[0] == '%' {
		return rule.Member{IsGroup: true, Name: name[1:]}
	}
	return rule.Member{Name: name}
}

func tagSet(tags []string) map[rule.Tag]bool {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[rule.Tag]bool, len(tags))
	for _, t := range tags {
		out[rule.Tag(t)] = true
	}
	return out
}

func sameHost(hosts []rule.Member, host string) bool {
	if len(hosts) != 1 {
		return false
	}
	return hosts[0].Name == host || (hosts[0].All && host == "ALL")
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
