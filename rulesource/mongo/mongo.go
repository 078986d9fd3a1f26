// Package mongo implements a second [rulesource.Source] backed by a
// document directory service, alongside rulesource/postgres, using
// go.mongodb.org/mongo-driver/v2 the way xraph-warden's store layer reaches
// for it: one collection of user-spec documents, one of defaults documents,
// decoded straight into the shared rule AST.
package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"sudoctl.dev/sudoctl/rule"
)

// cmndDoc is the on-disk document shape for one command spec, embedded
// inside a userSpecDoc's privileges array.
type cmndDoc struct {
	RunasUsers  []string `bson:"runas_users"`
	RunasGroups []string `bson:"runas_groups"`
	Command     string   `bson:"command"`
	Args        []string `bson:"args"`
	Allow       bool     `bson:"allow"`
	Tags        []string `bson:"tags"`
	NotBefore   string   `bson:"not_before"`
	NotAfter    string   `bson:"not_after"`
}

type privilegeDoc struct {
	Hosts []string  `bson:"hosts"`
	Cmnds []cmndDoc `bson:"commands"`
}

type userSpecDoc struct {
	Users      []string       `bson:"users"`
	IsGroup    bool           `bson:"is_group"`
	Privileges []privilegeDoc `bson:"privileges"`
}

type defaultsDoc struct {
	Scope string `bson:"scope"`
	Bound string `bson:"bound"`
	Name  string `bson:"name"`
	Value string `bson:"value"`
	Op    string `bson:"op"`
}

// collections is the narrow slice of *mongo.Database this source calls,
// substitutable in tests.
type collections interface {
	Collection(name string, opts ...options.Lister[options.CollectionOptions]) *mongo.Collection
}

// Source reads user specs and defaults documents from two collections in
// one database.
type Source struct {
	uri    string
	dbName string
	client *mongo.Client
	db     collections
	tree   *rule.Tree
}

// New returns a Source that connects to uri and reads database dbName.
func New(uri, dbName string) *Source {
	return &Source{uri: uri, dbName: dbName}
}

// NewWithDatabase returns a Source using an already-connected database
// handle, for tests.
func NewWithDatabase(db collections) *Source {
	return &Source{db: db}
}

func (s *Source) Origin() string { return "mongo:" + s.dbName }

func (s *Source) Open(ctx context.Context) error {
	if s.db != nil {
		return nil
	}
	client, err := mongo.Connect(options.Client().ApplyURI(s.uri))
	if err != nil {
		return fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongo: ping: %w", err)
	}
	s.client = client
	s.db = client.Database(s.dbName)
	return nil
}

func (s *Source) Parse(ctx context.Context) (*rule.Tree, error) {
	tree := &rule.Tree{}

	cur, err := s.db.Collection("user_specs").Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("mongo: find user_specs: %w", err)
	}
	var userDocs []userSpecDoc
	if err := cur.All(ctx, &userDocs); err != nil {
		return nil, fmt.Errorf("mongo: decode user_specs: %w", err)
	}
	for _, d := range userDocs {
		spec, err := decodeUserSpec(d)
		if err != nil {
			return nil, fmt.Errorf("mongo: %w", err)
		}
		tree.UserSpecs = append(tree.UserSpecs, spec)
	}

	defs, err := s.fetchDefaults(ctx)
	if err != nil {
		return nil, err
	}
	tree.Defaults = defs

	s.tree = tree
	return tree, nil
}

func (s *Source) fetchDefaults(ctx context.Context) ([]rule.Defaults, error) {
	cur, err := s.db.Collection("defaults").Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("mongo: find defaults: %w", err)
	}
	var docs []defaultsDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: decode defaults: %w", err)
	}
	out := make([]rule.Defaults, 0, len(docs))
	for _, d := range docs {
		op, err := decodeOp(d.Op)
		if err != nil {
			return nil, fmt.Errorf("mongo: %w", err)
		}
		out = append(out, rule.Defaults{
			Scope: decodeScope(d.Scope),
			Bound: d.Bound,
			Name:  d.Name,
			Value: d.Value,
			Op:    op,
			File:  "mongo",
		})
	}
	return out, nil
}

func (s *Source) GetDefaults(ctx context.Context) ([]rule.Defaults, error) {
	return s.fetchDefaults(ctx)
}

func (s *Source) Close() error {
	if s.client != nil {
		return s.client.Disconnect(context.Background())
	}
	return nil
}

func decodeUserSpec(d userSpecDoc) (rule.UserSpec, error) {
	members := make([]rule.Member, 0, len(d.Users))
	for _, u := range d.Users {
		members = append(members, memberFromName(u, d.IsGroup))
	}

	privs := make([]rule.Privilege, 0, len(d.Privileges))
	for _, p := range d.Privileges {
		hosts := make([]rule.Member, 0, len(p.Hosts))
		for _, h := range p.Hosts {
			hosts = append(hosts, memberFromName(h, false))
		}
		cmnds := make([]rule.CmndSpec, 0, len(p.Cmnds))
		for _, c := range p.Cmnds {
			dr, err := decodeDateRange(c.NotBefore, c.NotAfter)
			if err != nil {
				return rule.UserSpec{}, err
			}
			cmnds = append(cmnds, rule.CmndSpec{
				RunAs: rule.RunAs{
					Users:  namesToMembers(c.RunasUsers, false),
					Groups: namesToMembers(c.RunasGroups, true),
				},
				Command: memberFromName(c.Command, false),
				Args:    c.Args,
				Allow:   c.Allow,
				Tags:    tagSet(c.Tags),
				Date:    dr,
			})
		}
		privs = append(privs, rule.Privilege{Hosts: hosts, Cmnds: cmnds})
	}

	return rule.UserSpec{Users: members, Privileges: privs, File: "mongo"}, nil
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

func namesToMembers(names []string, isGroup bool) []rule.Member {
	out := make([]rule.Member, 0, len(names))
	for _, n := range names {
		out = append(out, memberFromName(n, isGroup))
	}
	return out
}

func memberFromName(name string, isGroup bool) rule.Member {
	if name == "" || name == "ALL" {
		return rule.Member{All: true}
	}
	if len(name) > 0 && name[0] == '%' {
		return rule.Member{IsGroup: true, Name: name[1:]}
	}
	return rule.Member{Name: name, IsGroup: isGroup}
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
