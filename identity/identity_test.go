package identity

import (
	"errors"
	"testing"
)

type fakeSource struct {
	users  map[string]*User
	groups map[string]*Group
}

func (f *fakeSource) LookupUser(name string) (*User, error) {
	if u, ok := f.users[name]; ok {
		c := *u
		return &c, nil
	}
	return nil, errors.New("no such user")
}

func (f *fakeSource) LookupUserID(uid int) (*User, error) {
	for _, u := range f.users {
		if u.UID == uid {
			c := *u
			return &c, nil
		}
	}
	return nil, errors.New("no such uid")
}

func (f *fakeSource) LookupGroup(name string) (*Group, error) {
	if g, ok := f.groups[name]; ok {
		c := *g
		return &c, nil
	}
	return nil, errors.New("no such group")
}

func (f *fakeSource) LookupGroupID(gid int) (*Group, error) {
	for _, g := range f.groups {
		if g.GID == gid {
			c := *g
			return &c, nil
		}
	}
	return nil, errors.New("no such gid")
}

func newFixture() *fakeSource {
	return &fakeSource{
		users: map[string]*User{
			"root":  {Name: "root", UID: 0, GID: 0},
			"alice": {Name: "alice", UID: 1000, GID: 1000},
		},
		groups: map[string]*Group{
			"wheel": {Name: "wheel", GID: 10},
		},
	}
}

func TestParseNumericID(t *testing.T) {
	testCases := []struct {
		name   string
		spec   string
		wantID int
		wantOK bool
	}{
		{"numeric", "#1000", 1000, true},
		{"zero", "#0", 0, true},
		{"name", "alice", 0, false},
		{"malformed", "#abc", 0, false},
		{"bare hash", "#", 0, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			id, ok := ParseNumericID(tc.spec)
			if ok != tc.wantOK || (ok && id != tc.wantID) {
				t.Fatalf("ParseNumericID(%q) = (%d, %v), want (%d, %v)", tc.spec, id, ok, tc.wantID, tc.wantOK)
			}
		})
	}
}

func TestLookupUserByName(t *testing.T) {
	c := NewCache(newFixture())
	u, unknown, err := c.LookupUser("alice")
	if err != nil {
		t.Fatal(err)
	}
	if unknown {
		t.Fatal("expected known user")
	}
	if u.UID != 1000 {
		t.Fatalf("uid = %d, want 1000", u.UID)
	}
}

func TestLookupUserByNumericIDUnknown(t *testing.T) {
	c := NewCache(newFixture())
	u, unknown, err := c.LookupUser("#4242")
	if err != nil {
		t.Fatal(err)
	}
	if !unknown {
		t.Fatal("expected unknown-uid")
	}
	if !u.Fake {
		t.Fatal("expected a synthesized fake entry")
	}
	if u.Name != "#4242" {
		t.Fatalf("name = %q, want %q", u.Name, "#4242")
	}
}

func TestCacheSharesEntryAcrossLookups(t *testing.T) {
	c := NewCache(newFixture())
	a, _, err := c.LookupUser("alice")
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := c.LookupUser("alice")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("expected duplicate lookups to share the same cache entry")
	}

	c.Release(a)
	if _, ok := c.usersByName["alice"]; !ok {
		t.Fatal("entry should survive while a second reference is held")
	}
	c.Release(b)
	if _, ok := c.usersByName["alice"]; ok {
		t.Fatal("entry should be freed once the last reference drops")
	}
}

func TestLookupGroupByNumericIDUnknown(t *testing.T) {
	c := NewCache(newFixture())
	g, unknown, err := c.LookupGroup("#99")
	if err != nil {
		t.Fatal(err)
	}
	if !unknown || !g.Fake {
		t.Fatal("expected a synthesized unknown group")
	}
}

// countingSource wraps fakeSource to record how many times each lookup
// method is actually invoked, so a negative-cache hit can be told apart
// from a second trip to the backing source.
type countingSource struct {
	*fakeSource
	userCalls  int
	groupCalls int
}

func (c *countingSource) LookupUser(name string) (*User, error) {
	c.userCalls++
	return c.fakeSource.LookupUser(name)
}

func (c *countingSource) LookupGroup(name string) (*Group, error) {
	c.groupCalls++
	return c.fakeSource.LookupGroup(name)
}

func TestLookupUserByNameCachesNegativeResult(t *testing.T) {
	src := &countingSource{fakeSource: newFixture()}
	c := NewCache(src)

	if _, _, err := c.LookupUser("ghost"); err == nil {
		t.Fatal("expected an error for an unknown name")
	}
	if _, _, err := c.LookupUser("ghost"); err == nil {
		t.Fatal("expected the second lookup to still fail")
	}
	if src.userCalls != 1 {
		t.Fatalf("source was consulted %d times, want 1 (second lookup should hit the negative cache)", src.userCalls)
	}
}

func TestLookupGroupByNameCachesNegativeResult(t *testing.T) {
	src := &countingSource{fakeSource: newFixture()}
	c := NewCache(src)

	if _, _, err := c.LookupGroup("ghosts"); err == nil {
		t.Fatal("expected an error for an unknown name")
	}
	if _, _, err := c.LookupGroup("ghosts"); err == nil {
		t.Fatal("expected the second lookup to still fail")
	}
	if src.groupCalls != 1 {
		t.Fatalf("source was consulted %d times, want 1 (second lookup should hit the negative cache)", src.groupCalls)
	}
}
