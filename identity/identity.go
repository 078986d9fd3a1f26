// Package identity resolves passwd/group entries and caches them with
// reference counting, as C1 in SPEC_FULL.md.
//
// The concrete passwd/group database ("low-level credential caches for
// users/groups", spec.md §1) is an external collaborator reached through
// the narrow [Source] interface; [OS] is the default implementation over
// the standard library's os/user package.
package identity

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Source is the narrow interface onto the system's passwd/group database.
type Source interface {
	LookupUser(name string) (*User, error)
	LookupUserID(uid int) (*User, error)
	LookupGroup(name string) (*Group, error)
	LookupGroupID(gid int) (*Group, error)
}

// User is a resolved (or synthesized) passwd entry.
type User struct {
	Name string
	UID  int
	GID  int
	Home string
	// Fake reports whether this entry was synthesized by MakeFakeUser
	// because the numeric id had no passwd entry.
	Fake bool
}

// Group is a resolved (or synthesized) group entry.
type Group struct {
	Name string
	GID  int
	Fake bool
}

// entryRef is a reference-counted cache slot shared by every holder of the
// same resolved identity, mirroring the teacher's shared-ownership
// credential handles (hst.hsuUser in SPEC_FULL.md's grounding notes):
// duplicate lookups across the invoking-user and runas contexts return the
// same backing value, and the value is only released once every holder has
// called Release.
type entryRef[T any] struct {
	val   T
	count int
}

// Cache resolves and caches passwd/group entries. It is not rebuilt per
// request: the orchestrator creates one at Init and keeps it for the
// engine's lifetime, so cached entries carry over between requests.
type Cache struct {
	src Source

	mu         sync.Mutex
	usersByName map[string]*entryRef[*User]
	usersByID   map[int]*entryRef[*User]
	groupsByName map[string]*entryRef[*Group]
	groupsByID   map[int]*entryRef[*Group]

	// userMissByName/groupMissByName cache a by-name lookup failure, per
	// spec.md §4.1's "lookups cache both positive and negative results for
	// the lifetime of the request". The by-id paths already get this for
	// free by synthesizing a fake entry on miss; by-name misses have no
	// numeric id to key a fake entry by, so the miss itself is cached here.
	userMissByName  map[string]error
	groupMissByName map[string]error
}

// NewCache constructs an empty cache backed by src.
func NewCache(src Source) *Cache {
	return &Cache{
		src:             src,
		usersByName:     make(map[string]*entryRef[*User]),
		usersByID:       make(map[int]*entryRef[*User]),
		groupsByName:    make(map[string]*entryRef[*Group]),
		groupsByID:      make(map[int]*entryRef[*Group]),
		userMissByName:  make(map[string]error),
		groupMissByName: make(map[string]error),
	}
}

// ParseNumericID parses the "#nnn" syntax described in spec.md §4.1. ok is
// false both when spec has no leading "#" (caller should fall back to a
// name lookup) and when the digits fail to parse.
func ParseNumericID(spec string) (id int, ok bool) {
	if !strings.HasPrefix(spec, "#") {
		return 0, false
	}
	n, err := strconv.Atoi(spec[1:])
	if err != nil {
		return 0, false
	}
	return n, true
}

// LookupUser resolves spec as either a "#nnn" numeric id or a passwd name.
// If the id has no passwd entry, a fake entry is synthesized and unknown
// is true, so the caller can enforce runas_allow_unknown_id (spec.md §3,
// RC invariants).
func (c *Cache) LookupUser(spec string) (u *User, unknown bool, err error) {
	if id, ok := ParseNumericID(spec); ok {
		return c.lookupUserByID(id)
	}
	return c.lookupUserByName(spec)
}

func (c *Cache) lookupUserByName(name string) (*User, bool, error) {
	c.mu.Lock()
	if ref, ok := c.usersByName[name]; ok {
		ref.count++
		c.mu.Unlock()
		return ref.val, ref.val.Fake, nil
	}
	if err, ok := c.userMissByName[name]; ok {
		c.mu.Unlock()
		return nil, false, err
	}
	c.mu.Unlock()

	u, err := c.src.LookupUser(name)
	if err != nil {
		wrapped := fmt.Errorf("identity: lookup user %q: %w", name, err)
		c.mu.Lock()
		c.userMissByName[name] = wrapped
		c.mu.Unlock()
		return nil, false, wrapped
	}
	c.store(u)
	return u, u.Fake, nil
}

func (c *Cache) lookupUserByID(uid int) (*User, bool, error) {
	c.mu.Lock()
	if ref, ok := c.usersByID[uid]; ok {
		ref.count++
		c.mu.Unlock()
		return ref.val, ref.val.Fake, nil
	}
	c.mu.Unlock()

	u, err := c.src.LookupUserID(uid)
	if err != nil {
		u = MakeFakeUser("#"+strconv.Itoa(uid), uid, uid)
		c.store(u)
		return u, true, nil
	}
	c.store(u)
	return u, false, nil
}

func (c *Cache) store(u *User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ref, ok := c.usersByName[u.Name]; ok {
		ref.count++
	} else {
		c.usersByName[u.Name] = &entryRef[*User]{val: u, count: 1}
	}
	if ref, ok := c.usersByID[u.UID]; ok {
		ref.count++
	} else {
		c.usersByID[u.UID] = &entryRef[*User]{val: u, count: 1}
	}
}

// LookupGroup resolves spec as either a "#nnn" numeric id or a group name.
func (c *Cache) LookupGroup(spec string) (g *Group, unknown bool, err error) {
	if id, ok := ParseNumericID(spec); ok {
		return c.lookupGroupByID(id)
	}
	return c.lookupGroupByName(spec)
}

func (c *Cache) lookupGroupByName(name string) (*Group, bool, error) {
	c.mu.Lock()
	if ref, ok := c.groupsByName[name]; ok {
		ref.count++
		c.mu.Unlock()
		return ref.val, ref.val.Fake, nil
	}
	if err, ok := c.groupMissByName[name]; ok {
		c.mu.Unlock()
		return nil, false, err
	}
	c.mu.Unlock()

	g, err := c.src.LookupGroup(name)
	if err != nil {
		wrapped := fmt.Errorf("identity: lookup group %q: %w", name, err)
		c.mu.Lock()
		c.groupMissByName[name] = wrapped
		c.mu.Unlock()
		return nil, false, wrapped
	}
	c.storeGroup(g)
	return g, g.Fake, nil
}

func (c *Cache) lookupGroupByID(gid int) (*Group, bool, error) {
	c.mu.Lock()
	if ref, ok := c.groupsByID[gid]; ok {
		ref.count++
		c.mu.Unlock()
		return ref.val, ref.val.Fake, nil
	}
	c.mu.Unlock()

	g, err := c.src.LookupGroupID(gid)
	if err != nil {
		g = MakeFakeGroup("#"+strconv.Itoa(gid), gid)
		c.storeGroup(g)
		return g, true, nil
	}
	c.storeGroup(g)
	return g, false, nil
}

func (c *Cache) storeGroup(g *Group) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ref, ok := c.groupsByName[g.Name]; ok {
		ref.count++
	} else {
		c.groupsByName[g.Name] = &entryRef[*Group]{val: g, count: 1}
	}
	if ref, ok := c.groupsByID[g.GID]; ok {
		ref.count++
	} else {
		c.groupsByID[g.GID] = &entryRef[*Group]{val: g, count: 1}
	}
}

// Release drops one reference to u. The cache slot is freed once the last
// holder releases, matching spec.md §3's "reference-counted, released when
// the last holder drops".
func (c *Cache) Release(u *User) {
	if u == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	releaseRef(c.usersByName, u.Name)
	releaseRef(c.usersByID, u.UID)
}

// ReleaseGroup drops one reference to g.
func (c *Cache) ReleaseGroup(g *Group) {
	if g == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	releaseRef(c.groupsByName, g.Name)
	releaseRef(c.groupsByID, g.GID)
}

func releaseRef[K comparable, T any](m map[K]*entryRef[T], key K) {
	ref, ok := m[key]
	if !ok {
		return
	}
	ref.count--
	if ref.count <= 0 {
		delete(m, key)
	}
}

// MakeFakeUser synthesizes a passwd entry for an unresolvable numeric uid,
// per spec.md §4.1.
func MakeFakeUser(name string, uid, gid int) *User {
	return &User{Name: name, UID: uid, GID: gid, Fake: true}
}

// MakeFakeGroup synthesizes a group entry for an unresolvable numeric gid.
func MakeFakeGroup(name string, gid int) *Group {
	return &Group{Name: name, GID: gid, Fake: true}
}
