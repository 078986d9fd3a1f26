package identity

import (
	"os/user"
	"strconv"
)

// OS resolves identities against the running system's passwd/group
// database via the standard library's os/user package. The concrete
// database backend is an external collaborator (spec.md §1); os/user is
// the narrowest possible reference implementation of [Source] and is not a
// component this repository owns the semantics of.
type OS struct{}

func (OS) LookupUser(name string) (*User, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return nil, err
	}
	return userFromOS(u)
}

func (OS) LookupUserID(uid int) (*User, error) {
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return nil, err
	}
	return userFromOS(u)
}

func (OS) LookupGroup(name string) (*Group, error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		return nil, err
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return nil, err
	}
	return &Group{Name: g.Name, GID: gid}, nil
}

func (OS) LookupGroupID(gid int) (*Group, error) {
	g, err := user.LookupGroupId(strconv.Itoa(gid))
	if err != nil {
		return nil, err
	}
	return &Group{Name: g.Name, GID: gid}, nil
}

func userFromOS(u *user.User) (*User, error) {
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, err
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, err
	}
	return &User{Name: u.Username, UID: uid, GID: gid, Home: u.HomeDir}, nil
}
