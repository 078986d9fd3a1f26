package auth

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"sudoctl.dev/sudoctl/internal/secret"
)

func failingOpenTTY() (*os.File, error) { return nil, errors.New("no tty") }

type fakeBackend struct {
	result Result
	err    error
	calls  int
}

func (f *fakeBackend) Verify(ctx context.Context, user string, password *secret.Buffer) (Result, error) {
	f.calls++
	return f.result, f.err
}

type fakeCache struct {
	valid      bool
	refreshed  string
}

func (c *fakeCache) Valid(key string, timeout time.Duration) (bool, error) { return c.valid, nil }
func (c *fakeCache) Refresh(key string) error                              { c.refreshed = key; return nil }

func TestDecideRootSudoOffDenies(t *testing.T) {
	g := New(&fakeBackend{}, nil, failingOpenTTY)
	_, err := g.Decide(0, TTYInfo{}, Policy{RootSudo: false}, "")
	if err == nil {
		t.Fatal("expected an immediate deny for root with root_sudo off")
	}
}

func TestDecideRequireTTYWithoutTTYDenies(t *testing.T) {
	g := New(&fakeBackend{}, nil, failingOpenTTY)
	_, err := g.Decide(1000, TTYInfo{HasControllingTTY: false}, Policy{RootSudo: true, RequireTTY: true}, "")
	if err == nil {
		t.Fatal("expected a deny when requiretty is on and no tty is available")
	}
}

func TestDecideNotRequiredWhenAuthenticateOff(t *testing.T) {
	g := New(&fakeBackend{}, nil, failingOpenTTY)
	req, err := g.Decide(1000, TTYInfo{HasControllingTTY: true}, Policy{RootSudo: true, Authenticate: false}, "")
	if err != nil {
		t.Fatal(err)
	}
	if req != NotRequired {
		t.Fatalf("req = %v, want NotRequired", req)
	}
}

func TestDecideCacheValid(t *testing.T) {
	g := New(&fakeBackend{}, &fakeCache{valid: true}, failingOpenTTY)
	req, err := g.Decide(1000, TTYInfo{HasControllingTTY: true}, Policy{RootSudo: true, Authenticate: true}, "key")
	if err != nil {
		t.Fatal(err)
	}
	if req != CacheValid {
		t.Fatalf("req = %v, want CacheValid", req)
	}
}

func TestCheckChrootDeniedWithHint(t *testing.T) {
	if CheckChroot("/srv/jail", Policy{ChrootAllowed: false}) != DeniedWithHint {
		t.Fatal("expected DeniedWithHint")
	}
	if CheckChroot("", Policy{ChrootAllowed: false}) != Allowed {
		t.Fatal("no override requested should always be Allowed")
	}
}

func TestCacheKeyIsDeterministic(t *testing.T) {
	a := CacheKey(1000, "/dev/pts/3", "/bin/ls")
	b := CacheKey(1000, "/dev/pts/3", "/bin/ls")
	if a != b {
		t.Fatal("CacheKey should be deterministic for the same inputs")
	}
	c := CacheKey(1000, "/dev/pts/3", "/bin/cat")
	if a == c {
		t.Fatal("CacheKey should differ for a different command")
	}
}
