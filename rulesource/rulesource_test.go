package rulesource

import (
	"context"
	"errors"
	"testing"

	"sudoctl.dev/sudoctl/rule"
)

type fakeSource struct {
	name        string
	openErr     error
	parseErr    error
	tree        *rule.Tree
	defaults    []rule.Defaults
	defaultsErr error
	closed      bool
}

func (f *fakeSource) Open(ctx context.Context) error  { return f.openErr }
func (f *fakeSource) Close() error                    { f.closed = true; return nil }
func (f *fakeSource) Origin() string                  { return f.name }
func (f *fakeSource) Parse(ctx context.Context) (*rule.Tree, error) {
	if f.parseErr != nil {
		return nil, f.parseErr
	}
	return f.tree, nil
}
func (f *fakeSource) GetDefaults(ctx context.Context) ([]rule.Defaults, error) {
	return f.defaults, f.defaultsErr
}

func TestManagerDropsFailingSourceWithoutAborting(t *testing.T) {
	good := &fakeSource{name: "good", tree: &rule.Tree{}}
	bad := &fakeSource{name: "bad", openErr: errors.New("permission denied")}

	m, err := NewManager(context.Background(), []Source{bad, good})
	if err != nil {
		t.Fatalf("NewManager failed even though one source succeeded: %v", err)
	}
	if len(m.Sources()) != 1 {
		t.Fatalf("len(Sources()) = %d, want 1", len(m.Sources()))
	}
	if len(m.ParseErrors()) != 1 {
		t.Fatalf("len(ParseErrors()) = %d, want 1", len(m.ParseErrors()))
	}
}

func TestManagerAllSourcesFailedIsError(t *testing.T) {
	bad := &fakeSource{name: "bad", openErr: errors.New("no such file")}
	_, err := NewManager(context.Background(), []Source{bad})
	if err == nil {
		t.Fatal("expected an error when every source fails")
	}
}

func TestManagerClosesSourcesOnCloseCall(t *testing.T) {
	good := &fakeSource{name: "good", tree: &rule.Tree{}}
	m, err := NewManager(context.Background(), []Source{good})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if !good.closed {
		t.Fatal("expected source to be closed")
	}
}

func TestContentKeysDiffersOnDifferentTrees(t *testing.T) {
	a := &fakeSource{name: "a", tree: &rule.Tree{UserSpecs: []rule.UserSpec{{File: "a.rules"}}}}
	b := &fakeSource{name: "b", tree: &rule.Tree{UserSpecs: []rule.UserSpec{{File: "b.rules"}}}}

	m, err := NewManager(context.Background(), []Source{a, b})
	if err != nil {
		t.Fatal(err)
	}
	keys := m.ContentKeys()
	if keys["a"] == "" || keys["b"] == "" {
		t.Fatalf("expected a non-empty content key per source, got %+v", keys)
	}
	if keys["a"] == keys["b"] {
		t.Fatalf("expected different trees to produce different content keys, got %q for both", keys["a"])
	}
}

func TestGetAllDefaultsSkipsFailingSourceNonFatally(t *testing.T) {
	ok := &fakeSource{name: "ok", tree: &rule.Tree{}, defaults: []rule.Defaults{{Name: "umask"}}}
	broken := &fakeSource{name: "broken", tree: &rule.Tree{}, defaultsErr: errors.New("timeout")}

	m, err := NewManager(context.Background(), []Source{ok, broken})
	if err != nil {
		t.Fatal(err)
	}
	defs := m.GetAllDefaults(context.Background())
	if len(defs) != 1 || defs[0].Name != "umask" {
		t.Fatalf("defs = %+v", defs)
	}
}
