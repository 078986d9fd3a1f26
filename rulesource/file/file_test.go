package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestSourceOpenParseClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules")
	if err := os.WriteFile(path, []byte("alice ALL = ALL\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	src := New(path)
	ctx := context.Background()
	if err := src.Open(ctx); err != nil {
		t.Fatal(err)
	}
	tree, err := src.Parse(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tree.UserSpecs) != 1 {
		t.Fatalf("len(UserSpecs) = %d, want 1", len(tree.UserSpecs))
	}
	if err := src.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestSourceOpenMissingFile(t *testing.T) {
	src := New(filepath.Join(t.TempDir(), "does-not-exist"))
	if err := src.Open(context.Background()); err == nil {
		t.Fatal("expected an error opening a missing file")
	}
}

func TestSourceOpenRejectsWorldWritableFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules")
	if err := os.WriteFile(path, []byte("alice ALL = ALL\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0o606); err != nil {
		t.Fatal(err)
	}

	src := New(path)
	if err := src.Open(context.Background()); err == nil {
		t.Fatal("expected Open to reject a world-writable rule file")
	}
}

func TestSourceOpenRejectsWrongOwner(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules")
	if err := os.WriteFile(path, []byte("alice ALL = ALL\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	src := New(path).WithOwner(os.Geteuid()+1, os.Getegid(), false)
	if err := src.Open(context.Background()); err == nil {
		t.Fatal("expected Open to reject a file not owned by the configured uid")
	}
}

func TestSourceOpenAllowsGroupWriteWhenConfigured(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules")
	if err := os.WriteFile(path, []byte("alice ALL = ALL\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0o620); err != nil {
		t.Fatal(err)
	}

	src := New(path).WithOwner(os.Geteuid(), os.Getegid(), true)
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("expected group-writable file to be allowed once sudoers_gid matches: %v", err)
	}
}
