package static

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"sudoctl.dev/sudoctl/rule"
)

func TestSourceOpenParseMergesFiles(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "00-defaults.yaml", `
defaults:
  - name: env_reset
    op: "true"
  - scope: host
    bound: build1
    name: secure_path
    value: "/usr/bin:/bin"
`)
	write(t, dir, "10-users.yaml", `
users:
  - users: ["alice"]
    privileges:
      - hosts: ["ALL"]
        runas:
          users: ["root"]
        commands:
          - command: "/bin/ls"
            tags: ["NOPASSWD"]
`)

	src := New(dir)
	ctx := context.Background()
	if err := src.Open(ctx); err != nil {
		t.Fatal(err)
	}
	tree, err := src.Parse(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tree.Defaults) != 2 {
		t.Fatalf("len(Defaults) = %d, want 2", len(tree.Defaults))
	}
	if len(tree.UserSpecs) != 1 {
		t.Fatalf("len(UserSpecs) = %d, want 1", len(tree.UserSpecs))
	}
	cmnd := tree.UserSpecs[0].Privileges[0].Cmnds[0]
	if cmnd.Command.Name != "/bin/ls" || !cmnd.Tags[rule.TagNoPasswd] {
		t.Fatalf("cmnd = %+v", cmnd)
	}
}

func TestSourceOpenNoFilesIsError(t *testing.T) {
	src := New(t.TempDir())
	if err := src.Open(context.Background()); err == nil {
		t.Fatal("expected an error for an empty directory")
	}
}

func write(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}
