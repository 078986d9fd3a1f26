package rule

import (
	"strings"
	"testing"
)

func TestParseUserSpec(t *testing.T) {
	src := `alice ALL = (root) NOPASSWD: /bin/ls, /bin/cat
%wheel host1,host2 = (ALL:ALL) ALL
`
	tree, err := Parse(strings.NewReader(src), "sudoers")
	if err != nil {
		t.Fatal(err)
	}
	if len(tree.UserSpecs) != 2 {
		t.Fatalf("len(UserSpecs) = %d, want 2", len(tree.UserSpecs))
	}

	first := tree.UserSpecs[0]
	if first.Users[0].Name != "alice" {
		t.Fatalf("user = %q, want alice", first.Users[0].Name)
	}
	if !first.Privileges[0].Hosts[0].All {
		t.Fatal("expected ALL host")
	}
	cmnds := first.Privileges[0].Cmnds
	if len(cmnds) != 2 {
		t.Fatalf("len(Cmnds) = %d, want 2", len(cmnds))
	}
	if cmnds[0].Command.Name != "/bin/ls" || !cmnds[0].Tags[TagNoPasswd] {
		t.Fatalf("cmnd[0] = %+v", cmnds[0])
	}
	if !cmnds[0].Allow {
		t.Fatal("expected allow")
	}
	if cmnds[0].RunAs.Users[0].Name != "root" {
		t.Fatalf("runas user = %+v", cmnds[0].RunAs.Users)
	}

	second := tree.UserSpecs[1]
	if !second.Users[0].IsGroup || second.Users[0].Name != "wheel" {
		t.Fatalf("expected group member wheel, got %+v", second.Users[0])
	}
	if len(second.Privileges[0].Hosts) != 2 {
		t.Fatalf("expected two hosts, got %+v", second.Privileges[0].Hosts)
	}
}

func TestParseDefaults(t *testing.T) {
	src := `Defaults env_reset,timestamp_timeout=15
Defaults@build1 secure_path="/usr/bin:/bin"
Defaults:alice !authenticate
`
	tree, err := Parse(strings.NewReader(src), "sudoers")
	if err != nil {
		t.Fatal(err)
	}
	if len(tree.Defaults) != 4 {
		t.Fatalf("len(Defaults) = %d, want 4: %+v", len(tree.Defaults), tree.Defaults)
	}
	if tree.Defaults[0].Name != "env_reset" || tree.Defaults[0].Op != OpTrue {
		t.Fatalf("Defaults[0] = %+v", tree.Defaults[0])
	}
	if tree.Defaults[1].Name != "timestamp_timeout" || tree.Defaults[1].Value != "15" {
		t.Fatalf("Defaults[1] = %+v", tree.Defaults[1])
	}
	if tree.Defaults[2].Scope != ScopeHost || tree.Defaults[2].Bound != "build1" || tree.Defaults[2].Value != "/usr/bin:/bin" {
		t.Fatalf("Defaults[2] = %+v", tree.Defaults[2])
	}
	if tree.Defaults[3].Scope != ScopeUser || tree.Defaults[3].Op != OpFalse || tree.Defaults[3].Name != "authenticate" {
		t.Fatalf("Defaults[3] = %+v", tree.Defaults[3])
	}
}

func TestParseLineContinuation(t *testing.T) {
	src := "alice ALL = (root) \\\n  /bin/ls\n"
	tree, err := Parse(strings.NewReader(src), "sudoers")
	if err != nil {
		t.Fatal(err)
	}
	if len(tree.UserSpecs) != 1 || tree.UserSpecs[0].Privileges[0].Cmnds[0].Command.Name != "/bin/ls" {
		t.Fatalf("unexpected tree: %+v", tree)
	}
}

func TestParseCommentsAndBlankLines(t *testing.T) {
	src := "\n# a comment\n\nalice ALL = ALL\n"
	tree, err := Parse(strings.NewReader(src), "sudoers")
	if err != nil {
		t.Fatal(err)
	}
	if len(tree.UserSpecs) != 1 {
		t.Fatalf("len(UserSpecs) = %d, want 1", len(tree.UserSpecs))
	}
}

func TestParseMissingEquals(t *testing.T) {
	_, err := Parse(strings.NewReader("alice ALL\n"), "sudoers")
	if err == nil {
		t.Fatal("expected a parse error")
	}
	var pe *ParseError
	if !asParseError(err, &pe) {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if pe.Line != 1 {
		t.Fatalf("Line = %d, want 1", pe.Line)
	}
}

func asParseError(err error, target **ParseError) bool {
	pe, ok := err.(*ParseError)
	if !ok {
		return false
	}
	*target = pe
	return true
}
