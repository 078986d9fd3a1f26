package defaults

import (
	"strings"
	"testing"

	"sudoctl.dev/sudoctl/rule"
)

func TestCompiledDefaults(t *testing.T) {
	s := Compiled()
	if !s.Bool("env_reset") {
		t.Fatal("env_reset should default to true")
	}
	if s.Int("umask") != 0022 {
		t.Fatalf("umask = %o, want 022", s.Int("umask"))
	}
}

func TestApplyOrderLaterWins(t *testing.T) {
	s := Compiled()
	s.ApplyInitial(map[string]string{"closefrom": "10"}, false)
	if s.Int("closefrom") != 10 {
		t.Fatalf("closefrom = %d, want 10", s.Int("closefrom"))
	}

	tree, err := rule.Parse(strings.NewReader("Defaults closefrom=20\n"), "sudoers")
	if err != nil {
		t.Fatal(err)
	}
	s.ApplyFromSource(tree, ScopeAll, Subjects{}, false)
	if s.Int("closefrom") != 20 {
		t.Fatalf("closefrom = %d, want 20 (generic layer wins over initial)", s.Int("closefrom"))
	}
}

func TestApplyIsScoped(t *testing.T) {
	s := Compiled()
	tree, err := rule.Parse(strings.NewReader("Defaults@otherhost closefrom=30\n"), "sudoers")
	if err != nil {
		t.Fatal(err)
	}
	s.ApplyFromSource(tree, ScopeAll, Subjects{Host: "thishost"}, false)
	if s.Int("closefrom") != 3 {
		t.Fatalf("closefrom = %d, want unchanged compiled default 3 since host does not match", s.Int("closefrom"))
	}
}

func TestApplyIdempotent(t *testing.T) {
	tree, err := rule.Parse(strings.NewReader("Defaults env_reset,timestamp_timeout=30\n"), "sudoers")
	if err != nil {
		t.Fatal(err)
	}
	a := Compiled()
	a.ApplyFromSource(tree, ScopeAll, Subjects{}, false)
	a.ApplyFromSource(tree, ScopeAll, Subjects{}, false)

	b := Compiled()
	b.ApplyFromSource(tree, ScopeAll, Subjects{}, false)

	if a.Int("timestamp_timeout") != b.Int("timestamp_timeout") {
		t.Fatal("applying the same sequence twice should yield the same store (spec.md §8)")
	}
}

func TestCallbackFiresOnSet(t *testing.T) {
	s := Compiled()
	var got Value
	fired := 0
	s.RegisterCallback("umask", func(name string, v Value) {
		fired++
		got = v
	})
	tree, err := rule.Parse(strings.NewReader("Defaults umask=0027\n"), "sudoers")
	if err != nil {
		t.Fatal(err)
	}
	s.ApplyFromSource(tree, ScopeAll, Subjects{}, false)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	if got.Int != 0027 {
		t.Fatalf("callback value = %o, want 027", got.Int)
	}
}

func TestUnknownSettingIsNonFatal(t *testing.T) {
	s := Compiled()
	tree, err := rule.Parse(strings.NewReader("Defaults frobnicate=1\n"), "sudoers")
	if err != nil {
		t.Fatal(err)
	}
	s.ApplyFromSource(tree, ScopeAll, Subjects{}, true)
	if _, ok := s.Get("frobnicate"); ok {
		t.Fatal("unknown setting should not be stored")
	}
}

func TestEnvKeepAddSubtract(t *testing.T) {
	s := Compiled()
	tree, err := rule.Parse(strings.NewReader("Defaults env_keep+=FOO,env_keep-=TERM\n"), "sudoers")
	if err != nil {
		t.Fatal(err)
	}
	s.ApplyFromSource(tree, ScopeAll, Subjects{}, false)
	list := s.StringList("env_keep")
	hasFoo, hasTerm := false, false
	for _, v := range list {
		if v == "FOO" {
			hasFoo = true
		}
		if v == "TERM" {
			hasTerm = true
		}
	}
	if !hasFoo {
		t.Fatal("expected FOO to be added")
	}
	if hasTerm {
		t.Fatal("expected TERM to be removed")
	}
}
