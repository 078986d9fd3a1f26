package env

import (
	"testing"
)

func has(vars Source, kv string) bool {
	for _, v := range vars {
		if v == kv {
			return true
		}
	}
	return false
}

func hasName(vars Source, name string) bool {
	prefix := name + "="
	for _, v := range vars {
		if len(v) >= len(prefix) && v[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func TestBuildResetKeepsOnlyWhitelisted(t *testing.T) {
	b := New(Source{"TERM=xterm", "SECRET=leak", "LANG=en_US.UTF-8"})
	out, err := b.Build(Policy{EnvReset: true, EnvKeep: []string{"TERM", "LANG"}}, Mode{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !hasName(out, "TERM") || !hasName(out, "LANG") {
		t.Fatalf("expected TERM and LANG kept: %v", out)
	}
	if hasName(out, "SECRET") {
		t.Fatalf("expected SECRET dropped under env_reset: %v", out)
	}
}

func TestBuildNoResetKeepsEverythingExceptDeleted(t *testing.T) {
	b := New(Source{"TERM=xterm", "IFS=oops"})
	out, err := b.Build(Policy{EnvReset: false, EnvDelete: []string{"IFS"}}, Mode{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !hasName(out, "TERM") {
		t.Fatal("expected TERM kept")
	}
	if hasName(out, "IFS") {
		t.Fatal("expected IFS deleted")
	}
}

func TestBuildEditModeForcesResetOff(t *testing.T) {
	b := New(Source{"SECRET=leak"})
	out, err := b.Build(Policy{EnvReset: true, EnvKeep: []string{"TERM"}}, Mode{Edit: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !hasName(out, "SECRET") {
		t.Fatal("edit mode should force env_reset off")
	}
}

func TestBuildAdditionsRequireSetenv(t *testing.T) {
	b := New(Source{})
	_, err := b.Build(Policy{Setenv: false}, Mode{}, Source{"FOO=bar"})
	if err == nil {
		t.Fatal("expected an error when setenv is not permitted")
	}
}

func TestBuildAdditionsAppliedWhenPermitted(t *testing.T) {
	b := New(Source{})
	out, err := b.Build(Policy{Setenv: true}, Mode{}, Source{"FOO=bar"})
	if err != nil {
		t.Fatal(err)
	}
	if !has(out, "FOO=bar") {
		t.Fatalf("expected FOO=bar present: %v", out)
	}
}

func TestBuildLoginShellAppliesEtcEnvironment(t *testing.T) {
	b := New(Source{}).WithEtcEnvironment(Source{"PATH=/usr/bin"})
	out, err := b.Build(Policy{}, Mode{LoginShell: true}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !has(out, "PATH=/usr/bin") {
		t.Fatalf("expected /etc/environment applied: %v", out)
	}
}

func TestBuildEnvCheckRejectsFunctionDefinition(t *testing.T) {
	b := New(Source{"BASH_FUNC_x%%=() { :; }"})
	out, err := b.Build(Policy{EnvReset: true, EnvCheck: []string{"BASH_FUNC_x%%"}}, Mode{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if hasName(out, "BASH_FUNC_x%%") {
		t.Fatal("expected a function-definition value to be rejected by env_check")
	}
}
