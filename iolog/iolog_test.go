package iolog

import (
	"bytes"
	"testing"
	"time"
)

func TestExpandBasicEscapes(t *testing.T) {
	esc := Escapes{User: "alice", Host: "build1", Command: "/bin/ls", Now: time.Date(2026, 8, 6, 10, 30, 0, 0, time.UTC)}
	got, err := Expand("%{user}/%{host}/%{year}%{month}%{day}", esc)
	if err != nil {
		t.Fatal(err)
	}
	if got != "alice/build1/20260806" {
		t.Fatalf("got %q", got)
	}
}

func TestExpandUnknownEscapeIsError(t *testing.T) {
	_, err := Expand("%{bogus}", Escapes{})
	if err == nil {
		t.Fatal("expected an error for an unknown escape")
	}
}

func TestPathJoinsDirAndFile(t *testing.T) {
	esc := Escapes{User: "alice", Now: time.Now()}
	path, err := Path("/var/log/sudo-io/%{user}", "%{seq}", esc, false)
	if err != nil {
		t.Fatal(err)
	}
	if path != "/var/log/sudo-io/alice/0" {
		t.Fatalf("path = %q", path)
	}
}

func TestPathIgnoresErrorsWhenConfigured(t *testing.T) {
	path, err := Path("%{bogus}", "x", Escapes{}, true)
	if err != nil {
		t.Fatal(err)
	}
	if path != "" {
		t.Fatalf("expected an empty path, got %q", path)
	}
}

func TestPathFailsLoudlyWithoutIgnoreFlag(t *testing.T) {
	_, err := Path("%{bogus}", "x", Escapes{}, false)
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestManifestRoundTrip(t *testing.T) {
	m := Manifest{Path: "/var/log/sudo-io/alice/0", User: "alice", Runas: "root", Command: "/bin/ls", StartedAt: 1000}
	var buf bytes.Buffer
	if err := WriteManifest(&buf, m); err != nil {
		t.Fatal(err)
	}
	got, err := ReadManifest(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got != m {
		t.Fatalf("got %+v, want %+v", got, m)
	}
}
