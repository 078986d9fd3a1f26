package decision

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sudoctl.dev/sudoctl/iolog"
	"sudoctl.dev/sudoctl/match"
)

type fakeSink struct {
	successes []Record
	failures  []Record
	failErr   error
}

func (f *fakeSink) AuditSuccess(ctx context.Context, rec Record) error {
	f.successes = append(f.successes, rec)
	return f.failErr
}

func (f *fakeSink) AuditFailure(ctx context.Context, rec Record) error {
	f.failures = append(f.failures, rec)
	return nil
}

type fakeMail struct {
	batches [][]error
}

func (f *fakeMail) MailParseErrors(ctx context.Context, errs []error) error {
	f.batches = append(f.batches, errs)
	return nil
}

func TestComputeUmaskOrsDefaultAndUser(t *testing.T) {
	got := ComputeUmask(UmaskPolicy{Def: 0o022, User: 0o077})
	if got != 0o022|0o077 {
		t.Fatalf("got %o", got)
	}
}

func TestComputeUmaskOverrideIgnoresUser(t *testing.T) {
	got := ComputeUmask(UmaskPolicy{Def: 0o022, User: 0o077, Override: true})
	if got != 0o022 {
		t.Fatalf("got %o, want def_umask alone", got)
	}
}

func TestAllowProducesIologPathAndAuditsSuccess(t *testing.T) {
	sink := &fakeSink{}
	e := New(sink, nil)
	e.writeManifest = func(path string, m iolog.Manifest) error { return nil }

	in := AllowInput{
		Argv: []string{"/bin/ls", "-l"},
		Env:  []string{"PATH=/usr/bin"},
		Umask: UmaskPolicy{Def: 0o022},
		Iolog: IologPolicy{
			Enabled:      true,
			DirTemplate:  "/var/log/sudo-io/%{user}",
			FileTemplate: "%{seq}",
			Escapes:      iolog.Escapes{User: "alice"},
		},
		Citation: match.Citation{File: "/etc/sudoers.d/alice", Line: 3},
	}

	rec, err := e.Allow(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if rec.IologPath != "/var/log/sudo-io/alice/0" {
		t.Fatalf("iolog path = %q", rec.IologPath)
	}
	if rec.Citation != "/etc/sudoers.d/alice:3" {
		t.Fatalf("citation = %q", rec.Citation)
	}
	if rec.Outcome.PolicyReturnCode() != 1 {
		t.Fatalf("allow should return code 1, got %d", rec.Outcome.PolicyReturnCode())
	}
	if len(sink.successes) != 1 {
		t.Fatalf("expected one audited success, got %d", len(sink.successes))
	}
	if rec.ID == "" || !strings.HasPrefix(rec.ID, "evt_") {
		t.Fatalf("expected an evt_-prefixed id, got %q", rec.ID)
	}
}

func TestAllowWithoutIologLeavesPathEmpty(t *testing.T) {
	e := New(&fakeSink{}, nil)
	rec, err := e.Allow(context.Background(), AllowInput{Argv: []string{"/bin/ls"}})
	if err != nil {
		t.Fatal(err)
	}
	if rec.IologPath != "" {
		t.Fatalf("expected no iolog path, got %q", rec.IologPath)
	}
}

func TestAllowWritesIologManifest(t *testing.T) {
	dir := t.TempDir()
	e := New(&fakeSink{}, nil)

	in := AllowInput{
		Argv: []string{"/bin/ls", "-l"},
		Iolog: IologPolicy{
			Enabled:      true,
			DirTemplate:  dir,
			FileTemplate: "%{seq}",
			Escapes:      iolog.Escapes{User: "alice", Host: "build1", Command: "/bin/ls", Runas: "root"},
		},
		Citation: match.Citation{File: "/etc/sudoers.d/alice", Line: 3},
	}

	rec, err := e.Allow(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(rec.IologPath + ".manifest")
	if err != nil {
		t.Fatalf("expected a manifest file alongside the iolog path: %v", err)
	}
	defer f.Close()

	m, err := iolog.ReadManifest(f)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if m.User != "alice" || m.Host != "build1" || m.Command != "/bin/ls" || m.Runas != "root" {
		t.Fatalf("manifest = %+v", m)
	}
	if m.Citation != "/etc/sudoers.d/alice:3" {
		t.Fatalf("manifest citation = %q", m.Citation)
	}
}

func TestAllowTouchesAdminFlagFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "admin_flag")
	e := New(&fakeSink{}, nil).WithAdminFlag(path, nil)

	if _, err := e.Allow(context.Background(), AllowInput{Argv: []string{"/bin/ls"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected admin flag file to exist: %v", err)
	}
}

func TestDenyAuditsFailureAndReturnsCodeZero(t *testing.T) {
	sink := &fakeSink{}
	e := New(sink, nil)

	rec, err := e.Deny(context.Background(), "no matching rule", match.Citation{})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Outcome.PolicyReturnCode() != 0 {
		t.Fatalf("deny should return code 0, got %d", rec.Outcome.PolicyReturnCode())
	}
	if len(sink.failures) != 1 {
		t.Fatalf("expected one audited failure, got %d", len(sink.failures))
	}
}

func TestFailMapsErrorAndUsageErrorCodes(t *testing.T) {
	e := New(&fakeSink{}, nil)

	rec, err := e.Fail(context.Background(), errors.New("resolution failed"), false)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Outcome.PolicyReturnCode() != -1 {
		t.Fatalf("plain error should return code -1, got %d", rec.Outcome.PolicyReturnCode())
	}

	rec, err = e.Fail(context.Background(), errors.New("implied shell without shell_noargs"), true)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Outcome.PolicyReturnCode() != -2 {
		t.Fatalf("usage error should return code -2, got %d", rec.Outcome.PolicyReturnCode())
	}
}

func TestFlushParseErrorsBatchesIntoOneMail(t *testing.T) {
	mail := &fakeMail{}
	e := New(&fakeSink{}, mail)

	errs := []error{errors.New("bad line 1"), errors.New("bad line 2")}
	if err := e.FlushParseErrors(context.Background(), errs); err != nil {
		t.Fatal(err)
	}
	if len(mail.batches) != 1 || len(mail.batches[0]) != 2 {
		t.Fatalf("expected one batch of two errors, got %v", mail.batches)
	}
}

func TestFlushParseErrorsNoopOnEmpty(t *testing.T) {
	mail := &fakeMail{}
	e := New(&fakeSink{}, mail)

	if err := e.FlushParseErrors(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if len(mail.batches) != 0 {
		t.Fatal("expected no mail sent for an empty batch")
	}
}
