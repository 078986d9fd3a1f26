package wire

import (
	"testing"
	"time"
)

func TestKVGetSet(t *testing.T) {
	kv := KV{"user=alice", "uid=1000"}
	if v, ok := kv.Get("user"); !ok || v != "alice" {
		t.Fatalf("got %q, %v", v, ok)
	}
	if _, ok := kv.Get("missing"); ok {
		t.Fatal("expected missing key to be absent")
	}

	kv = kv.Set("uid", "1001")
	if v, _ := kv.Get("uid"); v != "1001" {
		t.Fatalf("expected updated uid, got %q", v)
	}
	if len(kv) != 2 {
		t.Fatalf("expected Set to replace in place, got %v", kv)
	}

	kv = kv.Set("gid", "1000")
	if len(kv) != 3 {
		t.Fatalf("expected Set to append a new key, got %v", kv)
	}
}

func TestCBORRoundTripInBundle(t *testing.T) {
	in := InBundle{
		Settings: KV{"sudoers_locale=C", "progname=sudoctl"},
		UserInfo: KV{"user=alice", "uid=1000"},
		Argv:     []string{"/bin/ls", "-l"},
		Envp:     []string{"PATH=/usr/bin"},
	}
	data, err := MarshalCBOR(in)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeInBundle(data)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := got.UserInfo.Get("user"); v != "alice" {
		t.Fatalf("user = %q", v)
	}
	if len(got.Argv) != 2 || got.Argv[1] != "-l" {
		t.Fatalf("argv = %v", got.Argv)
	}
}

func TestDecodeInBundleJSONCAllowsCommentsAndTrailingCommas(t *testing.T) {
	data := []byte(`{
		// front-end settings
		"settings": ["sudoers_locale=C",],
		"user_info": ["user=alice", "uid=1000",],
		"argv": ["/bin/ls",],
		"envp": [],
	}`)
	got, err := DecodeInBundleJSONC(data)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := got.Settings.Get("sudoers_locale"); v != "C" {
		t.Fatalf("sudoers_locale = %q", v)
	}
}

func TestBuildCommandInfoStableKeys(t *testing.T) {
	kv := BuildCommandInfo(CommandInfoParams{
		Command:   "/bin/ls",
		RunasUID:  0,
		RunasGID:  0,
		Umask:     0o022,
		IologPath: "/var/log/sudo-io/alice/0",
		Timeout:   30 * time.Second,
		CloseFrom: 3,
		UsePty:    true,
	})
	if v, ok := kv.Get("command"); !ok || v != "/bin/ls" {
		t.Fatalf("command = %q, %v", v, ok)
	}
	if v, _ := kv.Get("runas_uid"); v != "0" {
		t.Fatalf("runas_uid = %q", v)
	}
	if v, _ := kv.Get("umask"); v != "0022" {
		t.Fatalf("umask = %q", v)
	}
	if v, _ := kv.Get("iolog_path"); v != "/var/log/sudo-io/alice/0" {
		t.Fatalf("iolog_path = %q", v)
	}
	if v, _ := kv.Get("timeout"); v != "30" {
		t.Fatalf("timeout = %q", v)
	}
	if v, _ := kv.Get("use_pty"); v != "true" {
		t.Fatalf("use_pty = %q", v)
	}
}

func TestEncodeOutBundleRoundTrip(t *testing.T) {
	out := OutBundle{
		CommandInfo: BuildCommandInfo(CommandInfoParams{Command: "/bin/ls", CloseFrom: 3}),
		Argv:        []string{"/bin/ls"},
		Envp:        []string{"PATH=/usr/bin"},
	}
	data, err := EncodeOutBundle(out)
	if err != nil {
		t.Fatal(err)
	}
	var got OutBundle
	if err := UnmarshalCBOR(data, &got); err != nil {
		t.Fatal(err)
	}
	if v, ok := got.CommandInfo.Get("command"); !ok || v != "/bin/ls" {
		t.Fatalf("command = %q, %v", v, ok)
	}
}
