package mongo

import (
	"testing"

	"sudoctl.dev/sudoctl/rule"
)

func TestDecodeUserSpec(t *testing.T) {
	d := userSpecDoc{
		Users: []string{"alice"},
		Privileges: []privilegeDoc{
			{
				Hosts: []string{"ALL"},
				Cmnds: []cmndDoc{
					{RunasUsers: []string{"root"}, Command: "/bin/ls", Allow: true, Tags: []string{"NOPASSWD"}},
				},
			},
		},
	}
	spec, err := decodeUserSpec(d)
	if err != nil {
		t.Fatal(err)
	}
	if spec.Users[0].Name != "alice" {
		t.Fatalf("user = %+v", spec.Users[0])
	}
	if !spec.Privileges[0].Hosts[0].All {
		t.Fatal("expected ALL host")
	}
	cmnd := spec.Privileges[0].Cmnds[0]
	if cmnd.Command.Name != "/bin/ls" || !cmnd.Tags[rule.TagNoPasswd] {
		t.Fatalf("cmnd = %+v", cmnd)
	}
	if cmnd.RunAs.Users[0].Name != "root" {
		t.Fatalf("runas = %+v", cmnd.RunAs)
	}
}

func TestDecodeUserSpecRejectsBadDate(t *testing.T) {
	d := userSpecDoc{
		Users: []string{"alice"},
		Privileges: []privilegeDoc{
			{Cmnds: []cmndDoc{{Command: "/bin/ls", NotBefore: "not-a-date"}}},
		},
	}
	if _, err := decodeUserSpec(d); err == nil {
		t.Fatal("expected an error for a malformed not_before")
	}
}

func TestMemberFromNameGroup(t *testing.T) {
	m := memberFromName("%wheel", false)
	if !m.IsGroup || m.Name != "wheel" {
		t.Fatalf("m = %+v", m)
	}
}

func TestDecodeOpAndScope(t *testing.T) {
	if _, err := decodeOp("nope"); err == nil {
		t.Fatal("expected an error")
	}
	if decodeScope("runas") != rule.ScopeRunas {
		t.Fatal("expected ScopeRunas")
	}
}
