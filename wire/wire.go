// Package wire implements the front-end boundary codec (spec.md §6): the
// serialized settings/user-info/command-info bundle the front end sends
// on entry, and the command_info bundle this module sends back. The wire
// format is CBOR using Core Deterministic Encoding, mirroring
// bureau-foundation-bureau's lib/codec package exactly (sorted map keys,
// canonical integers, TextMarshaler fallback); a second, JSON/JSONC
// decoding path exists for test fixtures and command-line tooling, the
// way that repository's lib/pipelinedef reads JSONC authored by hand
// alongside the same structures delivered as plain JSON over the wire.
package wire

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/tidwall/jsonc"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	encOptions := cbor.CoreDetEncOptions()
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	mode, err := encOptions.EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	encMode = mode

	dmode, err := cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
	decMode = dmode
}

// MarshalCBOR encodes v as deterministic CBOR, the production wire
// format for every bundle this package defines.
func MarshalCBOR(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// UnmarshalCBOR decodes CBOR-encoded data into v.
func UnmarshalCBOR(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// NewCBOREncoder returns a streaming CBOR encoder configured the same
// way as MarshalCBOR.
func NewCBOREncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// UnmarshalJSONC decodes data — plain JSON or JSON extended with
// comments and trailing commas — into v. Test fixtures read bundles
// this way; the plugin boundary itself never does.
func UnmarshalJSONC(data []byte, v any) error {
	return json.Unmarshal(jsonc.ToJSON(data), v)
}

// KV is a key=value pair list, the wire shape the real sudo plugin API
// uses for settings, user_info, and command_info: a flat slice of
// "name=value" strings rather than a typed struct, so that an unknown
// key round-trips untouched instead of being dropped.
type KV []string

// Get returns the value of the first "name=..." entry in the list.
func (kv KV) Get(name string) (string, bool) {
	prefix := name + "="
	for _, e := range kv {
		if strings.HasPrefix(e, prefix) {
			return e[len(prefix):], true
		}
	}
	return "", false
}

// Set returns kv with name's value set to value, appending a new entry
// if name was absent and replacing the first occurrence otherwise.
func (kv KV) Set(name, value string) KV {
	entry := name + "=" + value
	prefix := name + "="
	for i, e := range kv {
		if strings.HasPrefix(e, prefix) {
			out := make(KV, len(kv))
			copy(out, kv)
			out[i] = entry
			return out
		}
	}
	return append(kv, entry)
}

// SetBool is Set for a boolean flag, encoded as "true"/"false" the way
// sudo's own settings list does.
func (kv KV) SetBool(name string, value bool) KV {
	return kv.Set(name, strconv.FormatBool(value))
}

// SetInt is Set for an integer value.
func (kv KV) SetInt(name string, value int) KV {
	return kv.Set(name, strconv.Itoa(value))
}

// InBundle is the settings/user-info/command-info bundle the front end
// sends on entry (spec.md §6). CommandInfo is only present on a
// re-entrant check call (MODE_POLICY_INTERCEPTED). No caller in this
// module reads it back: the orchestrator's reinit path recomputes
// umask/iolog_path/etc. from Defaults.
type InBundle struct {
	Settings    KV       `cbor:"settings" json:"settings"`
	UserInfo    KV       `cbor:"user_info" json:"user_info"`
	CommandInfo KV       `cbor:"command_info,omitempty" json:"command_info,omitempty"`
	Argv        []string `cbor:"argv" json:"argv"`
	Envp        []string `cbor:"envp" json:"envp"`
}

// DecodeInBundle decodes a production CBOR-encoded InBundle.
func DecodeInBundle(data []byte) (InBundle, error) {
	var b InBundle
	if err := UnmarshalCBOR(data, &b); err != nil {
		return InBundle{}, fmt.Errorf("wire: decode in-bundle: %w", err)
	}
	return b, nil
}

// DecodeInBundleJSONC decodes a JSON/JSONC-encoded InBundle, the path
// test fixtures and tooling use.
func DecodeInBundleJSONC(data []byte) (InBundle, error) {
	var b InBundle
	if err := UnmarshalJSONC(data, &b); err != nil {
		return InBundle{}, fmt.Errorf("wire: decode in-bundle: %w", err)
	}
	return b, nil
}

// OutBundle is the command_info bundle returned on an allowed decision,
// plus the post-shaped argv/envp (spec.md §6): "argv, env, umask,
// iolog_path, runas uid/gid/groups, chroot, cwd, selinux/apparmor
// fields, timeout, close-from, use_pty, preserve_fds, login_class,
// set_utmp".
type OutBundle struct {
	CommandInfo KV       `cbor:"command_info" json:"command_info"`
	Argv        []string `cbor:"argv" json:"argv"`
	Envp        []string `cbor:"envp" json:"envp"`
}

// EncodeOutBundle encodes b as production CBOR.
func EncodeOutBundle(b OutBundle) ([]byte, error) {
	return MarshalCBOR(b)
}

// CommandInfoParams collects everything BuildCommandInfo needs to
// assemble the stable key=value command_info entries.
type CommandInfoParams struct {
	Command     string
	RunasUID    int
	RunasGID    int
	RunasGroups []int
	Umask       uint32
	IologPath   string
	Chroot      string
	Cwd         string
	SELinuxRole string
	AppArmor    string
	Timeout     time.Duration
	CloseFrom   int
	UsePty      bool
	PreserveFds []int
	LoginClass  string
	SetUtmp     bool
}

// BuildCommandInfo assembles the command_info KV list using the stable
// keys spec.md §6 names explicitly (command=, runas_uid=, umask=,
// timeout=, iolog_path=) plus the remaining fields §6 lists by role.
func BuildCommandInfo(p CommandInfoParams) KV {
	var kv KV
	kv = kv.Set("command", p.Command)
	kv = kv.SetInt("runas_uid", p.RunasUID)
	kv = kv.SetInt("runas_gid", p.RunasGID)
	if len(p.RunasGroups) > 0 {
		groups := make([]string, len(p.RunasGroups))
		for i, g := range p.RunasGroups {
			groups[i] = strconv.Itoa(g)
		}
		kv = kv.Set("runas_groups", strings.Join(groups, ","))
	}
	kv = kv.Set("umask", fmt.Sprintf("%04o", p.Umask))
	if p.IologPath != "" {
		kv = kv.Set("iolog_path", p.IologPath)
	}
	if p.Chroot != "" {
		kv = kv.Set("chroot", p.Chroot)
	}
	if p.Cwd != "" {
		kv = kv.Set("cwd", p.Cwd)
	}
	if p.SELinuxRole != "" {
		kv = kv.Set("selinux_role", p.SELinuxRole)
	}
	if p.AppArmor != "" {
		kv = kv.Set("apparmor_profile", p.AppArmor)
	}
	if p.Timeout > 0 {
		kv = kv.SetInt("timeout", int(p.Timeout.Seconds()))
	}
	kv = kv.SetInt("closefrom", p.CloseFrom)
	kv = kv.SetBool("use_pty", p.UsePty)
	if len(p.PreserveFds) > 0 {
		fds := make([]string, len(p.PreserveFds))
		for i, fd := range p.PreserveFds {
			fds[i] = strconv.Itoa(fd)
		}
		kv = kv.Set("preserve_fds", strings.Join(fds, ","))
	}
	if p.LoginClass != "" {
		kv = kv.Set("login_class", p.LoginClass)
	}
	kv = kv.SetBool("set_utmp", p.SetUtmp)
	return kv
}
