// Package env implements the Environment Builder (C8 in SPEC_FULL.md):
// env_reset policy, restricted/general env-file application, login-class
// handling, and validation of user-supplied additions against the setenv
// policy (spec.md §4.8).
package env

import (
	"fmt"
	"regexp"
	"strings"

	"sudoctl.dev/sudoctl/internal/errs"
)

// Policy is the subset of Defaults values the builder needs, passed
// explicitly per the same convention as package auth's Policy.
type Policy struct {
	EnvReset  bool
	EnvKeep   []string
	EnvCheck  []string
	EnvDelete []string
	Setenv    bool
}

// Mode adjusts env_reset per spec.md §4.8: "env_reset is forced off for
// edit mode and for -E when the user has setenv privilege".
type Mode struct {
	Edit            bool
	PreserveEnvFlag bool // the front end's "-E"
	LoginShell      bool
}

// Source is an environment as a slice of "NAME=value" strings, the shape
// both os.Environ() and the front end's wire bundle use.
type Source []string

// Builder assembles the target process's environment.
type Builder struct {
	current         Source
	restrictedFile  Source
	generalFile     Source
	etcEnvironment  Source
	loginClassVars  Source
}

// New returns a Builder seeded with the invoking process's current
// environment.
func New(current Source) *Builder {
	return &Builder{current: current}
}

// WithRestrictedFile sets the contents of the restricted env file, applied
// first under restricted rules (spec.md §4.8).
func (b *Builder) WithRestrictedFile(vars Source) *Builder { b.restrictedFile = vars; return b }

// WithGeneralFile sets the contents of the general env file, applied
// second.
func (b *Builder) WithGeneralFile(vars Source) *Builder { b.generalFile = vars; return b }

// WithEtcEnvironment sets /etc/environment's contents, applied only in
// login-shell mode.
func (b *Builder) WithEtcEnvironment(vars Source) *Builder { b.etcEnvironment = vars; return b }

// WithLoginClassVars sets the login-class (setusercontext) variables,
// applied alongside /etc/environment in login-shell mode.
func (b *Builder) WithLoginClassVars(vars Source) *Builder { b.loginClassVars = vars; return b }

// Build assembles the final environment. additions are the user-supplied
// "VAR=value" pairs from the command line; they are validated against
// policy.Setenv and applied last.
func (b *Builder) Build(policy Policy, mode Mode, additions Source) (Source, error) {
	effectiveReset := policy.EnvReset && !mode.Edit && !(mode.PreserveEnvFlag && policy.Setenv)

	out := map[string]string{}
	if effectiveReset {
		applyWhitelist(out, b.current, policy.EnvKeep, policy.EnvCheck)
	} else {
		applyAll(out, b.current, policy.EnvDelete)
	}

	applyRestricted(out, b.restrictedFile, policy.EnvKeep, policy.EnvCheck)
	applyAll(out, b.generalFile, policy.EnvDelete)

	if mode.LoginShell {
		applyAll(out, b.etcEnvironment, nil)
		applyAll(out, b.loginClassVars, nil)
	}

	if len(additions) > 0 {
		if !policy.Setenv {
			return nil, &errs.InputError{Reason: "you are not permitted to use the -E option with this command"}
		}
		for _, kv := range additions {
			name, _, ok := splitVar(kv)
			if !ok {
				return nil, &errs.InputError{Reason: fmt.Sprintf("invalid environment variable %q", kv)}
			}
			if isBlacklisted(name, policy.EnvDelete) {
				return nil, &errs.InputError{Reason: fmt.Sprintf("%q may not be set in the target environment", name)}
			}
		}
		applyAll(out, additions, nil)
	}

	return mapToSource(out), nil
}

// splitVar splits "NAME=value" into its parts.
func splitVar(kv string) (name, value string, ok bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}

// applyWhitelist copies only vars named in keep or matching a check
// pattern, the env_reset=true path.
func applyWhitelist(out map[string]string, src Source, keep, check []string) {
	for _, kv := range src {
		name, value, ok := splitVar(kv)
		if !ok {
			continue
		}
		if matchesAny(name, keep) {
			out[name] = value
			continue
		}
		if matchesAny(name, check) && isSafeValue(value) {
			out[name] = value
		}
	}
}

// applyRestricted mirrors applyWhitelist but is named separately since the
// restricted env file is a distinct policy surface spec.md §4.8 singles
// out ("applied first under restricted rules").
func applyRestricted(out map[string]string, src Source, keep, check []string) {
	applyWhitelist(out, src, keep, check)
}

// applyAll copies every var in src except those named in delete, the
// env_reset=false path (and the general/etc/login-class layers, which are
// never subject to the keep/check whitelist).
func applyAll(out map[string]string, src Source, delete []string) {
	for _, kv := range src {
		name, value, ok := splitVar(kv)
		if !ok {
			continue
		}
		if isBlacklisted(name, delete) {
			continue
		}
		out[name] = value
	}
}

func isBlacklisted(name string, delete []string) bool {
	for _, d := range delete {
		if d == name {
			return true
		}
	}
	return false
}

func matchesAny(name string, patterns []string) bool {
	for _, p := range patterns {
		if matchesGlob(name, p) {
			return true
		}
	}
	return false
}

// matchesGlob supports the single "*" suffix wildcard sudoers uses in
// env_keep/env_check entries like "LC_*".
func matchesGlob(name, pattern string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return name == pattern
}

// unsafeValue flags values containing a function-definition marker or
// embedded newline, the env_check heuristic against shellshock-style
// environment injection.
var unsafeValue = regexp.MustCompile(`^\s*\(\s*\)\s*\{|\n`)

func isSafeValue(value string) bool {
	return !unsafeValue.MatchString(value)
}

func mapToSource(m map[string]string) Source {
	out := make(Source, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out
}
