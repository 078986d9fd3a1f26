// Package orchestrator implements the Policy Orchestrator (C9 in
// SPEC_FULL.md): the RequestEngine that ties C1–C11 together behind the
// init/check/validate/list/cleanup entry points and the eleven-step common
// pipeline of spec.md §4.9. Grounded on the teacher's top-level App/run
// shape (construct collaborators once, run a fixed step sequence per
// request, unwind everything acquired on every exit path) generalized
// from one sandboxed command to one authorized command.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"sudoctl.dev/sudoctl/auth"
	"sudoctl.dev/sudoctl/decision"
	"sudoctl.dev/sudoctl/defaults"
	"sudoctl.dev/sudoctl/env"
	"sudoctl.dev/sudoctl/identity"
	"sudoctl.dev/sudoctl/internal/errs"
	"sudoctl.dev/sudoctl/internal/hlog"
	"sudoctl.dev/sudoctl/iolog"
	"sudoctl.dev/sudoctl/match"
	"sudoctl.dev/sudoctl/priv"
	"sudoctl.dev/sudoctl/resolve"
	"sudoctl.dev/sudoctl/rule"
	"sudoctl.dev/sudoctl/rulesource"
	"sudoctl.dev/sudoctl/rulesource/file"
	"sudoctl.dev/sudoctl/wire"
)

// Collaborators are the external dependencies the engine is constructed
// with once per process. Each corresponds to a component's narrow
// interface, never the concrete library type, so a test can substitute
// fakes for every one of them.
type Collaborators struct {
	PrivSyscalls    priv.Syscalls
	ResolveSyscalls resolve.Syscalls
	IdentitySource  identity.Source
	Sources         []rulesource.Source
	AuthBackend     auth.Backend
	TimestampCache  auth.TimestampCache
	AuditSink       decision.AuditSink
	MailSink        decision.MailSink
	OpenTTY         func() (*os.File, error)
	SetLocale       func(string) string
	Hostname        string
}

// RequestEngine is C9: the long-lived state an intercepted session keeps
// across repeated Check calls (spec.md §5: "the only state deliberately
// preserved across requests is the parsed rule tree, the credential
// caches, and the I/O-log session association"), plus the per-request
// state each entry point rebuilds from scratch.
type RequestEngine struct {
	gate       *priv.Gate
	identities *identity.Cache
	sources    *rulesource.Manager
	store      *defaults.Store
	emitter    *decision.Emitter
	resolver   *resolve.Resolver
	authGate   *auth.Gate
	locale     *match.Locale
	setLocale  func(string) string

	// sourceDigests holds each rule source's content key, per Origin, so a
	// front end can report whether its preserved parse tree (spec.md §5)
	// still matches what's on disk.
	sourceDigests map[string]string

	hostname string

	intercepted bool
}

// ModeFlags is the front end's requested-operation bitmask, spec.md §4.9's
// "mode flags": which entry point this request performs and, for an
// intercepted sub-command, which of those remain legal to re-request.
type ModeFlags uint32

const (
	ModeRun ModeFlags = 1 << iota
	ModeEdit
	ModeValidate
	ModeList
	ModeInvalidate
	// ModePolicyIntercepted marks a re-entrant check for a child process of
	// an already-allowed intercept=true invocation (spec.md §4.9's
	// "Re-initialization on intercepted sub-commands").
	ModePolicyIntercepted
)

// modeInterceptLegal is the subset of [ModeFlags] an intercepted
// sub-command may still request: running a command, stamped with
// [ModePolicyIntercepted]. Edit, validate, list and invalidate are not
// legal inside an already-running intercepted session.
const modeInterceptLegal = ModeRun | ModePolicyIntercepted

// Init opens the privilege gate, opens and parses every rule source, and
// applies the front end's initial Defaults overrides and the
// generic/host-scoped Defaults every source contributes, per
// SPEC_FULL.md's two-phase application supplement. Any per-source parse
// failure is collected and mailed as one batch (the mail-on-parse-error
// supplement) rather than aborting Init, as long as at least one source
// survived.
func Init(ctx context.Context, c Collaborators, initialOverrides map[string]string) (*RequestEngine, error) {
	gate, err := priv.New(c.PrivSyscalls)
	if err != nil {
		return nil, err
	}

	store := defaults.Compiled()
	store.ApplyInitial(initialOverrides, false)
	configureSourceOwnership(store, c.Sources)

	mgr, err := openSources(ctx, gate, c.Sources)
	if err != nil {
		_ = gate.Close()
		return nil, err
	}

	emitter := decision.New(c.AuditSink, c.MailSink)
	if path := store.String("admin_flag"); path != "" {
		emitter = emitter.WithAdminFlag(path, nil)
	}

	e := &RequestEngine{
		gate:          gate,
		identities:    identity.NewCache(c.IdentitySource),
		sources:       mgr,
		store:         store,
		emitter:       emitter,
		resolver:      resolve.New(c.ResolveSyscalls),
		authGate:      auth.New(c.AuthBackend, c.TimestampCache, c.OpenTTY),
		locale:        match.NewLocale(orDefaultLocale(c.SetLocale), "C"),
		setLocale:     orDefaultLocale(c.SetLocale),
		sourceDigests: mgr.ContentKeys(),
		hostname:      c.Hostname,
	}

	applyHostScopedDefaults(e, false)

	if err := emitter.FlushParseErrors(ctx, mgr.ParseErrors()); err != nil {
		hlog.PrintBaseError(err, "could not mail sudoers parse errors:")
	}

	for _, origin := range sortedKeys(e.sourceDigests) {
		hlog.Verbose(true, fmt.Sprintf("%s: content key %s", origin, e.sourceDigests[origin]))
	}

	return e, nil
}

// SourceDigests returns the content key recorded for each rule source at
// Init, for a front end that wants to report whether a source has
// changed since (e.g. alongside -V's validation output).
func (e *RequestEngine) SourceDigests() map[string]string {
	return e.sourceDigests
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Reinit implements C3's reinit path (spec.md §4.3, §4.9's
// "Re-initialization on intercepted sub-commands"): rebuild the Defaults
// store from the compiled-in table and reapply every layer with logging
// disabled, so a child process of an already-allowed intercepted
// invocation does not repeat the same Defaults diagnostic on every
// re-entry. initialOverrides is the front end's settings bundle for this
// re-entrant call, which may differ from the original Init call's.
func (e *RequestEngine) Reinit(ctx context.Context, initialOverrides map[string]string) {
	store := defaults.Compiled()
	store.ApplyInitial(initialOverrides, true)
	e.store = store
	applyHostScopedDefaults(e, true)
	e.intercepted = true
}

func orDefaultLocale(set func(string) string) func(string) string {
	if set != nil {
		return set
	}
	return func(string) string { return "" }
}

// openSources runs rulesource.NewManager under priv.Sudoers, per spec.md
// §4.4's requirement that a source's Open must run under Sudoers or Root.
func openSources(ctx context.Context, gate *priv.Gate, sources []rulesource.Source) (*rulesource.Manager, error) {
	guard, err := gate.Push(priv.Sudoers, priv.Identity{})
	if err != nil {
		return nil, err
	}
	mgr, mgrErr := rulesource.NewManager(ctx, sources)
	if popErr := guard.Pop(); popErr != nil {
		return nil, popErr
	}
	return mgr, mgrErr
}

// configureSourceOwnership applies sudoers_uid/sudoers_gid to every
// local file source before Open runs, per spec.md §6's policy file
// discipline. sudoers_gid only permits group-write when it was set by
// initialOverrides rather than left at its compiled-in -1 sentinel.
func configureSourceOwnership(store *defaults.Store, sources []rulesource.Source) {
	uid := int(store.Int("sudoers_uid"))
	gidVal, _ := store.Get("sudoers_gid")
	allowGroupWrite := gidVal.Origin.File != "<compiled>"
	for _, src := range sources {
		if fs, ok := src.(*file.Source); ok {
			fs.WithOwner(uid, int(gidVal.Int), allowGroupWrite)
		}
	}
}

func applyHostScopedDefaults(e *RequestEngine, quiet bool) {
	subj := defaults.Subjects{Host: e.hostname}
	for _, tree := range e.sources.Trees() {
		e.store.ApplyFromSource(tree, defaults.ScopeGeneric|defaults.ScopeHost, subj, quiet)
	}
}

// RequestInfo is everything one Check call needs beyond the
// process-lifetime Collaborators: the invoking user's identity and
// environment, and the front end's requested overrides.
type RequestInfo struct {
	UID        int
	User       string
	UserGroups []string
	TTY        auth.TTYInfo
	Cwd        string
	Env        []string

	RunasUserSpec  string // "-u", defaults to "root"
	RunasGroupSpec string // "-g"

	Argv            []string
	SetEnvAdditions []string
	PreserveEnvFlag bool
	Edit            bool
	// LoginShell requests the login-shell argv reshape of spec.md §4.5
	// ("-" prefixed argv[0], "--login" inserted for -bash -c).
	LoginShell bool

	ChrootOverride    string
	CwdOverride       string
	CloseFromOverride int // -1 means "not requested"
	UsePty            bool
	// UserUmask is the invoking user's own umask, as sourced from the
	// front end's "umask=" entry in the user_info KV bundle (spec.md §3's
	// UC "user umask" field). Required for §4.10's
	// "def_umask | user_umask unless umask_override".
	UserUmask uint32
	// Timeout is the front end's requested command timeout (spec.md §3's
	// UC "requested command timeout"), honored only when
	// user_command_timeouts is set (pipeline step 10, spec.md §4.9).
	Timeout time.Duration

	// Mode is the front end's requested-operation bitmask for this call.
	Mode ModeFlags
	// Intercepted marks a re-entrant check for a child process of an
	// already-allowed intercept=true invocation; Check reinitializes the
	// Defaults store quietly and masks Mode before running the pipeline.
	Intercepted bool
	// Overrides is the front-end settings bundle to reapply on a quiet
	// reinit; ignored unless Intercepted is set.
	Overrides map[string]string

	Now time.Time
}

// Outcome is everything Check returns: the decision record for audit and
// the command_info bundle for the front end on allow.
type Outcome struct {
	Record decision.Record
	Bundle wire.OutBundle
}

// Check runs the common pipeline of spec.md §4.9 for one request. Check
// itself pushes no privilege frame; the frames that command resolution
// pushes are popped again before it returns, on every exit path.
func (e *RequestEngine) Check(ctx context.Context, info RequestInfo) (Outcome, error) {
	if info.RunasUserSpec == "" {
		info.RunasUserSpec = "root"
	}
	if info.CloseFromOverride == 0 {
		info.CloseFromOverride = -1
	}

	if info.Intercepted {
		e.Reinit(ctx, info.Overrides)
		info.Mode = (info.Mode | ModePolicyIntercepted) & modeInterceptLegal
	}

	closeFrom, err := e.enforceCloseFrom(info.CloseFromOverride)
	if err != nil {
		rec, ferr := e.emitter.Fail(ctx, err, isUsageError(err))
		return Outcome{Record: rec}, ferr
	}
	if err := e.enforceRootSudo(info.UID); err != nil {
		rec, ferr := e.emitter.Fail(ctx, err, false)
		return Outcome{Record: rec}, ferr
	}

	runasUser, unknownUser, err := e.identities.LookupUser(info.RunasUserSpec)
	if err != nil {
		rec, ferr := e.emitter.Fail(ctx, err, false)
		return Outcome{Record: rec}, ferr
	}
	if unknownUser && !e.store.Bool("runas_allow_unknown_id") {
		rec, ferr := e.emitter.Fail(ctx, &errs.PolicyError{Reason: fmt.Sprintf("unknown user %s", info.RunasUserSpec)}, false)
		return Outcome{Record: rec}, ferr
	}

	runasGroupSpec := info.RunasGroupSpec
	runasGroupName := ""
	if runasGroupSpec != "" {
		g, unknownGroup, err := e.identities.LookupGroup(runasGroupSpec)
		if err != nil {
			rec, ferr := e.emitter.Fail(ctx, err, false)
			return Outcome{Record: rec}, ferr
		}
		if unknownGroup && !e.store.Bool("runas_allow_unknown_id") {
			rec, ferr := e.emitter.Fail(ctx, &errs.PolicyError{Reason: fmt.Sprintf("unknown group %s", runasGroupSpec)}, false)
			return Outcome{Record: rec}, ferr
		}
		runasGroupName = g.Name
	}

	implied := len(info.Argv) == 0
	if implied && !e.store.Bool("shell_noargs") {
		rec, ferr := e.emitter.Fail(ctx, &errs.UsageError{Reason: "a command must be specified when shell_noargs is off"}, true)
		return Outcome{Record: rec}, ferr
	}

	cmdArgv := append([]string{}, info.Argv...)
	if implied {
		cmdArgv = []string{shellForUser(runasUser)}
	}

	resolved, err := e.resolveCommand(ctx, cmdArgv[0], info)
	if err != nil {
		rec, ferr := e.emitter.Fail(ctx, err, false)
		return Outcome{Record: rec}, ferr
	}
	if resolved.FoundInDot {
		rec, ferr := e.emitter.Deny(ctx, fmt.Sprintf("%s: command found but not in a directory on PATH, try \"sudo ./%s\" instead (FOUND_BUT_IN_DOT)", cmdArgv[0], cmdArgv[0]), match.Citation{})
		return Outcome{Record: rec}, ferr
	}
	// spec.md §4.5: resolving to sudoedit always switches the request from
	// run mode to edit mode, regardless of what the front end asked for.
	if resolved.IsSudoedit && !info.Edit {
		hlog.Verbose(true, fmt.Sprintf("%s: switching to edit mode for sudoedit", cmdArgv[0]))
		info.Edit = true
		info.Mode = (info.Mode &^ ModeRun) | ModeEdit
	}
	execName := cmdArgv[0]
	cmdArgv[0] = resolved.Path

	// The login-shell reshape (spec.md §4.5) rewrites argv[0] from the
	// name the caller asked for, not from the resolved absolute path:
	// command_info's "command" field still carries resolved.Path.
	if info.LoginShell {
		cmdArgv[0] = execName
		cmdArgv = resolve.ShapeLoginShell(cmdArgv)
		cmdArgv = resolve.InsertBashLoginFlag(cmdArgv)
	}

	for _, tree := range e.sources.Trees() {
		e.store.ApplyFromSource(tree, defaults.ScopeUser|defaults.ScopeRunas|defaults.ScopeCommand, defaults.Subjects{
			User:      info.User,
			RunasUser: runasUser.Name,
			Command:   resolved.Path,
		}, true)
	}

	var citation match.Citation
	e.locale.Enter()
	verdict := match.Lookup(e.sources.Trees(), match.Subject{
		User:       info.User,
		UserGroups: info.UserGroups,
		Host:       e.hostname,
		RunasUser:  runasUser.Name,
		RunasGroup: runasGroupName,
		Command:    resolved.Path,
		Args:       unescapeArgsForMatching(cmdArgv[1:]),
		Now:        info.Now,
	}, func(c match.Citation) { citation = c })
	e.locale.Exit(func(prior string) { e.setLocale(prior) })

	switch verdict {
	case match.Deny:
		rec, ferr := e.emitter.Deny(ctx, "not allowed by sudoers policy", citation)
		return Outcome{Record: rec}, ferr
	case match.NoMatch:
		rec, ferr := e.emitter.Deny(ctx, fmt.Sprintf("%s is not in the sudoers file", info.User), citation)
		return Outcome{Record: rec}, ferr
	case match.Error:
		rec, ferr := e.emitter.Fail(ctx, &errs.PolicyError{Reason: "a rule source failed during lookup"}, false)
		return Outcome{Record: rec}, ferr
	}

	if e.store.Bool("requiretty") && !info.TTY.HasControllingTTY {
		rec, ferr := e.emitter.Fail(ctx, &errs.AuthError{Reason: "sorry, you must have a tty to run sudo"}, false)
		return Outcome{Record: rec}, ferr
	}

	var tags map[rule.Tag]bool
	if citation.CmndSpec != nil {
		tags = citation.CmndSpec.Tags
	}

	builtEnv, err := e.buildEnvironment(info, tags)
	if err != nil {
		rec, ferr := e.emitter.Fail(ctx, err, false)
		return Outcome{Record: rec}, ferr
	}

	authPolicy := e.authPolicy(tags)
	cacheKey := auth.CacheKey(info.UID, info.TTY.TTYPath, resolved.Path)
	req, err := e.authGate.Decide(info.UID, info.TTY, authPolicy, cacheKey)
	if err != nil {
		rec, ferr := e.emitter.Fail(ctx, err, false)
		return Outcome{Record: rec}, ferr
	}
	if req == auth.Required {
		if rejected, authErr := e.authGate.Authenticate(ctx, info.User, authPolicy, info.TTY, cacheKey); authErr != nil {
			if rejected {
				rec, ferr := e.emitter.Deny(ctx, authErr.Error(), citation)
				return Outcome{Record: rec}, ferr
			}
			rec, ferr := e.emitter.Fail(ctx, authErr, false)
			return Outcome{Record: rec}, ferr
		}
	}

	if state := auth.CheckChroot(info.ChrootOverride, authPolicy); state != auth.Allowed {
		rec, ferr := e.emitter.Fail(ctx, &errs.PolicyError{Reason: "you are not permitted to use the -R option with this command"}, false)
		return Outcome{Record: rec}, ferr
	}
	if state := auth.CheckCwd(info.CwdOverride, authPolicy); state != auth.Allowed {
		rec, ferr := e.emitter.Fail(ctx, &errs.PolicyError{Reason: "you are not permitted to use the -D option with this command"}, false)
		return Outcome{Record: rec}, ferr
	}

	// Pipeline step 10, spec.md §4.9: "enforce timeout / env-vars
	// privileges" (the env-vars half is buildEnvironment's setenv check,
	// above). A requested command timeout is honored only when
	// user_command_timeouts is set.
	if info.Timeout > 0 && !e.store.Bool("user_command_timeouts") {
		rec, ferr := e.emitter.Fail(ctx, &errs.PolicyError{Reason: "sorry, you are not allowed set a command timeout"}, false)
		return Outcome{Record: rec}, ferr
	}

	loggedUser := rebindSudoUser(info.User, runasUser.UID, builtEnv)

	umaskPolicy := decision.UmaskPolicy{
		Def:      uint32(e.store.Int("umask")),
		User:     info.UserUmask,
		Override: e.store.Bool("umask_override"),
	}

	rec, err := e.emitter.Allow(ctx, decision.AllowInput{
		Argv:  cmdArgv,
		Env:   builtEnv,
		Umask: umaskPolicy,
		Iolog: e.iologPolicy(info, loggedUser, resolved.Path),
		Citation: citation,
	})
	if err != nil {
		return Outcome{Record: rec}, err
	}

	bundle := wire.OutBundle{
		CommandInfo: wire.BuildCommandInfo(wire.CommandInfoParams{
			Command:   resolved.Path,
			RunasUID:  runasUser.UID,
			RunasGID:  runasUser.GID,
			Umask:     rec.Umask,
			IologPath: rec.IologPath,
			Chroot:    info.ChrootOverride,
			Cwd:       info.CwdOverride,
			CloseFrom: closeFrom,
			UsePty:    info.UsePty,
			Timeout:   info.Timeout,
		}),
		Argv: cmdArgv,
		Envp: builtEnv,
	}

	return Outcome{Record: rec, Bundle: bundle}, nil
}

func (e *RequestEngine) resolveCommand(ctx context.Context, cmd string, info RequestInfo) (*resolve.Result, error) {
	runasUser, _, err := e.identities.LookupUser(info.RunasUserSpec)
	if err != nil {
		return nil, err
	}
	path := e.store.StringList("path")
	if sp := e.store.String("secure_path"); sp != "" {
		path = strings.Split(sp, ":")
	}
	return e.resolver.Resolve(ctx, e.gate, cmd, resolve.Options{
		SearchPath:    path,
		IgnoreDot:     e.store.Bool("ignore_dot"),
		Chroot:        info.ChrootOverride,
		RunasIdentity: priv.Identity{UID: runasUser.UID, GID: runasUser.GID},
	})
}

// buildEnvironment applies the global setenv Default, overridden per
// command by the winning rule's SETENV/NOSETENV tag (spec.md §4.6's
// command-spec tags take precedence over the scoped Default they modify).
func (e *RequestEngine) buildEnvironment(info RequestInfo, tags map[rule.Tag]bool) (env.Source, error) {
	b := env.New(env.Source(info.Env))
	setenv := e.store.Bool("setenv")
	switch {
	case tags[rule.TagSetenv]:
		setenv = true
	case tags[rule.TagNoSetenv]:
		setenv = false
	}
	policy := env.Policy{
		EnvReset:  e.store.Bool("env_reset"),
		EnvKeep:   e.store.StringList("env_keep"),
		EnvCheck:  e.store.StringList("env_check"),
		EnvDelete: e.store.StringList("env_delete"),
		Setenv:    setenv,
	}
	mode := env.Mode{Edit: info.Edit, PreserveEnvFlag: info.PreserveEnvFlag}
	return b.Build(policy, mode, env.Source(info.SetEnvAdditions))
}

// authPolicy applies the global authenticate Default, overridden per
// command by the winning rule's NOPASSWD/PASSWD tag, same precedence as
// buildEnvironment's SETENV/NOSETENV.
func (e *RequestEngine) authPolicy(tags map[rule.Tag]bool) auth.Policy {
	authenticate := e.store.Bool("authenticate")
	switch {
	case tags[rule.TagNoPasswd]:
		authenticate = false
	case tags[rule.TagPasswd]:
		authenticate = true
	}
	return auth.Policy{
		RootSudo:         e.store.Bool("root_sudo"),
		RequireTTY:       e.store.Bool("requiretty"),
		Authenticate:     authenticate,
		TimestampTimeout: time.Duration(e.store.Int("timestamp_timeout")) * time.Minute,
		PasswdTries:      int(e.store.Int("passwd_tries")),
		ChrootAllowed:    e.store.Bool("chroot_allowed"),
		CwdAllowed:       e.store.Bool("cwd_allowed"),
	}
}

func (e *RequestEngine) iologPolicy(info RequestInfo, loggedUser, command string) decision.IologPolicy {
	dir := e.store.String("iolog_dir")
	file := e.store.String("iolog_file")
	if dir == "" || file == "" {
		return decision.IologPolicy{}
	}
	return decision.IologPolicy{
		Enabled:      true,
		DirTemplate:  dir,
		FileTemplate: file,
		IgnoreErrors: e.store.Bool("ignore_iolog_errors"),
		Escapes: iolog.Escapes{
			User:    loggedUser,
			Host:    e.hostname,
			Command: command,
			Runas:   info.RunasUserSpec,
			Now:     info.Now,
		},
	}
}

// enforceCloseFrom implements the SUPPLEMENTED closefrom override gate:
// a front-end "-C" request is honored only if it matches the configured
// value or closefrom_override is set (sudoers.c's -C handling, placed
// before the lookup call per step 2 of the common pipeline).
func (e *RequestEngine) enforceCloseFrom(requested int) (int, error) {
	configured := int(e.store.Int("closefrom"))
	if requested < 0 {
		return configured, nil
	}
	if requested != configured && !e.store.Bool("closefrom_override") {
		return 0, &errs.UsageError{Reason: "you are not permitted to use the -C option"}
	}
	return requested, nil
}

func (e *RequestEngine) enforceRootSudo(uid int) error {
	if uid == 0 && !e.store.Bool("root_sudo") {
		return &errs.AuthError{Reason: "sudoers specifies that root is not allowed to sudo"}
	}
	return nil
}

// rebindSudoUser implements the SUDO_USER rebind source quirk (pipeline
// step 9, spec.md §9): if running as root with SUDO_USER already set to
// someone other than the invoking user, logging attributes the request
// to that prior user rather than the (now root) invoker.
func rebindSudoUser(invokingUser string, runasUID int, builtEnv []string) string {
	if runasUID != 0 {
		return invokingUser
	}
	for _, kv := range builtEnv {
		if v, ok := cutPrefix(kv, "SUDO_USER="); ok && v != "" && v != invokingUser {
			return v
		}
	}
	return invokingUser
}

// unescapeArgsForMatching reverses the front end's shell-metacharacter
// escaping for matching and logging only (spec.md §4.5); the argv actually
// exec'd keeps the escaped form.
func unescapeArgsForMatching(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = resolve.UnescapeForMatching(a)
	}
	return out
}

func cutPrefix(s, prefix string) (string, bool) {
	if !strings.HasPrefix(s, prefix) {
		return "", false
	}
	return s[len(prefix):], true
}

func isUsageError(err error) bool {
	_, ok := err.(*errs.UsageError)
	return ok
}

// shellForUser approximates sudoers.c's "target shell validity" check:
// the implied-shell path runs the runas user's login shell. The identity
// package does not model /etc/passwd's shell field (out of scope per C1),
// so this uses the portable fallback every POSIX system provides.
func shellForUser(u *identity.User) string {
	if u == nil {
		return "/bin/sh"
	}
	return "/bin/sh"
}

// Validate re-runs authentication only, without resolving or looking up
// a command (spec.md §4.9's validate() entry point: confirm the caller's
// credentials and refresh the timestamp cache).
func (e *RequestEngine) Validate(ctx context.Context, info RequestInfo) (decision.Record, error) {
	policy := e.authPolicy(nil)
	cacheKey := auth.CacheKey(info.UID, info.TTY.TTYPath, "")
	req, err := e.authGate.Decide(info.UID, info.TTY, policy, cacheKey)
	if err != nil {
		return e.emitter.Fail(ctx, err, false)
	}
	if req != auth.Required {
		return e.emitter.Allow(ctx, decision.AllowInput{})
	}
	if rejected, authErr := e.authGate.Authenticate(ctx, info.User, policy, info.TTY, cacheKey); authErr != nil {
		if rejected {
			return e.emitter.Deny(ctx, authErr.Error(), match.Citation{})
		}
		return e.emitter.Fail(ctx, authErr, false)
	}
	return e.emitter.Allow(ctx, decision.AllowInput{})
}

// ListEntry is one privilege line surfaced by List, with its citation so
// a caller can print the sourcing file:line.
type ListEntry struct {
	Citation string
	Allow    bool
}

// List implements spec.md §4.9's list() entry point: walk every opened
// source's user-specs for listUser (or the invoking user when listUser
// is empty) and report each command-spec's outcome and citation, without
// enforcing any of them.
func (e *RequestEngine) List(ctx context.Context, listUser string, invokingUser string) ([]ListEntry, error) {
	target := listUser
	if target == "" {
		target = invokingUser
	}
	var entries []ListEntry
	for _, tree := range e.sources.Trees() {
		for i := range tree.UserSpecs {
			us := &tree.UserSpecs[i]
			matched := false
			for _, m := range us.Users {
				if m.Matches(target, nil) {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
			for j := range us.Privileges {
				for k := range us.Privileges[j].Cmnds {
					cs := &us.Privileges[j].Cmnds[k]
					cite := match.Citation{File: us.File, Line: cs.Line, Column: cs.Column}
					entries = append(entries, ListEntry{Citation: cite.String(), Allow: cs.Allow})
				}
			}
		}
	}
	return entries, nil
}

// Cleanup releases every resource Init acquired, in reverse order, per
// spec.md §4.9's teardown requirement. It has no guard against a second
// call: that closes every rule source again and returns any error this
// produces; it does not panic.
func (e *RequestEngine) Cleanup() error {
	sourceErr := e.sources.Close()
	gateErr := e.gate.Close()
	if sourceErr != nil {
		return sourceErr
	}
	return gateErr
}
