package rule

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ParseError locates a syntax error in a rule source, the shape
// [match.Lookup]'s citation (spec.md §3 MI) borrows for diagnostics.
type ParseError struct {
	File string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Msg)
}

// Parse reads a rule source in the simplified grammar named in the package
// doc comment. file is used only to stamp citations.
func Parse(r io.Reader, file string) (*Tree, error) {
	scanner := bufio.NewScanner(r)
	tree := &Tree{}

	lineNo := 0
	var pending strings.Builder
	pendingStart := 0

	flush := func(text string, startLine int) error {
		text = strings.TrimSpace(text)
		if text == "" || strings.HasPrefix(text, "#") {
			return nil
		}
		return parseLine(tree, text, file, startLine)
	}

	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		trimmed := strings.TrimRight(line, " \t")
		if pending.Len() == 0 {
			pendingStart = lineNo
		}
		if strings.HasSuffix(trimmed, "\\") {
			pending.WriteString(strings.TrimSuffix(trimmed, "\\"))
			pending.WriteByte(' ')
			continue
		}
		pending.WriteString(trimmed)
		if err := flush(pending.String(), pendingStart); err != nil {
			return nil, err
		}
		pending.Reset()
	}
	if pending.Len() > 0 {
		if err := flush(pending.String(), pendingStart); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return tree, nil
}

func parseLine(tree *Tree, text, file string, line int) error {
	switch {
	case strings.HasPrefix(text, "Defaults"):
		ds, err := parseDefaults(text, file, line)
		if err != nil {
			return err
		}
		tree.Defaults = append(tree.Defaults, ds...)
		return nil
	default:
		us, err := parseUserSpec(text, file, line)
		if err != nil {
			return err
		}
		tree.UserSpecs = append(tree.UserSpecs, *us)
		return nil
	}
}

// parseDefaults parses "Defaults[@host|:user|>runas|!cmnd] setting[,setting...]".
func parseDefaults(text, file string, line int) ([]Defaults, error) {
	rest := strings.TrimPrefix(text, "Defaults")
	scope := ScopeGeneric
	bound := ""

	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		var sep byte
		sep, rest = rest[0], rest[1:]
		end := strings.IndexAny(rest, " \t")
		if end < 0 {
			return nil, &ParseError{file, line, "Defaults: missing setting list"}
		}
		bound = rest[:end]
		rest = rest[end:]
		switch sep {
		case '@':
			scope = ScopeHost
		case ':':
			scope = ScopeUser
		case '>':
			scope = ScopeRunas
		case '!':
			scope = ScopeCommand
		default:
			return nil, &ParseError{file, line, fmt.Sprintf("Defaults: unknown scope separator %q", sep)}
		}
	}

	settings := splitList(rest)
	if len(settings) == 0 {
		return nil, &ParseError{file, line, "Defaults: no settings given"}
	}
	ds := make([]Defaults, 0, len(settings))
	for _, s := range settings {
		ds = append(ds, *settingToDefaults(s, scope, bound, file, line))
	}
	return ds, nil
}

func settingToDefaults(setting string, scope ScopeKind, bound, file string, line int) *Defaults {
	d := &Defaults{Scope: scope, Bound: bound, File: file, Line: line}
	switch {
	case strings.HasPrefix(setting, "!"):
		d.Name = setting[1:]
		d.Op = OpFalse
	case strings.Contains(setting, "+="):
		parts := strings.SplitN(setting, "+=", 2)
		d.Name, d.Value, d.Op = parts[0], unquote(parts[1]), OpAdd
	case strings.Contains(setting, "-="):
		parts := strings.SplitN(setting, "-=", 2)
		d.Name, d.Value, d.Op = parts[0], unquote(parts[1]), OpSubtract
	case strings.Contains(setting, "="):
		parts := strings.SplitN(setting, "=", 2)
		d.Name, d.Value, d.Op = parts[0], unquote(parts[1]), OpSet
	default:
		d.Name = setting
		d.Op = OpTrue
	}
	return d
}

// parseUserSpec parses "<userlist> <hostlist> = <privilege>[ : <privilege>...]".
func parseUserSpec(text, file string, line int) (*UserSpec, error) {
	eq := strings.Index(text, "=")
	if eq < 0 {
		return nil, &ParseError{file, line, "expected '=' separating user/host from privilege"}
	}
	head := strings.Fields(text[:eq])
	if len(head) < 2 {
		return nil, &ParseError{file, line, "expected <user-list> <host-list> before '='"}
	}
	users := parseMembers(splitList(head[0]))
	hosts := parseMembers(splitList(strings.Join(head[1:], ",")))

	priv, err := parsePrivilege(text[eq+1:], hosts, file, line)
	if err != nil {
		return nil, err
	}

	return &UserSpec{Users: users, Privileges: []Privilege{*priv}, File: file, Line: line}, nil
}

func parsePrivilege(text string, hosts []Member, file string, line int) (*Privilege, error) {
	text = strings.TrimSpace(text)

	var runAs RunAs
	if strings.HasPrefix(text, "(") {
		end := strings.Index(text, ")")
		if end < 0 {
			return nil, &ParseError{file, line, "unterminated runas list"}
		}
		inner := text[1:end]
		text = strings.TrimSpace(text[end+1:])
		if colon := strings.Index(inner, ":"); colon >= 0 {
			runAs.Users = parseMembers(splitList(inner[:colon]))
			runAs.Groups = parseMembers(splitList(inner[colon+1:]))
		} else {
			runAs.Users = parseMembers(splitList(inner))
		}
	}

	allow := true
	tags := map[Tag]bool{}
	for {
		word, rest, ok := cutFirstWord(text)
		if !ok {
			break
		}
		switch strings.TrimSuffix(word, ":") {
		case "NOPASSWD":
			tags[TagNoPasswd] = true
		case "PASSWD":
			tags[TagPasswd] = true
		case "SETENV":
			tags[TagSetenv] = true
		case "NOSETENV":
			tags[TagNoSetenv] = true
		case "LOG_INPUT":
			tags[TagLogInput] = true
		case "LOG_OUTPUT":
			tags[TagLogOutput] = true
		default:
			goto cmnds
		}
		if !strings.HasSuffix(word, ":") {
			// bare tag with no trailing colon is malformed, but sudoers
			// is forgiving; treat the rest as the command list start.
			text = rest
			goto cmnds
		}
		text = rest
	}
cmnds:
	cmndList := splitList(text)
	if len(cmndList) == 0 {
		return nil, &ParseError{file, line, "expected a command list"}
	}

	priv := &Privilege{Hosts: hosts}
	for _, raw := range cmndList {
		raw = strings.TrimSpace(raw)
		negated := strings.HasPrefix(raw, "!")
		if negated {
			raw = strings.TrimSpace(raw[1:])
		}
		name, args := splitCommand(raw)
		cs := CmndSpec{
			RunAs:   runAs,
			Command: Member{Name: name, All: name == "ALL", Negated: negated},
			Args:    args,
			Allow:   allow && !negated,
			Tags:    tags,
			Line:    line,
		}
		priv.Cmnds = append(priv.Cmnds, cs)
	}
	return priv, nil
}

func splitCommand(raw string) (name string, args []string) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return "", nil
	}
	if len(fields) == 1 {
		return fields[0], nil
	}
	return fields[0], fields[1:]
}

func parseMembers(toks []string) []Member {
	members := make([]Member, 0, len(toks))
	for _, t := range toks {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		m := Member{}
		if strings.HasPrefix(t, "!") {
			m.Negated = true
			t = t[1:]
		}
		if strings.HasPrefix(t, "%") {
			m.IsGroup = true
			t = t[1:]
		}
		if t == "ALL" {
			m.All = true
		} else {
			m.Name = t
		}
		members = append(members, m)
	}
	return members
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func cutFirstWord(s string) (word, rest string, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", false
	}
	idx := strings.IndexAny(s, " \t")
	if idx < 0 {
		return s, "", true
	}
	return s[:idx], s[idx+1:], true
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		if v, err := strconv.Unquote(s); err == nil {
			return v
		}
	}
	return s
}
