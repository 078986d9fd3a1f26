// Command sudoctl-explain is a reference CLI that runs one request
// through the policy orchestrator and renders the resulting decision
// record: a PERMIT/DENY banner, the citation that produced it, and the
// cited rule-source line with syntax highlighting. It never prompts for
// a password — authentication is treated as already satisfied, since
// this tool exists to explain a decision, not to execute one.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/pflag"

	"sudoctl.dev/sudoctl/auth"
	"sudoctl.dev/sudoctl/decision"
	"sudoctl.dev/sudoctl/identity"
	"sudoctl.dev/sudoctl/orchestrator"
	"sudoctl.dev/sudoctl/priv"
	"sudoctl.dev/sudoctl/resolve"
	"sudoctl.dev/sudoctl/rulesource"
	"sudoctl.dev/sudoctl/rulesource/file"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "sudoctl-explain: %v\n", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	flagSet := pflag.NewFlagSet("sudoctl-explain", pflag.ContinueOnError)
	var sudoersPaths []string
	var runasUser, runasGroup, invokingUser string
	var closeFrom int
	flagSet.StringArrayVarP(&sudoersPaths, "sudoers", "f", nil, "sudoers-style rule source file (repeatable)")
	flagSet.StringVarP(&runasUser, "user", "u", "root", "runas user")
	flagSet.StringVarP(&runasGroup, "group", "g", "", "runas group")
	flagSet.StringVarP(&invokingUser, "as", "U", "", "invoking user (defaults to the current user)")
	flagSet.IntVarP(&closeFrom, "close-from", "C", -1, "requested closefrom fd, -1 for unset")
	if err := flagSet.Parse(argv); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if len(sudoersPaths) == 0 {
		return fmt.Errorf("at least one -f/--sudoers rule source is required")
	}
	command := flagSet.Args()
	if len(command) == 0 {
		return fmt.Errorf("a command to explain is required after flags")
	}

	if invokingUser == "" {
		u, err := identity.OS{}.LookupUserID(os.Getuid())
		if err != nil {
			return fmt.Errorf("resolve invoking user: %w", err)
		}
		invokingUser = u.Name
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	var sources []rulesource.Source
	for _, p := range sudoersPaths {
		sources = append(sources, file.New(p))
	}

	engine, err := orchestrator.Init(context.Background(), orchestrator.Collaborators{
		PrivSyscalls:    priv.UnixSyscalls{},
		ResolveSyscalls: resolve.UnixSyscalls{},
		IdentitySource:  identity.OS{},
		Sources:         sources,
		TimestampCache:  alwaysValidTimestampCache{},
		Hostname:        hostname,
	}, nil)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer engine.Cleanup()

	outcome, checkErr := engine.Check(context.Background(), orchestrator.RequestInfo{
		UID:               os.Getuid(),
		User:              invokingUser,
		TTY:               auth.TTYInfo{},
		RunasUserSpec:     runasUser,
		RunasGroupSpec:    runasGroup,
		Argv:              command,
		CloseFromOverride: closeFrom,
		Now:               time.Now(),
	})

	renderOutcome(outcome.Record, sudoersPaths)
	if checkErr != nil && outcome.Record.Reason == "" {
		return checkErr
	}
	return nil
}

type alwaysValidTimestampCache struct{}

func (alwaysValidTimestampCache) Valid(key string, timeout time.Duration) (bool, error) {
	return true, nil
}

func (alwaysValidTimestampCache) Refresh(key string) error { return nil }

var (
	permitStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10")).
			Background(lipgloss.Color("0")).Padding(0, 1)
	denyStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("1")).Padding(0, 1)
	dimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// renderOutcome prints the decision banner, the citation, and the cited
// rule-source line highlighted by chroma (the INI lexer, the closest
// chroma ships to sudoers' own key-value grammar).
func renderOutcome(rec decision.Record, sudoersPaths []string) {
	switch rec.Outcome {
	case decision.Allow:
		fmt.Println(permitStyle.Render("PERMIT"))
		fmt.Printf("  command: %s\n", strings.Join(rec.Argv, " "))
		fmt.Printf("  umask:   %04o\n", rec.Umask)
		if rec.IologPath != "" {
			fmt.Printf("  iolog:   %s\n", rec.IologPath)
		}
	case decision.Deny:
		fmt.Println(denyStyle.Render("DENY"))
		fmt.Printf("  reason:  %s\n", rec.Reason)
	default:
		fmt.Println(denyStyle.Render(strings.ToUpper(rec.Outcome.String())))
		fmt.Printf("  reason:  %s\n", rec.Reason)
	}

	fmt.Println(dimStyle.Render("  event:    " + rec.ID))
	fmt.Println(dimStyle.Render("  citation: " + rec.Citation))

	if line := citedSourceLine(rec.Citation); line != "" {
		var buf strings.Builder
		if err := quick.Highlight(&buf, line, "ini", "terminal256", "monokai"); err == nil {
			fmt.Println("  " + strings.TrimRight(buf.String(), "\n"))
		} else {
			fmt.Println("  " + line)
		}
	}
}

// citedSourceLine re-reads the cited file:line and returns its raw text,
// best-effort: a missing file or out-of-range line yields "".
func citedSourceLine(citation string) string {
	file, lineNo := splitCitation(citation)
	if file == "" || lineNo <= 0 {
		return ""
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return ""
	}
	lines := strings.Split(string(data), "\n")
	if lineNo > len(lines) {
		return ""
	}
	return lines[lineNo-1]
}

func splitCitation(citation string) (string, int) {
	parts := strings.Split(citation, ":")
	if len(parts) < 2 {
		return "", 0
	}
	var lineNo int
	if _, err := fmt.Sscanf(parts[1], "%d", &lineNo); err != nil {
		return "", 0
	}
	return parts[0], lineNo
}
