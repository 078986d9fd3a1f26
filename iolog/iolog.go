// Package iolog implements the I/O-log Path Expander (C11 in
// SPEC_FULL.md): dir/file template expansion with time and identity
// escapes (spec.md §4.11), plus a compressed session manifest for the
// SUPPLEMENTED "I/O-log session manifest" feature, written with
// github.com/klauspost/compress the way a log-shipping component would
// rather than hand-rolling compress/gzip.
package iolog

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"sudoctl.dev/sudoctl/internal/errs"
)

// Escapes is everything a template may reference.
type Escapes struct {
	User    string
	Host    string
	Command string
	Runas   string
	Now     time.Time
	// Seq is filled in by the caller for the %{seq} escape (a monotonic
	// per-host sequence number sudo's own iolog uses to avoid collisions).
	Seq int
}

// Expand replaces %{name} escapes in template. An unknown escape is an
// error rather than passed through, so a typo in iolog_dir/iolog_file
// fails loudly rather than producing a confusing path.
func Expand(template string, esc Escapes) (string, error) {
	var b strings.Builder
	i := 0
	for i < len(template) {
		if template[i] != '%' || i+1 >= len(template) || template[i+1] != '{' {
			b.WriteByte(template[i])
			i++
			continue
		}
		end := strings.IndexByte(template[i+2:], '}')
		if end < 0 {
			return "", &errs.ResourceError{Reason: fmt.Sprintf("iolog template %q: unterminated escape", template)}
		}
		name := template[i+2 : i+2+end]
		value, err := resolveEscape(name, esc)
		if err != nil {
			return "", err
		}
		b.WriteString(value)
		i += 2 + end + 1
	}
	return b.String(), nil
}

func resolveEscape(name string, esc Escapes) (string, error) {
	switch name {
	case "user":
		return esc.User, nil
	case "host":
		return esc.Host, nil
	case "command":
		return esc.Command, nil
	case "runas":
		return esc.Runas, nil
	case "seq":
		return strconv.Itoa(esc.Seq), nil
	case "year":
		return esc.Now.Format("2006"), nil
	case "month":
		return esc.Now.Format("01"), nil
	case "day":
		return esc.Now.Format("02"), nil
	case "hour":
		return esc.Now.Format("15"), nil
	case "minute":
		return esc.Now.Format("04"), nil
	case "second":
		return esc.Now.Format("05"), nil
	case "epoch":
		return strconv.FormatInt(esc.Now.Unix(), 10), nil
	default:
		return "", &errs.ResourceError{Reason: fmt.Sprintf("iolog template: unknown escape %q", name)}
	}
}

// Path expands dirTemplate and fileTemplate and joins them into the final
// iolog_path, per spec.md §4.11: "Produce iolog_path=<dir>/<file>". If
// expansion fails and ignoreErrors is true, Path returns ("", nil) so the
// caller can disable I/O logging cleanly rather than fail the request
// (spec.md §4.10: "disabled cleanly if expansion fails and
// ignore_iolog_errors is set").
func Path(dirTemplate, fileTemplate string, esc Escapes, ignoreErrors bool) (string, error) {
	dir, err := Expand(dirTemplate, esc)
	if err != nil {
		if ignoreErrors {
			return "", nil
		}
		return "", err
	}
	file, err := Expand(fileTemplate, esc)
	if err != nil {
		if ignoreErrors {
			return "", nil
		}
		return "", err
	}
	return dir + "/" + file, nil
}
