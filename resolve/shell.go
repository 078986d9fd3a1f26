package resolve

import "strings"

// ShapeLoginShell rewrites argv[0] to begin with "-" so the shell enters
// login mode, per spec.md §4.5: "when the mode requests a login shell,
// argv[0] is rewritten to begin with - (e.g. -bash)". argv is not mutated.
func ShapeLoginShell(argv []string) []string {
	if len(argv) == 0 || strings.HasPrefix(argv[0], "-") {
		return argv
	}
	out := append([]string{}, argv...)
	out[0] = "-" + out[0]
	return out
}

// InsertBashLoginFlag inserts "--login" between a "-bash" argv[0] and a
// following "-c", per spec.md §4.5: "when the target shell is exactly
// -bash followed by -c, the argument vector is reshaped to insert --login
// between them". argv is returned unchanged if the pattern doesn't match.
func InsertBashLoginFlag(argv []string) []string {
	if len(argv) < 2 || argv[0] != "-bash" || argv[1] != "-c" {
		return argv
	}
	out := make([]string, 0, len(argv)+1)
	out = append(out, argv[0], "--login")
	out = append(out, argv[1:]...)
	return out
}

// metaEscapes are the characters the front end may have escaped in a
// shell -c argument before shipping it across the wire boundary.
var metaEscapes = map[byte]byte{
	'\\': '\\', '\'': '\'', '"': '"', '$': '$', '`': '`', '!': '!',
	'&': '&', '|': '|', ';': ';', '<': '<', '>': '>', '(': '(', ')': ')',
	'{': '{', '}': '}', '[': '[', ']': ']', '*': '*', '?': '?', '~': '~',
	' ': ' ', '\t': '\t', '\n': '\n',
}

// UnescapeForMatching reverses the front end's backslash-escaping of shell
// metacharacters, for matching and logging only; the original (escaped)
// argv is what actually gets exec'd (spec.md §4.5: "meta-escape characters
// the front-end introduced are reversed for matching and logging only;
// the original argv is preserved for exec").
func UnescapeForMatching(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			if unescaped, ok := metaEscapes[s[i+1]]; ok {
				b.WriteByte(unescaped)
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
