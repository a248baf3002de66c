package subprocess

import (
	"regexp"
	"sort"
	"strings"
)

var (
	needsQuoting  = regexp.MustCompile(`[\s"]`)
	quoteEscaping = regexp.MustCompile(`(\\*)("|$)`)
)

// QuoteArg quotes a single command-line argument using the Windows
// argument-splitting rules: a run of backslashes immediately before a
// quote, or before the end of the string, is doubled, and the quote itself
// is escaped. Arguments without whitespace or quotes are returned as is,
// except the empty string, which becomes "" so that it is not lost.
func QuoteArg(arg string) string {
	if arg == "" {
		return `""`
	}
	if !needsQuoting.MatchString(arg) {
		return arg
	}

	escaped := quoteEscaping.ReplaceAllStringFunc(arg, func(m string) string {
		slashes := strings.TrimRight(m, `"`)
		quote := m[len(slashes):]
		if quote != "" {
			quote = `\"`
		}
		return slashes + slashes + quote
	})

	return `"` + escaped + `"`
}

// CommandLine joins argv into a single command-line string, quoting each
// element with QuoteArg.
func CommandLine(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = QuoteArg(arg)
	}
	return strings.Join(quoted, " ")
}

// StringList builds a NUL-separated, double-NUL-terminated string table.
// Empty strings are dropped since they would end the table early.
func StringList(strs []string) string {
	var sb strings.Builder
	for _, s := range strs {
		if s == "" {
			continue
		}
		sb.WriteString(s)
		sb.WriteByte(0)
	}
	sb.WriteByte(0)
	if sb.Len() == 1 {
		sb.WriteByte(0)
	}
	return sb.String()
}

// envList renders an environment mapping as sorted KEY=VALUE entries.
func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		if k == "" {
			continue
		}
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}
