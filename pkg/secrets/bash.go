package secrets

import (
	"regexp"
	"strings"
)

// varPattern matches $VAR and ${...} occurrences.
var varPattern = regexp.MustCompile(`\$\{[^}]*\}|\$[A-Za-z_][A-Za-z0-9_]*`)

// maxSubstitutionPasses bounds the fixed-point loop so self-referencing
// values cannot spin forever.
const maxSubstitutionPasses = 10

// Lookup resolves a variable name to its value. ok=false means unset.
type Lookup func(name string) (value string, ok bool)

// Substitute applies bash-style parameter expansion to s until the
// result is stable. Unknown plain variables stay untouched; the error
// operators surface an inline "ERROR: ..." string instead of failing.
func Substitute(s string, lookup Lookup) string {
	for range maxSubstitutionPasses {
		next := substituteOnce(s, lookup)
		if next == s {
			return next
		}
		s = next
	}
	return s
}

func substituteOnce(s string, lookup Lookup) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		if strings.HasPrefix(match, "${") {
			return expandBraced(match[2:len(match)-1], match, lookup)
		}
		if value, ok := lookup(match[1:]); ok {
			return value
		}
		return match
	})
}

// expandBraced handles the ${VAR<op><word>} forms. original is returned
// for plain ${VAR} when the variable is unset.
func expandBraced(expr, original string, lookup Lookup) string {
	name, op, word := splitExpansion(expr)
	value, set := lookup(name)

	switch op {
	case "":
		if set {
			return value
		}
		return original
	case ":-":
		if set && value != "" {
			return value
		}
		return word
	case "-":
		if set {
			return value
		}
		return word
	case ":?":
		if set && value != "" {
			return value
		}
		return "ERROR: " + word
	case "?":
		if set {
			return value
		}
		return "ERROR: " + word
	case ":+":
		if set && value != "" {
			return word
		}
		return ""
	case "+":
		if set {
			return word
		}
		return ""
	default:
		return original
	}
}

// splitExpansion separates "${" expr "}" content into name, operator and
// word. The two-character operators are matched before their
// single-character forms.
func splitExpansion(expr string) (name, op, word string) {
	for i := 0; i < len(expr); i++ {
		switch expr[i] {
		case ':':
			if i+1 < len(expr) {
				return expr[:i], expr[i : i+2], expr[i+2:]
			}
			return expr, "", ""
		case '-', '?', '+':
			return expr[:i], expr[i : i+1], expr[i+1:]
		}
	}
	return expr, "", ""
}

// ExtractEnvVars returns every $VAR and ${...} occurrence in s verbatim,
// in order of appearance. Used for diagnostics.
func ExtractEnvVars(s string) []string {
	return varPattern.FindAllString(s, -1)
}
