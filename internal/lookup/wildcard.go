package lookup

import (
	"regexp"
	"strings"
)

// WildcardToRegexp converts a DICOM wildcard pattern to a regular
// expression: `*` becomes `.*`, `?` becomes `.`, every other regex
// metacharacter is escaped.
func WildcardToRegexp(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return b.String()
}

// HasWildcard reports whether the pattern needs regexp matching rather than
// an index equality lookup.
func HasWildcard(pattern string) bool {
	return strings.ContainsAny(pattern, "*?")
}

// Matcher is a compiled, case-insensitive, anchored wildcard predicate.
type Matcher struct {
	universal bool
	re        *regexp.Regexp
}

// NewMatcher compiles a wildcard pattern. The empty pattern and the lone
// `*` match everything, including absent values.
func NewMatcher(pattern string) (*Matcher, error) {
	if pattern == "" || pattern == "*" {
		return &Matcher{universal: true}, nil
	}
	re, err := regexp.Compile("(?i)^" + WildcardToRegexp(pattern) + "$")
	if err != nil {
		return nil, err
	}
	return &Matcher{re: re}, nil
}

// Match evaluates the predicate against a value; absent values match as the
// empty string.
func (m *Matcher) Match(value string) bool {
	if m.universal {
		return true
	}
	return m.re.MatchString(value)
}
