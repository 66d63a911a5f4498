package hivesim

import (
	"regexp"
	"strings"
)

// TestMatcher selects suites and tests by name. It is created from a selection pattern of
// the form "suite/test", where both parts are regular expressions.
type TestMatcher struct {
	SuitePattern string
	TestPattern  string
	Pattern      string

	suite *regexp.Regexp
	test  *regexp.Regexp
}

// ParseTestPattern parses a selection pattern. The pattern is split on the first
// top-level '/'. Slashes inside brackets or parentheses, or escaped by a backslash,
// do not split it.
func ParseTestPattern(p string) (m TestMatcher, err error) {
	parts := splitRegexp(p)
	m.SuitePattern = parts[0]
	m.suite, err = regexp.Compile(m.SuitePattern)
	if err != nil {
		return m, err
	}
	if len(parts) > 1 {
		m.TestPattern = strings.Join(parts[1:], "/")
		if m.TestPattern != "" {
			m.test, err = regexp.Compile(m.TestPattern)
			if err != nil {
				return m, err
			}
		}
	}
	m.Pattern = p
	return m, nil
}

// Match checks whether the pattern matches suite and test name.
// An empty test name only checks the suite part.
func (m *TestMatcher) Match(suite, test string) bool {
	if m.suite != nil && !m.suite.MatchString(suite) {
		return false
	}
	if test != "" && m.test != nil && !m.test.MatchString(test) {
		return false
	}
	return true
}

// splitRegexp splits the expression s into /-separated parts.
//
// This is borrowed from package testing.
func splitRegexp(s string) []string {
	a := make([]string, 0, strings.Count(s, "/"))
	cs := 0
	cp := 0
	for i := 0; i < len(s); {
		switch s[i] {
		case '[':
			cs++
		case ']':
			if cs--; cs < 0 { // An unmatched ']' is legal.
				cs = 0
			}
		case '(':
			if cs == 0 {
				cp++
			}
		case ')':
			if cs == 0 {
				cp--
			}
		case '\\':
			i++
		case '/':
			if cs == 0 && cp == 0 {
				a = append(a, s[:i])
				s = s[i+1:]
				i = 0
				continue
			}
		}
		i++
	}
	return append(a, s)
}
