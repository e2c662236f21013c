package netwatch

import (
	"regexp"
	"strings"
	"sync"
)

var globCache sync.Map // pattern -> *regexp.Regexp

// MatchGlob reports whether s matches a URL glob. "**" matches any run of
// characters including "/", "*" matches any run without "/", and "?" matches
// exactly one non-"/" character. Everything else is literal. A glob must
// match the whole string.
func MatchGlob(pattern, s string) bool {
	return compileGlob(pattern).MatchString(s)
}

func compileGlob(pattern string) *regexp.Regexp {
	if cached, ok := globCache.Load(pattern); ok {
		return cached.(*regexp.Regexp)
	}
	re := regexp.MustCompile(globToRegexp(pattern))
	globCache.Store(pattern, re)
	return re
}

func globToRegexp(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				b.WriteString(".*")
				i++
				for i+1 < len(pattern) && pattern[i+1] == '*' {
					i++
				}
				continue
			}
			b.WriteString("[^/]*")
		case '?':
			b.WriteString("[^/]")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return b.String()
}
