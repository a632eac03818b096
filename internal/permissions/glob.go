package permissions

import (
	"path"
	"strings"
)

// matchGlob matches a slash-delimited name against a slash-delimited
// pattern. Within a path segment, pattern syntax follows stdlib path.Match
// (`*`, `?`, character classes); `*` does not cross a `/` boundary. A `**`
// segment matches zero or more whole path segments, crossing `/` freely.
func matchGlob(pattern, name string) bool {
	if pattern == "" {
		return name == ""
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchSegments(p, n []string) bool {
	if len(p) == 0 {
		return len(n) == 0
	}

	if p[0] == "**" {
		if len(p) == 1 {
			return true
		}
		for i := 0; i <= len(n); i++ {
			if matchSegments(p[1:], n[i:]) {
				return true
			}
		}
		return false
	}

	if len(n) == 0 {
		return false
	}
	ok, err := path.Match(p[0], n[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(p[1:], n[1:])
}
