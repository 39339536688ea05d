package HIVERPC

import (
	"regexp"
	"strings"
)

var accountSegment = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$`)

// ValidAccountName applies the chain's account name rules: 3 to 16
// characters, dot separated segments of at least 3 characters, each starting
// with a letter and ending with a letter or digit.
func ValidAccountName(name string) bool {
	if len(name) < 3 || len(name) > 16 {
		return false
	}
	for _, seg := range strings.Split(name, ".") {
		if len(seg) < 3 || !accountSegment.MatchString(seg) {
			return false
		}
	}
	return true
}
