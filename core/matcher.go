package core

import "strings"

// DestinationMatcher decides whether a wildcard pattern matches a destination.
type DestinationMatcher interface {
	Match(pattern, destination string) bool
}

// DefaultMatcher splits destinations into levels on '.' and '/' and supports
// exact matching, single-level wildcard (*) and multi-level wildcard (#).
//
// Examples:
//
//	"dynamicTopics/eXistdb" matches "dynamicTopics/eXistdb"   (exact)
//	"dynamicTopics/*"       matches "dynamicTopics/eXistdb"   (single-level)
//	"dynamicTopics/*"       does NOT match "dynamicTopics/a/b"
//	"db.#"                  matches "db.apps.updates"         (multi-level)
type DefaultMatcher struct{}

func (DefaultMatcher) Match(pattern, destination string) bool {
	return matchFrom(levels(pattern), 0, levels(destination), 0)
}

func levels(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == '.' || r == '/' })
}

func matchFrom(pat []string, pi int, dst []string, di int) bool {
	for pi < len(pat) {
		switch pat[pi] {
		case "#":
			if pi == len(pat)-1 {
				return di < len(dst) || len(pat) == 1
			}
			for k := di; k <= len(dst); k++ {
				if matchFrom(pat, pi+1, dst, k) {
					return true
				}
			}
			return false
		case "*":
			if di >= len(dst) {
				return false
			}
		default:
			if di >= len(dst) || pat[pi] != dst[di] {
				return false
			}
		}
		pi++
		di++
	}
	return di == len(dst)
}
