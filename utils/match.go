package utils

import "strings"

// MatchResource reports whether a resource id is covered by an assignment
// pattern. Patterns may be:
//   - "*", covering every resource
//   - an exact id ("doc:42")
//   - ids containing '*' wildcards, each matching any run of characters
//     ("doc:*", "tenant:*:invoice:*")
func MatchResource(value, pattern string) bool {
	if pattern == "*" || pattern == value {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	return matchPattern(value, pattern)
}

// IsPattern reports whether an assignment id needs pattern matching
func IsPattern(pattern string) bool {
	return strings.Contains(pattern, "*")
}

// matchPattern is a greedy glob match with backtracking on the last '*'
func matchPattern(value, pattern string) bool {
	vIndex, pIndex := 0, 0
	starP, starV := -1, 0
	vLen, pLen := len(value), len(pattern)

	for vIndex < vLen {
		switch {
		case pIndex < pLen && pattern[pIndex] == '*':
			starP, starV = pIndex, vIndex
			pIndex++
		case pIndex < pLen && pattern[pIndex] == value[vIndex]:
			vIndex++
			pIndex++
		case starP >= 0:
			// widen the last wildcard by one character
			starV++
			vIndex = starV
			pIndex = starP + 1
		default:
			return false
		}
	}
	for pIndex < pLen && pattern[pIndex] == '*' {
		pIndex++
	}
	return pIndex == pLen
}
