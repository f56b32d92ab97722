package board

import (
	"path/filepath"
	"strings"
)

// PathsOverlap reports whether any path pattern from a overlaps with any
// pattern from b. Used by the scheduler to demote candidates whose declared
// file artifacts collide with in-progress work.
func PathsOverlap(a, b []string) bool {
	for _, pa := range a {
		for _, pb := range b {
			if patternsOverlap(pa, pb) {
				return true
			}
		}
	}
	return false
}

// patternsOverlap checks if two glob patterns could match the same files.
// Conservative: may return true even if the patterns never actually overlap.
func patternsOverlap(a, b string) bool {
	a = filepath.Clean(a)
	b = filepath.Clean(b)

	if a == b {
		return true
	}
	if isParentPath(a, b) || isParentPath(b, a) {
		return true
	}

	aParts := strings.Split(a, string(filepath.Separator))
	bParts := strings.Split(b, string(filepath.Separator))
	minLen := len(aParts)
	if len(bParts) < minLen {
		minLen = len(bParts)
	}
	common := 0
	for i := 0; i < minLen; i++ {
		if aParts[i] == bParts[i] || aParts[i] == "*" || bParts[i] == "*" ||
			aParts[i] == "**" || bParts[i] == "**" {
			common++
		} else {
			break
		}
	}
	// Matching every component of the shorter pattern means possible overlap.
	if common == minLen {
		return true
	}

	if strings.Contains(a, "**") || strings.Contains(b, "**") {
		aDir := firstConcreteDir(a)
		bDir := firstConcreteDir(b)
		if aDir != "" && bDir != "" &&
			(aDir == bDir || strings.HasPrefix(aDir, bDir) || strings.HasPrefix(bDir, aDir)) {
			return true
		}
	}
	return false
}

func isParentPath(parent, child string) bool {
	parent = strings.TrimSuffix(parent, "/*")
	parent = strings.TrimSuffix(parent, "/**")
	child = strings.TrimSuffix(child, "/*")
	child = strings.TrimSuffix(child, "/**")
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

func firstConcreteDir(pattern string) string {
	for _, part := range strings.Split(pattern, string(filepath.Separator)) {
		if !strings.Contains(part, "*") {
			return part
		}
	}
	return ""
}
