package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a parsed semantic version. Prerelease and build suffixes are
// stripped before numeric comparison.
type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion parses "major.minor.patch", tolerating prerelease/build
// suffixes on the patch component ("2.0.0-rc.1", "1.2.3+build5").
func ParseVersion(raw string) (Version, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Version{}, false
	}
	if idx := strings.IndexAny(trimmed, "-+"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	parts := strings.Split(trimmed, ".")
	if len(parts) != 3 {
		return Version{}, false
	}
	nums := make([]int, 3)
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return Version{}, false
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, true
}

// CompareVersions returns -1, 0, or 1 for a<b, a==b, a>b. Non-parseable
// versions compare as strings for equality only: unequal strings both
// unparseable report 0 compared-ness is unusable, so callers that require a
// strictly greater version must treat the second return as authoritative —
// it is false when either side failed semver parsing and the strings differ.
func CompareVersions(a, b string) (int, bool) {
	va, okA := ParseVersion(a)
	vb, okB := ParseVersion(b)
	if !okA || !okB {
		if strings.TrimSpace(a) == strings.TrimSpace(b) {
			return 0, true
		}
		return 0, false
	}
	if va.Major != vb.Major {
		return sign(va.Major - vb.Major), true
	}
	if va.Minor != vb.Minor {
		return sign(va.Minor - vb.Minor), true
	}
	if va.Patch != vb.Patch {
		return sign(va.Patch - vb.Patch), true
	}
	return 0, true
}

// BumpMinor returns the next minor version ("1.2.0" -> "1.3.0"). Versions
// that do not parse as semver fall back to "1.1.0", matching the ingest
// pipeline's behaviour for odd version strings.
func BumpMinor(current string) string {
	v, ok := ParseVersion(current)
	if !ok {
		return "1.1.0"
	}
	return fmt.Sprintf("%d.%d.0", v.Major, v.Minor+1)
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}
