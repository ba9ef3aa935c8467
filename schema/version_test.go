package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseVersion(t *testing.T) {
	v, ok := ParseVersion("1.2.3")
	assert.True(t, ok)
	assert.Equal(t, Version{Major: 1, Minor: 2, Patch: 3}, v)

	v, ok = ParseVersion("2.0.0-rc.1")
	assert.True(t, ok)
	assert.Equal(t, Version{Major: 2}, v)

	v, ok = ParseVersion("1.4.7+build5")
	assert.True(t, ok)
	assert.Equal(t, Version{Major: 1, Minor: 4, Patch: 7}, v)

	for _, raw := range []string{"", "1.2", "a.b.c", "1.-2.0", "v1"} {
		_, ok := ParseVersion(raw)
		assert.False(t, ok, raw)
	}
}

func TestCompareVersions(t *testing.T) {
	cmp, ok := CompareVersions("1.1.0", "1.0.0")
	assert.True(t, ok)
	assert.Equal(t, 1, cmp)

	cmp, ok = CompareVersions("1.0.0", "1.0.0")
	assert.True(t, ok)
	assert.Equal(t, 0, cmp)

	cmp, ok = CompareVersions("2.0.0-alpha", "2.0.0")
	assert.True(t, ok)
	assert.Equal(t, 0, cmp)

	// Non-semver compares as equal strings only.
	cmp, ok = CompareVersions("abc", "abc")
	assert.True(t, ok)
	assert.Equal(t, 0, cmp)

	_, ok = CompareVersions("abc", "def")
	assert.False(t, ok)
}

func TestBumpMinor(t *testing.T) {
	assert.Equal(t, "1.3.0", BumpMinor("1.2.0"))
	assert.Equal(t, "1.3.0", BumpMinor("1.2.9"))
	assert.Equal(t, "2.1.0", BumpMinor("2.0.0"))
	assert.Equal(t, "1.1.0", BumpMinor("weird"))
}
