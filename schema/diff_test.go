package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tessera/models"
)

func objectSchema(props map[string]any, required ...string) map[string]any {
	req := make([]any, 0, len(required))
	for _, r := range required {
		req = append(req, r)
	}
	return map[string]any{"type": "object", "properties": props, "required": req}
}

func kinds(changes []BreakingChange) []ChangeKind {
	out := make([]ChangeKind, 0, len(changes))
	for _, c := range changes {
		out = append(out, c.Kind)
	}
	return out
}

func TestDiffReflexive(t *testing.T) {
	doc := objectSchema(map[string]any{
		"id":    map[string]any{"type": "integer"},
		"total": map[string]any{"type": "number"},
	}, "id")
	result := Diff(doc, doc)
	assert.Empty(t, result.Changes)
	assert.Equal(t, ChangePatch, result.ChangeType)
}

func TestDiffPropertyAddedRemovedAsymmetry(t *testing.T) {
	old := objectSchema(map[string]any{"id": map[string]any{"type": "integer"}})
	new := objectSchema(map[string]any{
		"id":    map[string]any{"type": "integer"},
		"email": map[string]any{"type": "string"},
	})

	forward := Diff(old, new)
	require.Len(t, forward.Changes, 1)
	assert.Equal(t, PropertyAdded, forward.Changes[0].Kind)
	assert.Equal(t, "properties.email", forward.Changes[0].Path)
	assert.Equal(t, ChangeMinor, forward.ChangeType)

	backward := Diff(new, old)
	require.Len(t, backward.Changes, 1)
	assert.Equal(t, PropertyRemoved, backward.Changes[0].Kind)
	assert.Equal(t, "properties.email", backward.Changes[0].Path)
	assert.Equal(t, ChangeMajor, backward.ChangeType)
}

func TestDiffTypeWideningAndNarrowing(t *testing.T) {
	intDoc := objectSchema(map[string]any{"v": map[string]any{"type": "integer"}})
	numDoc := objectSchema(map[string]any{"v": map[string]any{"type": "number"}})
	strDoc := objectSchema(map[string]any{"v": map[string]any{"type": "string"}})

	widened := Diff(intDoc, numDoc)
	require.Len(t, widened.Changes, 1)
	assert.Equal(t, TypeWidened, widened.Changes[0].Kind)

	narrowed := Diff(numDoc, intDoc)
	require.Len(t, narrowed.Changes, 1)
	assert.Equal(t, TypeNarrowed, narrowed.Changes[0].Kind)

	changed := Diff(intDoc, strDoc)
	require.Len(t, changed.Changes, 1)
	assert.Equal(t, TypeChanged, changed.Changes[0].Kind)
	assert.Equal(t, "properties.v.type", changed.Changes[0].Path)
}

func TestDiffRequired(t *testing.T) {
	old := objectSchema(map[string]any{"id": map[string]any{"type": "integer"}})
	new := objectSchema(map[string]any{"id": map[string]any{"type": "integer"}}, "id")

	added := Diff(old, new)
	require.Len(t, added.Changes, 1)
	assert.Equal(t, RequiredAdded, added.Changes[0].Kind)
	assert.Equal(t, ChangeMajor, added.ChangeType)

	removed := Diff(new, old)
	require.Len(t, removed.Changes, 1)
	assert.Equal(t, RequiredRemoved, removed.Changes[0].Kind)
}

func TestDiffConstraints(t *testing.T) {
	base := func(extra map[string]any) map[string]any {
		prop := map[string]any{"type": "string"}
		for k, v := range extra {
			prop[k] = v
		}
		return objectSchema(map[string]any{"v": prop})
	}

	// maxLength increase relaxes, decrease tightens.
	relaxed := Diff(base(map[string]any{"maxLength": float64(10)}), base(map[string]any{"maxLength": float64(20)}))
	require.Len(t, relaxed.Changes, 1)
	assert.Equal(t, ConstraintRelaxed, relaxed.Changes[0].Kind)

	tightened := Diff(base(map[string]any{"maxLength": float64(20)}), base(map[string]any{"maxLength": float64(10)}))
	require.Len(t, tightened.Changes, 1)
	assert.Equal(t, ConstraintTightened, tightened.Changes[0].Kind)

	// minimum decrease relaxes.
	minRelaxed := Diff(base(map[string]any{"minimum": float64(5)}), base(map[string]any{"minimum": float64(1)}))
	require.Len(t, minRelaxed.Changes, 1)
	assert.Equal(t, ConstraintRelaxed, minRelaxed.Changes[0].Kind)

	// Removing a constraint relaxes; adding tightens.
	removedC := Diff(base(map[string]any{"maxLength": float64(10)}), base(nil))
	require.Len(t, removedC.Changes, 1)
	assert.Equal(t, ConstraintRelaxed, removedC.Changes[0].Kind)

	addedC := Diff(base(nil), base(map[string]any{"minLength": float64(2)}))
	require.Len(t, addedC.Changes, 1)
	assert.Equal(t, ConstraintTightened, addedC.Changes[0].Kind)

	// Pattern changes are always conservative.
	pattern := Diff(base(map[string]any{"pattern": "^a"}), base(map[string]any{"pattern": "^b"}))
	require.Len(t, pattern.Changes, 1)
	assert.Equal(t, ConstraintTightened, pattern.Changes[0].Kind)
}

func TestDiffEnum(t *testing.T) {
	old := objectSchema(map[string]any{"v": map[string]any{"type": "string", "enum": []any{"a", "b"}}})
	new := objectSchema(map[string]any{"v": map[string]any{"type": "string", "enum": []any{"a", "c"}}})
	result := Diff(old, new)
	assert.ElementsMatch(t, []ChangeKind{EnumValuesAdded, EnumValuesRemoved}, kinds(result.Changes))
	assert.Equal(t, ChangeMajor, result.ChangeType)
}

func TestDiffDefaultThreeWay(t *testing.T) {
	with := func(def any, present bool) map[string]any {
		prop := map[string]any{"type": "string"}
		if present {
			prop["default"] = def
		}
		return objectSchema(map[string]any{"v": prop})
	}

	added := Diff(with(nil, false), with("x", true))
	require.Len(t, added.Changes, 1)
	assert.Equal(t, DefaultAdded, added.Changes[0].Kind)

	removed := Diff(with("x", true), with(nil, false))
	require.Len(t, removed.Changes, 1)
	assert.Equal(t, DefaultRemoved, removed.Changes[0].Kind)

	changed := Diff(with("x", true), with("y", true))
	require.Len(t, changed.Changes, 1)
	assert.Equal(t, DefaultChanged, changed.Changes[0].Kind)
}

func TestDiffNullable(t *testing.T) {
	plain := objectSchema(map[string]any{"v": map[string]any{"type": "string"}})
	nullable := objectSchema(map[string]any{"v": map[string]any{"type": "string", "nullable": true}})

	added := Diff(plain, nullable)
	require.Len(t, added.Changes, 1)
	assert.Equal(t, NullableAdded, added.Changes[0].Kind)

	removed := Diff(nullable, plain)
	require.Len(t, removed.Changes, 1)
	assert.Equal(t, NullableRemoved, removed.Changes[0].Kind)
}

func TestDiffArrayItemsRecursion(t *testing.T) {
	old := objectSchema(map[string]any{
		"tags": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	})
	new := objectSchema(map[string]any{
		"tags": map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
	})
	result := Diff(old, new)
	require.Len(t, result.Changes, 1)
	assert.Equal(t, TypeChanged, result.Changes[0].Kind)
	assert.Equal(t, "properties.tags.items.type", result.Changes[0].Path)
}

func TestCompatibilityModes(t *testing.T) {
	old := objectSchema(map[string]any{"id": map[string]any{"type": "integer"}})
	added := objectSchema(map[string]any{
		"id":  map[string]any{"type": "integer"},
		"new": map[string]any{"type": "string"},
	})

	// Pure additions are compatible under backward.
	compatible, breaking := CheckCompatibility(old, added, models.CompatBackward)
	assert.True(t, compatible)
	assert.Empty(t, breaking)

	// But break forward compatibility.
	compatible, breaking = CheckCompatibility(old, added, models.CompatForward)
	assert.False(t, compatible)
	require.Len(t, breaking, 1)
	assert.Equal(t, PropertyAdded, breaking[0].Kind)

	// Full is the union of both.
	compatible, _ = CheckCompatibility(old, added, models.CompatFull)
	assert.False(t, compatible)

	// None never breaks.
	removedAll := objectSchema(map[string]any{})
	compatible, breaking = CheckCompatibility(old, removedAll, models.CompatNone)
	assert.True(t, compatible)
	assert.Empty(t, breaking)
}

func TestValidateDocument(t *testing.T) {
	assert.Empty(t, ValidateDocument(objectSchema(map[string]any{"id": map[string]any{"type": "integer"}}, "id")))
	assert.NotEmpty(t, ValidateDocument(nil))
	assert.NotEmpty(t, ValidateDocument(map[string]any{"type": "tuple"}))
	assert.NotEmpty(t, ValidateDocument(map[string]any{"type": "object", "properties": "nope"}))
	assert.NotEmpty(t, ValidateDocument(map[string]any{"type": "object", "required": []any{1}}))
}
