package schema

import (
	"encoding/json"
	"fmt"
	"sort"

	"tessera/models"
)

// ChangeKind identifies a single category of schema change.
type ChangeKind string

// All change kinds emitted by the differ.
const (
	PropertyAdded       ChangeKind = "property_added"
	PropertyRemoved     ChangeKind = "property_removed"
	PropertyRenamed     ChangeKind = "property_renamed" // reserved for heuristic detectors
	TypeChanged         ChangeKind = "type_changed"
	TypeWidened         ChangeKind = "type_widened"
	TypeNarrowed        ChangeKind = "type_narrowed"
	RequiredAdded       ChangeKind = "required_added"
	RequiredRemoved     ChangeKind = "required_removed"
	EnumValuesAdded     ChangeKind = "enum_values_added"
	EnumValuesRemoved   ChangeKind = "enum_values_removed"
	ConstraintTightened ChangeKind = "constraint_tightened"
	ConstraintRelaxed   ChangeKind = "constraint_relaxed"
	DefaultAdded        ChangeKind = "default_added"
	DefaultRemoved      ChangeKind = "default_removed"
	DefaultChanged      ChangeKind = "default_changed"
	NullableAdded       ChangeKind = "nullable_added"
	NullableRemoved     ChangeKind = "nullable_removed"
)

// Overall classifications for a diff.
const (
	ChangePatch = "patch"
	ChangeMinor = "minor"
	ChangeMajor = "major"
)

var backwardBreaking = map[ChangeKind]struct{}{
	PropertyRemoved:     {},
	PropertyRenamed:     {},
	TypeChanged:         {},
	TypeNarrowed:        {},
	RequiredAdded:       {},
	EnumValuesRemoved:   {},
	ConstraintTightened: {},
	DefaultRemoved:      {},
	NullableRemoved:     {},
}

var forwardBreaking = map[ChangeKind]struct{}{
	PropertyAdded:     {},
	PropertyRenamed:   {},
	TypeChanged:       {},
	TypeWidened:       {},
	RequiredRemoved:   {},
	EnumValuesAdded:   {},
	ConstraintRelaxed: {},
	DefaultAdded:      {},
	NullableAdded:     {},
}

// typeWidening holds (old, new) pairs considered widening rather than a
// straight type change.
var typeWidening = map[[2]string]struct{}{
	{"integer", "number"}: {},
}

// BreakingChange is a single change detected between two schema documents.
type BreakingChange struct {
	Kind     ChangeKind `json:"type"`
	Path     string     `json:"path"`
	Message  string     `json:"message"`
	OldValue any        `json:"old_value"`
	NewValue any        `json:"new_value"`
}

// Result is the outcome of comparing two schemas.
type Result struct {
	Changes    []BreakingChange
	ChangeType string
}

// HasChanges reports whether any change was detected.
func (r Result) HasChanges() bool {
	return len(r.Changes) > 0
}

// BreakingFor returns only the changes that are breaking under the mode.
func (r Result) BreakingFor(mode models.CompatibilityMode) []BreakingChange {
	if mode == models.CompatNone {
		return nil
	}
	var kinds map[ChangeKind]struct{}
	switch mode {
	case models.CompatBackward:
		kinds = backwardBreaking
	case models.CompatForward:
		kinds = forwardBreaking
	default: // full = union of backward and forward
		kinds = make(map[ChangeKind]struct{}, len(backwardBreaking)+len(forwardBreaking))
		for k := range backwardBreaking {
			kinds[k] = struct{}{}
		}
		for k := range forwardBreaking {
			kinds[k] = struct{}{}
		}
	}
	var breaking []BreakingChange
	for _, c := range r.Changes {
		if _, ok := kinds[c.Kind]; ok {
			breaking = append(breaking, c)
		}
	}
	return breaking
}

// Compatible reports whether the change set is non-breaking under the mode.
func (r Result) Compatible(mode models.CompatibilityMode) bool {
	return len(r.BreakingFor(mode)) == 0
}

// Diff compares two JSON-Schema-like documents and classifies every change.
// It is a pure function: inputs outside the expected shape degrade to
// type_changed events rather than errors.
func Diff(old, new map[string]any) Result {
	d := &differ{}
	d.diffObject(old, new, "")
	return Result{Changes: d.changes, ChangeType: classify(d.changes)}
}

// CheckCompatibility diffs two schemas and returns whether the result is
// compatible under mode, along with the breaking subset.
func CheckCompatibility(old, new map[string]any, mode models.CompatibilityMode) (bool, []BreakingChange) {
	result := Diff(old, new)
	breaking := result.BreakingFor(mode)
	return len(breaking) == 0, breaking
}

func classify(changes []BreakingChange) string {
	if len(changes) == 0 {
		return ChangePatch
	}
	for _, c := range changes {
		if _, ok := backwardBreaking[c.Kind]; ok {
			return ChangeMajor
		}
	}
	for _, c := range changes {
		switch c.Kind {
		case PropertyAdded, EnumValuesAdded, NullableAdded, DefaultAdded:
			return ChangeMinor
		}
	}
	return ChangePatch
}

type differ struct {
	changes []BreakingChange
}

func (d *differ) add(c BreakingChange) {
	d.changes = append(d.changes, c)
}

func joinPath(path, segment string) string {
	if path == "" {
		return segment
	}
	return path + "." + segment
}

func (d *differ) diffObject(old, new map[string]any, path string) {
	d.diffProperties(subSchemas(old, "properties"), subSchemas(new, "properties"), joinPath(path, "properties"))
	d.diffRequired(stringSet(old["required"]), stringSet(new["required"]), path)
	d.diffType(old, new, path)
	d.diffConstraints(old, new, path)
	d.diffEnum(old, new, path)
	d.diffDefault(old, new, path)
	d.diffNullable(old, new, path)

	if schemaType(old) == "array" && schemaType(new) == "array" {
		oldItems := subSchema(old, "items")
		newItems := subSchema(new, "items")
		if len(oldItems) > 0 || len(newItems) > 0 {
			d.diffObject(oldItems, newItems, joinPath(path, "items"))
		}
	}
}

func (d *differ) diffProperties(old, new map[string]map[string]any, path string) {
	for _, key := range sortedKeys(old) {
		if _, ok := new[key]; !ok {
			d.add(BreakingChange{
				Kind:     PropertyRemoved,
				Path:     path + "." + key,
				Message:  fmt.Sprintf("Property '%s' was removed", key),
				OldValue: old[key],
			})
		}
	}
	for _, key := range sortedKeys(new) {
		if _, ok := old[key]; !ok {
			d.add(BreakingChange{
				Kind:     PropertyAdded,
				Path:     path + "." + key,
				Message:  fmt.Sprintf("Property '%s' was added", key),
				NewValue: new[key],
			})
		}
	}
	for _, key := range sortedKeys(old) {
		if _, ok := new[key]; ok {
			d.diffObject(old[key], new[key], path+"."+key)
		}
	}
}

func (d *differ) diffRequired(oldReq, newReq map[string]struct{}, path string) {
	reqPath := joinPath(path, "required")
	oldList := setList(oldReq)
	newList := setList(newReq)
	for _, field := range newList {
		if _, ok := oldReq[field]; !ok {
			d.add(BreakingChange{
				Kind:     RequiredAdded,
				Path:     reqPath,
				Message:  fmt.Sprintf("Field '%s' is now required", field),
				OldValue: oldList,
				NewValue: newList,
			})
		}
	}
	for _, field := range oldList {
		if _, ok := newReq[field]; !ok {
			d.add(BreakingChange{
				Kind:     RequiredRemoved,
				Path:     reqPath,
				Message:  fmt.Sprintf("Field '%s' is no longer required", field),
				OldValue: oldList,
				NewValue: newList,
			})
		}
	}
}

func (d *differ) diffType(old, new map[string]any, path string) {
	oldType := schemaType(old)
	newType := schemaType(new)
	// A type value that is not a string is an unknown type: render it so a
	// change to or from it surfaces as type_changed.
	if raw, ok := old["type"]; ok && oldType == "" {
		oldType = fmt.Sprintf("%v", raw)
	}
	if raw, ok := new["type"]; ok && newType == "" {
		newType = fmt.Sprintf("%v", raw)
	}
	if oldType == "" || newType == "" || oldType == newType {
		return
	}
	typePath := joinPath(path, "type")
	if _, ok := typeWidening[[2]string{oldType, newType}]; ok {
		d.add(BreakingChange{
			Kind:     TypeWidened,
			Path:     typePath,
			Message:  fmt.Sprintf("Type widened from '%s' to '%s'", oldType, newType),
			OldValue: oldType,
			NewValue: newType,
		})
		return
	}
	if _, ok := typeWidening[[2]string{newType, oldType}]; ok {
		d.add(BreakingChange{
			Kind:     TypeNarrowed,
			Path:     typePath,
			Message:  fmt.Sprintf("Type narrowed from '%s' to '%s'", oldType, newType),
			OldValue: oldType,
			NewValue: newType,
		})
		return
	}
	d.add(BreakingChange{
		Kind:     TypeChanged,
		Path:     typePath,
		Message:  fmt.Sprintf("Type changed from '%s' to '%s'", oldType, newType),
		OldValue: oldType,
		NewValue: newType,
	})
}

// Constraints partitioned by the direction that relaxes them.
var relaxOnIncrease = []string{"maxLength", "maxItems", "maximum", "exclusiveMaximum"}
var relaxOnDecrease = []string{"minLength", "minItems", "minimum", "exclusiveMinimum"}

func (d *differ) diffConstraints(old, new map[string]any, path string) {
	check := func(constraint string, relaxWhenGreater bool) {
		oldVal, hasOld := old[constraint]
		newVal, hasNew := new[constraint]
		if !hasOld && !hasNew {
			return
		}
		oldNum, oldOK := toFloat(oldVal)
		newNum, newOK := toFloat(newVal)
		if hasOld && hasNew && oldOK && newOK && oldNum == newNum {
			return
		}
		constraintPath := joinPath(path, constraint)
		switch {
		case hasOld && !hasNew:
			d.add(BreakingChange{
				Kind:     ConstraintRelaxed,
				Path:     constraintPath,
				Message:  fmt.Sprintf("Constraint '%s' was removed", constraint),
				OldValue: oldVal,
			})
		case !hasOld && hasNew:
			d.add(BreakingChange{
				Kind:     ConstraintTightened,
				Path:     constraintPath,
				Message:  fmt.Sprintf("Constraint '%s' was added with value %v", constraint, newVal),
				NewValue: newVal,
			})
		case oldOK && newOK:
			relaxed := newNum > oldNum
			if !relaxWhenGreater {
				relaxed = newNum < oldNum
			}
			kind := ConstraintTightened
			verb := "tightened"
			if relaxed {
				kind = ConstraintRelaxed
				verb = "relaxed"
			}
			d.add(BreakingChange{
				Kind:     kind,
				Path:     constraintPath,
				Message:  fmt.Sprintf("Constraint '%s' %s from %v to %v", constraint, verb, oldVal, newVal),
				OldValue: oldVal,
				NewValue: newVal,
			})
		}
	}
	for _, constraint := range relaxOnIncrease {
		check(constraint, true)
	}
	for _, constraint := range relaxOnDecrease {
		check(constraint, false)
	}

	// Pattern changes are always conservative: treated as tightening.
	oldPattern, hasOldPattern := old["pattern"]
	newPattern, hasNewPattern := new["pattern"]
	if !hasOldPattern && !hasNewPattern {
		return
	}
	if hasOldPattern && hasNewPattern && oldPattern == newPattern {
		return
	}
	patternPath := joinPath(path, "pattern")
	switch {
	case hasOldPattern && !hasNewPattern:
		d.add(BreakingChange{
			Kind:     ConstraintRelaxed,
			Path:     patternPath,
			Message:  "Constraint 'pattern' was removed",
			OldValue: oldPattern,
		})
	case !hasOldPattern && hasNewPattern:
		d.add(BreakingChange{
			Kind:     ConstraintTightened,
			Path:     patternPath,
			Message:  fmt.Sprintf("Constraint 'pattern' was added with value %v", newPattern),
			NewValue: newPattern,
		})
	default:
		d.add(BreakingChange{
			Kind:     ConstraintTightened,
			Path:     patternPath,
			Message:  fmt.Sprintf("Pattern changed from '%v' to '%v'", oldPattern, newPattern),
			OldValue: oldPattern,
			NewValue: newPattern,
		})
	}
}

func (d *differ) diffEnum(old, new map[string]any, path string) {
	oldEnum := valueSet(old["enum"])
	newEnum := valueSet(new["enum"])
	if len(oldEnum) == 0 && len(newEnum) == 0 {
		return
	}
	enumPath := joinPath(path, "enum")

	var added, removed []string
	for _, v := range setList(newEnum) {
		if _, ok := oldEnum[v]; !ok {
			added = append(added, v)
		}
	}
	for _, v := range setList(oldEnum) {
		if _, ok := newEnum[v]; !ok {
			removed = append(removed, v)
		}
	}
	if len(added) > 0 {
		d.add(BreakingChange{
			Kind:     EnumValuesAdded,
			Path:     enumPath,
			Message:  fmt.Sprintf("Enum values added: %v", added),
			OldValue: setList(oldEnum),
			NewValue: setList(newEnum),
		})
	}
	if len(removed) > 0 {
		d.add(BreakingChange{
			Kind:     EnumValuesRemoved,
			Path:     enumPath,
			Message:  fmt.Sprintf("Enum values removed: %v", removed),
			OldValue: setList(oldEnum),
			NewValue: setList(newEnum),
		})
	}
}

func (d *differ) diffDefault(old, new map[string]any, path string) {
	oldDefault, hasOld := old["default"]
	newDefault, hasNew := new["default"]
	if !hasOld && !hasNew {
		return
	}
	defaultPath := joinPath(path, "default")
	switch {
	case hasOld && !hasNew:
		d.add(BreakingChange{
			Kind:     DefaultRemoved,
			Path:     defaultPath,
			Message:  fmt.Sprintf("Default value removed (was %v)", oldDefault),
			OldValue: oldDefault,
		})
	case !hasOld && hasNew:
		d.add(BreakingChange{
			Kind:     DefaultAdded,
			Path:     defaultPath,
			Message:  fmt.Sprintf("Default value added: %v", newDefault),
			NewValue: newDefault,
		})
	case fmt.Sprintf("%v", oldDefault) != fmt.Sprintf("%v", newDefault):
		d.add(BreakingChange{
			Kind:     DefaultChanged,
			Path:     defaultPath,
			Message:  fmt.Sprintf("Default value changed from %v to %v", oldDefault, newDefault),
			OldValue: oldDefault,
			NewValue: newDefault,
		})
	}
}

func (d *differ) diffNullable(old, new map[string]any, path string) {
	oldNullable, _ := old["nullable"].(bool)
	newNullable, _ := new["nullable"].(bool)
	if oldNullable == newNullable {
		return
	}
	nullablePath := joinPath(path, "nullable")
	if newNullable {
		d.add(BreakingChange{
			Kind:     NullableAdded,
			Path:     nullablePath,
			Message:  "Field is now nullable",
			OldValue: false,
			NewValue: true,
		})
		return
	}
	d.add(BreakingChange{
		Kind:     NullableRemoved,
		Path:     nullablePath,
		Message:  "Field is no longer nullable",
		OldValue: true,
		NewValue: false,
	})
}

func schemaType(doc map[string]any) string {
	if doc == nil {
		return ""
	}
	t, _ := doc["type"].(string)
	return t
}

func subSchema(doc map[string]any, key string) map[string]any {
	if doc == nil {
		return nil
	}
	sub, _ := doc[key].(map[string]any)
	return sub
}

func subSchemas(doc map[string]any, key string) map[string]map[string]any {
	out := map[string]map[string]any{}
	for name, raw := range subSchema(doc, key) {
		if sub, ok := raw.(map[string]any); ok {
			out[name] = sub
		} else {
			// Malformed subschema: keep the key so add/remove detection
			// still fires, with an empty body.
			out[name] = map[string]any{}
		}
	}
	return out
}

func stringSet(raw any) map[string]struct{} {
	out := map[string]struct{}{}
	list, ok := raw.([]any)
	if !ok {
		if strs, ok := raw.([]string); ok {
			for _, s := range strs {
				out[s] = struct{}{}
			}
		}
		return out
	}
	for _, entry := range list {
		if s, ok := entry.(string); ok {
			out[s] = struct{}{}
		}
	}
	return out
}

// valueSet renders arbitrary enum members as strings so numeric and string
// enums compare uniformly.
func valueSet(raw any) map[string]struct{} {
	out := map[string]struct{}{}
	list, ok := raw.([]any)
	if !ok {
		return out
	}
	for _, entry := range list {
		out[fmt.Sprintf("%v", entry)] = struct{}{}
	}
	return out
}

func setList(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
