package cfn

import (
	"sort"

	"github.com/google/go-cmp/cmp"

	"stackpilot/pkg/assembly"
)

// DiffKind tags a per-resource difference.
type DiffKind int

const (
	DiffAdded DiffKind = iota
	DiffRemoved
	DiffModified
)

func (k DiffKind) String() string {
	switch k {
	case DiffAdded:
		return "added"
	case DiffRemoved:
		return "removed"
	default:
		return "modified"
	}
}

// ResourceDifference describes how one logical resource changed between the
// deployed and the desired template. Immutable after construction.
type ResourceDifference struct {
	LogicalID string
	Kind      DiffKind
	OldType   string
	NewType   string

	// PropertyPaths lists the dot-joined paths of changed entries under
	// Properties, e.g. "Code.S3Key". Only set for modifications.
	PropertyPaths []string

	// OtherSections lists changed resource-level sections other than
	// Properties (Metadata, DependsOn, Condition, ...). Only set for
	// modifications.
	OtherSections []string

	// NewResource is the resource body from the desired template (nil for
	// removals); the fast-path classifier reads asset annotations from it.
	NewResource map[string]any
}

// DiffTemplates computes the per-resource differences between two templates.
// Equality is structural, not textual: formatting and key order never count
// as a change.
func DiffTemplates(deployed, desired assembly.Template) []ResourceDifference {
	oldResources := deployed.Resources()
	newResources := desired.Resources()

	var diffs []ResourceDifference

	for logicalID, oldRes := range oldResources {
		newRes, ok := newResources[logicalID]
		if !ok {
			diffs = append(diffs, ResourceDifference{
				LogicalID: logicalID,
				Kind:      DiffRemoved,
				OldType:   assembly.ResourceType(oldRes),
			})
			continue
		}
		if cmp.Equal(oldRes, newRes) {
			continue
		}
		diff := ResourceDifference{
			LogicalID:   logicalID,
			Kind:        DiffModified,
			OldType:     assembly.ResourceType(oldRes),
			NewType:     assembly.ResourceType(newRes),
			NewResource: newRes,
		}
		diff.PropertyPaths = diffPaths(assembly.ResourceProperties(oldRes), assembly.ResourceProperties(newRes), "")
		for _, section := range changedKeys(oldRes, newRes) {
			if section != "Properties" {
				diff.OtherSections = append(diff.OtherSections, section)
			}
		}
		diffs = append(diffs, diff)
	}

	for logicalID, newRes := range newResources {
		if _, ok := oldResources[logicalID]; !ok {
			diffs = append(diffs, ResourceDifference{
				LogicalID:   logicalID,
				Kind:        DiffAdded,
				NewType:     assembly.ResourceType(newRes),
				NewResource: newRes,
			})
		}
	}

	sort.Slice(diffs, func(i, j int) bool { return diffs[i].LogicalID < diffs[j].LogicalID })
	return diffs
}

// TemplatesEqual reports deep structural equality of two templates.
func TemplatesEqual(a, b assembly.Template) bool {
	return cmp.Equal(map[string]any(a), map[string]any(b))
}

// diffPaths walks two maps in parallel and returns the dot-joined paths of
// differing entries. When a changed value is not a map on both sides, the
// path stops there; the classifier only needs enough depth to tell a code
// location change apart from anything else.
func diffPaths(oldMap, newMap map[string]any, prefix string) []string {
	var paths []string
	for _, key := range changedKeys(oldMap, newMap) {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		oldChild, oldIsMap := oldMap[key].(map[string]any)
		newChild, newIsMap := newMap[key].(map[string]any)
		if oldIsMap && newIsMap {
			paths = append(paths, diffPaths(oldChild, newChild, path)...)
			continue
		}
		paths = append(paths, path)
	}
	return paths
}

func changedKeys(oldMap, newMap map[string]any) []string {
	var keys []string
	for key, oldValue := range oldMap {
		newValue, ok := newMap[key]
		if !ok || !cmp.Equal(oldValue, newValue) {
			keys = append(keys, key)
		}
	}
	for key := range newMap {
		if _, ok := oldMap[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
