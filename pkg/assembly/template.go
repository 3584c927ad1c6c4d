package assembly

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Template is a parsed CloudFormation template document.
type Template map[string]any

// ParseTemplate parses a template body. YAML is a superset of JSON here, so a
// single decoder handles both of the formats a synthesized assembly produces.
func ParseTemplate(data []byte) (Template, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}
	return Template(doc), nil
}

// Serialize renders the template as compact JSON. The output is deterministic
// (encoding/json sorts map keys), which the content-addressed staging path
// relies on.
func (t Template) Serialize() ([]byte, error) {
	data, err := json.Marshal(map[string]any(t))
	if err != nil {
		return nil, fmt.Errorf("failed to serialize template: %w", err)
	}
	return data, nil
}

// Resources returns the Resources section, keyed by logical id. A missing or
// malformed section yields an empty map.
func (t Template) Resources() map[string]map[string]any {
	out := map[string]map[string]any{}
	section, _ := t["Resources"].(map[string]any)
	for logicalID, raw := range section {
		if res, ok := raw.(map[string]any); ok {
			out[logicalID] = res
		}
	}
	return out
}

// Resource returns a single resource by logical id, or nil.
func (t Template) Resource(logicalID string) map[string]any {
	return t.Resources()[logicalID]
}

// ParameterDeclaration is one entry of a template's Parameters section.
type ParameterDeclaration struct {
	Name       string
	HasDefault bool
}

// ParameterDeclarations returns the template's declared parameters.
func (t Template) ParameterDeclarations() []ParameterDeclaration {
	section, _ := t["Parameters"].(map[string]any)
	var decls []ParameterDeclaration
	for name, raw := range section {
		decl := ParameterDeclaration{Name: name}
		if body, ok := raw.(map[string]any); ok {
			_, decl.HasDefault = body["Default"]
		}
		decls = append(decls, decl)
	}
	return decls
}

// ResourceType returns the Type field of a resource map.
func ResourceType(res map[string]any) string {
	typ, _ := res["Type"].(string)
	return typ
}

// ResourceProperties returns the Properties section of a resource map.
func ResourceProperties(res map[string]any) map[string]any {
	props, _ := res["Properties"].(map[string]any)
	return props
}

// ResourceMetadataString returns a string-valued metadata entry of a resource,
// such as the asset-path annotation the synthesizer attaches to functions.
func ResourceMetadataString(res map[string]any, key string) string {
	meta, _ := res["Metadata"].(map[string]any)
	value, _ := meta[key].(string)
	return value
}
