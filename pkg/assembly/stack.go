package assembly

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Environment is the resolved account and region a stack deploys into.
type Environment struct {
	Account string
	Region  string
}

// Substitute replaces the account and region placeholders a synthesized
// assembly embeds in asset destinations and template URLs. The partition
// placeholder is deliberately not handled here; callers that cannot support
// it must detect and reject it.
func (e Environment) Substitute(s string) string {
	s = strings.ReplaceAll(s, "${AWS::AccountId}", e.Account)
	s = strings.ReplaceAll(s, "${AWS::Region}", e.Region)
	return s
}

// Tag is a stack-level tag. Order is preserved from the assembly but
// comparisons elsewhere are order-independent.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// DesiredStack is the synthesized description of one stack: the template to
// reach, its tags and protection flag, and optionally a pre-uploaded template
// location and an asset manifest. The deployment engine treats it as
// read-only.
type DesiredStack struct {
	Name                  string
	Template              Template
	Tags                  []Tag
	TerminationProtection bool
	TemplateURL           string
	Assets                *Manifest
}

// stackConfig is the optional <name>.deploy.json sidecar carrying settings
// the template itself cannot express.
type stackConfig struct {
	Tags                  []Tag  `json:"tags"`
	TerminationProtection bool   `json:"terminationProtection"`
	TemplateURL           string `json:"templateUrl"`
}

var templateExtensions = []string{".template.json", ".template.yaml", ".template.yml"}

// ListStacks discovers the stack names present in an assembly directory by
// scanning for template files.
func ListStacks(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read assembly directory: %w", err)
	}

	var stacks []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		for _, ext := range templateExtensions {
			if strings.HasSuffix(entry.Name(), ext) {
				stacks = append(stacks, strings.TrimSuffix(entry.Name(), ext))
			}
		}
	}
	sort.Strings(stacks)
	return stacks, nil
}

// LoadStack loads one stack's template, optional deploy sidecar, and optional
// asset manifest from an assembly directory.
func LoadStack(dir, name string) (*DesiredStack, error) {
	var templatePath string
	for _, ext := range templateExtensions {
		candidate := filepath.Join(dir, name+ext)
		if _, err := os.Stat(candidate); err == nil {
			templatePath = candidate
			break
		}
	}
	if templatePath == "" {
		return nil, fmt.Errorf("no template found for stack %s in %s", name, dir)
	}

	data, err := os.ReadFile(templatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read template for stack %s: %w", name, err)
	}
	template, err := ParseTemplate(data)
	if err != nil {
		return nil, fmt.Errorf("stack %s: %w", name, err)
	}

	stack := &DesiredStack{Name: name, Template: template}

	configPath := filepath.Join(dir, name+".deploy.json")
	if configData, err := os.ReadFile(configPath); err == nil {
		var cfg stackConfig
		if err := json.Unmarshal(configData, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", configPath, err)
		}
		stack.Tags = cfg.Tags
		stack.TerminationProtection = cfg.TerminationProtection
		stack.TemplateURL = cfg.TemplateURL
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read %s: %w", configPath, err)
	}

	assetsPath := filepath.Join(dir, name+".assets.json")
	if _, err := os.Stat(assetsPath); err == nil {
		manifest, err := LoadManifest(assetsPath)
		if err != nil {
			return nil, fmt.Errorf("stack %s: %w", name, err)
		}
		stack.Assets = manifest
	}

	return stack, nil
}
