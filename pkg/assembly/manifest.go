package assembly

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileAsset is one publishable artifact from the asset manifest: a local
// source file and its destination in the staging bucket. Bucket and key may
// contain account/region placeholders resolved at publish time.
type FileAsset struct {
	Source struct {
		Path string `json:"path"`
	} `json:"source"`
	Destination struct {
		BucketName string `json:"bucketName"`
		ObjectKey  string `json:"objectKey"`
	} `json:"destination"`
}

// Manifest is the per-stack asset manifest (<name>.assets.json), keyed by
// asset id.
type Manifest struct {
	Files map[string]FileAsset `json:"files"`

	// Dir is the directory the manifest was loaded from; asset source paths
	// are relative to it.
	Dir string `json:"-"`
}

// LoadManifest reads and parses an asset manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read asset manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse asset manifest %s: %w", path, err)
	}
	m.Dir = filepath.Dir(path)
	return &m, nil
}

// IDsForPaths returns the ids of assets whose source path matches one of the
// given paths. Unmatched paths are returned separately so the caller can fail
// loudly instead of publishing a partial set.
func (m *Manifest) IDsForPaths(paths []string) (ids []string, missing []string) {
	byPath := map[string]string{}
	for id, asset := range m.Files {
		byPath[asset.Source.Path] = id
	}
	for _, p := range paths {
		if id, ok := byPath[p]; ok {
			ids = append(ids, id)
		} else {
			missing = append(missing, p)
		}
	}
	return ids, missing
}
