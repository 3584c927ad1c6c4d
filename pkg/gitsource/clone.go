// Package gitsource fetches a repository holding a pre-synthesized assembly,
// so stacks can be deployed straight from a git URL.
package gitsource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"
	"go.uber.org/zap"
)

// assemblyDirs are the conventional locations of a synthesized assembly
// inside a repository, tried in order.
var assemblyDirs = []string{"cdk.out", "assembly", "."}

// Clone shallow-clones the repository and returns the path of the assembly
// directory inside it, plus the root to pass to Cleanup when done. When
// destDir is empty a temp directory is used.
func Clone(ctx context.Context, repoURL, destDir string, logger *zap.Logger) (assemblyDir, root string, err error) {
	if destDir == "" {
		tmpDir, err := os.MkdirTemp("", "stackpilot-*")
		if err != nil {
			return "", "", fmt.Errorf("failed to create temp directory: %w", err)
		}
		destDir = tmpDir
	}

	repoName := strings.TrimSuffix(filepath.Base(repoURL), ".git")
	clonePath := filepath.Join(destDir, repoName)

	logger.Info("cloning repository", zap.String("url", repoURL), zap.String("path", clonePath))
	_, err = git.PlainCloneContext(ctx, clonePath, false, &git.CloneOptions{
		URL:   repoURL,
		Depth: 1,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to clone repository: %w", err)
	}

	dir, err := findAssemblyDir(clonePath)
	if err != nil {
		return "", "", err
	}
	return dir, destDir, nil
}

// Cleanup removes a cloned repository.
func Cleanup(path string) error {
	return os.RemoveAll(path)
}

func findAssemblyDir(root string) (string, error) {
	for _, candidate := range assemblyDirs {
		dir := filepath.Join(root, candidate)
		matches, _ := filepath.Glob(filepath.Join(dir, "*.template.*"))
		if len(matches) > 0 {
			return dir, nil
		}
	}
	return "", fmt.Errorf("no synthesized assembly found under %s", root)
}
