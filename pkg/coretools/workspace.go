package coretools

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harun/turnloop/pkg/tools"
)

func resolveWorkspaceRoot(tc tools.Context, opts Options) (string, error) {
	root := strings.TrimSpace(tc.WorkspaceRoot)
	if root == "" {
		root = strings.TrimSpace(opts.WorkspaceRoot)
	}
	if root == "" {
		return "", fmt.Errorf("workspace root is not configured")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// resolvePathInWorkspace returns the absolute path for pathValue, which may
// be relative to workspaceRoot or absolute inside it.
func resolvePathInWorkspace(workspaceRoot string, pathValue string) (string, error) {
	pathValue = strings.TrimSpace(pathValue)
	if pathValue == "" {
		return "", fmt.Errorf("path is required")
	}
	if strings.Contains(pathValue, "://") {
		return "", fmt.Errorf("path must be a local file")
	}

	candidate := pathValue
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(workspaceRoot, candidate)
	}
	candidate = filepath.Clean(candidate)

	if !within(workspaceRoot, candidate) {
		return "", fmt.Errorf("path %q is outside workspace root", pathValue)
	}
	if err := checkSymlinks(workspaceRoot, candidate); err != nil {
		return "", fmt.Errorf("path %q: %w", pathValue, err)
	}
	return candidate, nil
}

// resolveOptionalPath resolves pathValue, defaulting to the root itself.
func resolveOptionalPath(workspaceRoot, pathValue string) (string, error) {
	if strings.TrimSpace(pathValue) == "" {
		return workspaceRoot, nil
	}
	return resolvePathInWorkspace(workspaceRoot, pathValue)
}

func within(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// checkSymlinks resolves the longest existing prefix of candidate and makes
// sure it still lives under root.
func checkSymlinks(root, candidate string) error {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("workspace root: %w", err)
	}

	existing := candidate
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return nil
		}
		existing = parent
	}

	real, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return err
	}
	if !within(realRoot, real) {
		return fmt.Errorf("resolves outside workspace root")
	}
	return nil
}

// relative renders path relative to root for tool output.
func relative(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}
