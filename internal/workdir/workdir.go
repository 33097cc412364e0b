// Package workdir resolves the runlog data root and lays out the containers
// inside it, supporting redirection via .runlog-root files.
package workdir

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// DefaultDir is the data root created in the working directory.
	DefaultDir = ".runlog"

	rootFile   = ".runlog-root"
	asyncDir   = "async"
	offlineDir = "offline"
)

// ResolveBaseDir checks for a .runlog-root file in the given directory.
// If found, it returns the path contained in that file (relative paths are
// resolved against baseDir). Otherwise, returns the original baseDir unchanged.
// This lets several working directories share one data root.
func ResolveBaseDir(baseDir string) string {
	content, err := os.ReadFile(filepath.Join(baseDir, rootFile))
	if err != nil {
		return baseDir
	}
	resolved := strings.TrimSpace(string(content))
	if resolved == "" {
		return baseDir
	}
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(baseDir, resolved)
	}
	return filepath.Clean(resolved)
}

// Root returns the data root for a working directory: dir/.runlog after
// redirection.
func Root(dir string) string {
	return filepath.Join(ResolveBaseDir(dir), DefaultDir)
}

// AsyncContainer is the container directory of an entity known to the server.
func AsyncContainer(root, entityID string) string {
	return filepath.Join(root, asyncDir, entityID)
}

// OfflineContainer is the container directory of an entity created offline.
func OfflineContainer(root, localID string) string {
	return filepath.Join(root, offlineDir, localID)
}

// IsOffline reports whether a container directory lives under offline/.
func IsOffline(containerDir string) bool {
	return filepath.Base(filepath.Dir(containerDir)) == offlineDir
}

// ListContainers returns every container directory under root, async ones
// first, each group sorted by name. A missing root yields no containers.
func ListContainers(root string) ([]string, error) {
	var out []string
	for _, group := range []string{asyncDir, offlineDir} {
		entries, err := os.ReadDir(filepath.Join(root, group))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list %s containers: %w", group, err)
		}
		var dirs []string
		for _, e := range entries {
			if e.IsDir() {
				dirs = append(dirs, filepath.Join(root, group, e.Name()))
			}
		}
		sort.Strings(dirs)
		out = append(out, dirs...)
	}
	return out, nil
}

// RemoveIfEmpty deletes a container directory that holds nothing but its
// container.json. It reports whether the directory was removed.
func RemoveIfEmpty(containerDir string) (bool, error) {
	entries, err := os.ReadDir(containerDir)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.IsDir() {
			return false, nil
		}
	}
	if err := os.RemoveAll(containerDir); err != nil {
		return false, fmt.Errorf("remove container: %w", err)
	}
	return true, nil
}
