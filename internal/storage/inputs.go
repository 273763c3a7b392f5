package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"DistMR/internal/types"
)

// DiscoverInputs expands pattern to absolute file paths, sorted, and numbers
// them 0..N-1 in that order.
func DiscoverInputs(pattern string) ([]types.InputUnit, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid input pattern %q: %w", pattern, err)
	}

	files, err := CollectFiles(matches)
	if err != nil {
		return nil, err
	}
	return Units(files), nil
}

// CollectFiles resolves paths to absolute regular files. Directories are
// walked recursively. The result is sorted and free of duplicates.
func CollectFiles(paths []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string

	add := func(p string) error {
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", p, err)
		}
		if !seen[abs] {
			seen[abs] = true
			files = append(files, abs)
		}
		return nil
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}

		if !info.IsDir() {
			if err := add(path); err != nil {
				return nil, err
			}
			continue
		}

		err = filepath.Walk(path, func(p string, f os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !f.Mode().IsRegular() {
				return nil
			}
			return add(p)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk directory %s: %w", path, err)
		}
	}

	sort.Strings(files)
	return files, nil
}

// Units numbers files in order.
func Units(files []string) []types.InputUnit {
	units := make([]types.InputUnit, len(files))
	for i, f := range files {
		units[i] = types.InputUnit{ID: i, Location: f}
	}
	return units
}
