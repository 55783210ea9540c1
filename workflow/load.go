package workflow

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Load reads every workflow file found under root. Each entry of paths is
// either a directory, searched for *.yml and *.yaml files, or a single file.
// Missing directories are skipped. Workflow names are relative to root and
// the result is sorted by name.
func Load(root string, paths ...string) (RawPipeline, error) {
	var p RawPipeline

	for _, rel := range paths {
		full := rel
		if !filepath.IsAbs(full) {
			full = filepath.Join(root, rel)
		}

		info, err := os.Stat(full)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}

		if !info.IsDir() {
			raw, err := readWorkflow(root, full)
			if err != nil {
				return nil, err
			}
			p = append(p, raw)
			continue
		}

		entries, err := os.ReadDir(full)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.IsDir() || !isWorkflowFile(e.Name()) {
				continue
			}
			raw, err := readWorkflow(root, filepath.Join(full, e.Name()))
			if err != nil {
				return nil, err
			}
			p = append(p, raw)
		}
	}

	slices.SortFunc(p, func(a, b RawWorkflow) int {
		return strings.Compare(a.Name, b.Name)
	})

	return slices.CompactFunc(p, func(a, b RawWorkflow) bool {
		return a.Name == b.Name
	}), nil
}

func readWorkflow(root, path string) (RawWorkflow, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return RawWorkflow{}, fmt.Errorf("reading workflow: %w", err)
	}

	name := path
	if rel, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(rel, "..") {
		name = filepath.ToSlash(rel)
	}

	return RawWorkflow{Name: name, Contents: contents}, nil
}

func isWorkflowFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yml" || ext == ".yaml"
}
