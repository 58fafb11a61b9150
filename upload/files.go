package upload

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/mbolis/quick-intake/model"
	"github.com/pkg/errors"
)

// DeleteResult reports the outcome of a best-effort batch deletion.
type DeleteResult struct {
	Deleted []string `json:"deleted"`
	Skipped []string `json:"skipped"`
	Failed  []string `json:"failed"`
}

// DeleteFiles removes stored attachments by their recorded paths. Paths that
// do not resolve inside the storage directory, or point at files that no
// longer exist, are skipped rather than failing the batch.
func (m *Manager) DeleteFiles(paths []string) DeleteResult {
	result := DeleteResult{}
	for _, p := range paths {
		if p == "" {
			continue
		}

		target, err := m.Resolve(filepath.Base(p))
		if err != nil {
			result.Skipped = append(result.Skipped, p)
			continue
		}
		if _, err := os.Stat(target); err != nil {
			result.Skipped = append(result.Skipped, p)
			continue
		}
		if err := os.Remove(target); err != nil {
			result.Failed = append(result.Failed, p)
			continue
		}
		result.Deleted = append(result.Deleted, p)
	}
	return result
}

// Resolve maps a bare filename to its absolute path inside the storage
// directory, rejecting traversal attempts and dot-prefixed names.
func (m *Manager) Resolve(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", errors.New("invalid file name")
	}

	dir, err := filepath.Abs(m.dir)
	if err != nil {
		return "", err
	}
	target := filepath.Join(dir, name)
	if !strings.HasPrefix(target, dir+string(filepath.Separator)) {
		return "", errors.New("invalid file name")
	}
	return target, nil
}

// ExtractPaths collects attachment paths out of file-typed field values.
// Values may be a JSON metadata object, a JSON array of objects or strings,
// or a legacy bare-string path.
func ExtractPaths(fields []model.Field) []string {
	seen := map[string]bool{}
	var paths []string
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}

	for _, f := range fields {
		if f.Type != model.FieldFile || f.Value == "" {
			continue
		}

		var meta model.FileMeta
		if err := json.Unmarshal([]byte(f.Value), &meta); err == nil && meta.Path != "" {
			add(meta.Path)
			continue
		}

		var items []json.RawMessage
		if err := json.Unmarshal([]byte(f.Value), &items); err == nil {
			for _, item := range items {
				var meta model.FileMeta
				if err := json.Unmarshal(item, &meta); err == nil && meta.Path != "" {
					add(meta.Path)
					continue
				}
				var s string
				if err := json.Unmarshal(item, &s); err == nil {
					add(s)
				}
			}
			continue
		}

		// legacy rows hold the bare path
		add(f.Value)
	}
	return paths
}
