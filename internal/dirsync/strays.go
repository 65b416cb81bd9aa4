package dirsync

import (
	"errors"
	iofs "io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/depsync/depsync/internal/fs"
)

// KeepMeta keeps *.meta files, which are cleaned up together with the file
// they describe.
func KeepMeta(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".meta")
}

// RemoveStrays deletes the stray files for which keep returns false, then
// the directories that became empty, up to but excluding root. Paths outside
// of root are ignored. It returns the removed paths.
func RemoveStrays(root string, strays []string, keep func(string) bool) ([]string, error) {
	if keep == nil {
		keep = KeepMeta
	}
	root = filepath.Clean(root)

	var removed []string
	dirs := make(map[string]struct{})

	for _, p := range strays {
		p = filepath.Clean(p)
		if !within(root, p) {
			continue
		}

		fi, err := os.Lstat(p)
		if errors.Is(err, iofs.ErrNotExist) {
			continue
		} else if err != nil {
			return removed, fs.Busy(err)
		}

		if fi.IsDir() {
			dirs[p] = struct{}{}
			continue
		}
		if keep(p) {
			continue
		}

		if err := fs.MakeWritable(p); err != nil {
			return removed, fs.Busy(err)
		}
		if err := os.Remove(p); err != nil {
			return removed, fs.Busy(err)
		}
		removed = append(removed, p)
		dirs[filepath.Dir(p)] = struct{}{}
	}

	// Deepest first, so that emptied children make their parents empty.
	candidates := make([]string, 0, len(dirs))
	for d := range dirs {
		candidates = append(candidates, d)
	}
	slices.SortFunc(candidates, func(a, b string) int {
		return strings.Count(b, string(filepath.Separator)) - strings.Count(a, string(filepath.Separator))
	})

	for _, d := range candidates {
		for ; d != root && within(root, d); d = filepath.Dir(d) {
			entries, err := os.ReadDir(d)
			if errors.Is(err, iofs.ErrNotExist) {
				continue
			} else if err != nil {
				return removed, fs.Busy(err)
			}
			if len(entries) > 0 {
				break
			}
			if err := os.Remove(d); err != nil {
				return removed, fs.Busy(err)
			}
			removed = append(removed, d)
		}
	}

	slices.Sort(removed)
	return removed, nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	return err == nil && rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
