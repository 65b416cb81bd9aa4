package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/akedrou/textdiff"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/gobwas/glob"
)

// Diff returns a unified diff from the cached clone to the working copy of
// the named dependency. An empty diff means the working copy matches the
// cache. Ignored names and files left out of change detection are not
// compared.
func (m *Manager) Diff(ctx context.Context, name string) (string, error) {
	d, err := m.file.Find(name)
	if err != nil {
		return "", err
	}
	job, err := m.job(d)
	if err != nil {
		return "", err
	}
	id := job.Identity()
	if !m.client.IsValidLocalRepo(id.CachePath) {
		return "", fmt.Errorf("dependency %q: %w", d.Name, ErrNotCloned)
	}

	var ignore []glob.Glob
	for _, pattern := range slices.Concat(m.config.Ignore, m.config.FingerprintIgnore) {
		g, err := glob.Compile(pattern)
		if err != nil {
			return "", fmt.Errorf("ignore pattern %q: %w", pattern, err)
		}
		ignore = append(ignore, g)
	}

	cache, err := tree(filepath.Join(id.CachePath, filepath.FromSlash(job.SubFolder())))
	if err != nil {
		return "", err
	}
	working, err := tree(id.CopyDestination)
	if err != nil {
		return "", err
	}

	before, err := files(cache, ignore)
	if err != nil {
		return "", err
	}
	after, err := files(working, ignore)
	if err != nil {
		return "", err
	}

	paths := slices.Concat(before, after)
	slices.Sort(paths)
	paths = slices.Compact(paths)

	var out strings.Builder
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		old, oldLabel, err := read(cache, p, "a/")
		if err != nil {
			return "", err
		}
		cur, newLabel, err := read(working, p, "b/")
		if err != nil {
			return "", err
		}
		if bytes.Equal(old, cur) {
			continue
		}

		if binary(old) || binary(cur) {
			fmt.Fprintf(&out, "Binary files %s and %s differ\n", oldLabel, newLabel)
			continue
		}
		out.WriteString(textdiff.Unified(oldLabel, newLabel, string(old), string(cur)))
	}
	return out.String(), nil
}

// tree returns the filesystem rooted at root, nil if root does not exist.
func tree(root string) (billy.Filesystem, error) {
	fi, err := os.Stat(root)
	if errors.Is(err, iofs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	} else if !fi.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}
	return osfs.New(root), nil
}

// files lists the regular files of fsys as slash separated paths.
func files(fsys billy.Filesystem, ignore []glob.Glob) ([]string, error) {
	if fsys == nil {
		return nil, nil
	}

	var paths []string
	err := util.Walk(fsys, ".", func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if slices.ContainsFunc(ignore, func(g glob.Glob) bool { return g.Match(fi.Name()) }) {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if fi.Mode().IsRegular() {
			paths = append(paths, filepath.ToSlash(p))
		}
		return nil
	})
	return paths, err
}

// read returns the content of p and its label in a diff header. A missing
// file reads as empty and is labelled /dev/null.
func read(fsys billy.Filesystem, p, prefix string) ([]byte, string, error) {
	if fsys == nil {
		return nil, "/dev/null", nil
	}
	bs, err := util.ReadFile(fsys, filepath.FromSlash(p))
	if errors.Is(err, iofs.ErrNotExist) {
		return nil, "/dev/null", nil
	} else if err != nil {
		return nil, "", err
	}
	return bs, prefix + p, nil
}

func binary(bs []byte) bool {
	return bytes.IndexByte(bs, 0) >= 0
}

// treeSize counts the regular files below root and their total size. A
// missing root is empty.
func treeSize(root string) (int, int64, error) {
	fsys, err := tree(root)
	if err != nil || fsys == nil {
		return 0, 0, err
	}

	var n int
	var size int64
	err = util.Walk(fsys, ".", func(_ string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.Mode().IsRegular() {
			n++
			size += fi.Size()
		}
		return nil
	})
	return n, size, err
}
