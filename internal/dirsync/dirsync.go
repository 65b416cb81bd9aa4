// Package dirsync mirrors the sub-folder of a cached clone into a working
// copy and back.
//
// A forward copy reports the files it wrote and the strays it found: files
// and directories of the working copy without a counterpart in the cache.
// Strays are never deleted by the copy itself; RemoveStrays does that once
// the caller decided to.
package dirsync

import (
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/gobwas/glob"

	"github.com/depsync/depsync/internal/fs"
)

// DefaultIgnore are the names skipped when no ignore list is given.
var DefaultIgnore = []string{".git"}

type Result struct {
	Copied []string
	Strays []string
}

// Copier copies trees between two billy filesystems. Names matching one of
// its ignore patterns are skipped at every level, in both trees.
type Copier struct {
	ignore []glob.Glob
}

// New compiles the ignore patterns. Patterns are matched against single
// names, not paths.
func New(ignore []string) (*Copier, error) {
	c := &Copier{}
	for _, pattern := range ignore {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("ignore pattern %q: %w", pattern, err)
		}
		c.ignore = append(c.ignore, g)
	}
	return c, nil
}

func (c *Copier) ignored(name string) bool {
	return slices.ContainsFunc(c.ignore, func(g glob.Glob) bool { return g.Match(name) })
}

// CopyForward mirrors src onto dst. A missing src is not an error: there is
// nothing to copy yet. The returned paths are absolute paths below dst.
func CopyForward(src, dst string, ignore []string) (Result, error) {
	if ignore == nil {
		ignore = DefaultIgnore
	}
	c, err := New(ignore)
	if err != nil {
		return Result{}, err
	}

	if fi, err := os.Stat(src); errors.Is(err, iofs.ErrNotExist) {
		return Result{}, nil
	} else if err != nil {
		return Result{}, fs.Busy(err)
	} else if !fi.IsDir() {
		return Result{}, fmt.Errorf("%s is not a directory", src)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return Result{}, fs.Busy(err)
	}

	res, err := c.Forward(newOSDir(src), newOSDir(dst))
	return Result{Copied: abs(dst, res.Copied), Strays: abs(dst, res.Strays)}, err
}

// CopyBack copies every file of the working copy onto the cache sub-folder.
// Files of the cache missing from the working copy are left alone.
func CopyBack(workingCopy, cacheSub string) ([]string, error) {
	c, err := New(DefaultIgnore)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(workingCopy); errors.Is(err, iofs.ErrNotExist) {
		return nil, nil
	}
	if err := os.MkdirAll(cacheSub, 0o755); err != nil {
		return nil, fs.Busy(err)
	}

	copied, err := c.Back(newOSDir(workingCopy), newOSDir(cacheSub))
	return abs(cacheSub, copied), err
}

// Forward mirrors src onto dst and returns paths relative to the roots.
func (c *Copier) Forward(src, dst billy.Filesystem) (Result, error) {
	var res Result
	err := c.copyDir(src, dst, "", &res, true)
	slices.Sort(res.Copied)
	slices.Sort(res.Strays)
	return res, err
}

// Back copies src onto dst without looking for strays.
func (c *Copier) Back(src, dst billy.Filesystem) ([]string, error) {
	var res Result
	err := c.copyDir(src, dst, "", &res, false)
	slices.Sort(res.Copied)
	return res.Copied, err
}

func (c *Copier) copyDir(src, dst billy.Filesystem, dir string, res *Result, strays bool) error {
	entries, err := src.ReadDir(dirOrRoot(dir))
	if err != nil {
		return fs.Busy(err)
	}

	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		name := e.Name()
		if c.ignored(name) {
			continue
		}
		seen[name] = struct{}{}
		p := src.Join(dir, name)

		switch {
		case e.IsDir():
			if err := replaceFile(dst, p); err != nil {
				return err
			}
			if err := dst.MkdirAll(p, 0o755); err != nil {
				return fs.Busy(err)
			}
			if err := c.copyDir(src, dst, p, res, strays); err != nil {
				return err
			}
		case e.Mode().IsRegular():
			if err := copyFile(src, dst, p, e.Mode().Perm()); err != nil {
				return err
			}
			res.Copied = append(res.Copied, p)
		}
	}

	if !strays {
		return nil
	}

	existing, err := dst.ReadDir(dirOrRoot(dir))
	if err != nil {
		return fs.Busy(err)
	}
	for _, e := range existing {
		if _, ok := seen[e.Name()]; ok || c.ignored(e.Name()) {
			continue
		}
		p := dst.Join(dir, e.Name())
		res.Strays = append(res.Strays, p)
		if e.IsDir() {
			if err := c.collect(dst, p, res); err != nil {
				return err
			}
		}
	}
	return nil
}

// collect adds everything below dir to the strays.
func (c *Copier) collect(dst billy.Filesystem, dir string, res *Result) error {
	entries, err := dst.ReadDir(dir)
	if err != nil {
		return fs.Busy(err)
	}
	for _, e := range entries {
		if c.ignored(e.Name()) {
			continue
		}
		p := dst.Join(dir, e.Name())
		res.Strays = append(res.Strays, p)
		if e.IsDir() {
			if err := c.collect(dst, p, res); err != nil {
				return err
			}
		}
	}
	return nil
}

func copyFile(src, dst billy.Filesystem, p string, perm os.FileMode) error {
	in, err := src.Open(p)
	if err != nil {
		return fs.Busy(err)
	}
	defer in.Close()

	if fi, err := dst.Stat(p); err == nil {
		if fi.IsDir() {
			if err := util.RemoveAll(dst, p); err != nil {
				return fs.Busy(err)
			}
		} else if fi.Mode().Perm()&0o200 == 0 {
			if err := chmod(dst, p, fi.Mode().Perm()|0o200); err != nil {
				return err
			}
		}
	}

	out, err := dst.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm|0o200)
	if err != nil {
		return fs.Busy(err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fs.Busy(err)
	}
	return fs.Busy(out.Close())
}

// replaceFile removes a file standing where a directory is about to be made.
func replaceFile(dst billy.Filesystem, p string) error {
	fi, err := dst.Stat(p)
	if err != nil || fi.IsDir() {
		return nil
	}
	if err := chmod(dst, p, fi.Mode().Perm()|0o200); err != nil {
		return err
	}
	return fs.Busy(dst.Remove(p))
}

type chmoder interface {
	Chmod(name string, mode os.FileMode) error
}

func chmod(fsys billy.Filesystem, p string, mode os.FileMode) error {
	ch, ok := fsys.(chmoder)
	if !ok {
		return nil
	}
	return fs.Busy(ch.Chmod(p, mode))
}

// osDir is a billy filesystem rooted at a directory of the OS filesystem
// that can change file modes.
type osDir struct {
	billy.Filesystem
	root string
}

func newOSDir(root string) osDir {
	return osDir{Filesystem: osfs.New(root), root: root}
}

func (d osDir) Chmod(name string, mode os.FileMode) error {
	return os.Chmod(filepath.Join(d.root, name), mode)
}

func dirOrRoot(dir string) string {
	if dir == "" {
		return "."
	}
	return dir
}

func abs(root string, rel []string) []string {
	if len(rel) == 0 {
		return nil
	}
	out := make([]string, len(rel))
	for i, p := range rel {
		out[i] = filepath.Join(root, p)
	}
	return out
}
