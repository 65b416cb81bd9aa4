// Package fingerprint hashes directory trees to detect local edits of a
// working copy since it was last synchronized.
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/gobwas/glob"
)

const (
	// Empty is the fingerprint of a missing tree.
	Empty = ""
	// EmptyTree is the fingerprint of a directory without any file that is
	// hashed: the digest of no input.
	EmptyTree = "d41d8cd98f00b204e9800998ecf8427e"
)

var DefaultIgnore = []string{"*.meta"}

var defaultHasher = MustNew(WithIgnore(DefaultIgnore...))

// Hasher computes fingerprints. Files whose name matches an ignore pattern
// do not contribute to it.
type Hasher struct {
	patterns []string
	ignore   []glob.Glob
}

type Option func(*Hasher)

func WithIgnore(patterns ...string) Option {
	return func(h *Hasher) { h.patterns = append(h.patterns, patterns...) }
}

func New(opts ...Option) (*Hasher, error) {
	h := &Hasher{}
	for _, opt := range opts {
		opt(h)
	}
	for _, p := range h.patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("fingerprint ignore pattern %q: %w", p, err)
		}
		h.ignore = append(h.ignore, g)
	}
	return h, nil
}

func MustNew(opts ...Option) *Hasher {
	h, err := New(opts...)
	if err != nil {
		panic(err)
	}
	return h
}

// Fingerprint hashes the tree at root, ignoring *.meta files.
func Fingerprint(root string) (string, error) {
	return defaultHasher.Fingerprint(root)
}

// HasLocalChanges reports whether the tree at root differs from baseline.
func HasLocalChanges(root, baseline string) (bool, error) {
	return defaultHasher.HasLocalChanges(root, baseline)
}

func (h *Hasher) Fingerprint(root string) (string, error) {
	fi, err := os.Stat(root)
	if errors.Is(err, iofs.ErrNotExist) {
		return Empty, nil
	} else if err != nil {
		return "", err
	} else if !fi.IsDir() {
		return "", fmt.Errorf("%s is not a directory", root)
	}
	return h.Sum(osfs.New(root))
}

func (h *Hasher) HasLocalChanges(root, baseline string) (bool, error) {
	sum, err := h.Fingerprint(root)
	if err != nil {
		return false, err
	}
	return sum != baseline, nil
}

// Sum hashes all files of fsys. For every file, in the order of their lower
// cased slash separated paths, the path and then the content are fed to a
// single MD5 digest.
func (h *Hasher) Sum(fsys billy.Filesystem) (string, error) {
	type file struct{ path, key string }
	var files []file

	err := util.Walk(fsys, ".", func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !fi.Mode().IsRegular() || h.ignored(fi.Name()) {
			return nil
		}
		files = append(files, file{path: p, key: strings.ToLower(filepath.ToSlash(p))})
		return nil
	})
	if err != nil {
		return "", err
	}

	slices.SortFunc(files, func(a, b file) int { return strings.Compare(a.key, b.key) })

	digest := md5.New()
	for _, f := range files {
		io.WriteString(digest, f.key)
		if err := h.content(fsys, f.path, digest); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(digest.Sum(nil)), nil
}

func (h *Hasher) content(fsys billy.Filesystem, p string, w io.Writer) error {
	f, err := fsys.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func (h *Hasher) ignored(name string) bool {
	return slices.ContainsFunc(h.ignore, func(g glob.Glob) bool { return g.Match(name) })
}
