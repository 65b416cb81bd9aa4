// Package deps reads and writes the dependency file of a project and derives
// the on-disk locations of each dependency.
package deps

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
)

var (
	ErrBranchRequired = errors.New("either a valid branch or tag must be specified")
	ErrNameRequired   = errors.New("name can not be empty")
	ErrURLRequired    = errors.New("url can not be empty")
	ErrInvalidName    = errors.New("name can not contain path separators")
	ErrNameExists     = errors.New("name already exists")
	ErrURLExists      = errors.New("repository already exists with the current url")
	ErrNotFound       = errors.New("dependency not found")
)

// Dependency describes one external source tree. SubFolder selects the
// directory of the repository that is copied into the working copy; empty
// means the whole tree.
type Dependency struct {
	Name      string `json:"Name"`
	SubFolder string `json:"SubFolder"`
	URL       string `json:"Url"`
	Branch    string `json:"Branch"`
}

type document struct {
	Dependencies []Dependency `json:"Dependencies"`
}

// File is a loaded dependency file. It is not safe for concurrent use.
type File struct {
	path   string
	deps   []Dependency
	loaded []Dependency
	exists bool
}

// Load reads the dependency file at path. A missing file loads as empty.
func Load(path string) (*File, error) {
	f := &File{path: path}

	bs, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	} else if err != nil {
		return nil, fmt.Errorf("read dependency file: %w", err)
	}
	f.exists = true

	if len(bytes.TrimSpace(bs)) > 0 {
		var doc document
		if err := json.Unmarshal(bs, &doc); err != nil {
			return nil, fmt.Errorf("dependency file %s: %w", path, err)
		}
		f.deps = doc.Dependencies
	}
	f.loaded = slices.Clone(f.deps)
	return f, nil
}

func (f *File) Path() string {
	return f.path
}

// Dependencies returns a copy of the dependencies in file order.
func (f *File) Dependencies() []Dependency {
	return slices.Clone(f.deps)
}

// Save writes the file if its dependencies changed since it was loaded or
// last saved. A file that did not exist is always written.
func (f *File) Save() error {
	if f.exists && slices.Equal(f.deps, f.loaded) {
		return nil
	}

	bs, err := json.MarshalIndent(document{Dependencies: nonNil(f.deps)}, "", "    ")
	if err != nil {
		return err
	}
	bs = append(bs, '\n')

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(bs); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("write dependency file: %w", err)
	}

	f.exists = true
	f.loaded = slices.Clone(f.deps)
	return nil
}

func nonNil(deps []Dependency) []Dependency {
	if deps == nil {
		return []Dependency{}
	}
	return deps
}

// Add validates d against the existing dependencies and appends it.
func (f *File) Add(d Dependency) error {
	d.Name = strings.TrimSpace(d.Name)
	d.URL = strings.TrimSpace(d.URL)
	d.Branch = strings.TrimSpace(d.Branch)
	d.SubFolder = strings.Trim(filepath.ToSlash(strings.TrimSpace(d.SubFolder)), "/")

	if err := Validate(d); err != nil {
		return err
	}
	for _, dep := range f.deps {
		if sameName(dep.Name, d.Name) {
			return fmt.Errorf("%w: %s", ErrNameExists, dep.Name)
		}
		if strings.EqualFold(strings.TrimSpace(dep.URL), d.URL) {
			return fmt.Errorf("%w: existing: %s", ErrURLExists, dep.Name)
		}
	}

	f.deps = append(f.deps, d)
	return nil
}

// Validate checks the fields of d on their own.
func Validate(d Dependency) error {
	switch name := strings.TrimSpace(d.Name); {
	case strings.TrimSpace(d.Branch) == "":
		return ErrBranchRequired
	case name == "":
		return ErrNameRequired
	case strings.ContainsAny(name, `/\`) || name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.TrimSpace(d.URL) == "":
		return ErrURLRequired
	}
	return nil
}

// Remove deletes the dependency called name and returns it.
func (f *File) Remove(name string) (Dependency, error) {
	i := slices.IndexFunc(f.deps, func(d Dependency) bool { return sameName(d.Name, name) })
	if i < 0 {
		return Dependency{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	d := f.deps[i]
	f.deps = slices.Delete(f.deps, i, i+1)
	return d, nil
}

// Find returns the dependency called name. Names compare case-insensitively.
func (f *File) Find(name string) (Dependency, error) {
	i := slices.IndexFunc(f.deps, func(d Dependency) bool { return sameName(d.Name, name) })
	if i < 0 {
		return Dependency{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return f.deps[i], nil
}

func sameName(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Diff compares two dependency lists by URL.
func Diff(before, after []Dependency) (added, removed []Dependency) {
	has := func(list []Dependency, url string) bool {
		return slices.ContainsFunc(list, func(d Dependency) bool { return d.URL == url })
	}
	for _, d := range after {
		if !has(before, d.URL) {
			added = append(added, d)
		}
	}
	for _, d := range before {
		if !has(after, d.URL) {
			removed = append(removed, d)
		}
	}
	return added, removed
}

// CachePath returns the directory holding the cached clone of url at branch:
// the host and path of the URL, with dots turned into directory separators
// and colons dropped, below cacheRoot, followed by the branch. Clones of
// different branches never share a directory.
func CachePath(cacheRoot, url, branch string) (string, error) {
	folders := url
	if _, rest, ok := strings.Cut(url, "://"); ok {
		folders = rest
	}
	folders = strings.ReplaceAll(folders, ".", "/")
	folders = strings.ReplaceAll(folders, ":", "")
	folders = strings.ReplaceAll(folders, `\`, "/")
	folders = strings.Trim(path.Clean("/"+folders), "/")
	if folders == "" {
		return "", fmt.Errorf("cannot derive a cache path from url %q", url)
	}

	if slices.Contains(strings.Split(filepath.ToSlash(branch), "/"), "..") || strings.TrimSpace(branch) == "" {
		return "", fmt.Errorf("invalid branch %q", branch)
	}

	return filepath.Join(cacheRoot, filepath.FromSlash(folders), filepath.FromSlash(branch)), nil
}

// CopyPath returns the working copy directory of the dependency called name.
func CopyPath(copyRoot, name string) string {
	return filepath.Join(copyRoot, strings.TrimSpace(name))
}
