package fs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/depsync/depsync/internal/errs"
)

// ContainsFiles returns true if the given fs.FS contains any files, and false otherwise.
func ContainsFiles(fsys fs.FS) (bool, error) {
	// errFound is a sentinel error used to stop the walk when a file is found.
	errFound := os.ErrExist

	err := fs.WalkDir(fsys, ".", func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			// Found a file, so return a special error to stop the walk.
			return errFound
		}
		return nil
	})
	if err == errFound {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	return false, err
}

// MakeWritable adds the owner write bit to path if it is missing.
func MakeWritable(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if fi.Mode()&fs.ModeSymlink != 0 || fi.Mode().Perm()&0o200 != 0 {
		return nil
	}
	return os.Chmod(path, fi.Mode().Perm()|0o200)
}

// RemoveAll clears read-only bits under path and deletes it. A missing path
// is not an error. Failures caused by files in use or missing permissions
// wrap errs.ErrFileSystemBusy.
func RemoveAll(path string) error {
	err := filepath.WalkDir(path, func(p string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return MakeWritable(p)
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	} else if err != nil {
		return Busy(err)
	}

	if err := os.RemoveAll(path); err != nil {
		return Busy(err)
	}
	return nil
}

// Busy wraps err with errs.ErrFileSystemBusy when it was caused by a locked,
// busy or protected file.
func Busy(err error) error {
	if err == nil || errors.Is(err, errs.ErrFileSystemBusy) {
		return err
	}
	if errors.Is(err, fs.ErrPermission) || errors.Is(err, syscall.EBUSY) || errors.Is(err, syscall.ETXTBSY) {
		return fmt.Errorf("%w: %w", errs.ErrFileSystemBusy, err)
	}
	return err
}
