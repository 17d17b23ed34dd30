// Package vfs maps client-visible virtual paths onto a directory subtree on
// the host. Every path a client sends goes through Resolve before any
// filesystem call is made; a path that would climb above the virtual root is
// rejected there, so the rest of the server never sees it.
package vfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// ErrEscapesRoot is returned by Resolve for any path whose ".." components
// would leave the virtual root.
var ErrEscapesRoot = errors.New("path escapes the virtual root")

// Resolve applies a client-supplied path to the current virtual directory and
// returns the normalized virtual path, always absolute and slash-separated
// ("/", "/dir/file.txt"). The resolution is purely lexical: no filesystem
// calls, so containment cannot be raced by a changing filesystem.
//
// A requested path starting with "/" is taken from the virtual root,
// anything else is relative to current. "." and empty segments are dropped,
// ".." pops one segment and fails with ErrEscapesRoot when there is nothing
// left to pop.
func Resolve(current, requested string) (string, error) {
	var stack []string
	if !strings.HasPrefix(requested, "/") {
		for _, seg := range strings.Split(current, "/") {
			if seg != "" {
				stack = append(stack, seg)
			}
		}
	}
	for _, seg := range strings.Split(requested, "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(stack) == 0 {
				return "", ErrEscapesRoot
			}
			stack = stack[:len(stack)-1]
		default:
			stack = append(stack, seg)
		}
	}
	return "/" + strings.Join(stack, "/"), nil
}

// Jail is a filesystem rooted at one user's directory. All methods take
// virtual paths as produced by Resolve and translate them to host paths under
// the root. I/O goes through an afero.Fs so the same jail serves the FTP and
// SFTP frontends and tests can run it on an in-memory filesystem.
type Jail struct {
	root string
	fs   afero.Fs
}

// NewJail returns a jail over the host filesystem rooted at root.
func NewJail(root string) *Jail {
	return NewJailFS(root, afero.NewOsFs())
}

// NewJailFS returns a jail rooted at root on the given filesystem.
func NewJailFS(root string, fsys afero.Fs) *Jail {
	return &Jail{root: filepath.Clean(root), fs: fsys}
}

// Root returns the host directory the jail is rooted at.
func (j *Jail) Root() string { return j.root }

// hostPath translates a normalized virtual path to a host path. The input
// must come from Resolve; anything else is a programming error.
func (j *Jail) hostPath(virtual string) (string, error) {
	if !path.IsAbs(virtual) {
		return "", fmt.Errorf("unresolved virtual path %q: %w", virtual, ErrEscapesRoot)
	}
	for _, seg := range strings.Split(virtual, "/") {
		if seg == ".." {
			return "", fmt.Errorf("unresolved virtual path %q: %w", virtual, ErrEscapesRoot)
		}
	}
	return filepath.Join(j.root, filepath.FromSlash(virtual)), nil
}

// Stat returns file info for a virtual path.
func (j *Jail) Stat(virtual string) (os.FileInfo, error) {
	p, err := j.hostPath(virtual)
	if err != nil {
		return nil, err
	}
	return j.fs.Stat(p)
}

// CheckDir fails unless the virtual path names an existing directory.
func (j *Jail) CheckDir(virtual string) error {
	fi, err := j.Stat(virtual)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s: not a directory", virtual)
	}
	return nil
}

// ReadDir lists the entries of a virtual directory, sorted by name.
func (j *Jail) ReadDir(virtual string) ([]os.FileInfo, error) {
	p, err := j.hostPath(virtual)
	if err != nil {
		return nil, err
	}
	return afero.ReadDir(j.fs, p)
}

// Open opens a virtual path for reading.
func (j *Jail) Open(virtual string) (afero.File, error) {
	p, err := j.hostPath(virtual)
	if err != nil {
		return nil, err
	}
	return j.fs.Open(p)
}

// Create opens a virtual path for writing, truncating an existing file. The
// parent directory must already exist: uploads never create directories, and
// the explicit check keeps that true on backends that would auto-create them.
func (j *Jail) Create(virtual string) (afero.File, error) {
	p, err := j.hostPath(virtual)
	if err != nil {
		return nil, err
	}
	parent, err := j.fs.Stat(filepath.Dir(p))
	if err != nil {
		return nil, err
	}
	if !parent.IsDir() {
		return nil, fmt.Errorf("%s: parent is not a directory", virtual)
	}
	return j.fs.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
}

// OpenFile opens a virtual path with explicit flags, for the SFTP frontend.
func (j *Jail) OpenFile(virtual string, flag int, perm os.FileMode) (afero.File, error) {
	p, err := j.hostPath(virtual)
	if err != nil {
		return nil, err
	}
	return j.fs.OpenFile(p, flag, perm)
}

// Mkdir creates a virtual directory.
func (j *Jail) Mkdir(virtual string, perm os.FileMode) error {
	p, err := j.hostPath(virtual)
	if err != nil {
		return err
	}
	return j.fs.Mkdir(p, perm)
}

// Remove deletes a virtual file or empty directory.
func (j *Jail) Remove(virtual string) error {
	p, err := j.hostPath(virtual)
	if err != nil {
		return err
	}
	return j.fs.Remove(p)
}

// Rename moves oldVirtual to newVirtual inside the jail.
func (j *Jail) Rename(oldVirtual, newVirtual string) error {
	oldp, err := j.hostPath(oldVirtual)
	if err != nil {
		return err
	}
	newp, err := j.hostPath(newVirtual)
	if err != nil {
		return err
	}
	return j.fs.Rename(oldp, newp)
}

// ReadFile reads a whole virtual file, for tests and the SFTP frontend.
func (j *Jail) ReadFile(virtual string) ([]byte, error) {
	f, err := j.Open(virtual)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
