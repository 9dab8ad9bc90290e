// Package filesystem owns the on-disk layout of a PKI directory.
//
//	<root>/ca.crt
//	<root>/private/ca.key
//	<root>/private/<cn>.key
//	<root>/reqs/<cn>.req
//	<root>/issued/<cn>.crt
//	<root>/certs_by_serial/<SERIAL>.pem
//	<root>/index.db
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	// ErrStoreInit is returned when the directory layout cannot be created
	// or reset.
	ErrStoreInit = errors.New("PKI directory initialization failed")

	// ErrNotInitialized is returned when an operation needs a layout that
	// has not been created yet.
	ErrNotInitialized = errors.New("PKI directory is not initialized")

	// ErrExists is returned by a no-overwrite transaction when a target
	// file is already present.
	ErrExists = errors.New("file already exists")

	// ErrInvalidName is returned for common names that cannot be used as
	// file names.
	ErrInvalidName = errors.New("invalid common name")
)

// Layout entries, relative to the root.
const (
	CACertFile       = "ca.crt"
	PrivateDir       = "private"
	ReqsDir          = "reqs"
	IssuedDir        = "issued"
	CertsBySerialDir = "certs_by_serial"
	IndexFile        = "index.db"
)

// File permissions for private and public artifacts.
const (
	PrivatePerm fs.FileMode = 0o600
	PublicPerm  fs.FileMode = 0o644
)

var layoutDirs = []struct {
	name string
	perm fs.FileMode
}{
	{PrivateDir, 0o700},
	{ReqsDir, 0o755},
	{IssuedDir, 0o755},
	{CertsBySerialDir, 0o755},
}

// Dir is a handle on one PKI directory.
type Dir struct {
	root string
	sem  chan struct{}
}

// dirLocks maps an absolute root to its semaphore so every handle on the
// same directory in this process shares one lock.
var dirLocks sync.Map

// New returns a handle on the PKI directory at root, resolved to an
// absolute path. Nothing is created.
func New(root string) (*Dir, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: empty PKI directory path", ErrStoreInit)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %s: %v", ErrStoreInit, root, err)
	}
	sem, _ := dirLocks.LoadOrStore(abs, make(chan struct{}, 1))
	return &Dir{root: abs, sem: sem.(chan struct{})}, nil
}

// Root returns the absolute directory path.
func (d *Dir) Root() string {
	return d.root
}

// Lock acquires the in-process lock for this directory, waiting until ctx
// is done. The returned func releases it.
func (d *Dir) Lock(ctx context.Context) (func(), error) {
	select {
	case d.sem <- struct{}{}:
		return func() { <-d.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Initialize creates the layout. An existing directory is left as it is
// unless force is set, in which case its contents are removed first.
func (d *Dir) Initialize(force bool) error {
	if force {
		if d.root == filepath.Dir(d.root) {
			return fmt.Errorf("%w: refusing to remove %s", ErrStoreInit, d.root)
		}
		if err := os.RemoveAll(d.root); err != nil {
			return fmt.Errorf("%w: removing %s: %v", ErrStoreInit, d.root, err)
		}
	}
	if err := os.MkdirAll(d.root, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreInit, err)
	}
	for _, sub := range layoutDirs {
		if err := os.MkdirAll(filepath.Join(d.root, sub.name), sub.perm); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreInit, err)
		}
	}
	return nil
}

// CheckInitialized returns ErrNotInitialized unless every layout directory
// exists.
func (d *Dir) CheckInitialized() error {
	for _, sub := range layoutDirs {
		fi, err := os.Stat(filepath.Join(d.root, sub.name))
		if err != nil || !fi.IsDir() {
			return fmt.Errorf("%w: %s", ErrNotInitialized, d.root)
		}
	}
	return nil
}

// ValidateName rejects common names that would escape their directory.
func ValidateName(cn string) error {
	switch {
	case cn == "", cn == ".", cn == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, cn)
	case strings.ContainsAny(cn, `/\`+"\x00"):
		return fmt.Errorf("%w: %q contains a path separator or NUL", ErrInvalidName, cn)
	case strings.Contains(cn, ".."):
		return fmt.Errorf("%w: %q contains '..'", ErrInvalidName, cn)
	}
	return nil
}

// CACertPath is <root>/ca.crt.
func (d *Dir) CACertPath() string { return filepath.Join(d.root, CACertFile) }

// CAKeyPath is <root>/private/ca.key.
func (d *Dir) CAKeyPath() string { return filepath.Join(d.root, PrivateDir, "ca.key") }

// IndexPath is the ledger database file.
func (d *Dir) IndexPath() string { return filepath.Join(d.root, IndexFile) }

// KeyPath is <root>/private/<cn>.key.
func (d *Dir) KeyPath(cn string) (string, error) { return d.namedPath(PrivateDir, cn, ".key") }

// ReqPath is <root>/reqs/<cn>.req.
func (d *Dir) ReqPath(cn string) (string, error) { return d.namedPath(ReqsDir, cn, ".req") }

// CertPath is <root>/issued/<cn>.crt.
func (d *Dir) CertPath(cn string) (string, error) { return d.namedPath(IssuedDir, cn, ".crt") }

// SerialCertPath is <root>/certs_by_serial/<serial>.pem.
func (d *Dir) SerialCertPath(serial string) (string, error) {
	return d.namedPath(CertsBySerialDir, serial, ".pem")
}

func (d *Dir) namedPath(sub, name, ext string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(d.root, sub, name+ext), nil
}

// ReadFile reads a file of the directory. A missing file returns an error
// matching fs.ErrNotExist.
func (d *Dir) ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Exists reports whether path is present.
func (d *Dir) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Begin starts a file transaction. With noOverwrite set, staging a file
// whose target exists fails with ErrExists.
func (d *Dir) Begin(noOverwrite bool) *Txn {
	return &Txn{noOverwrite: noOverwrite}
}
