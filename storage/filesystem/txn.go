package filesystem

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jmcleod/easypki/internal/uuid"
)

type txnState int

const (
	txnOpen txnState = iota
	txnCommitted
	txnClosed
)

type stagedFile struct {
	target  string
	temp    string
	backup  string // set when target existed and was moved aside
	applied bool
}

// Txn stages files next to their targets and moves them into place
// together. Until Done is called a committed Txn can still be rolled back,
// which restores whatever the targets held before.
type Txn struct {
	noOverwrite bool
	files       []*stagedFile
	state       txnState
}

// Put stages data for path.
func (t *Txn) Put(path string, data []byte, perm fs.FileMode) error {
	if t.state != txnOpen {
		return errors.New("file transaction is not open")
	}
	for _, f := range t.files {
		if f.target == path {
			return fmt.Errorf("%s staged twice", path)
		}
	}
	if t.noOverwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
	}

	dir, base := filepath.Split(path)
	tmp, err := os.CreateTemp(dir, "."+base+"."+uuid.New()+".tmp*")
	if err != nil {
		return fmt.Errorf("staging %s: %w", path, err)
	}
	f := &stagedFile{target: path, temp: tmp.Name()}
	t.files = append(t.files, f)

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("staging %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("staging %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("staging %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("staging %s: %w", path, err)
	}
	return nil
}

// Paths returns the staged targets in order.
func (t *Txn) Paths() []string {
	out := make([]string, len(t.files))
	for i, f := range t.files {
		out[i] = f.target
	}
	return out
}

// Commit moves every staged file into place. If any move fails the ones
// already made are undone and the error is returned.
func (t *Txn) Commit() error {
	if t.state != txnOpen {
		return errors.New("file transaction is not open")
	}
	for _, f := range t.files {
		if t.noOverwrite {
			if _, err := os.Stat(f.target); err == nil {
				t.undo()
				return fmt.Errorf("%w: %s", ErrExists, f.target)
			}
		}
		if _, err := os.Lstat(f.target); err == nil {
			f.backup = f.temp + ".bak"
			if err := os.Rename(f.target, f.backup); err != nil {
				f.backup = ""
				t.undo()
				return fmt.Errorf("committing %s: %w", f.target, err)
			}
		}
		if err := os.Rename(f.temp, f.target); err != nil {
			t.undo()
			return fmt.Errorf("committing %s: %w", f.target, err)
		}
		f.applied = true
	}
	t.state = txnCommitted
	return nil
}

// Rollback discards staged files, or reverts a commit that has not been
// finalized with Done. It is safe to call more than once.
func (t *Txn) Rollback() error {
	if t.state == txnClosed {
		return nil
	}
	err := t.undo()
	t.state = txnClosed
	return err
}

// Done finalizes a committed Txn by removing the previous file contents.
// On an uncommitted Txn it behaves like Rollback.
func (t *Txn) Done() error {
	if t.state != txnCommitted {
		return t.Rollback()
	}
	var errs []error
	for _, f := range t.files {
		if f.backup != "" {
			if err := os.Remove(f.backup); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
		}
	}
	t.state = txnClosed
	return errors.Join(errs...)
}

func (t *Txn) undo() error {
	var errs []error
	for i := len(t.files) - 1; i >= 0; i-- {
		f := t.files[i]
		if f.applied {
			if err := os.Remove(f.target); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
			f.applied = false
		}
		if f.backup != "" {
			if err := os.Rename(f.backup, f.target); err != nil {
				errs = append(errs, err)
			}
			f.backup = ""
		}
		if err := os.Remove(f.temp); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
