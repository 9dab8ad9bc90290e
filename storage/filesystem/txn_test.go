package filesystem_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jmcleod/easypki/storage/filesystem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initDir(t *testing.T) *filesystem.Dir {
	t.Helper()
	d := newDir(t)
	require.NoError(t, d.Initialize(false))
	return d
}

// listAll returns every file below root, relative to it.
func listAll(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(root, func(path string, e os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !e.IsDir() {
			rel, _ := filepath.Rel(root, path)
			out = append(out, rel)
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestTxn_CommitDone(t *testing.T) {
	d := initDir(t)
	keyPath, _ := d.KeyPath("c1")
	certPath, _ := d.CertPath("c1")

	txn := d.Begin(false)
	require.NoError(t, txn.Put(keyPath, []byte("key"), filesystem.PrivatePerm))
	require.NoError(t, txn.Put(certPath, []byte("cert"), filesystem.PublicPerm))
	assert.Equal(t, []string{keyPath, certPath}, txn.Paths())

	// Nothing is visible before commit.
	assert.NoFileExists(t, keyPath)

	require.NoError(t, txn.Commit())
	require.NoError(t, txn.Done())

	data, err := os.ReadFile(keyPath)
	require.NoError(t, err)
	assert.Equal(t, "key", string(data))
	fi, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, filesystem.PrivatePerm, fi.Mode().Perm())

	assert.ElementsMatch(t, []string{"private/c1.key", "issued/c1.crt"}, listAll(t, d.Root()))
}

func TestTxn_RollbackBeforeCommit(t *testing.T) {
	d := initDir(t)
	keyPath, _ := d.KeyPath("c1")

	txn := d.Begin(false)
	require.NoError(t, txn.Put(keyPath, []byte("key"), filesystem.PrivatePerm))
	require.NoError(t, txn.Rollback())
	require.NoError(t, txn.Rollback())

	assert.Empty(t, listAll(t, d.Root()))
}

func TestTxn_RollbackAfterCommitRestores(t *testing.T) {
	d := initDir(t)
	certPath, _ := d.CertPath("c1")
	reqPath, _ := d.ReqPath("c1")
	require.NoError(t, os.WriteFile(certPath, []byte("old"), 0o644))

	txn := d.Begin(false)
	require.NoError(t, txn.Put(certPath, []byte("new"), filesystem.PublicPerm))
	require.NoError(t, txn.Put(reqPath, []byte("req"), filesystem.PublicPerm))
	require.NoError(t, txn.Commit())

	data, _ := os.ReadFile(certPath)
	assert.Equal(t, "new", string(data))

	require.NoError(t, txn.Rollback())
	data, err := os.ReadFile(certPath)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
	assert.NoFileExists(t, reqPath)
	assert.Equal(t, []string{"issued/c1.crt"}, listAll(t, d.Root()))
}

func TestTxn_Overwrite(t *testing.T) {
	d := initDir(t)
	certPath, _ := d.CertPath("c1")
	require.NoError(t, os.WriteFile(certPath, []byte("old"), 0o644))

	txn := d.Begin(false)
	require.NoError(t, txn.Put(certPath, []byte("new"), filesystem.PublicPerm))
	require.NoError(t, txn.Commit())
	require.NoError(t, txn.Done())

	data, _ := os.ReadFile(certPath)
	assert.Equal(t, "new", string(data))
	assert.Equal(t, []string{"issued/c1.crt"}, listAll(t, d.Root()))
}

func TestTxn_NoOverwrite(t *testing.T) {
	d := initDir(t)
	certPath, _ := d.CertPath("c1")
	require.NoError(t, os.WriteFile(certPath, []byte("old"), 0o644))

	txn := d.Begin(true)
	err := txn.Put(certPath, []byte("new"), filesystem.PublicPerm)
	assert.ErrorIs(t, err, filesystem.ErrExists)
	require.NoError(t, txn.Rollback())

	data, _ := os.ReadFile(certPath)
	assert.Equal(t, "old", string(data))
}

func TestTxn_NoOverwriteRaceAtCommit(t *testing.T) {
	d := initDir(t)
	keyPath, _ := d.KeyPath("c1")
	certPath, _ := d.CertPath("c1")

	txn := d.Begin(true)
	require.NoError(t, txn.Put(keyPath, []byte("key"), filesystem.PrivatePerm))
	require.NoError(t, txn.Put(certPath, []byte("cert"), filesystem.PublicPerm))

	// Another writer creates the cert between staging and commit.
	require.NoError(t, os.WriteFile(certPath, []byte("theirs"), 0o644))

	assert.ErrorIs(t, txn.Commit(), filesystem.ErrExists)
	assert.NoFileExists(t, keyPath)
	data, _ := os.ReadFile(certPath)
	assert.Equal(t, "theirs", string(data))
	assert.Equal(t, []string{"issued/c1.crt"}, listAll(t, d.Root()))
}

func TestTxn_StageTwice(t *testing.T) {
	d := initDir(t)
	keyPath, _ := d.KeyPath("c1")

	txn := d.Begin(false)
	require.NoError(t, txn.Put(keyPath, []byte("a"), filesystem.PrivatePerm))
	assert.Error(t, txn.Put(keyPath, []byte("b"), filesystem.PrivatePerm))
	require.NoError(t, txn.Rollback())
	assert.Empty(t, listAll(t, d.Root()))
}
