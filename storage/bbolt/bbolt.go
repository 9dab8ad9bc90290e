// Package bbolt provides a BBolt-backed issuance ledger.
//
// The database is opened for the duration of each transaction only. BBolt's
// exclusive file lock therefore serializes ledger access across processes
// sharing a PKI directory, and a lock wait longer than the configured
// timeout surfaces as storage.ErrLocked.
package bbolt

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jmcleod/easypki/internal/uuid"
	"github.com/jmcleod/easypki/storage"
	"go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
)

// DefaultLockTimeout bounds how long a transaction waits for the file lock.
const DefaultLockTimeout = 10 * time.Second

var (
	bucketMeta    = []byte("meta")
	bucketEntries = []byte("entries")
	bucketSerials = []byte("serials")

	keyCounter = []byte("counter")
)

// Ledger implements storage.Ledger backed by a BBolt database file.
type Ledger struct {
	path    string
	timeout time.Duration
}

var _ storage.Ledger = (*Ledger)(nil)

// NewLedger returns a ledger stored at path. A timeout of zero selects
// DefaultLockTimeout.
func NewLedger(path string, timeout time.Duration) *Ledger {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &Ledger{path: path, timeout: timeout}
}

// Path returns the database file location.
func (l *Ledger) Path() string {
	return l.path
}

func (l *Ledger) open(ctx context.Context) (*bbolt.DB, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timeout := l.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = max(remaining, time.Millisecond)
		}
	}
	db, err := bbolt.Open(l.path, 0o600, &bbolt.Options{Timeout: timeout})
	if errors.Is(err, berrors.ErrTimeout) {
		return nil, fmt.Errorf("%w: %s", storage.ErrLocked, l.path)
	}
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return db, nil
}

// Update runs fn in a read-write transaction. Nothing fn wrote survives
// if it returns an error.
func (l *Ledger) Update(ctx context.Context, fn func(tx storage.LedgerTx) error) error {
	db, err := l.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(func(tx *bbolt.Tx) error {
		lt, err := newLedgerTx(tx)
		if err != nil {
			return err
		}
		return fn(lt)
	})
}

// View runs fn in a read-only transaction.
func (l *Ledger) View(ctx context.Context, fn func(tx storage.LedgerReader) error) error {
	db, err := l.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.View(func(tx *bbolt.Tx) error {
		return fn(&boltLedgerTx{tx: tx})
	})
}

// Reset deletes the counter and every entry.
func (l *Ledger) Reset(ctx context.Context) error {
	db, err := l.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketEntries, bucketSerials} {
			if tx.Bucket(name) == nil {
				continue
			}
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

type boltLedgerTx struct {
	tx *bbolt.Tx
}

func newLedgerTx(tx *bbolt.Tx) (*boltLedgerTx, error) {
	for _, name := range [][]byte{bucketMeta, bucketEntries, bucketSerials} {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return nil, err
		}
	}
	return &boltLedgerTx{tx: tx}, nil
}

func (t *boltLedgerTx) Counter() (uint64, error) {
	b := t.tx.Bucket(bucketMeta)
	if b == nil {
		return 0, nil
	}
	v := b.Get(keyCounter)
	if v == nil {
		return 0, nil
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("%w: corrupt counter", storage.ErrSerialAllocation)
	}
	return binary.BigEndian.Uint64(v), nil
}

func (t *boltLedgerTx) NextSerial(byteLen int) (*big.Int, error) {
	counter, err := t.Counter()
	if err != nil {
		return nil, err
	}
	counter++
	serial, err := storage.SerialFromCounter(counter, byteLen)
	if err != nil {
		return nil, err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)
	if err := t.tx.Bucket(bucketMeta).Put(keyCounter, buf[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrSerialAllocation, err)
	}
	return serial, nil
}

func (t *boltLedgerTx) Record(e *storage.Entry) error {
	if err := storage.CheckEntry(e); err != nil {
		return err
	}
	serial := storage.NormalizeSerial(e.Serial)
	serials := t.tx.Bucket(bucketSerials)
	if serials.Get([]byte(serial)) != nil {
		return fmt.Errorf("%w: serial %s already recorded", storage.ErrSerialAllocation, serial)
	}

	rec := *e
	rec.Serial = serial
	if rec.ID == "" {
		rec.ID = uuid.New()
	}
	data, err := storage.MarshalEntry(&rec)
	if err != nil {
		return err
	}

	entries := t.tx.Bucket(bucketEntries)
	seq, err := entries.NextSequence()
	if err != nil {
		return fmt.Errorf("%w: %v", storage.ErrSerialAllocation, err)
	}
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], seq)
	if err := entries.Put(key[:], data); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrSerialAllocation, err)
	}
	if err := serials.Put([]byte(serial), key[:]); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrSerialAllocation, err)
	}
	e.ID = rec.ID
	return nil
}

func (t *boltLedgerTx) Get(serial string) (*storage.Entry, error) {
	serials := t.tx.Bucket(bucketSerials)
	entries := t.tx.Bucket(bucketEntries)
	if serials == nil || entries == nil {
		return nil, fmt.Errorf("%s: %w", serial, storage.ErrNotFound)
	}
	key := serials.Get([]byte(storage.NormalizeSerial(serial)))
	if key == nil {
		return nil, fmt.Errorf("%s: %w", serial, storage.ErrNotFound)
	}
	data := entries.Get(key)
	if data == nil {
		return nil, fmt.Errorf("%s: %w", serial, storage.ErrNotFound)
	}
	return storage.UnmarshalEntry(data)
}

func (t *boltLedgerTx) List() ([]*storage.Entry, error) {
	var out []*storage.Entry
	b := t.tx.Bucket(bucketEntries)
	if b == nil {
		return out, nil
	}
	err := b.ForEach(func(_, v []byte) error {
		e, err := storage.UnmarshalEntry(v)
		if err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

func (t *boltLedgerTx) FindByCommonName(cn string) ([]*storage.Entry, error) {
	all, err := t.List()
	if err != nil {
		return nil, err
	}
	var out []*storage.Entry
	for _, e := range all {
		if e.CommonName == cn {
			out = append(out, e)
		}
	}
	return out, nil
}
