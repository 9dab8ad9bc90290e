// Package memory provides a thread-safe in-memory implementation of
// storage.Ledger.
package memory

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/jmcleod/easypki/internal/uuid"
	"github.com/jmcleod/easypki/storage"
)

// Ledger is a thread-safe in-memory issuance ledger.
// Suitable for testing, demos, and single-process use cases.
type Ledger struct {
	mu      sync.Mutex
	counter uint64
	entries []*storage.Entry
	serials map[string]int
}

var _ storage.Ledger = (*Ledger)(nil)

// NewLedger creates a new empty in-memory Ledger.
func NewLedger() *Ledger {
	return &Ledger{serials: make(map[string]int)}
}

func cloneEntry(e *storage.Entry) *storage.Entry {
	if e == nil {
		return nil
	}
	cp := *e
	return &cp
}

// Update runs fn while holding the ledger lock. On error, all writes are
// rolled back.
func (l *Ledger) Update(ctx context.Context, fn func(tx storage.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	snapshot := l.snapshot()
	if err := fn(&memoryLedgerTx{l: l}); err != nil {
		l.restore(snapshot)
		return err
	}
	return nil
}

// View runs fn while holding the ledger lock.
func (l *Ledger) View(ctx context.Context, fn func(tx storage.LedgerReader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(&memoryLedgerTx{l: l})
}

// Reset drops the counter and every entry.
func (l *Ledger) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.restore(ledgerState{serials: make(map[string]int)})
	return nil
}

type ledgerState struct {
	counter uint64
	entries []*storage.Entry
	serials map[string]int
}

func (l *Ledger) snapshot() ledgerState {
	s := ledgerState{
		counter: l.counter,
		entries: make([]*storage.Entry, len(l.entries)),
		serials: make(map[string]int, len(l.serials)),
	}
	copy(s.entries, l.entries)
	for k, v := range l.serials {
		s.serials[k] = v
	}
	return s
}

func (l *Ledger) restore(s ledgerState) {
	l.counter = s.counter
	l.entries = s.entries
	l.serials = s.serials
}

type memoryLedgerTx struct {
	l *Ledger
}

func (tx *memoryLedgerTx) Counter() (uint64, error) {
	return tx.l.counter, nil
}

func (tx *memoryLedgerTx) NextSerial(byteLen int) (*big.Int, error) {
	serial, err := storage.SerialFromCounter(tx.l.counter+1, byteLen)
	if err != nil {
		return nil, err
	}
	tx.l.counter++
	return serial, nil
}

func (tx *memoryLedgerTx) Record(e *storage.Entry) error {
	if err := storage.CheckEntry(e); err != nil {
		return err
	}
	serial := storage.NormalizeSerial(e.Serial)
	if _, ok := tx.l.serials[serial]; ok {
		return fmt.Errorf("%w: serial %s already recorded", storage.ErrSerialAllocation, serial)
	}
	if e.ID == "" {
		e.ID = uuid.New()
	}
	rec := cloneEntry(e)
	rec.Serial = serial
	tx.l.serials[serial] = len(tx.l.entries)
	tx.l.entries = append(tx.l.entries, rec)
	return nil
}

func (tx *memoryLedgerTx) Get(serial string) (*storage.Entry, error) {
	i, ok := tx.l.serials[storage.NormalizeSerial(serial)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", serial, storage.ErrNotFound)
	}
	return cloneEntry(tx.l.entries[i]), nil
}

func (tx *memoryLedgerTx) List() ([]*storage.Entry, error) {
	out := make([]*storage.Entry, 0, len(tx.l.entries))
	for _, e := range tx.l.entries {
		out = append(out, cloneEntry(e))
	}
	return out, nil
}

func (tx *memoryLedgerTx) FindByCommonName(cn string) ([]*storage.Entry, error) {
	var out []*storage.Entry
	for _, e := range tx.l.entries {
		if e.CommonName == cn {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}
