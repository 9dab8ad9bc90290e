package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jmcleod/easypki/storage"
)

func TestMemoryLedger(t *testing.T) {
	ctx := t.Context()
	l := NewLedger()

	t.Run("RecordAndGet", func(t *testing.T) {
		entry := &storage.Entry{CommonName: "client1", Role: "client"}
		err := l.Update(ctx, func(tx storage.LedgerTx) error {
			serial, err := tx.NextSerial(9)
			if err != nil {
				return err
			}
			entry.Serial = storage.FormatSerial(serial)
			return tx.Record(entry)
		})
		if err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if entry.ID == "" {
			t.Error("Record should assign an ID")
		}
		if entry.Serial != "100000000000000001" {
			t.Errorf("unexpected serial %s", entry.Serial)
		}

		err = l.View(ctx, func(tx storage.LedgerReader) error {
			got, err := tx.Get("100000000000000001")
			if err != nil {
				return err
			}
			if got.CommonName != "client1" || got.ID != entry.ID {
				t.Errorf("Get returned wrong entry: %+v", got)
			}
			// Test isolation (cloning)
			got.CommonName = "mutated"
			again, _ := tx.Get(entry.Serial)
			if again.CommonName != "client1" {
				t.Error("Memory ledger should return clones of entries")
			}
			return nil
		})
		if err != nil {
			t.Fatalf("View failed: %v", err)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		err := l.View(ctx, func(tx storage.LedgerReader) error {
			_, err := tx.Get("AB")
			return err
		})
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("RollbackOnError", func(t *testing.T) {
		err := l.Update(ctx, func(tx storage.LedgerTx) error {
			serial, err := tx.NextSerial(9)
			if err != nil {
				return err
			}
			if err := tx.Record(&storage.Entry{Serial: storage.FormatSerial(serial), CommonName: "ghost"}); err != nil {
				return err
			}
			return errors.New("abort")
		})
		if err == nil {
			t.Fatal("expected error")
		}
		_ = l.View(ctx, func(tx storage.LedgerReader) error {
			c, _ := tx.Counter()
			if c != 1 {
				t.Errorf("counter should be rolled back to 1, got %d", c)
			}
			found, _ := tx.FindByCommonName("ghost")
			if len(found) != 0 {
				t.Error("rolled back entry is still visible")
			}
			return nil
		})
	})

	t.Run("DuplicateSerial", func(t *testing.T) {
		err := l.Update(ctx, func(tx storage.LedgerTx) error {
			return tx.Record(&storage.Entry{Serial: "100000000000000001", CommonName: "again"})
		})
		if !errors.Is(err, storage.ErrSerialAllocation) {
			t.Errorf("expected ErrSerialAllocation, got %v", err)
		}
	})

	t.Run("Exhausted", func(t *testing.T) {
		small := NewLedger()
		var err error
		for i := 0; i < 256 && err == nil; i++ {
			err = small.Update(ctx, func(tx storage.LedgerTx) error {
				_, err := tx.NextSerial(2)
				return err
			})
		}
		if !errors.Is(err, storage.ErrSerialAllocation) {
			t.Errorf("expected ErrSerialAllocation once 255 serials are used, got %v", err)
		}
	})

	t.Run("Reset", func(t *testing.T) {
		if err := l.Reset(ctx); err != nil {
			t.Fatalf("Reset failed: %v", err)
		}
		_ = l.View(ctx, func(tx storage.LedgerReader) error {
			all, _ := tx.List()
			c, _ := tx.Counter()
			if len(all) != 0 || c != 0 {
				t.Errorf("expected empty ledger, got %d entries and counter %d", len(all), c)
			}
			return nil
		})
	})
}

func TestMemoryLedger_Concurrent(t *testing.T) {
	l := NewLedger()
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Update(ctx, func(tx storage.LedgerTx) error {
				serial, err := tx.NextSerial(16)
				if err != nil {
					return err
				}
				return tx.Record(&storage.Entry{Serial: storage.FormatSerial(serial), CommonName: "c"})
			})
			if err != nil {
				t.Errorf("Update failed: %v", err)
			}
		}()
	}
	wg.Wait()

	_ = l.View(ctx, func(tx storage.LedgerReader) error {
		all, _ := tx.List()
		if len(all) != 50 {
			t.Errorf("expected 50 entries, got %d", len(all))
		}
		return nil
	})
}
