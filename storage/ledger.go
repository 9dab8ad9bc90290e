// Package storage defines the issuance ledger: a persisted serial counter
// and an index of every certificate signed under a PKI directory.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no ledger entry has the requested serial.
	ErrNotFound = errors.New("not found")

	// ErrSerialAllocation is returned when a serial cannot be allocated or
	// recorded: bad length, exhausted counter, duplicate entry or a failed
	// ledger write.
	ErrSerialAllocation = errors.New("serial allocation failed")

	// ErrLocked is returned when the ledger is held by another process for
	// longer than the configured lock timeout.
	ErrLocked = errors.New("ledger is locked")
)

// Serial length bounds, in bytes.
const (
	DefaultSerialBytes = 16
	MinSerialBytes     = 2
	MaxSerialBytes     = 20
)

// serialMarker is the leading byte of every allocated serial. It keeps the
// DER INTEGER positive and its encoded length fixed regardless of the
// counter value.
const serialMarker = 0x10

// Entry is one issuance recorded in the ledger.
type Entry struct {
	ID                string    `json:"id"`
	Serial            string    `json:"serial"`
	CommonName        string    `json:"common_name"`
	Subject           string    `json:"subject"`
	Issuer            string    `json:"issuer"`
	Role              string    `json:"role"`
	Template          string    `json:"template"`
	NotBefore         time.Time `json:"not_before"`
	NotAfter          time.Time `json:"not_after"`
	IssuedAt          time.Time `json:"issued_at"`
	FingerprintSHA256 string    `json:"fingerprint_sha256"`
}

// LedgerReader provides read access within a ledger transaction.
type LedgerReader interface {
	// Get returns the entry with the given serial (hex, any case).
	Get(serial string) (*Entry, error)
	// List returns all entries in issuance order.
	List() ([]*Entry, error)
	FindByCommonName(cn string) ([]*Entry, error)
	// Counter returns the last allocated counter value, 0 when none.
	Counter() (uint64, error)
}

// LedgerTx provides serial allocation and recording within an atomic
// ledger transaction.
type LedgerTx interface {
	LedgerReader
	// NextSerial increments the counter and returns the serial of byteLen
	// bytes built from it.
	NextSerial(byteLen int) (*big.Int, error)
	// Record appends e, assigning e.ID when empty. A duplicate serial fails
	// with ErrSerialAllocation.
	Record(e *Entry) error
}

// Ledger is the persisted serial counter plus issuance index of one PKI
// directory. If fn returns an error, Update discards every change fn made.
type Ledger interface {
	Update(ctx context.Context, fn func(tx LedgerTx) error) error
	View(ctx context.Context, fn func(tx LedgerReader) error) error
	// Reset drops the counter and every entry.
	Reset(ctx context.Context) error
}

// SerialFromCounter builds the byteLen-byte serial for counter: the marker
// byte followed by counter big-endian in byteLen-1 bytes.
func SerialFromCounter(counter uint64, byteLen int) (*big.Int, error) {
	if byteLen == 0 {
		byteLen = DefaultSerialBytes
	}
	if byteLen < MinSerialBytes || byteLen > MaxSerialBytes {
		return nil, fmt.Errorf("%w: serial length %d outside [%d, %d]", ErrSerialAllocation, byteLen, MinSerialBytes, MaxSerialBytes)
	}
	if counter == 0 {
		return nil, fmt.Errorf("%w: counter must start at 1", ErrSerialAllocation)
	}
	width := byteLen - 1
	if width < 8 && counter >= 1<<(8*width) {
		return nil, fmt.Errorf("%w: %d-byte serial space exhausted", ErrSerialAllocation, byteLen)
	}

	buf := make([]byte, byteLen)
	buf[0] = serialMarker
	for i := byteLen - 1; i > 0 && counter > 0; i-- {
		buf[i] = byte(counter)
		counter >>= 8
	}
	return new(big.Int).SetBytes(buf), nil
}

// FormatSerial renders a serial as upper-case hex with an even number of
// digits.
func FormatSerial(serial *big.Int) string {
	s := strings.ToUpper(serial.Text(16))
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return s
}

// NormalizeSerial upper-cases a hex serial so lookups are case-insensitive.
func NormalizeSerial(serial string) string {
	return strings.ToUpper(strings.TrimPrefix(strings.TrimPrefix(serial, "0x"), "0X"))
}

// MarshalEntry encodes e for a backend.
func MarshalEntry(e *Entry) ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEntry decodes a backend record.
func UnmarshalEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decoding ledger entry: %w", err)
	}
	return &e, nil
}

// CheckEntry validates e before it is recorded.
func CheckEntry(e *Entry) error {
	if e == nil || e.Serial == "" {
		return fmt.Errorf("%w: entry without serial", ErrSerialAllocation)
	}
	if e.CommonName == "" {
		return fmt.Errorf("%w: entry %s without common name", ErrSerialAllocation, e.Serial)
	}
	return nil
}
