// Package uuid generates random identifiers for ledger entries and staged
// files.
package uuid

import "github.com/google/uuid"

// New returns a random (version 4) UUID string.
func New() string {
	return uuid.NewString()
}
