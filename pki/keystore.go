package pki

import (
	"crypto"
	"fmt"
)

// KeyStore abstracts private-key handling so the issuance pipeline never
// holds raw key material longer than a signing operation needs it.
//
// A KeyID uniquely identifies a key managed by the store; its format is
// implementation-defined.
type KeyStore interface {
	// GenerateKey creates a new RSA key of the given size and returns an
	// opaque identifier.
	GenerateKey(bits int) (keyID string, err error)

	// Signer returns a [crypto.Signer] for the key identified by keyID.
	Signer(keyID string) (crypto.Signer, error)

	// ExportPEM returns the private key PEM. For an imported key this is
	// exactly the PEM that was imported.
	ExportPEM(keyID string) ([]byte, error)

	// ImportPEM loads a PEM-encoded RSA private key and returns its key ID.
	ImportPEM(pemData []byte) (keyID string, err error)

	// Delete releases the key identified by keyID.
	Delete(keyID string) error
}

// ErrKeyNotFound is returned when the referenced key ID does not exist.
var ErrKeyNotFound = fmt.Errorf("key not found")
