package pki

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/jmcleod/easypki/x509util"
)

// SoftwareKeyStore keeps RSA private keys as PEM sealed in memguard
// enclaves. Keys are identified by an opaque string generated at creation
// time. This is the default KeyStore.
//
// Keys in this store are ephemeral: the PKI layer persists them to the
// directory via ExportPEM and reloads them with ImportPEM.
type SoftwareKeyStore struct {
	mu   sync.Mutex
	keys map[string]*memguard.Enclave
	rand io.Reader // defaults to crypto/rand.Reader
	seq  int       // monotonic counter for key IDs
}

// Compile-time interface check.
var _ KeyStore = (*SoftwareKeyStore)(nil)

// NewSoftwareKeyStore returns a SoftwareKeyStore ready for use.
func NewSoftwareKeyStore() *SoftwareKeyStore {
	return &SoftwareKeyStore{
		keys: make(map[string]*memguard.Enclave),
		rand: rand.Reader,
	}
}

// seal stores pemData, which is wiped.
func (s *SoftwareKeyStore) seal(pemData []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("sw-%d", s.seq)
	s.keys[id] = memguard.NewEnclave(pemData)
	return id
}

func (s *SoftwareKeyStore) open(keyID string) (*memguard.LockedBuffer, error) {
	s.mu.Lock()
	enclave, ok := s.keys[keyID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	buf, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening key enclave: %w", err)
	}
	return buf, nil
}

// GenerateKey creates a new RSA key pair.
func (s *SoftwareKeyStore) GenerateKey(bits int) (string, error) {
	priv, err := x509util.GenerateKey(s.rand, bits)
	if err != nil {
		return "", err
	}
	return s.seal(x509util.EncodePrivateKeyPEM(priv)), nil
}

// Signer decodes the sealed key. The returned *rsa.PrivateKey lives in
// ordinary memory for as long as the caller keeps it.
func (s *SoftwareKeyStore) Signer(keyID string) (crypto.Signer, error) {
	buf, err := s.open(keyID)
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()
	return x509util.ParsePrivateKeyPEM(buf.Bytes())
}

// ExportPEM returns a copy of the sealed PEM.
func (s *SoftwareKeyStore) ExportPEM(keyID string) ([]byte, error) {
	buf, err := s.open(keyID)
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()
	return bytes.Clone(buf.Bytes()), nil
}

// ImportPEM validates pemData and seals a verbatim copy of it. The
// caller's slice is left untouched.
func (s *SoftwareKeyStore) ImportPEM(pemData []byte) (string, error) {
	if _, err := x509util.ParsePrivateKeyPEM(pemData); err != nil {
		return "", err
	}
	return s.seal(bytes.Clone(pemData)), nil
}

// Delete drops the enclave.
func (s *SoftwareKeyStore) Delete(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, keyID)
	return nil
}
