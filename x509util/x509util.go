// Package x509util produces RSA keys, certificate requests and certificates
// with caller-controlled subjects and extension order, and encodes them as
// CRLF PEM.
//
// Certificates built here carry every extension in ExtraExtensions; the
// standard library is never left to add key identifiers or constraints on
// its own, so the encoded order is exactly the order requested.
package x509util

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"slices"
	"time"

	"github.com/jmcleod/easypki/template"
)

// DefaultKeyBits is the RSA modulus size used when none is configured.
const DefaultKeyBits = 2048

// MinKeyBits is the smallest accepted modulus size.
const MinKeyBits = 1024

var (
	// ErrSigning is returned when a certificate cannot be signed, including
	// when the signing key does not belong to the declared issuer.
	ErrSigning = errors.New("signing failed")

	// ErrKeySize is returned for RSA sizes below MinKeyBits.
	ErrKeySize = errors.New("unsupported RSA key size")
)

// GenerateKey creates an RSA key. bits of zero selects DefaultKeyBits.
func GenerateKey(rand io.Reader, bits int) (*rsa.PrivateKey, error) {
	if bits == 0 {
		bits = DefaultKeyBits
	}
	if bits < MinKeyBits {
		return nil, fmt.Errorf("%w: %d bits", ErrKeySize, bits)
	}
	key, err := rsa.GenerateKey(rand, bits)
	if err != nil {
		return nil, fmt.Errorf("generating RSA-%d key: %w", bits, err)
	}
	return key, nil
}

// SubjectKeyID returns the RFC 5280 method 1 key identifier of pub.
func SubjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	return template.KeyIdentifier(pub)
}

// CreateCSR builds and signs a certificate request for subject, a DER
// RDNSequence. No attributes or extension requests are included.
func CreateCSR(rand io.Reader, subject []byte, signer crypto.Signer) ([]byte, error) {
	tmpl := &x509.CertificateRequest{RawSubject: subject}
	der, err := x509.CreateCertificateRequest(rand, tmpl, signer)
	if err != nil {
		return nil, fmt.Errorf("creating certificate request: %w", err)
	}
	return der, nil
}

// CertificateParams describes an unsigned certificate.
type CertificateParams struct {
	Subject    []byte // DER RDNSequence
	Serial     *big.Int
	NotBefore  time.Time
	NotAfter   time.Time
	PublicKey  crypto.PublicKey
	Extensions []pkix.Extension
}

// NewCertificateTemplate returns an unsigned certificate built from p.
func NewCertificateTemplate(p CertificateParams) (*x509.Certificate, error) {
	switch {
	case len(p.Subject) == 0:
		return nil, errors.New("certificate subject is required")
	case p.Serial == nil || p.Serial.Sign() <= 0:
		return nil, errors.New("certificate serial must be positive")
	case p.PublicKey == nil:
		return nil, errors.New("certificate public key is required")
	case !p.NotAfter.After(p.NotBefore):
		return nil, errors.New("certificate validity window is empty")
	}
	return &x509.Certificate{
		RawSubject:      slices.Clone(p.Subject),
		SerialNumber:    new(big.Int).Set(p.Serial),
		NotBefore:       p.NotBefore.UTC(),
		NotAfter:        p.NotAfter.UTC(),
		PublicKey:       p.PublicKey,
		ExtraExtensions: slices.Clone(p.Extensions),
	}, nil
}

type publicKeyEqualer interface {
	Equal(crypto.PublicKey) bool
}

// SignCertificate signs tmpl with signer on behalf of parent. A nil parent
// self-signs. signer must hold the private half of the parent's public key
// (or of tmpl's, when self-signing).
func SignCertificate(rand io.Reader, tmpl, parent *x509.Certificate, signer crypto.Signer) ([]byte, error) {
	if parent == nil {
		parent = tmpl
	}
	pub, ok := signer.Public().(publicKeyEqualer)
	if !ok || !pub.Equal(parent.PublicKey) {
		return nil, fmt.Errorf("%w: signing key does not match issuer", ErrSigning)
	}

	// The issuer name comes from parent.RawSubject. Dropping its key
	// identifier keeps the library from adding an authorityKeyIdentifier
	// the template did not ask for.
	issuer := *parent
	issuer.SubjectKeyId = nil

	der, err := x509.CreateCertificate(rand, tmpl, &issuer, tmpl.PublicKey, signer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return der, nil
}
