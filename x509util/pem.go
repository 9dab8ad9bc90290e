package x509util

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
)

// PEM block types written to disk.
const (
	PEMTypeRSAPrivateKey = "RSA PRIVATE KEY"
	PEMTypePrivateKey    = "PRIVATE KEY"
	PEMTypeCertificate   = "CERTIFICATE"
	PEMTypeCSR           = "CERTIFICATE REQUEST"
)

// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
var ErrInvalidPEM = errors.New("invalid PEM data")

// EncodePEM encodes a single block with CRLF line endings.
func EncodePEM(blockType string, der []byte) []byte {
	out := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	return bytes.ReplaceAll(out, []byte("\n"), []byte("\r\n"))
}

func decodePEM(data []byte, types ...string) (*pem.Block, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidPEM)
	}
	for _, t := range types {
		if block.Type == t {
			return block, nil
		}
	}
	return nil, fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidPEM, block.Type)
}

// EncodePrivateKeyPEM encodes key as PKCS#1 "RSA PRIVATE KEY". The
// intermediate DER is wiped before returning.
func EncodePrivateKeyPEM(key *rsa.PrivateKey) []byte {
	der := x509.MarshalPKCS1PrivateKey(key)
	defer memguard.WipeBytes(der)
	return EncodePEM(PEMTypeRSAPrivateKey, der)
}

// ParsePrivateKeyPEM decodes a PKCS#1 or PKCS#8 RSA private key.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, err := decodePEM(data, PEMTypeRSAPrivateKey, PEMTypePrivateKey)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(block.Bytes)

	if block.Type == PEMTypeRSAPrivateKey {
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
		}
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidPEM)
	}
	return key, nil
}

// EncodeCertificatePEM encodes a DER certificate.
func EncodeCertificatePEM(der []byte) []byte {
	return EncodePEM(PEMTypeCertificate, der)
}

// ParseCertificatePEM decodes the first certificate in data.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	block, err := decodePEM(data, PEMTypeCertificate)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return cert, nil
}

// EncodeCSRPEM encodes a DER certificate request.
func EncodeCSRPEM(der []byte) []byte {
	return EncodePEM(PEMTypeCSR, der)
}

// ParseCSRPEM decodes a certificate request and checks its signature.
func ParseCSRPEM(data []byte) (*x509.CertificateRequest, error) {
	block, err := decodePEM(data, PEMTypeCSR, "NEW CERTIFICATE REQUEST")
	if err != nil {
		return nil, err
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("CSR signature invalid: %w", err)
	}
	return csr, nil
}
