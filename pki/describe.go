package pki

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/jmcleod/easypki/storage"
	"github.com/jmcleod/easypki/template"
	"github.com/jmcleod/easypki/x509util"
)

// Well-known field names returned by DescribeCertificate.
const (
	FieldSubject           = "subject"
	FieldIssuer            = "issuer"
	FieldSerialNumber      = "serial_number"
	FieldNotBefore         = "not_before"
	FieldNotAfter          = "not_after"
	FieldFingerprintSHA256 = "fingerprint_sha256"
	FieldKeyAlgorithm      = "key_algorithm"
	FieldStatus            = "status"
	FieldIsCA              = "is_ca"
	FieldExtensions        = "extensions"
)

// Certificate status values.
const (
	StatusActive  = "active"
	StatusExpired = "expired"
)

var extensionNames = map[string]string{
	template.OIDSubjectKeyIdentifier.String():   "subjectKeyIdentifier",
	template.OIDAuthorityKeyIdentifier.String(): "authorityKeyIdentifier",
	template.OIDBasicConstraints.String():       "basicConstraints",
	template.OIDKeyUsage.String():               "keyUsage",
	template.OIDExtKeyUsage.String():            "extKeyUsage",
	template.OIDCertificatePolicies.String():    "certificatePolicies",
}

// DescribeCertificate decodes a PEM certificate and returns a map of
// well-known field values. Extensions are listed in encoded order.
func DescribeCertificate(certPEM []byte) (map[string]string, error) {
	cert, err := x509util.ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}
	fingerprint := sha256.Sum256(cert.Raw)

	return map[string]string{
		FieldSubject:           template.DistinguishedName(cert.Subject.Names),
		FieldIssuer:            template.DistinguishedName(cert.Issuer.Names),
		FieldSerialNumber:      storage.FormatSerial(cert.SerialNumber),
		FieldNotBefore:         cert.NotBefore.UTC().Format(time.RFC3339),
		FieldNotAfter:          cert.NotAfter.UTC().Format(time.RFC3339),
		FieldFingerprintSHA256: hex.EncodeToString(fingerprint[:]),
		FieldKeyAlgorithm:      keyAlgorithmString(cert),
		FieldStatus:            certStatus(cert, time.Now()),
		FieldIsCA:              fmt.Sprint(cert.IsCA),
		FieldExtensions:        ExtensionNames(cert),
	}, nil
}

// ExtensionNames returns the comma-separated names of cert's extensions in
// encoded order. Extensions without a well-known name are shown by OID.
func ExtensionNames(cert *x509.Certificate) string {
	names := make([]string, 0, len(cert.Extensions))
	for _, ext := range cert.Extensions {
		name, ok := extensionNames[ext.Id.String()]
		if !ok {
			name = ext.Id.String()
		}
		names = append(names, name)
	}
	return strings.Join(names, ",")
}

// certStatus returns "active" or "expired" based on the certificate's validity window.
func certStatus(cert *x509.Certificate, now time.Time) string {
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return StatusExpired
	}
	return StatusActive
}

func keyAlgorithmString(cert *x509.Certificate) string {
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		return fmt.Sprintf("RSA-%d", pub.N.BitLen())
	default:
		return cert.PublicKeyAlgorithm.String()
	}
}
