package template

import (
	"crypto"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"slices"

	"golang.org/x/crypto/cryptobyte"
	cryptobyte_asn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// ErrInvalidDescriptor is returned when an extension descriptor is
// malformed or lacks the issuance context it needs.
var ErrInvalidDescriptor = errors.New("invalid extension descriptor")

// Context carries the per-issuance inputs that extension descriptors need.
// For a self-signed certificate the issuer fields describe the certificate
// itself.
type Context struct {
	SubjectKey   crypto.PublicKey
	IssuerKey    crypto.PublicKey
	IssuerName   []byte // DER-encoded issuer name
	IssuerSerial *big.Int
}

// Descriptor describes one extension of a certificate template. Each
// implementation is a variant of a tagged union; Extension encodes it for a
// concrete issuance.
type Descriptor interface {
	// Name is the well-known extension name, e.g. "basicConstraints".
	Name() string
	OID() asn1.ObjectIdentifier
	Extension(ctx Context) (pkix.Extension, error)
}

// KeyIdentifier returns the SHA-1 digest of the subjectPublicKey bit string
// of pub (RFC 5280, section 4.2.1.2, method 1).
func KeyIdentifier(pub crypto.PublicKey) ([]byte, error) {
	if pub == nil {
		return nil, fmt.Errorf("%w: missing public key", ErrInvalidDescriptor)
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshalling public key: %w", err)
	}
	var spki struct {
		Algorithm        pkix.AlgorithmIdentifier
		SubjectPublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, fmt.Errorf("decoding public key: %w", err)
	}
	sum := sha1.Sum(spki.SubjectPublicKey.Bytes)
	return sum[:], nil
}

func build(fn cryptobyte.BuilderContinuation) ([]byte, error) {
	var b cryptobyte.Builder
	fn(&b)
	return b.Bytes()
}

// SubjectKeyIdentifier identifies the certified public key.
type SubjectKeyIdentifier struct{}

func (SubjectKeyIdentifier) Name() string               { return "subjectKeyIdentifier" }
func (SubjectKeyIdentifier) OID() asn1.ObjectIdentifier { return OIDSubjectKeyIdentifier }

func (d SubjectKeyIdentifier) Extension(ctx Context) (pkix.Extension, error) {
	kid, err := KeyIdentifier(ctx.SubjectKey)
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("%s: %w", d.Name(), err)
	}
	value, err := build(func(b *cryptobyte.Builder) { b.AddASN1OctetString(kid) })
	if err != nil {
		return pkix.Extension{}, err
	}
	return pkix.Extension{Id: d.OID(), Value: value}, nil
}

// AuthorityKeyIdentifier identifies the key that signed the certificate.
// AuthorityCertIssuer and SerialNumber must be set together.
type AuthorityKeyIdentifier struct {
	KeyIdentifier       bool
	AuthorityCertIssuer bool
	SerialNumber        bool
}

func (AuthorityKeyIdentifier) Name() string               { return "authorityKeyIdentifier" }
func (AuthorityKeyIdentifier) OID() asn1.ObjectIdentifier { return OIDAuthorityKeyIdentifier }

func (d AuthorityKeyIdentifier) validate() error {
	if !d.KeyIdentifier && !d.AuthorityCertIssuer {
		return fmt.Errorf("%w: %s selects no fields", ErrInvalidDescriptor, d.Name())
	}
	if d.AuthorityCertIssuer != d.SerialNumber {
		return fmt.Errorf("%w: %s needs authorityCertIssuer and serialNumber together", ErrInvalidDescriptor, d.Name())
	}
	return nil
}

func (d AuthorityKeyIdentifier) Extension(ctx Context) (pkix.Extension, error) {
	if err := d.validate(); err != nil {
		return pkix.Extension{}, err
	}
	var kid []byte
	if d.KeyIdentifier {
		var err error
		if kid, err = KeyIdentifier(ctx.IssuerKey); err != nil {
			return pkix.Extension{}, fmt.Errorf("%s: %w", d.Name(), err)
		}
	}
	if d.AuthorityCertIssuer && (len(ctx.IssuerName) == 0 || ctx.IssuerSerial == nil) {
		return pkix.Extension{}, fmt.Errorf("%w: %s needs the issuer name and serial", ErrInvalidDescriptor, d.Name())
	}

	value, err := build(func(b *cryptobyte.Builder) {
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			if d.KeyIdentifier {
				b.AddASN1(cryptobyte_asn1.Tag(0).ContextSpecific(), func(b *cryptobyte.Builder) {
					b.AddBytes(kid)
				})
			}
			if d.AuthorityCertIssuer {
				// GeneralNames { directoryName [4] Name }
				b.AddASN1(cryptobyte_asn1.Tag(1).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
					b.AddASN1(cryptobyte_asn1.Tag(4).ContextSpecific().Constructed(), func(b *cryptobyte.Builder) {
						b.AddBytes(ctx.IssuerName)
					})
				})
				b.AddASN1(cryptobyte_asn1.Tag(2).ContextSpecific(), func(b *cryptobyte.Builder) {
					b.AddBytes(integerBytes(ctx.IssuerSerial))
				})
			}
		})
	})
	if err != nil {
		return pkix.Extension{}, err
	}
	return pkix.Extension{Id: d.OID(), Value: value}, nil
}

// integerBytes returns the DER INTEGER content octets of a non-negative n.
func integerBytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) == 0 || b[0]&0x80 != 0 {
		b = append([]byte{0}, b...)
	}
	return b
}

// BasicConstraints marks whether the subject is a CA.
type BasicConstraints struct {
	Critical bool
	CA       bool
}

func (BasicConstraints) Name() string               { return "basicConstraints" }
func (BasicConstraints) OID() asn1.ObjectIdentifier { return OIDBasicConstraints }

func (d BasicConstraints) Extension(Context) (pkix.Extension, error) {
	value, err := build(func(b *cryptobyte.Builder) {
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			// cA is DEFAULT FALSE and therefore omitted when false.
			if d.CA {
				b.AddASN1Boolean(true)
			}
		})
	})
	if err != nil {
		return pkix.Extension{}, err
	}
	return pkix.Extension{Id: d.OID(), Critical: d.Critical, Value: value}, nil
}

// KeyUsage restricts the cryptographic operations of the certified key.
type KeyUsage struct {
	Critical bool
	Usage    x509.KeyUsage
}

func (KeyUsage) Name() string               { return "keyUsage" }
func (KeyUsage) OID() asn1.ObjectIdentifier { return OIDKeyUsage }

func (d KeyUsage) Extension(Context) (pkix.Extension, error) {
	if d.Usage == 0 || d.Usage >= 1<<9 {
		return pkix.Extension{}, fmt.Errorf("%w: %s has no valid bits set", ErrInvalidDescriptor, d.Name())
	}
	bits := []byte{reverseBits(byte(d.Usage)), reverseBits(byte(d.Usage >> 8))}
	if bits[1] == 0 {
		bits = bits[:1]
	}
	var unused uint8
	for last := bits[len(bits)-1]; last&1 == 0; last >>= 1 {
		unused++
	}

	value, err := build(func(b *cryptobyte.Builder) {
		b.AddASN1(cryptobyte_asn1.BIT_STRING, func(b *cryptobyte.Builder) {
			b.AddUint8(unused)
			b.AddBytes(bits)
		})
	})
	if err != nil {
		return pkix.Extension{}, err
	}
	return pkix.Extension{Id: d.OID(), Critical: d.Critical, Value: value}, nil
}

func reverseBits(b byte) byte {
	var r byte
	for i := 0; i < 8; i++ {
		r <<= 1
		r |= b & 1
		b >>= 1
	}
	return r
}

// ExtKeyUsage lists the purposes the certified key may be used for.
type ExtKeyUsage struct {
	Critical bool
	Usages   []asn1.ObjectIdentifier
}

func (ExtKeyUsage) Name() string               { return "extKeyUsage" }
func (ExtKeyUsage) OID() asn1.ObjectIdentifier { return OIDExtKeyUsage }

func (d ExtKeyUsage) Extension(Context) (pkix.Extension, error) {
	if len(d.Usages) == 0 {
		return pkix.Extension{}, fmt.Errorf("%w: %s lists no purposes", ErrInvalidDescriptor, d.Name())
	}
	value, err := build(func(b *cryptobyte.Builder) {
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			for _, oid := range d.Usages {
				b.AddASN1ObjectIdentifier(oid)
			}
		})
	})
	if err != nil {
		return pkix.Extension{}, err
	}
	return pkix.Extension{Id: d.OID(), Critical: d.Critical, Value: value}, nil
}

// CertificatePolicies carries a single policy, optionally qualified with a
// user notice whose explicit text is Notice.
type CertificatePolicies struct {
	Critical bool
	Policy   asn1.ObjectIdentifier
	Notice   string
}

func (CertificatePolicies) Name() string               { return "certificatePolicies" }
func (CertificatePolicies) OID() asn1.ObjectIdentifier { return OIDCertificatePolicies }

func (d CertificatePolicies) Extension(Context) (pkix.Extension, error) {
	policy := d.Policy
	if len(policy) == 0 {
		policy = OIDAnyPolicy
	}
	value, err := build(func(b *cryptobyte.Builder) {
		b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1ObjectIdentifier(policy)
				if d.Notice == "" {
					return
				}
				b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
						b.AddASN1ObjectIdentifier(oidUserNotice)
						b.AddASN1(cryptobyte_asn1.SEQUENCE, func(b *cryptobyte.Builder) {
							b.AddASN1(cryptobyte_asn1.UTF8String, func(b *cryptobyte.Builder) {
								b.AddBytes([]byte(d.Notice))
							})
						})
					})
				})
			})
		})
	})
	if err != nil {
		return pkix.Extension{}, err
	}
	return pkix.Extension{Id: d.OID(), Critical: d.Critical, Value: value}, nil
}

// Raw is an extension identified only by its OID, with an opaque,
// pre-encoded value.
type Raw struct {
	Label    string
	ID       asn1.ObjectIdentifier
	Critical bool
	Value    []byte
}

func (d Raw) Name() string {
	if d.Label != "" {
		return d.Label
	}
	return d.ID.String()
}

func (d Raw) OID() asn1.ObjectIdentifier { return d.ID }

func (d Raw) Extension(Context) (pkix.Extension, error) {
	if len(d.ID) == 0 {
		return pkix.Extension{}, fmt.Errorf("%w: raw extension without OID", ErrInvalidDescriptor)
	}
	return pkix.Extension{Id: slices.Clone(d.ID), Critical: d.Critical, Value: slices.Clone(d.Value)}, nil
}
