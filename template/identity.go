package template

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// ErrInvalidIdentity is returned when an Identity cannot be turned into a
// subject name.
var ErrInvalidIdentity = errors.New("invalid identity")

// Identity is the logical name of a certificate holder: a mandatory common
// name plus named subject attributes.
type Identity struct {
	CommonName string
	Attributes map[string]string
}

type attributeSpec struct {
	oid   asn1.ObjectIdentifier
	short string
	long  string
}

// canonicalAttributes is the fixed order in which recognized attributes
// follow the common name.
var canonicalAttributes = []attributeSpec{
	{oid: oidCountry, short: "C", long: "countryName"},
	{oid: oidProvince, short: "ST", long: "stateOrProvinceName"},
	{oid: oidLocality, short: "L", long: "localityName"},
	{oid: oidOrganization, short: "O", long: "organizationName"},
	{oid: oidOrganizationalUnit, short: "OU", long: "organizationalUnitName"},
}

// BuildSubject returns the ordered attribute list for id. The common name is
// always first; recognized attributes follow in canonical order and only
// when present. Attribute keys may be long ("organizationName") or short
// ("O") names; when both are given the long name wins. Unrecognized keys are
// ignored. Values are NFC normalized.
func BuildSubject(id Identity) ([]pkix.AttributeTypeAndValue, error) {
	if strings.TrimSpace(id.CommonName) == "" {
		return nil, fmt.Errorf("%w: commonName is required", ErrInvalidIdentity)
	}
	cn, err := normalize("commonName", id.CommonName)
	if err != nil {
		return nil, err
	}

	attrs := []pkix.AttributeTypeAndValue{{Type: oidCommonName, Value: cn}}
	for _, known := range canonicalAttributes {
		v, ok := id.Attributes[known.long]
		if !ok {
			v, ok = id.Attributes[known.short]
		}
		if !ok || v == "" {
			continue
		}
		v, err = normalize(known.long, v)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, pkix.AttributeTypeAndValue{Type: known.oid, Value: v})
	}
	return attrs, nil
}

func normalize(name, v string) (string, error) {
	if !utf8.ValidString(v) {
		return "", fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidIdentity, name)
	}
	return norm.NFC.String(v), nil
}

// MarshalSubject encodes attrs as a DER RDNSequence with one attribute per
// RDN, preserving order.
func MarshalSubject(attrs []pkix.AttributeTypeAndValue) ([]byte, error) {
	rdns := make(pkix.RDNSequence, 0, len(attrs))
	for _, a := range attrs {
		rdns = append(rdns, pkix.RelativeDistinguishedNameSET{a})
	}
	der, err := asn1.Marshal(rdns)
	if err != nil {
		return nil, fmt.Errorf("encoding subject: %w", err)
	}
	return der, nil
}

// SubjectDER is BuildSubject followed by MarshalSubject.
func SubjectDER(id Identity) ([]byte, error) {
	attrs, err := BuildSubject(id)
	if err != nil {
		return nil, err
	}
	return MarshalSubject(attrs)
}

var shortNames = map[string]string{
	oidCommonName.String():         "CN",
	oidCountry.String():            "C",
	oidProvince.String():           "ST",
	oidLocality.String():           "L",
	oidOrganization.String():       "O",
	oidOrganizationalUnit.String(): "OU",
}

// DistinguishedName formats attrs as "CN=..., C=..." in the given order.
// Types without a short name are rendered as their dotted OID.
func DistinguishedName(attrs []pkix.AttributeTypeAndValue) string {
	parts := make([]string, 0, len(attrs))
	for _, a := range attrs {
		key, ok := shortNames[a.Type.String()]
		if !ok {
			key = a.Type.String()
		}
		parts = append(parts, fmt.Sprintf("%s=%v", key, a.Value))
	}
	return strings.Join(parts, ", ")
}

// Attributes maps parsed subject attributes back to their long names. The
// common name is returned under "commonName".
func Attributes(attrs []pkix.AttributeTypeAndValue) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		s, ok := a.Value.(string)
		if !ok {
			continue
		}
		if a.Type.Equal(oidCommonName) {
			m["commonName"] = s
			continue
		}
		for _, known := range canonicalAttributes {
			if a.Type.Equal(known.oid) {
				m[known.long] = s
				break
			}
		}
	}
	return m
}
