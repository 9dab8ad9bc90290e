package template_test

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"testing"

	"github.com/jmcleod/easypki/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSubject_CanonicalOrder(t *testing.T) {
	attrs, err := template.BuildSubject(template.Identity{
		CommonName: "alice",
		Attributes: map[string]string{
			"organizationalUnitName": "Ops",
			"countryName":            "US",
			"organizationName":       "Acme",
			"localityName":           "Springfield",
			"stateOrProvinceName":    "IL",
		},
	})
	require.NoError(t, err)
	require.Len(t, attrs, 6)

	assert.Equal(t, "CN=alice, C=US, ST=IL, L=Springfield, O=Acme, OU=Ops", template.DistinguishedName(attrs))
}

func TestBuildSubject_CommonNameOnly(t *testing.T) {
	attrs, err := template.BuildSubject(template.Identity{CommonName: "server1"})
	require.NoError(t, err)
	require.Len(t, attrs, 1)
	assert.Equal(t, asn1.ObjectIdentifier{2, 5, 4, 3}, attrs[0].Type)
	assert.Equal(t, "server1", attrs[0].Value)
}

func TestBuildSubject_ShortNamesAndPrecedence(t *testing.T) {
	attrs, err := template.BuildSubject(template.Identity{
		CommonName: "bob",
		Attributes: map[string]string{
			"O":                "Short Org",
			"organizationName": "Long Org",
			"C":                "DE",
			"emailAddress":     "ignored@example.com",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "CN=bob, C=DE, O=Long Org", template.DistinguishedName(attrs))
}

func TestBuildSubject_RequiresCommonName(t *testing.T) {
	_, err := template.BuildSubject(template.Identity{CommonName: "  "})
	assert.ErrorIs(t, err, template.ErrInvalidIdentity)
}

func TestBuildSubject_RejectsInvalidUTF8(t *testing.T) {
	_, err := template.BuildSubject(template.Identity{
		CommonName: "carol",
		Attributes: map[string]string{"O": "\xff\xfe"},
	})
	assert.ErrorIs(t, err, template.ErrInvalidIdentity)
}

func TestBuildSubject_NormalizesNFC(t *testing.T) {
	// "e" followed by a combining acute accent composes to U+00E9.
	attrs, err := template.BuildSubject(template.Identity{CommonName: "jose\u0301"})
	require.NoError(t, err)
	assert.Equal(t, "jos\u00e9", attrs[0].Value)
}

func TestMarshalSubject_OneAttributePerRDN(t *testing.T) {
	der, err := template.SubjectDER(template.Identity{
		CommonName: "dave",
		Attributes: map[string]string{"C": "FR", "O": "Example"},
	})
	require.NoError(t, err)

	var rdns pkix.RDNSequence
	rest, err := asn1.Unmarshal(der, &rdns)
	require.NoError(t, err)
	assert.Empty(t, rest)
	require.Len(t, rdns, 3)
	for _, set := range rdns {
		assert.Len(t, set, 1)
	}
	assert.Equal(t, "dave", rdns[0][0].Value)
	assert.Equal(t, "FR", rdns[1][0].Value)
	assert.Equal(t, "Example", rdns[2][0].Value)
}

func TestAttributes_LongNames(t *testing.T) {
	attrs, err := template.BuildSubject(template.Identity{
		CommonName: "erin",
		Attributes: map[string]string{"ST": "CA", "OU": "Dev"},
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"commonName":             "erin",
		"stateOrProvinceName":    "CA",
		"organizationalUnitName": "Dev",
	}, template.Attributes(attrs))
}
