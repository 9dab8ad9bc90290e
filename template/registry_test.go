package template_test

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"math/big"
	"testing"

	"github.com/jmcleod/easypki/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func oids(exts []pkix.Extension) []string {
	out := make([]string, len(exts))
	for i, e := range exts {
		out[i] = e.Id.String()
	}
	return out
}

func TestDefaultRegistry_Names(t *testing.T) {
	r := template.DefaultRegistry()
	assert.Equal(t, []string{"mdm", "ssl", "vpn"}, r.Names())
	assert.True(t, r.Has(template.DefaultName))
	assert.False(t, r.Has("nope"))

	roles, err := r.Roles(template.NameMDM)
	require.NoError(t, err)
	assert.Equal(t, []template.Role{template.RoleCA, template.RoleClient}, roles)
}

func TestExtensionsFor_Order(t *testing.T) {
	key := newTestKey(t)
	name, err := template.SubjectDER(template.Identity{CommonName: "Easy-RSA CA"})
	require.NoError(t, err)
	ctx := template.Context{
		SubjectKey:   &key.PublicKey,
		IssuerKey:    &key.PublicKey,
		IssuerName:   name,
		IssuerSerial: big.NewInt(0x1001),
	}

	tests := []struct {
		tmpl string
		role template.Role
		want []string
	}{
		{"vpn", template.RoleCA, []string{"2.5.29.14", "2.5.29.35", "2.5.29.19", "2.5.29.15"}},
		{"vpn", template.RoleClient, []string{"2.5.29.19", "2.5.29.14", "2.5.29.35", "2.5.29.15", "2.5.29.37"}},
		{"vpn", template.RoleServer, []string{"2.5.29.19", "2.5.29.14", "2.5.29.35", "2.5.29.15", "2.5.29.37"}},
		{"ssl", template.RoleCA, []string{"2.5.29.14", "2.5.29.35", "2.5.29.19", "2.5.29.15"}},
		{"mdm", template.RoleCA, []string{"2.5.29.14", "2.5.29.35", "2.5.29.19", "2.5.29.15", "2.5.29.32"}},
		{"mdm", template.RoleClient, []string{"2.5.29.19", "2.5.29.14", "2.5.29.35", "2.5.29.37", "2.5.29.15", "1.2.840.113635.100.6.10.2"}},
	}
	r := template.DefaultRegistry()
	for _, tt := range tests {
		t.Run(tt.tmpl+"/"+string(tt.role), func(t *testing.T) {
			exts, err := r.ExtensionsFor(tt.tmpl, tt.role, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, oids(exts))
		})
	}
}

func TestLookup_UnsupportedRole(t *testing.T) {
	r := template.DefaultRegistry()

	_, err := r.Lookup(template.NameMDM, template.RoleServer)
	require.ErrorIs(t, err, template.ErrUnsupportedRole)
	var roleErr *template.UnsupportedRoleError
	require.True(t, errors.As(err, &roleErr))
	assert.Equal(t, "mdm", roleErr.Template)
	assert.Equal(t, template.RoleServer, roleErr.Role)
	assert.Contains(t, err.Error(), "type not supported")

	_, err = r.Lookup("unknown", template.RoleCA)
	assert.ErrorIs(t, err, template.ErrUnsupportedRole)

	_, err = r.Lookup(template.NameVPN, template.Role("intermediate"))
	assert.ErrorIs(t, err, template.ErrUnsupportedRole)
}

func TestLookup_ReturnsCopy(t *testing.T) {
	r := template.DefaultRegistry()
	descs, err := r.Lookup(template.NameVPN, template.RoleCA)
	require.NoError(t, err)
	descs[0] = template.Raw{ID: asn1.ObjectIdentifier{1, 2, 3}}

	again, err := r.Lookup(template.NameVPN, template.RoleCA)
	require.NoError(t, err)
	assert.Equal(t, "subjectKeyIdentifier", again[0].Name())
}

func TestRegister_Validation(t *testing.T) {
	r, err := template.NewRegistry()
	require.NoError(t, err)

	err = r.Register(&template.Template{Name: "dup", Roles: map[template.Role][]template.Descriptor{
		template.RoleCA: {template.SubjectKeyIdentifier{}, template.SubjectKeyIdentifier{}},
	}})
	assert.ErrorIs(t, err, template.ErrInvalidDescriptor)

	err = r.Register(&template.Template{Name: "empty"})
	assert.ErrorIs(t, err, template.ErrInvalidDescriptor)

	err = r.Register(&template.Template{Name: "badaki", Roles: map[template.Role][]template.Descriptor{
		template.RoleClient: {template.AuthorityKeyIdentifier{KeyIdentifier: true, SerialNumber: true}},
	}})
	assert.ErrorIs(t, err, template.ErrInvalidDescriptor)

	assert.Empty(t, r.Names())
}

func TestRegister_ReplacesByName(t *testing.T) {
	r := template.DefaultRegistry()
	require.NoError(t, r.Register(&template.Template{Name: template.NameVPN, Roles: map[template.Role][]template.Descriptor{
		template.RoleCA: {template.BasicConstraints{Critical: true, CA: true}},
	}}))

	_, err := r.Lookup(template.NameVPN, template.RoleClient)
	assert.ErrorIs(t, err, template.ErrUnsupportedRole)
}

func TestEncode_WrapsDescriptorError(t *testing.T) {
	_, err := template.Encode([]template.Descriptor{template.SubjectKeyIdentifier{}}, template.Context{})
	require.ErrorIs(t, err, template.ErrInvalidDescriptor)
	assert.Contains(t, err.Error(), "subjectKeyIdentifier")
}
