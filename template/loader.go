package template

import (
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// templateFileYAML is the on-disk form of one or more templates. Extension
// entries use the same field names as the descriptors, e.g.
//
//	templates:
//	  - name: corp
//	    roles:
//	      ca:
//	        - name: subjectKeyIdentifier
//	        - name: basicConstraints
//	          critical: true
//	          cA: true
//	      client:
//	        - id: 1.2.840.113635.100.6.10.2
//	          value: "0500"
type templateFileYAML struct {
	Templates []templateYAML `yaml:"templates"`
}

type templateYAML struct {
	Name        string                     `yaml:"name"`
	Description string                     `yaml:"description"`
	Roles       map[string][]extensionYAML `yaml:"roles"`
}

type extensionYAML struct {
	Name     string `yaml:"name"`
	ID       string `yaml:"id"`
	Critical bool   `yaml:"critical"`

	// basicConstraints
	CA bool `yaml:"cA"`

	// authorityKeyIdentifier
	KeyIdentifier       bool `yaml:"keyIdentifier"`
	AuthorityCertIssuer bool `yaml:"authorityCertIssuer"`
	SerialNumber        bool `yaml:"serialNumber"`

	// keyUsage
	DigitalSignature  bool `yaml:"digitalSignature"`
	NonRepudiation    bool `yaml:"nonRepudiation"`
	KeyEncipherment   bool `yaml:"keyEncipherment"`
	DataEncipherment  bool `yaml:"dataEncipherment"`
	KeyAgreement      bool `yaml:"keyAgreement"`
	KeyCertSign       bool `yaml:"keyCertSign"`
	CRLSign           bool `yaml:"cRLSign"`
	EncipherOnly      bool `yaml:"encipherOnly"`
	DecipherOnly      bool `yaml:"decipherOnly"`

	// extKeyUsage
	ServerAuth      bool `yaml:"serverAuth"`
	ClientAuth      bool `yaml:"clientAuth"`
	CodeSigning     bool `yaml:"codeSigning"`
	EmailProtection bool `yaml:"emailProtection"`
	TimeStamping    bool `yaml:"timeStamping"`
	OCSPSigning     bool `yaml:"OCSPSigning"`

	// certificatePolicies: policy OID and notice text.
	// raw (id set): hex-encoded DER value.
	Policy string `yaml:"policy"`
	Value  string `yaml:"value"`
}

// LoadFile reads templates from a YAML file.
func LoadFile(path string) ([]*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template file: %w", err)
	}
	return Load(data)
}

// Load parses templates from YAML bytes.
func Load(data []byte) ([]*Template, error) {
	var f templateFileYAML
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse template YAML: %w", err)
	}
	templates := make([]*Template, 0, len(f.Templates))
	for _, ty := range f.Templates {
		t, err := ty.toTemplate()
		if err != nil {
			return nil, err
		}
		if err := t.Validate(); err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, nil
}

// LoadFile registers every template found in the YAML file at path.
func (r *Registry) LoadFile(path string) error {
	templates, err := LoadFile(path)
	if err != nil {
		return err
	}
	for _, t := range templates {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func (ty templateYAML) toTemplate() (*Template, error) {
	t := &Template{
		Name:        ty.Name,
		Description: ty.Description,
		Roles:       make(map[Role][]Descriptor, len(ty.Roles)),
	}
	for role, exts := range ty.Roles {
		descs := make([]Descriptor, 0, len(exts))
		for i, ey := range exts {
			d, err := ey.toDescriptor()
			if err != nil {
				return nil, fmt.Errorf("template %q role %q extension %d: %w", ty.Name, role, i, err)
			}
			descs = append(descs, d)
		}
		t.Roles[Role(role)] = descs
	}
	return t, nil
}

func (ey extensionYAML) toDescriptor() (Descriptor, error) {
	if ey.ID != "" {
		oid, err := parseOID(ey.ID)
		if err != nil {
			return nil, err
		}
		value, err := hex.DecodeString(ey.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: value of %s is not hex: %v", ErrInvalidDescriptor, ey.ID, err)
		}
		return Raw{Label: ey.Name, ID: oid, Critical: ey.Critical, Value: value}, nil
	}

	switch ey.Name {
	case "subjectKeyIdentifier":
		return SubjectKeyIdentifier{}, nil
	case "authorityKeyIdentifier":
		return AuthorityKeyIdentifier{
			KeyIdentifier:       ey.KeyIdentifier,
			AuthorityCertIssuer: ey.AuthorityCertIssuer,
			SerialNumber:        ey.SerialNumber,
		}, nil
	case "basicConstraints":
		return BasicConstraints{Critical: ey.Critical, CA: ey.CA}, nil
	case "keyUsage":
		return KeyUsage{Critical: ey.Critical, Usage: ey.keyUsage()}, nil
	case "extKeyUsage":
		return ExtKeyUsage{Critical: ey.Critical, Usages: ey.extKeyUsages()}, nil
	case "certificatePolicies":
		policy := OIDAnyPolicy
		if ey.Policy != "" {
			var err error
			if policy, err = parseOID(ey.Policy); err != nil {
				return nil, err
			}
		}
		return CertificatePolicies{Critical: ey.Critical, Policy: policy, Notice: strings.Join(strings.Fields(ey.Value), " ")}, nil
	default:
		return nil, fmt.Errorf("%w: unknown extension name %q", ErrInvalidDescriptor, ey.Name)
	}
}

func (ey extensionYAML) keyUsage() x509.KeyUsage {
	var ku x509.KeyUsage
	flags := []struct {
		set bool
		bit x509.KeyUsage
	}{
		{ey.DigitalSignature, x509.KeyUsageDigitalSignature},
		{ey.NonRepudiation, x509.KeyUsageContentCommitment},
		{ey.KeyEncipherment, x509.KeyUsageKeyEncipherment},
		{ey.DataEncipherment, x509.KeyUsageDataEncipherment},
		{ey.KeyAgreement, x509.KeyUsageKeyAgreement},
		{ey.KeyCertSign, x509.KeyUsageCertSign},
		{ey.CRLSign, x509.KeyUsageCRLSign},
		{ey.EncipherOnly, x509.KeyUsageEncipherOnly},
		{ey.DecipherOnly, x509.KeyUsageDecipherOnly},
	}
	for _, f := range flags {
		if f.set {
			ku |= f.bit
		}
	}
	return ku
}

func (ey extensionYAML) extKeyUsages() []asn1.ObjectIdentifier {
	var usages []asn1.ObjectIdentifier
	flags := []struct {
		set bool
		oid asn1.ObjectIdentifier
	}{
		{ey.ServerAuth, OIDServerAuth},
		{ey.ClientAuth, OIDClientAuth},
		{ey.CodeSigning, OIDCodeSigning},
		{ey.EmailProtection, OIDEmailProtection},
		{ey.TimeStamping, OIDTimeStamping},
		{ey.OCSPSigning, OIDOCSPSigning},
	}
	for _, f := range flags {
		if f.set {
			usages = append(usages, f.oid)
		}
	}
	return usages
}

func parseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: bad OID %q", ErrInvalidDescriptor, s)
	}
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad OID %q", ErrInvalidDescriptor, s)
		}
		oid[i] = n
	}
	return oid, nil
}
