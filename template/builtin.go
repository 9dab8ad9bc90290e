package template

import (
	"crypto/x509"
	"encoding/asn1"
)

// Built-in template names.
const (
	NameVPN = "vpn"
	NameSSL = "ssl"
	NameMDM = "mdm"

	// DefaultName is the template used when none is configured.
	DefaultName = NameVPN
)

// CADisclaimer is the user notice carried by mdm CA certificates.
const CADisclaimer = "Reliance on this certificate by any party assumes acceptance of the " +
	"then applicable standard terms and conditions of use, certificate policy and " +
	"certification practice statements."

func caDescriptors(usage x509.KeyUsage) []Descriptor {
	return []Descriptor{
		SubjectKeyIdentifier{},
		AuthorityKeyIdentifier{KeyIdentifier: true, AuthorityCertIssuer: true, SerialNumber: true},
		BasicConstraints{Critical: true, CA: true},
		KeyUsage{Critical: true, Usage: usage},
	}
}

// Leaf certificates get the issuing CA's key identifier only.
func leafDescriptors(eku ...asn1.ObjectIdentifier) []Descriptor {
	return []Descriptor{
		BasicConstraints{Critical: true, CA: false},
		SubjectKeyIdentifier{},
		AuthorityKeyIdentifier{KeyIdentifier: true},
		KeyUsage{Critical: true, Usage: x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment},
		ExtKeyUsage{Critical: true, Usages: eku},
	}
}

// VPN is the default template, modelled on OpenVPN/easy-rsa issuance.
//
// Client certificates carry serverAuth as well as clientAuth. This mirrors
// the upstream profiles and is kept as template data on purpose; drop
// OIDServerAuth from a custom template to get client-only certificates.
func VPN() *Template {
	return &Template{
		Name:        NameVPN,
		Description: "OpenVPN peers (default)",
		Roles: map[Role][]Descriptor{
			RoleCA:     caDescriptors(x509.KeyUsageCertSign | x509.KeyUsageCRLSign),
			RoleClient: leafDescriptors(OIDServerAuth, OIDClientAuth),
			RoleServer: leafDescriptors(OIDServerAuth),
		},
	}
}

// SSL is a web PKI style template: CA key usage includes digitalSignature.
func SSL() *Template {
	return &Template{
		Name:        NameSSL,
		Description: "TLS web server and client certificates",
		Roles: map[Role][]Descriptor{
			RoleCA:     caDescriptors(x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign),
			RoleClient: leafDescriptors(OIDServerAuth, OIDClientAuth),
			RoleServer: leafDescriptors(OIDServerAuth),
		},
	}
}

// MDM issues Apple MDM device identities. It has no server role.
func MDM() *Template {
	ca := append(caDescriptors(x509.KeyUsageCertSign|x509.KeyUsageCRLSign),
		CertificatePolicies{Policy: OIDAnyPolicy, Notice: CADisclaimer})
	return &Template{
		Name:        NameMDM,
		Description: "Apple MDM device identities",
		Roles: map[Role][]Descriptor{
			RoleCA: ca,
			RoleClient: {
				BasicConstraints{Critical: true, CA: false},
				SubjectKeyIdentifier{},
				AuthorityKeyIdentifier{KeyIdentifier: true},
				ExtKeyUsage{Critical: true, Usages: []asn1.ObjectIdentifier{OIDServerAuth, OIDClientAuth}},
				KeyUsage{Critical: true, Usage: x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment},
				Raw{Label: "appleDeviceType", ID: OIDAppleDeviceType, Value: []byte{0x05, 0x00}},
			},
		},
	}
}
