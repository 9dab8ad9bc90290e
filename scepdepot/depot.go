// Package scepdepot exposes a PKI directory as a SCEP certificate depot, so
// a micromdm SCEP server can enroll devices against the directory's CA.
// Certificates the server signs are written to the directory and recorded
// in its ledger like any other issuance.
package scepdepot

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"time"

	"github.com/jmcleod/easypki/pki"
	"github.com/jmcleod/easypki/storage"
	"github.com/jmcleod/easypki/template"
	"github.com/micromdm/scep/v2/depot"
)

// DefaultTimeout bounds each depot call.
const DefaultTimeout = 30 * time.Second

// Depot implements depot.Depot on top of a PKI handle.
type Depot struct {
	pki         *pki.PKI
	role        template.Role
	serialBytes int
	timeout     time.Duration
	now         func() time.Time
}

var _ depot.Depot = (*Depot)(nil)

// Option configures a Depot.
type Option func(*Depot)

// WithRole sets the role recorded for enrolled certificates. Default:
// client.
func WithRole(r template.Role) Option {
	return func(d *Depot) {
		d.role = r
	}
}

// WithSerialBytes sets the serial length handed to the SCEP server.
func WithSerialBytes(n int) Option {
	return func(d *Depot) {
		d.serialBytes = n
	}
}

// WithTimeout bounds each depot call.
func WithTimeout(t time.Duration) Option {
	return func(d *Depot) {
		d.timeout = t
	}
}

// New returns a depot backed by p.
func New(p *pki.PKI, opts ...Option) *Depot {
	d := &Depot{
		pki:         p,
		role:        template.RoleClient,
		serialBytes: storage.DefaultSerialBytes,
		timeout:     DefaultTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Depot) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d.timeout)
}

// CA returns the CA certificate and key. The password is unused: keys in
// a PKI directory are stored unencrypted with owner-only permissions.
func (d *Depot) CA(_ []byte) ([]*x509.Certificate, *rsa.PrivateKey, error) {
	ctx, cancel := d.callContext()
	defer cancel()

	ca, err := d.pki.LoadCAMaterial(ctx)
	if err != nil {
		return nil, nil, err
	}
	key, ok := ca.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("CA key is %T, not RSA", ca.PrivateKey)
	}
	return []*x509.Certificate{ca.Cert}, key, nil
}

// Put stores a certificate signed by the SCEP server under name.
func (d *Depot) Put(name string, crt *x509.Certificate) error {
	if crt == nil {
		return errors.New("nil certificate")
	}
	ctx, cancel := d.callContext()
	defer cancel()
	return d.pki.ImportIssued(ctx, name, crt, d.role)
}

// Serial allocates the serial of the next enrolled certificate from the
// directory's counter.
func (d *Depot) Serial() (*big.Int, error) {
	ctx, cancel := d.callContext()
	defer cancel()

	s, err := d.pki.AllocateSerial(ctx, d.serialBytes)
	if err != nil {
		return nil, err
	}
	serial, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("%w: bad serial %q", storage.ErrSerialAllocation, s)
	}
	return serial, nil
}

// HasCN reports whether an unexpired certificate for cn is already
// recorded. With allowTime > 0 a certificate that expires within allowTime
// days does not count, so devices can renew. Revocation is not supported;
// revokeOldCertificate is ignored.
func (d *Depot) HasCN(cn string, allowTime int, cert *x509.Certificate, _ bool) (bool, error) {
	if cert == nil {
		return false, errors.New("nil certificate provided")
	}
	ctx, cancel := d.callContext()
	defer cancel()

	entries, err := d.pki.Index(ctx)
	if err != nil {
		return false, err
	}
	now := d.now()
	cutoff := now.AddDate(0, 0, allowTime)
	return slices.ContainsFunc(entries, func(e *storage.Entry) bool {
		if e.CommonName != cn || e.Role == string(template.RoleCA) {
			return false
		}
		if now.After(e.NotAfter) {
			return false
		}
		return allowTime <= 0 || e.NotAfter.After(cutoff)
	}), nil
}
