package pki

import (
	"io"
	"time"

	"github.com/jmcleod/easypki/storage"
	"github.com/jmcleod/easypki/template"
	"github.com/rs/zerolog"
)

// Defaults applied by New.
const (
	DefaultDir           = "pki"
	DefaultCAValidityYrs = 10
	DefaultLeafValidDays = 825
	DefaultCACommonName  = "Easy-RSA CA"
	DefaultLockTimeout   = 10 * time.Second
)

// Option configures a PKI handle.
type Option func(*PKI)

// WithDir sets the PKI directory. Default: "pki", resolved against the
// working directory.
func WithDir(dir string) Option {
	return func(p *PKI) {
		p.dirPath = dir
	}
}

// WithTemplate selects the extension template. Default: "vpn".
func WithTemplate(name string) Option {
	return func(p *PKI) {
		p.templateName = name
	}
}

// WithRegistry replaces the built-in template registry.
func WithRegistry(r *template.Registry) Option {
	return func(p *PKI) {
		p.registry = r
	}
}

// WithKeyStore sets the key store holding private keys while they are in
// use. Default: a SoftwareKeyStore.
func WithKeyStore(ks KeyStore) Option {
	return func(p *PKI) {
		p.keys = ks
	}
}

// WithLedger sets the issuance ledger. Default: a bbolt ledger at
// <dir>/index.db.
func WithLedger(l storage.Ledger) Option {
	return func(p *PKI) {
		p.ledger = l
	}
}

// WithLogger sets the logger. Default: zerolog.Nop().
func WithLogger(l zerolog.Logger) Option {
	return func(p *PKI) {
		p.log = l
	}
}

// WithKeyBits sets the RSA modulus size for generated keys.
// Default: 2048.
func WithKeyBits(bits int) Option {
	return func(p *PKI) {
		p.keyBits = bits
	}
}

// WithValidity sets the CA lifetime in years and the leaf lifetime in
// days.
func WithValidity(caYears, leafDays int) Option {
	return func(p *PKI) {
		p.caYears = caYears
		p.leafDays = leafDays
	}
}

// WithLockTimeout bounds how long an operation waits for the ledger file
// lock held by another process.
func WithLockTimeout(d time.Duration) Option {
	return func(p *PKI) {
		p.lockTimeout = d
	}
}

// WithClock sets the time source used for validity periods.
func WithClock(now func() time.Time) Option {
	return func(p *PKI) {
		p.now = now
	}
}

// WithRand sets the randomness source for keys and signatures.
func WithRand(r io.Reader) Option {
	return func(p *PKI) {
		p.rand = r
	}
}
