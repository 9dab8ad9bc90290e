// Package pki issues keys, certificate requests and certificates under a
// local PKI directory. A PKI handle owns one directory: the CA material,
// issued artifacts and the issuance ledger all live below its root, and
// every issuance either commits all of its files and its ledger entry or
// leaves the directory as it was.
package pki

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/big"
	"time"

	"github.com/jmcleod/easypki/storage"
	"github.com/jmcleod/easypki/storage/bbolt"
	"github.com/jmcleod/easypki/storage/filesystem"
	"github.com/jmcleod/easypki/template"
	"github.com/jmcleod/easypki/x509util"
	"github.com/rs/zerolog"
)

// PKI is a handle on one PKI directory. It holds no CA state between calls;
// the CA key and certificate are read from the directory by every
// operation that needs them.
type PKI struct {
	dirPath      string
	templateName string
	registry     *template.Registry
	keys         KeyStore
	ledger       storage.Ledger
	log          zerolog.Logger
	keyBits      int
	caYears      int
	leafDays     int
	lockTimeout  time.Duration
	now          func() time.Time
	rand         io.Reader

	dir *filesystem.Dir
}

// New returns a handle configured by opts. Nothing is written until
// InitPKI is called.
func New(opts ...Option) (*PKI, error) {
	p := &PKI{
		dirPath:      DefaultDir,
		templateName: template.DefaultName,
		log:          zerolog.Nop(),
		keyBits:      x509util.DefaultKeyBits,
		caYears:      DefaultCAValidityYrs,
		leafDays:     DefaultLeafValidDays,
		lockTimeout:  DefaultLockTimeout,
		now:          time.Now,
		rand:         rand.Reader,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.registry == nil {
		p.registry = template.DefaultRegistry()
	}
	if !p.registry.Has(p.templateName) {
		return nil, fmt.Errorf("%w: unknown template %q", ErrConfig, p.templateName)
	}
	if p.keyBits < x509util.MinKeyBits {
		return nil, fmt.Errorf("%w: key size %d below %d bits", ErrConfig, p.keyBits, x509util.MinKeyBits)
	}
	if p.caYears <= 0 || p.leafDays <= 0 {
		return nil, fmt.Errorf("%w: validity must be positive", ErrConfig)
	}
	if p.now == nil || p.rand == nil {
		return nil, fmt.Errorf("%w: clock and randomness source are required", ErrConfig)
	}

	dir, err := filesystem.New(p.dirPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	p.dir = dir
	if p.ledger == nil {
		p.ledger = bbolt.NewLedger(dir.IndexPath(), p.lockTimeout)
	}
	if p.keys == nil {
		p.keys = NewSoftwareKeyStore()
	}
	p.log = p.log.With().Str("pki_dir", dir.Root()).Str("template", p.templateName).Logger()
	return p, nil
}

// Dir returns the absolute PKI directory.
func (p *PKI) Dir() string {
	return p.dir.Root()
}

// Template returns the active template name.
func (p *PKI) Template() string {
	return p.templateName
}

// Paths returns the on-disk layout helper for the directory.
func (p *PKI) Paths() *filesystem.Dir {
	return p.dir
}

// ---------------------------------------------------------------------------
// Requests and results
// ---------------------------------------------------------------------------

// InitOptions controls InitPKI.
type InitOptions struct {
	// Force destroys any existing directory contents first.
	Force bool
}

// CARequest holds the parameters for BuildCA.
type CARequest struct {
	CommonName        string // default DefaultCACommonName
	Attributes        map[string]string
	SerialNumberBytes int // default 16
	NoOverwrite       bool
}

// CAResult is the material produced by BuildCA.
type CAResult struct {
	PrivateKey    crypto.Signer
	PrivateKeyPEM []byte
	Cert          *x509.Certificate
	CertPEM       []byte
	Serial        string
}

// ReqRequest holds the parameters for GenReq.
type ReqRequest struct {
	CommonName string
	Attributes map[string]string
	// PrivateKey is an optional PEM RSA key to use instead of generating
	// one. It is stored byte for byte.
	PrivateKey  []byte
	NoOverwrite bool
}

// ReqResult is the material produced by GenReq.
type ReqResult struct {
	PrivateKey    crypto.Signer
	PrivateKeyPEM []byte
	CSR           *x509.CertificateRequest
	CSRPEM        []byte
}

// SignRequest holds the parameters for SignReq.
type SignRequest struct {
	CommonName        string
	Attributes        map[string]string
	Type              template.Role
	SerialNumberBytes int
	NoOverwrite       bool
}

// ServerRequest holds the parameters for CreateServer.
type ServerRequest struct {
	CommonName        string
	Attributes        map[string]string
	SerialNumberBytes int
	NoOverwrite       bool
}

// SignResult is the material produced by SignReq and CreateServer.
type SignResult struct {
	Cert    *x509.Certificate
	CertPEM []byte
	Serial  string
}

// CAMaterial is the CA key and certificate of a directory.
type CAMaterial struct {
	PrivateKey crypto.Signer
	Cert       *x509.Certificate
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// InitPKI creates the directory layout. An existing directory is left
// untouched unless opts.Force is set, in which case every artifact and the
// ledger are removed first.
func (p *PKI) InitPKI(ctx context.Context, opts InitOptions) error {
	unlock, err := p.dir.Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if err := p.dir.Initialize(opts.Force); err != nil {
		return p.fail("init-pki", err)
	}
	if opts.Force {
		if err := p.ledger.Reset(ctx); err != nil {
			return p.fail("init-pki", fmt.Errorf("%w: resetting ledger: %w", ErrStoreInit, err))
		}
	}
	p.log.Info().Bool("force", opts.Force).Msg("PKI directory initialized")
	return nil
}

// BuildCA generates the CA key and its self-signed certificate.
func (p *PKI) BuildCA(ctx context.Context, req CARequest) (*CAResult, error) {
	if req.CommonName == "" {
		req.CommonName = DefaultCACommonName
	}
	subject, err := p.subject(req.CommonName, req.Attributes)
	if err != nil {
		return nil, err
	}
	if err := checkSerialBytes(req.SerialNumberBytes); err != nil {
		return nil, err
	}
	if _, err := p.registry.Lookup(p.templateName, template.RoleCA); err != nil {
		return nil, err
	}

	unlock, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	keyID, err := p.keys.GenerateKey(p.keyBits)
	if err != nil {
		return nil, p.fail("build-ca", err)
	}
	defer p.keys.Delete(keyID)
	signer, keyPEM, err := p.keyMaterial(keyID)
	if err != nil {
		return nil, p.fail("build-ca", err)
	}

	res := &CAResult{PrivateKey: signer, PrivateKeyPEM: keyPEM}
	txn := p.dir.Begin(req.NoOverwrite)
	err = p.update(ctx, txn, func(tx storage.LedgerTx) error {
		serial, err := tx.NextSerial(req.SerialNumberBytes)
		if err != nil {
			return err
		}
		exts, err := p.registry.ExtensionsFor(p.templateName, template.RoleCA, template.Context{
			SubjectKey:   signer.Public(),
			IssuerKey:    signer.Public(),
			IssuerName:   subject,
			IssuerSerial: serial,
		})
		if err != nil {
			return err
		}
		notBefore := p.now()
		cert, certPEM, err := p.sign(subject, serial, notBefore, notBefore.AddDate(p.caYears, 0, 0), signer.Public(), exts, nil, signer)
		if err != nil {
			return err
		}
		res.Cert, res.CertPEM, res.Serial = cert, certPEM, storage.FormatSerial(serial)

		if err := txn.Put(p.dir.CAKeyPath(), keyPEM, filesystem.PrivatePerm); err != nil {
			return err
		}
		if err := txn.Put(p.dir.CACertPath(), certPEM, filesystem.PublicPerm); err != nil {
			return err
		}
		if err := p.stageBySerial(txn, res.Serial, certPEM); err != nil {
			return err
		}
		if err := tx.Record(p.entry(cert, req.CommonName, template.RoleCA)); err != nil {
			return err
		}
		return p.commit(ctx, txn)
	})
	if err != nil {
		return nil, p.fail("build-ca", err)
	}

	p.issued("CA certificate built", res.Serial, req.CommonName, template.RoleCA)
	return res, nil
}

// GenReq writes a private key and a certificate request for the common
// name. When req.PrivateKey is set it is validated and stored unchanged;
// otherwise a fresh key is generated.
func (p *PKI) GenReq(ctx context.Context, req ReqRequest) (*ReqResult, error) {
	subject, err := p.subject(req.CommonName, req.Attributes)
	if err != nil {
		return nil, err
	}

	unlock, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	keyID, err := p.importOrGenerate(req.PrivateKey)
	if err != nil {
		return nil, p.fail("gen-req", err)
	}
	defer p.keys.Delete(keyID)
	signer, keyPEM, err := p.keyMaterial(keyID)
	if err != nil {
		return nil, p.fail("gen-req", err)
	}

	csr, csrPEM, err := p.request(subject, signer)
	if err != nil {
		return nil, p.fail("gen-req", err)
	}

	txn := p.dir.Begin(req.NoOverwrite)
	if err := p.stageRequest(txn, req.CommonName, keyPEM, csrPEM); err != nil {
		txn.Rollback()
		return nil, p.fail("gen-req", err)
	}
	if err := p.commit(ctx, txn); err != nil {
		txn.Rollback()
		return nil, p.fail("gen-req", err)
	}
	if err := txn.Done(); err != nil {
		p.log.Warn().Err(err).Msg("removing replaced files")
	}

	p.log.Info().Str("common_name", req.CommonName).Bool("imported_key", req.PrivateKey != nil).Msg("certificate request generated")
	return &ReqResult{PrivateKey: signer, PrivateKeyPEM: keyPEM, CSR: csr, CSRPEM: csrPEM}, nil
}

// SignReq issues a certificate of role req.Type for the common name. The
// stored request reqs/<cn>.req is used when present; otherwise a key and
// request are generated and committed together with the certificate. The
// certificate subject is built from req, not copied from the request.
func (p *PKI) SignReq(ctx context.Context, req SignRequest) (*SignResult, error) {
	return p.signLeaf(ctx, leafRequest{
		op:          "sign-req",
		commonName:  req.CommonName,
		attributes:  req.Attributes,
		role:        req.Type,
		serialBytes: req.SerialNumberBytes,
		noOverwrite: req.NoOverwrite,
	})
}

// CreateServer generates a fresh key and request for the common name and
// signs it as a server certificate in a single commit.
func (p *PKI) CreateServer(ctx context.Context, req ServerRequest) (*SignResult, error) {
	return p.signLeaf(ctx, leafRequest{
		op:          "build-server-full",
		commonName:  req.CommonName,
		attributes:  req.Attributes,
		role:        template.RoleServer,
		serialBytes: req.SerialNumberBytes,
		noOverwrite: req.NoOverwrite,
		freshKey:    true,
	})
}

type leafRequest struct {
	op          string
	commonName  string
	attributes  map[string]string
	role        template.Role
	serialBytes int
	noOverwrite bool
	freshKey    bool
}

func (p *PKI) signLeaf(ctx context.Context, req leafRequest) (*SignResult, error) {
	if req.role == template.RoleCA {
		return nil, &UnsupportedRoleError{Template: p.templateName, Role: req.role}
	}
	if _, err := p.registry.Lookup(p.templateName, req.role); err != nil {
		return nil, err
	}
	subject, err := p.subject(req.commonName, req.attributes)
	if err != nil {
		return nil, err
	}
	if err := checkSerialBytes(req.serialBytes); err != nil {
		return nil, err
	}

	unlock, err := p.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ca, err := p.loadCA()
	if err != nil {
		return nil, p.fail(req.op, err)
	}

	txn := p.dir.Begin(req.noOverwrite)
	pub, err := p.leafKey(txn, req, subject)
	if err != nil {
		txn.Rollback()
		return nil, p.fail(req.op, err)
	}

	res := &SignResult{}
	err = p.update(ctx, txn, func(tx storage.LedgerTx) error {
		serial, err := tx.NextSerial(req.serialBytes)
		if err != nil {
			return err
		}
		exts, err := p.registry.ExtensionsFor(p.templateName, req.role, template.Context{
			SubjectKey:   pub,
			IssuerKey:    ca.Cert.PublicKey,
			IssuerName:   ca.Cert.RawSubject,
			IssuerSerial: ca.Cert.SerialNumber,
		})
		if err != nil {
			return err
		}
		notBefore := p.now()
		cert, certPEM, err := p.sign(subject, serial, notBefore, notBefore.AddDate(0, 0, p.leafDays), pub, exts, ca.Cert, ca.PrivateKey)
		if err != nil {
			return err
		}
		res.Cert, res.CertPEM, res.Serial = cert, certPEM, storage.FormatSerial(serial)

		certPath, err := p.dir.CertPath(req.commonName)
		if err != nil {
			return err
		}
		if err := txn.Put(certPath, certPEM, filesystem.PublicPerm); err != nil {
			return err
		}
		if err := p.stageBySerial(txn, res.Serial, certPEM); err != nil {
			return err
		}
		if err := tx.Record(p.entry(cert, req.commonName, req.role)); err != nil {
			return err
		}
		return p.commit(ctx, txn)
	})
	if err != nil {
		return nil, p.fail(req.op, err)
	}

	p.issued("certificate signed", res.Serial, req.commonName, req.role)
	return res, nil
}

// leafKey returns the public key to certify. It reads the stored request
// unless a fresh key is required or none exists, in which case a new key
// and request are staged on txn.
func (p *PKI) leafKey(txn *filesystem.Txn, req leafRequest, subject []byte) (crypto.PublicKey, error) {
	reqPath, err := p.dir.ReqPath(req.commonName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if !req.freshKey {
		data, err := p.dir.ReadFile(reqPath)
		switch {
		case err == nil:
			csr, err := x509util.ParseCSRPEM(data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", reqPath, err)
			}
			if cn := template.Attributes(csr.Subject.Names)["commonName"]; cn != req.commonName {
				return nil, fmt.Errorf("%w: %s was requested for %q", ErrRequestMismatch, reqPath, cn)
			}
			return csr.PublicKey, nil
		case !errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("reading %s: %w", reqPath, err)
		}
	}

	keyID, err := p.keys.GenerateKey(p.keyBits)
	if err != nil {
		return nil, err
	}
	defer p.keys.Delete(keyID)
	signer, keyPEM, err := p.keyMaterial(keyID)
	if err != nil {
		return nil, err
	}
	_, csrPEM, err := p.request(subject, signer)
	if err != nil {
		return nil, err
	}
	if err := p.stageRequest(txn, req.commonName, keyPEM, csrPEM); err != nil {
		return nil, err
	}
	return signer.Public(), nil
}

// LoadCAMaterial reads the CA key and certificate. It fails with
// ErrMissingCA until BuildCA has run.
func (p *PKI) LoadCAMaterial(ctx context.Context) (*CAMaterial, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.dir.CheckInitialized(); err != nil {
		return nil, err
	}
	return p.loadCA()
}

func (p *PKI) loadCA() (*CAMaterial, error) {
	certPEM, err := p.dir.ReadFile(p.dir.CACertPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrMissingCA, p.dir.CACertPath())
	}
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}
	keyPEM, err := p.dir.ReadFile(p.dir.CAKeyPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrMissingCA, p.dir.CAKeyPath())
	}
	if err != nil {
		return nil, fmt.Errorf("reading CA key: %w", err)
	}

	cert, err := x509util.ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, fmt.Errorf("CA certificate: %w", err)
	}
	keyID, err := p.keys.ImportPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("CA key: %w", err)
	}
	defer p.keys.Delete(keyID)
	signer, err := p.keys.Signer(keyID)
	if err != nil {
		return nil, fmt.Errorf("CA key: %w", err)
	}
	return &CAMaterial{PrivateKey: signer, Cert: cert}, nil
}

// Verify validates cert against the directory's CA certificate and returns
// the verified chains.
func (p *PKI) Verify(ctx context.Context, cert *x509.Certificate) ([][]*x509.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	certPEM, err := p.dir.ReadFile(p.dir.CACertPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrMissingCA, p.dir.CACertPath())
	}
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}
	caCert, err := x509util.ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, fmt.Errorf("CA certificate: %w", err)
	}

	roots := x509.NewCertPool()
	roots.AddCert(caCert)
	return cert.Verify(x509.VerifyOptions{
		Roots:       roots,
		CurrentTime: p.now(),
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
}

// Index returns every ledger entry in issuance order.
func (p *PKI) Index(ctx context.Context) ([]*storage.Entry, error) {
	if err := p.dir.CheckInitialized(); err != nil {
		return nil, err
	}
	var entries []*storage.Entry
	err := p.ledger.View(ctx, func(tx storage.LedgerReader) error {
		var err error
		entries, err = tx.List()
		return err
	})
	return entries, err
}

// Lookup returns the ledger entry for a hex serial.
func (p *PKI) Lookup(ctx context.Context, serial string) (*storage.Entry, error) {
	if err := p.dir.CheckInitialized(); err != nil {
		return nil, err
	}
	var entry *storage.Entry
	err := p.ledger.View(ctx, func(tx storage.LedgerReader) error {
		var err error
		entry, err = tx.Get(serial)
		return err
	})
	return entry, err
}

// AllocateSerial reserves the next serial of n bytes without recording a
// certificate. It serves signers outside this package that build the
// certificate themselves and hand it back through ImportIssued.
func (p *PKI) AllocateSerial(ctx context.Context, n int) (string, error) {
	if err := checkSerialBytes(n); err != nil {
		return "", err
	}
	unlock, err := p.begin(ctx)
	if err != nil {
		return "", err
	}
	defer unlock()

	var serial string
	err = p.ledger.Update(ctx, func(tx storage.LedgerTx) error {
		s, err := tx.NextSerial(n)
		if err != nil {
			return err
		}
		serial = storage.FormatSerial(s)
		return nil
	})
	if err != nil {
		return "", p.fail("allocate-serial", err)
	}
	return serial, nil
}

// ImportIssued stores a certificate signed outside this package under name
// and records it in the ledger. The certificate must chain to the
// directory's CA.
func (p *PKI) ImportIssued(ctx context.Context, name string, cert *x509.Certificate, role template.Role) error {
	if err := filesystem.ValidateName(name); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if _, err := p.Verify(ctx, cert); err != nil {
		return fmt.Errorf("%w: %w", ErrSigning, err)
	}

	unlock, err := p.begin(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	certPEM := x509util.EncodeCertificatePEM(cert.Raw)
	serial := storage.FormatSerial(cert.SerialNumber)
	txn := p.dir.Begin(false)
	err = p.update(ctx, txn, func(tx storage.LedgerTx) error {
		certPath, err := p.dir.CertPath(name)
		if err != nil {
			return err
		}
		if err := txn.Put(certPath, certPEM, filesystem.PublicPerm); err != nil {
			return err
		}
		if err := p.stageBySerial(txn, serial, certPEM); err != nil {
			return err
		}
		if err := tx.Record(p.entry(cert, name, role)); err != nil {
			return err
		}
		return p.commit(ctx, txn)
	})
	if err != nil {
		return p.fail("import", err)
	}

	p.issued("certificate imported", serial, name, role)
	return nil
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

// begin checks the layout and takes the directory lock.
func (p *PKI) begin(ctx context.Context) (func(), error) {
	if err := p.dir.CheckInitialized(); err != nil {
		return nil, err
	}
	return p.dir.Lock(ctx)
}

// update runs fn in a ledger transaction whose last step commits txn. txn
// is rolled back when either fails, so files and ledger entry become
// durable together.
func (p *PKI) update(ctx context.Context, txn *filesystem.Txn, fn func(tx storage.LedgerTx) error) error {
	var fnErr error
	err := p.ledger.Update(ctx, func(tx storage.LedgerTx) error {
		fnErr = fn(tx)
		return fnErr
	})
	if err != nil {
		if rbErr := txn.Rollback(); rbErr != nil {
			p.log.Error().Err(rbErr).Strs("paths", txn.Paths()).Msg("rolling back files")
		}
		if fnErr == nil && !errors.Is(err, ErrLocked) && ctx.Err() == nil {
			err = fmt.Errorf("%w: ledger commit: %w", ErrSerialAllocation, err)
		}
		return err
	}
	if err := txn.Done(); err != nil {
		p.log.Warn().Err(err).Msg("removing replaced files")
	}
	return nil
}

// commit is the point after which an operation can no longer be
// cancelled.
func (p *PKI) commit(ctx context.Context, txn *filesystem.Txn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return txn.Commit()
}

func (p *PKI) subject(cn string, attrs map[string]string) ([]byte, error) {
	if err := filesystem.ValidateName(cn); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	der, err := template.SubjectDER(template.Identity{CommonName: cn, Attributes: attrs})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return der, nil
}

func checkSerialBytes(n int) error {
	if n != 0 && (n < storage.MinSerialBytes || n > storage.MaxSerialBytes) {
		return fmt.Errorf("%w: serial length %d outside [%d, %d]", ErrConfig, n, storage.MinSerialBytes, storage.MaxSerialBytes)
	}
	return nil
}

func (p *PKI) importOrGenerate(keyPEM []byte) (string, error) {
	if keyPEM != nil {
		return p.keys.ImportPEM(keyPEM)
	}
	return p.keys.GenerateKey(p.keyBits)
}

func (p *PKI) keyMaterial(keyID string) (crypto.Signer, []byte, error) {
	signer, err := p.keys.Signer(keyID)
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err := p.keys.ExportPEM(keyID)
	if err != nil {
		return nil, nil, err
	}
	return signer, keyPEM, nil
}

func (p *PKI) request(subject []byte, signer crypto.Signer) (*x509.CertificateRequest, []byte, error) {
	der, err := x509util.CreateCSR(p.rand, subject, signer)
	if err != nil {
		return nil, nil, err
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing certificate request: %w", err)
	}
	return csr, x509util.EncodeCSRPEM(der), nil
}

func (p *PKI) sign(subject []byte, serial *big.Int, notBefore, notAfter time.Time, pub crypto.PublicKey, exts []pkix.Extension, parent *x509.Certificate, signer crypto.Signer) (*x509.Certificate, []byte, error) {
	tmpl, err := x509util.NewCertificateTemplate(x509util.CertificateParams{
		Subject:    subject,
		Serial:     serial,
		NotBefore:  notBefore,
		NotAfter:   notAfter,
		PublicKey:  pub,
		Extensions: exts,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrSigning, err)
	}
	der, err := x509util.SignCertificate(p.rand, tmpl, parent, signer)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parsing signed certificate: %v", ErrSigning, err)
	}
	return cert, x509util.EncodeCertificatePEM(der), nil
}

func (p *PKI) stageRequest(txn *filesystem.Txn, cn string, keyPEM, csrPEM []byte) error {
	keyPath, err := p.dir.KeyPath(cn)
	if err != nil {
		return err
	}
	reqPath, err := p.dir.ReqPath(cn)
	if err != nil {
		return err
	}
	if err := txn.Put(keyPath, keyPEM, filesystem.PrivatePerm); err != nil {
		return err
	}
	return txn.Put(reqPath, csrPEM, filesystem.PublicPerm)
}

func (p *PKI) stageBySerial(txn *filesystem.Txn, serial string, certPEM []byte) error {
	path, err := p.dir.SerialCertPath(serial)
	if err != nil {
		return err
	}
	return txn.Put(path, certPEM, filesystem.PublicPerm)
}

func (p *PKI) entry(cert *x509.Certificate, cn string, role template.Role) *storage.Entry {
	fingerprint := sha256.Sum256(cert.Raw)
	return &storage.Entry{
		Serial:            storage.FormatSerial(cert.SerialNumber),
		CommonName:        cn,
		Subject:           template.DistinguishedName(cert.Subject.Names),
		Issuer:            template.DistinguishedName(cert.Issuer.Names),
		Role:              string(role),
		Template:          p.templateName,
		NotBefore:         cert.NotBefore,
		NotAfter:          cert.NotAfter,
		IssuedAt:          p.now().UTC(),
		FingerprintSHA256: hex.EncodeToString(fingerprint[:]),
	}
}

func (p *PKI) issued(msg, serial, cn string, role template.Role) {
	p.log.Info().
		Str("serial", serial).
		Str("common_name", cn).
		Str("role", string(role)).
		Msg(msg)
}

func (p *PKI) fail(op string, err error) error {
	p.log.Warn().Err(err).Str("op", op).Msg("operation failed")
	return err
}
