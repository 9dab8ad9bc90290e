package pki

import (
	"errors"

	"github.com/jmcleod/easypki/storage"
	"github.com/jmcleod/easypki/storage/filesystem"
	"github.com/jmcleod/easypki/template"
	"github.com/jmcleod/easypki/x509util"
)

var (
	// ErrConfig indicates an invalid or missing option or request field.
	ErrConfig = errors.New("invalid configuration")
	// ErrMissingCA indicates leaf issuance before BuildCA has run.
	ErrMissingCA = errors.New("CA has not been built")
	// ErrRequestMismatch indicates a stored request that does not belong to
	// the requested identity.
	ErrRequestMismatch = errors.New("certificate request does not match")
)

// Component errors, re-exported so callers only need this package.
var (
	ErrUnsupportedRole  = template.ErrUnsupportedRole
	ErrSigning          = x509util.ErrSigning
	ErrInvalidPEM       = x509util.ErrInvalidPEM
	ErrSerialAllocation = storage.ErrSerialAllocation
	ErrLocked           = storage.ErrLocked
	ErrNotFound         = storage.ErrNotFound
	ErrStoreInit        = filesystem.ErrStoreInit
	ErrNotInitialized   = filesystem.ErrNotInitialized
	ErrExists           = filesystem.ErrExists
)

// UnsupportedRoleError reports a (template, role) pair with no definition.
type UnsupportedRoleError = template.UnsupportedRoleError
