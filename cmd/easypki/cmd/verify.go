package cmd

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jmcleod/easypki/pki"
	"github.com/jmcleod/easypki/storage"
	"github.com/jmcleod/easypki/x509util"
	"github.com/spf13/cobra"
)

type verifyResult struct {
	File   string        `json:"file"`
	Serial string        `json:"serial,omitempty"`
	Valid  bool          `json:"valid"`
	Checks []checkResult `json:"checks"`
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "pass", "fail", "warn"
	Detail string `json:"detail,omitempty"`
}

func (r *verifyResult) pass(name, detail string) {
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "pass", Detail: detail})
}

func (r *verifyResult) fail(name, detail string) {
	r.Valid = false
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "fail", Detail: detail})
}

func (r *verifyResult) warn(name, detail string) {
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "warn", Detail: detail})
}

// certVerifier is the part of *pki.PKI the checks need.
type certVerifier interface {
	Verify(ctx context.Context, cert *x509.Certificate) ([][]*x509.Certificate, error)
	Lookup(ctx context.Context, serial string) (*storage.Entry, error)
}

// verifyCertificate checks certPEM against the CA and the index. Failed
// checks are recorded in the result; the error is reserved for problems
// with the directory itself.
func verifyCertificate(ctx context.Context, v certVerifier, certPEM []byte, now time.Time) (verifyResult, error) {
	result := verifyResult{Valid: true}

	cert, err := x509util.ParseCertificatePEM(certPEM)
	if err != nil {
		result.fail("parse", err.Error())
		return result, nil
	}
	result.Serial = storage.FormatSerial(cert.SerialNumber)
	result.pass("parse", "")

	// 1. Chain to the CA.
	_, err = v.Verify(ctx, cert)
	switch {
	case errors.Is(err, pki.ErrMissingCA), errors.Is(err, pki.ErrNotInitialized), errors.Is(err, context.Canceled):
		return result, err
	case err != nil:
		result.fail("chain", err.Error())
	default:
		result.pass("chain", "")
	}

	// 2. Validity window. Verify already rejects expired certificates, but
	// the window is reported separately so the reason is obvious.
	switch {
	case now.Before(cert.NotBefore):
		result.fail("validity", fmt.Sprintf("not valid before %s", cert.NotBefore.UTC().Format(time.RFC3339)))
	case now.After(cert.NotAfter):
		result.fail("validity", fmt.Sprintf("expired %s", cert.NotAfter.UTC().Format(time.RFC3339)))
	default:
		result.pass("validity", fmt.Sprintf("expires %s", cert.NotAfter.UTC().Format(time.RFC3339)))
	}

	// 3. Index record. A certificate missing from the index is suspicious
	// but not invalid: it may have been issued before the index existed.
	entry, err := v.Lookup(ctx, result.Serial)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		result.warn("index_entry", "serial not recorded in the index")
	case err != nil:
		return result, err
	default:
		fingerprint := sha256.Sum256(cert.Raw)
		if entry.FingerprintSHA256 != hex.EncodeToString(fingerprint[:]) {
			result.fail("index_entry", "fingerprint differs from the recorded certificate")
		} else {
			result.pass("index_entry", fmt.Sprintf("%s %s", entry.Role, entry.CommonName))
		}
	}
	return result, nil
}

func printHumanResult(w io.Writer, result verifyResult) {
	fmt.Fprintf(w, "Certificate verification: %s\n", result.File)
	if result.Serial != "" {
		fmt.Fprintf(w, "Serial: %s\n", result.Serial)
	}
	fmt.Fprintln(w)

	failures, warnings := 0, 0
	for _, c := range result.Checks {
		tag := "[PASS]"
		switch c.Status {
		case "fail":
			tag = "[FAIL]"
			failures++
		case "warn":
			tag = "[WARN]"
			warnings++
		}
		if c.Detail != "" {
			fmt.Fprintf(w, "%s %s: %s\n", tag, c.Name, c.Detail)
		} else {
			fmt.Fprintf(w, "%s %s\n", tag, c.Name)
		}
	}

	fmt.Fprintln(w)
	if result.Valid {
		fmt.Fprintln(w, "Result: VALID")
	} else {
		fmt.Fprintf(w, "Result: INVALID (%d error(s), %d warning(s))\n", failures, warnings)
	}
}

var errInvalidCertificate = errors.New("certificate is not valid")

var verifyJSONOutput bool

var verifyCmd = &cobra.Command{
	Use:   "verify <file>",
	Short: "Verify a certificate against the CA and the index",
	Long: `Checks that a PEM certificate chains to the directory's CA, is inside its
validity window and matches the certificate recorded under its serial.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().BoolVar(&verifyJSONOutput, "json", false, "Output results as JSON")
}

func runVerify(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("cannot read file: %w", err)
	}
	p, err := openPKI()
	if err != nil {
		return err
	}

	result, err := withRetry(cmd.Context(), func() (verifyResult, error) {
		return verifyCertificate(cmd.Context(), p, data, time.Now())
	})
	if err != nil {
		return err
	}
	result.File = args[0]

	if verifyJSONOutput {
		if err := printJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
	} else {
		printHumanResult(cmd.OutOrStdout(), result)
	}
	if !result.Valid {
		return errInvalidCertificate
	}
	return nil
}
