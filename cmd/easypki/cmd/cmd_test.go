package cmd

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jmcleod/easypki/pki"
	"github.com/jmcleod/easypki/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(t.Context())
	return out.String(), err
}

func newCLIPKI(t *testing.T) *pki.PKI {
	t.Helper()
	p, err := pki.New(pki.WithDir(filepath.Join(t.TempDir(), "pki")), pki.WithKeyBits(1024))
	require.NoError(t, err)
	require.NoError(t, p.InitPKI(t.Context(), pki.InitOptions{}))
	_, err = p.BuildCA(t.Context(), pki.CARequest{})
	require.NoError(t, err)
	return p
}

func setLockWait(t *testing.T, d time.Duration) {
	t.Helper()
	prev := lockWait
	lockWait = d
	t.Cleanup(func() { lockWait = prev })
}

// ---------------------------------------------------------------------------
// Retry
// ---------------------------------------------------------------------------

func TestWithRetry_RetriesWhileLocked(t *testing.T) {
	setLockWait(t, 10*time.Second)

	calls := 0
	got, err := withRetry(t.Context(), func() (int, error) {
		calls++
		if calls < 3 {
			return 0, pki.ErrLocked
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_OtherErrorsArePermanent(t *testing.T) {
	setLockWait(t, 10*time.Second)

	calls := 0
	_, err := withRetry(t.Context(), func() (int, error) {
		calls++
		return 0, pki.ErrMissingCA
	})
	assert.ErrorIs(t, err, pki.ErrMissingCA)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_GivesUpAfterLockWait(t *testing.T) {
	setLockWait(t, 50*time.Millisecond)

	start := time.Now()
	_, err := withRetry(t.Context(), func() (int, error) {
		return 0, pki.ErrLocked
	})
	assert.ErrorIs(t, err, pki.ErrLocked)
	assert.Less(t, time.Since(start), 5*time.Second)
}

// ---------------------------------------------------------------------------
// Verify
// ---------------------------------------------------------------------------

func checkStatus(result verifyResult, name string) string {
	for _, c := range result.Checks {
		if c.Name == name {
			return c.Status
		}
	}
	return ""
}

func TestVerifyCertificate_Issued(t *testing.T) {
	p := newCLIPKI(t)
	res, err := p.CreateServer(t.Context(), pki.ServerRequest{CommonName: "www"})
	require.NoError(t, err)

	result, err := verifyCertificate(t.Context(), p, res.CertPEM, time.Now())
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, res.Serial, result.Serial)
	for _, name := range []string{"parse", "chain", "validity", "index_entry"} {
		assert.Equal(t, "pass", checkStatus(result, name), name)
	}
}

func TestVerifyCertificate_ForeignCA(t *testing.T) {
	p := newCLIPKI(t)
	other := newCLIPKI(t)
	res, err := other.CreateServer(t.Context(), pki.ServerRequest{CommonName: "www"})
	require.NoError(t, err)

	result, err := verifyCertificate(t.Context(), p, res.CertPEM, time.Now())
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, "fail", checkStatus(result, "chain"))
}

func TestVerifyCertificate_Expired(t *testing.T) {
	p := newCLIPKI(t)
	res, err := p.CreateServer(t.Context(), pki.ServerRequest{CommonName: "www"})
	require.NoError(t, err)

	later := time.Now().AddDate(0, 0, pki.DefaultLeafValidDays+1)
	result, err := verifyCertificate(t.Context(), p, res.CertPEM, later)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, "fail", checkStatus(result, "validity"))
}

func TestVerifyCertificate_NotPEM(t *testing.T) {
	p := newCLIPKI(t)

	result, err := verifyCertificate(t.Context(), p, []byte("garbage"), time.Now())
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, "fail", checkStatus(result, "parse"))
}

func TestPrintHumanResult(t *testing.T) {
	result := verifyResult{File: "www.crt", Serial: "AB", Valid: false}
	result.pass("parse", "")
	result.fail("chain", "unknown authority")
	result.warn("index_entry", "serial not recorded in the index")

	var buf bytes.Buffer
	printHumanResult(&buf, result)
	out := buf.String()
	assert.Contains(t, out, "[PASS] parse\n")
	assert.Contains(t, out, "[FAIL] chain: unknown authority")
	assert.Contains(t, out, "[WARN] index_entry")
	assert.Contains(t, out, "Result: INVALID (1 error(s), 1 warning(s))")
}

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

func TestPrintIndex(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	entries := []*storage.Entry{
		{Serial: "10AA", Role: "ca", CommonName: "Easy-RSA CA", NotAfter: now.AddDate(10, 0, 0)},
		{Serial: "10BB", Role: "server", CommonName: "old", NotAfter: now.AddDate(0, 0, -1)},
	}

	var buf bytes.Buffer
	require.NoError(t, printIndex(&buf, entries, now))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "SERIAL"))
	assert.Contains(t, lines[1], "Easy-RSA CA")
	assert.Contains(t, lines[1], pki.StatusActive)
	assert.Contains(t, lines[2], pki.StatusExpired)
}

func TestCreateServers(t *testing.T) {
	p := newCLIPKI(t)

	results, err := createServers(t.Context(), p, []string{"a", "b", "c"})
	require.NoError(t, err)
	serials := map[string]bool{}
	for _, r := range results {
		require.NotNil(t, r)
		serials[r.Serial] = true
	}
	assert.Len(t, serials, 3)

	entries, err := p.Index(t.Context())
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}

func TestCreateServers_ReportsName(t *testing.T) {
	p := newCLIPKI(t)

	_, err := createServers(t.Context(), p, []string{"ok", "bad/name"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad/name")
	assert.True(t, errors.Is(err, pki.ErrConfig))
}

// ---------------------------------------------------------------------------
// End to end
// ---------------------------------------------------------------------------

func TestCLI_IssueAndVerify(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pki")
	base := []string{"--pki-dir", dir, "--key-bits", "1024"}
	run := func(args ...string) string {
		t.Helper()
		out, err := runCLI(t, append(args, base...)...)
		require.NoError(t, err, args)
		return out
	}

	assert.Contains(t, run("init-pki"), dir)
	assert.Contains(t, run("build-ca", "--cn", "Test CA"), "ca.crt")
	run("build-server-full", "www", "mail")

	var entries []*storage.Entry
	require.NoError(t, json.Unmarshal([]byte(run("show-index", "--json")), &entries))
	require.Len(t, entries, 3)
	assert.Equal(t, "Test CA", entries[0].CommonName)

	certPath := filepath.Join(dir, "issued", "www.crt")
	assert.Contains(t, run("verify", certPath), "Result: VALID")

	var fields map[string]string
	require.NoError(t, json.Unmarshal([]byte(run("show-cert", certPath, "--json")), &fields))
	assert.Equal(t, "CN=www", fields[pki.FieldSubject])

	_, err := os.Stat(filepath.Join(dir, "private", "www.key"))
	assert.NoError(t, err)
}
