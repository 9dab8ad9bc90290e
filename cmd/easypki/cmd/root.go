package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jmcleod/easypki/internal/logger"
	"github.com/jmcleod/easypki/pki"
	"github.com/jmcleod/easypki/template"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var (
	pkiDir       string
	templateName string
	templateFile string
	keyBits      int
	lockWait     time.Duration
	debug        bool

	log zerolog.Logger
)

// attemptLockTimeout bounds a single attempt at the ledger file lock;
// lockWait bounds the retries.
const attemptLockTimeout = time.Second

var rootCmd = &cobra.Command{
	Use:   "easypki",
	Short: "easypki manages a local certificate authority",
	Long: `Build a CA, generate requests and issue certificates under a PKI directory.

Certificates are issued from named templates (vpn, ssl, mdm) that decide which
X.509 extensions each certificate role receives. Every issued certificate is
recorded in the directory's index.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log = logger.Setup(debug)
	},
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&pkiDir, "pki-dir", pki.DefaultDir, "PKI directory")
	flags.StringVar(&templateName, "template", template.DefaultName, "Extension template (vpn, ssl, mdm or one from --template-file)")
	flags.StringVar(&templateFile, "template-file", "", "YAML file with additional templates")
	flags.IntVar(&keyBits, "key-bits", 2048, "RSA key size for generated keys")
	flags.DurationVar(&lockWait, "lock-wait", 30*time.Second, "How long to keep retrying while another process holds the PKI directory")
	flags.BoolVar(&debug, "debug", false, "Human readable debug logging")
}

// openPKI builds a handle from the persistent flags.
func openPKI() (*pki.PKI, error) {
	registry := template.DefaultRegistry()
	if templateFile != "" {
		if err := registry.LoadFile(templateFile); err != nil {
			return nil, fmt.Errorf("loading templates: %w", err)
		}
	}
	return pki.New(
		pki.WithDir(pkiDir),
		pki.WithTemplate(templateName),
		pki.WithRegistry(registry),
		pki.WithKeyBits(keyBits),
		pki.WithLockTimeout(attemptLockTimeout),
		pki.WithLogger(log),
	)
}

// withRetry runs op, retrying with exponential backoff while the PKI
// directory is locked by another process. Any other error is returned at
// once.
func withRetry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		res, err := op()
		if err != nil && !errors.Is(err, pki.ErrLocked) {
			return res, backoff.Permanent(err)
		}
		return res, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(lockWait),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn().Err(err).Dur("retry_in", next).Msg("PKI directory busy")
		}),
	)
}
