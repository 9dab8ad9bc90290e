package cmd

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/jmcleod/easypki/pki"
	"github.com/jmcleod/easypki/template"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Per-command flags.
var (
	initForce   bool
	caCN        string
	attrs       map[string]string
	serialBytes int
	noOverwrite bool
	keyFile     string
	parallel    int
)

var initPKICmd = &cobra.Command{
	Use:   "init-pki",
	Short: "Create the PKI directory layout",
	Long: `Creates the PKI directory layout. An existing directory is left as it is
unless --force is given, in which case all of its contents are removed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPKI()
		if err != nil {
			return err
		}
		_, err = withRetry(cmd.Context(), func() (struct{}, error) {
			return struct{}{}, p.InitPKI(cmd.Context(), pki.InitOptions{Force: initForce})
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "PKI directory ready: %s\n", p.Dir())
		return nil
	},
}

var buildCACmd = &cobra.Command{
	Use:   "build-ca",
	Short: "Generate the CA key and self-signed certificate",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPKI()
		if err != nil {
			return err
		}
		res, err := withRetry(cmd.Context(), func() (*pki.CAResult, error) {
			return p.BuildCA(cmd.Context(), pki.CARequest{
				CommonName:        caCN,
				Attributes:        attrs,
				SerialNumberBytes: serialBytes,
				NoOverwrite:       noOverwrite,
			})
		})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "CA certificate: %s\n", p.Paths().CACertPath())
		fmt.Fprintf(out, "Serial:         %s\n", res.Serial)
		return nil
	},
}

var genReqCmd = &cobra.Command{
	Use:   "gen-req <common-name>",
	Short: "Generate a private key and certificate request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPKI()
		if err != nil {
			return err
		}
		var key []byte
		if keyFile != "" {
			if key, err = os.ReadFile(keyFile); err != nil {
				return fmt.Errorf("reading key: %w", err)
			}
		}
		_, err = withRetry(cmd.Context(), func() (*pki.ReqResult, error) {
			return p.GenReq(cmd.Context(), pki.ReqRequest{
				CommonName:  args[0],
				Attributes:  attrs,
				PrivateKey:  key,
				NoOverwrite: noOverwrite,
			})
		})
		if err != nil {
			return err
		}
		reqPath, _ := p.Paths().ReqPath(args[0])
		keyPath, _ := p.Paths().KeyPath(args[0])
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Request: %s\n", reqPath)
		fmt.Fprintf(out, "Key:     %s\n", keyPath)
		return nil
	},
}

var signReqCmd = &cobra.Command{
	Use:   "sign-req <type> <common-name>",
	Short: "Sign a certificate of the given type (client, server)",
	Long: `Signs reqs/<common-name>.req with the CA. When no request exists a key and
request are generated and stored together with the certificate.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPKI()
		if err != nil {
			return err
		}
		res, err := withRetry(cmd.Context(), func() (*pki.SignResult, error) {
			return p.SignReq(cmd.Context(), pki.SignRequest{
				CommonName:        args[1],
				Attributes:        attrs,
				Type:              template.Role(args[0]),
				SerialNumberBytes: serialBytes,
				NoOverwrite:       noOverwrite,
			})
		})
		if err != nil {
			return err
		}
		printIssued(cmd, p, args[1], res)
		return nil
	},
}

var buildServerCmd = &cobra.Command{
	Use:   "build-server-full <common-name>...",
	Short: "Generate keys and sign server certificates in one step",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPKI()
		if err != nil {
			return err
		}
		results, err := createServers(cmd.Context(), p, args)
		for i, res := range results {
			if res != nil {
				printIssued(cmd, p, args[i], res)
			}
		}
		return err
	},
}

// createServers issues one server certificate per name. Issuance itself is
// serialized by the directory lock; running the names concurrently
// overlaps key generation.
func createServers(ctx context.Context, p *pki.PKI, names []string) ([]*pki.SignResult, error) {
	results := make([]*pki.SignResult, len(names))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(parallel, 1))
	for i, name := range names {
		g.Go(func() error {
			res, err := withRetry(ctx, func() (*pki.SignResult, error) {
				return p.CreateServer(ctx, pki.ServerRequest{
					CommonName:        name,
					Attributes:        attrs,
					SerialNumberBytes: serialBytes,
					NoOverwrite:       noOverwrite,
				})
			})
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	return results, g.Wait()
}

func printIssued(cmd *cobra.Command, p *pki.PKI, cn string, res *pki.SignResult) {
	certPath, _ := p.Paths().CertPath(cn)
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", res.Serial, certPath)
}

func init() {
	rootCmd.AddCommand(initPKICmd, buildCACmd, genReqCmd, signReqCmd, buildServerCmd)

	initPKICmd.Flags().BoolVar(&initForce, "force", false, "Remove existing directory contents first")

	buildCACmd.Flags().StringVar(&caCN, "cn", pki.DefaultCACommonName, "CA common name")

	genReqCmd.Flags().StringVar(&keyFile, "key-file", "", "Use this PEM RSA private key instead of generating one")

	buildServerCmd.Flags().IntVar(&parallel, "parallel", 4, "Certificates to prepare concurrently")

	for _, c := range []*cobra.Command{buildCACmd, genReqCmd, signReqCmd, buildServerCmd} {
		c.Flags().StringToStringVar(&attrs, "attr", nil, "Subject attribute, e.g. --attr O=Acme (repeatable)")
		c.Flags().BoolVar(&noOverwrite, "no-overwrite", false, "Fail instead of replacing existing files")
	}
	for _, c := range []*cobra.Command{buildCACmd, signReqCmd, buildServerCmd} {
		c.Flags().IntVar(&serialBytes, "serial-bytes", 0, "Serial number length in bytes (default 16)")
	}
}
