package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jmcleod/easypki/pki"
	"github.com/jmcleod/easypki/storage"
	"github.com/spf13/cobra"
)

var (
	showJSONOutput bool
	showRole       string
)

var showIndexCmd = &cobra.Command{
	Use:   "show-index",
	Short: "List issued certificates recorded in the index",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openPKI()
		if err != nil {
			return err
		}
		entries, err := withRetry(cmd.Context(), func() ([]*storage.Entry, error) {
			return p.Index(cmd.Context())
		})
		if err != nil {
			return err
		}
		if showRole != "" {
			entries = slices.DeleteFunc(entries, func(e *storage.Entry) bool {
				return e.Role != showRole
			})
		}
		if showJSONOutput {
			return printJSON(cmd.OutOrStdout(), entries)
		}
		return printIndex(cmd.OutOrStdout(), entries, time.Now())
	},
}

var showCertCmd = &cobra.Command{
	Use:   "show-cert <file>",
	Short: "Describe a PEM certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("cannot read file: %w", err)
		}
		fields, err := pki.DescribeCertificate(data)
		if err != nil {
			return err
		}
		if showJSONOutput {
			return printJSON(cmd.OutOrStdout(), fields)
		}
		printFields(cmd.OutOrStdout(), fields)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(showIndexCmd, showCertCmd)
	for _, c := range []*cobra.Command{showIndexCmd, showCertCmd} {
		c.Flags().BoolVar(&showJSONOutput, "json", false, "Output as JSON")
	}
	showIndexCmd.Flags().StringVar(&showRole, "role", "", "Only list certificates of this role")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printIndex(w io.Writer, entries []*storage.Entry, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERIAL\tROLE\tCOMMON NAME\tNOT AFTER\tSTATUS")
	for _, e := range entries {
		status := pki.StatusActive
		if now.After(e.NotAfter) {
			status = pki.StatusExpired
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.Serial, e.Role, e.CommonName, e.NotAfter.UTC().Format(time.DateOnly), status)
	}
	return tw.Flush()
}

// Display order for show-cert.
var fieldOrder = []string{
	pki.FieldSubject,
	pki.FieldIssuer,
	pki.FieldSerialNumber,
	pki.FieldNotBefore,
	pki.FieldNotAfter,
	pki.FieldStatus,
	pki.FieldIsCA,
	pki.FieldKeyAlgorithm,
	pki.FieldFingerprintSHA256,
	pki.FieldExtensions,
}

func printFields(w io.Writer, fields map[string]string) {
	width := 0
	for _, k := range fieldOrder {
		width = max(width, len(k))
	}
	for _, k := range fieldOrder {
		label := strings.ReplaceAll(k, "_", " ")
		fmt.Fprintf(w, "%-*s  %s\n", width, label+":", fields[k])
	}
}
