/*
export.go - Statutory export command

PURPOSE:
  Writes the flat accounting file for one tenant and fiscal year to a
  file or stdout. The same data always produces the same bytes, so the
  output can be diffed between runs.
*/
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/facturio/billing-engine/fec"
)

func exportCmd() *cobra.Command {
	var (
		tenantID   string
		year       int
		outPath    string
		latin      bool
		withAudit  bool
		invoiceIDs []string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the statutory accounting file for a tenant and year",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenantID == "" {
				return fmt.Errorf("--tenant is required")
			}
			if withAudit && len(invoiceIDs) == 0 {
				return fmt.Errorf("--audit requires --invoices; the yearly export carries booking lines only")
			}

			store, err := openStore()
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer store.Close()

			builder := fec.NewBuilder(store, fec.DefaultAccountPlan())

			var entries []fec.Entry
			if len(invoiceIDs) > 0 {
				entries, err = builder.BuildForInvoices(context.Background(), tenantID, invoiceIDs, withAudit)
			} else {
				from := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
				to := time.Date(year, 12, 31, 0, 0, 0, 0, time.UTC)
				entries, err = builder.Build(context.Background(), tenantID, from, to)
			}
			if err != nil {
				return fmt.Errorf("build export: %w", err)
			}
			if !fec.Balanced(entries) {
				return fmt.Errorf("export is unbalanced, refusing to write")
			}

			out := fec.Render(entries)
			if latin {
				if out, err = fec.RenderLatin(entries); err != nil {
					return fmt.Errorf("encode export: %w", err)
				}
			}

			if outPath == "" || outPath == "-" {
				_, err = os.Stdout.Write(out)
				return err
			}
			if err := os.WriteFile(outPath, out, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", outPath, err)
			}
			rootLog.Info().
				Str("tenant_id", tenantID).
				Int("year", year).
				Int("entries", len(entries)).
				Str("path", outPath).
				Msg("export written")
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant to export")
	cmd.Flags().IntVar(&year, "year", time.Now().Year(), "fiscal year")
	cmd.Flags().StringVar(&outPath, "out", "-", "output path, - for stdout")
	cmd.Flags().BoolVar(&latin, "latin", false, "encode as ISO-8859-15 instead of UTF-8")
	cmd.Flags().StringSliceVar(&invoiceIDs, "invoices", nil, "export only these invoice IDs instead of the full year")
	cmd.Flags().BoolVar(&withAudit, "audit", false, "append audit trail suspense lines (with --invoices)")
	return cmd
}
