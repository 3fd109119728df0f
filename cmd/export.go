package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/KaramelBytes/analyzethis/internal/store"
)

var (
	exportFormat string
	exportOutput string
)

var exportCmd = &cobra.Command{
	Use:   "export <analysis-id>",
	Short: "Export the report as markdown, html, pdf, csv (tables) or json",
	Example: `  analyzethis export 5f0c... --format pdf
  analyzethis export 5f0c... --format csv --output reports/
  analyzethis export 5f0c... --format json -o analysis.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUser(cmd.Context(), func(a *app, u *store.User) error {
			res, err := a.svc.Export(cmd.Context(), u.ID, args[0], exportFormat)
			if err != nil {
				return err
			}
			if res.NoTables() {
				fmt.Fprintln(cmd.OutOrStdout(), "⚠ No tables found in the report; nothing to export as CSV.")
				return nil
			}
			path, err := writeExport(res.File, exportOutput)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote %s (%d bytes)\n", path, len(res.File.Data))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVar(&exportFormat, "format", "markdown", "markdown|html|pdf|csv|json")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file or directory (default: ./<generated name>)")
}
