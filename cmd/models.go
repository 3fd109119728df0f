package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/KaramelBytes/analyzethis/internal/ai"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Inspect the model catalog used for cost and context warnings",
	Example: `  analyzethis models show
  analyzethis models providers`,
}

var modelsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current model catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		// encoding/json sorts map keys, so the output order is stable.
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(ai.Catalog())
	},
}

var modelsProvidersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List completion providers",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, p := range ai.Providers() {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
	modelsCmd.AddCommand(modelsShowCmd)
	modelsCmd.AddCommand(modelsProvidersCmd)
}
