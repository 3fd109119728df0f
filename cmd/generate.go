package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/KaramelBytes/analyzethis/internal/pipeline"
	"github.com/KaramelBytes/analyzethis/internal/store"
	"github.com/KaramelBytes/analyzethis/internal/utils"
)

var (
	genModel       string
	genMaxTokens   int
	genDryRun      bool
	genQuiet       bool
	genBudgetLimit float64
	genPrintPrompt bool
)

var generateCmd = &cobra.Command{
	Use:   "generate <analysis-id>",
	Short: "Send the enhanced prompt to the model and store the report",
	Example: `  analyzethis generate 5f0c... --dry-run
  analyzethis generate 5f0c... --model openai/gpt-4o-mini --max-tokens 2000
  analyzethis generate 5f0c... --budget-limit 0.05`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Flags keep their values between Execute calls in the same process.
		provided := map[string]bool{}
		cmd.Flags().Visit(func(fl *pflag.Flag) { provided[fl.Name] = true })
		if !provided["budget-limit"] {
			genBudgetLimit = 0
		}
		if !provided["dry-run"] {
			genDryRun = false
		}
		if !provided["model"] {
			genModel = ""
		}
		if !provided["max-tokens"] {
			genMaxTokens = 0
		}

		return withUser(cmd.Context(), func(a *app, u *store.User) error {
			out := cmd.OutOrStdout()
			an, err := a.svc.Get(cmd.Context(), u.ID, args[0])
			if err != nil {
				return err
			}
			if !an.State.AtLeast(store.StateEnhanced) {
				return &pipeline.StateError{Op: "generate", Have: an.State, Need: store.StateEnhanced}
			}
			model := selectModel(a.cfg, genModel)
			maxTokens := selectMaxTokens(a.cfg, genMaxTokens)
			cost := preflight(out, model, an.EnhancedPrompt, maxTokens, genQuiet)
			if err := enforceBudget(cost, genBudgetLimit); err != nil {
				return err
			}
			if genDryRun {
				fmt.Fprintln(out, "\n--dry-run: no API call will be made. Prompt preview below --")
				fmt.Fprintln(out, an.EnhancedPrompt)
				return nil
			}
			if genPrintPrompt && !genQuiet {
				fmt.Fprintln(out, "\n--print-prompt: sending the following prompt --")
				fmt.Fprintln(out, an.EnhancedPrompt)
			}
			if !genQuiet {
				fmt.Fprintf(out, "⚙ Generating with model=%s ...\n", model)
			}
			res, err := a.svc.Generate(cmd.Context(), u.ID, args[0], pipeline.GenerateOptions{Model: model, MaxTokens: maxTokens})
			if err != nil {
				return explainCompletionError(err, model)
			}
			c := res.Completion
			if !genQuiet {
				if c.RequestID != "" {
					fmt.Fprintf(out, "Request ID: %s\n", c.RequestID)
				}
				fmt.Fprintf(out, "✓ Report stored (%d attempt(s), %s, output tokens=%d)\n", c.Attempts, c.Duration.Round(time.Millisecond), c.Usage.CompletionTokens)
				fmt.Fprintln(out, "\n=== Report ===")
			}
			fmt.Fprintln(out, res.Analysis.Report)
			return nil
		})
	},
}

var reportCmd = &cobra.Command{
	Use:   "report <analysis-id>",
	Short: "Print the stored report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUser(cmd.Context(), func(a *app, u *store.User) error {
			an, err := a.svc.Get(cmd.Context(), u.ID, args[0])
			if err != nil {
				return err
			}
			if !an.State.AtLeast(store.StateReported) {
				return &pipeline.StateError{Op: "report", Have: an.State, Need: store.StateReported}
			}
			fmt.Fprintln(cmd.OutOrStdout(), an.Report)
			return nil
		})
	},
}

var editReportCmd = &cobra.Command{
	Use:   "edit-report <analysis-id>",
	Short: "Replace the stored report (from --file or stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := readEditText(cmd.InOrStdin(), editFile)
		if err != nil {
			return err
		}
		return withUser(cmd.Context(), func(a *app, u *store.User) error {
			if _, err := a.svc.EditReport(cmd.Context(), u.ID, args[0], text); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Saved report (tokens≈%d)\n", utils.CountTokens(text))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(generateCmd, reportCmd, editReportCmd)
	generateCmd.Flags().StringVar(&genModel, "model", "", "override model (default from config)")
	generateCmd.Flags().IntVar(&genMaxTokens, "max-tokens", 0, "max tokens for the report")
	generateCmd.Flags().BoolVar(&genDryRun, "dry-run", false, "print token and cost estimates and the prompt without calling the API")
	generateCmd.Flags().BoolVar(&genQuiet, "quiet", false, "print only the report")
	generateCmd.Flags().Float64Var(&genBudgetLimit, "budget-limit", 0, "fail if estimated max cost (USD) exceeds this budget")
	generateCmd.Flags().BoolVar(&genPrintPrompt, "print-prompt", false, "print the prompt being sent to the API")
	editReportCmd.Flags().StringVarP(&editFile, "file", "f", "", "read text from file ('-' or empty for stdin)")
}
