package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KaramelBytes/analyzethis/internal/pipeline"
	"github.com/KaramelBytes/analyzethis/internal/prompt"
	"github.com/KaramelBytes/analyzethis/internal/store"
)

var (
	uploadTitle string
	uploadDesc  string
	sampleJSON  bool
	sampleStats bool
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file.csv>",
	Short: "Upload a CSV dataset and create an analysis",
	Example: `  analyzethis upload sales.csv --title "Q3 sales"
  analyzethis -u alice upload data/survey.tsv -d "2024 customer survey"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open dataset: %w", err)
		}
		defer f.Close()
		return withUser(cmd.Context(), func(a *app, u *store.User) error {
			an, err := a.svc.Upload(cmd.Context(), u.ID, pipeline.UploadInput{
				Title:       uploadTitle,
				Description: uploadDesc,
				FileName:    filepath.Base(args[0]),
				Reader:      f,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ Created analysis %s\n", an.ID)
			fmt.Fprintf(out, "  %s: %d rows × %d columns (%d bytes)\n", an.Dataset.FileName, an.Dataset.RowCount, an.Dataset.ColumnCount, an.Dataset.SizeBytes)
			for _, h := range an.Dataset.Headers {
				fmt.Fprintf(out, "  - %s (%s)\n", h, an.Dataset.Kinds[h])
			}
			fmt.Fprintf(out, "Next: analyzethis annotate %s --column <name>=<description>\n", an.ID)
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List your analyses, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUser(cmd.Context(), func(a *app, u *store.User) error {
			list, err := a.svc.List(cmd.Context(), u.ID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(list) == 0 {
				fmt.Fprintln(out, "(no analyses)")
				return nil
			}
			for _, an := range list {
				fmt.Fprintf(out, "- %s  %-10s  %s  %s (%s)\n", an.ID, an.State, an.CreatedAt.Format("2006-01-02 15:04"), an.Title, an.Dataset.FileName)
			}
			return nil
		})
	},
}

var showCmd = &cobra.Command{
	Use:   "show <analysis-id>",
	Short: "Show an analysis",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUser(cmd.Context(), func(a *app, u *store.User) error {
			an, err := a.svc.Get(cmd.Context(), u.ID, args[0])
			if err != nil {
				return err
			}
			printAnalysis(cmd, an)
			return nil
		})
	},
}

var sampleCmd = &cobra.Command{
	Use:   "sample <analysis-id>",
	Short: "Show the data sample and column statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUser(cmd.Context(), func(a *app, u *store.User) error {
			sum, err := a.svc.Sample(cmd.Context(), u.ID, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if sampleJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(sum)
			}
			fmt.Fprintln(out, prompt.SampleTable(sum.Headers, sum.Rows))
			if sampleStats {
				fmt.Fprintln(out)
				fmt.Fprint(out, sum.Markdown())
			}
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <analysis-id>",
	Short: "Delete an analysis and its uploaded file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUser(cmd.Context(), func(a *app, u *store.User) error {
			if err := a.svc.Delete(cmd.Context(), u.ID, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted analysis %s\n", args[0])
			return nil
		})
	},
}

func printAnalysis(cmd *cobra.Command, an *store.Analysis) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "id: %s\n", an.ID)
	fmt.Fprintf(out, "title: %s\n", an.Title)
	if an.Description != "" {
		fmt.Fprintf(out, "description: %s\n", an.Description)
	}
	fmt.Fprintf(out, "state: %s\n", an.State)
	fmt.Fprintf(out, "dataset: %s (%d rows × %d columns)\n", an.Dataset.FileName, an.Dataset.RowCount, an.Dataset.ColumnCount)
	fmt.Fprintf(out, "columns: %s\n", strings.Join(an.Dataset.Headers, ", "))
	if len(an.Annotations) > 0 {
		fmt.Fprintln(out, "annotations:")
		for _, h := range an.Dataset.Headers {
			if ann, ok := an.Annotations[h]; ok {
				fmt.Fprintf(out, "  %s: %s\n", h, ann.Description)
			}
		}
	}
	if an.RawPrompt != "" {
		fmt.Fprintf(out, "question: %s\n", an.RawPrompt)
	}
	if an.EnhancedPrompt != "" {
		edited := ""
		if an.PromptEdited {
			edited = ", edited by hand"
		}
		fmt.Fprintf(out, "enhanced prompt: %d chars%s\n", len(an.EnhancedPrompt), edited)
	}
	if an.GeneratedAt != nil {
		fmt.Fprintf(out, "report: %s with %s\n", an.GeneratedAt.Format("2006-01-02 15:04"), an.ReportModel)
	}
	fmt.Fprintf(out, "created: %s\n", an.CreatedAt.Format("2006-01-02 15:04"))
}

func init() {
	rootCmd.AddCommand(uploadCmd, listCmd, showCmd, sampleCmd, deleteCmd)
	uploadCmd.Flags().StringVarP(&uploadTitle, "title", "t", "", "analysis title (default: file name)")
	uploadCmd.Flags().StringVarP(&uploadDesc, "description", "d", "", "analysis description")
	sampleCmd.Flags().BoolVar(&sampleJSON, "json", false, "print the full summary as JSON")
	sampleCmd.Flags().BoolVar(&sampleStats, "stats", false, "also print the statistical summary")
}
