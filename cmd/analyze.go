package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KaramelBytes/analyzethis/internal/analysis"
	"github.com/KaramelBytes/analyzethis/internal/utils"
)

var (
	anaOutputDir  string
	anaDelimiter  string
	anaSampleRows int
	anaOutlier    string
	anaOutlierThr float64
	anaCorrThr    float64
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <files...>",
	Short: "Profile local CSV/TSV files without uploading them",
	Long: `Print the statistical summary of one or more local files. Glob patterns are
expanded. With --output-dir each summary is written to <name>.summary.md instead,
with a __N suffix when two inputs share a base name.`,
	Example: `  analyzethis analyze sales.csv
  analyzethis analyze "data/*.csv" --output-dir summaries --outliers iqr`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		files := expandInputs(args)
		if len(files) == 0 {
			return fmt.Errorf("no input files matched")
		}
		opt, err := analyzeOptions()
		if err != nil {
			return err
		}
		if anaOutputDir != "" {
			if err := utils.EnsureDir(anaOutputDir); err != nil {
				return err
			}
		}

		out := cmd.OutOrStdout()
		used := map[string]int{}
		var failed int
		for i, path := range files {
			sum, err := analysis.Sample(path, opt)
			if err != nil {
				failed++
				fmt.Fprintf(cmd.ErrOrStderr(), "⚠ Warning: %s: %v\n", path, err)
				continue
			}
			md := sum.Markdown()
			if anaOutputDir == "" {
				if i > 0 {
					fmt.Fprintln(out)
				}
				fmt.Fprint(out, md)
				continue
			}
			base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			used[base]++
			name := base + ".summary.md"
			if n := used[base]; n > 1 {
				name = fmt.Sprintf("%s__%d.summary.md", base, n)
			}
			dest := filepath.Join(anaOutputDir, name)
			if err := utils.SafeWriteFile(dest, []byte(md)); err != nil {
				return err
			}
			fmt.Fprintf(out, "[%d/%d] ✓ %s → %s\n", i+1, len(files), path, dest)
		}
		if failed == len(files) {
			return fmt.Errorf("no file could be analyzed")
		}
		return nil
	},
}

// expandInputs resolves globs, keeps literal paths, and drops duplicates.
func expandInputs(args []string) []string {
	var files []string
	seen := map[string]struct{}{}
	for _, arg := range args {
		matches, _ := filepath.Glob(arg)
		if len(matches) == 0 {
			if _, err := os.Stat(arg); err == nil {
				matches = []string{arg}
			}
		}
		for _, m := range matches {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			files = append(files, m)
		}
	}
	sort.Strings(files)
	return files
}

func analyzeOptions() (analysis.Options, error) {
	opt := analysis.DefaultOptions()
	if cfg != nil {
		c, err := cfg.Sampling()
		if err != nil {
			return opt, err
		}
		opt = c
	}
	switch anaDelimiter {
	case "":
	case ",":
		opt.Delimiter = ','
	case ";":
		opt.Delimiter = ';'
	case "\t", "tab":
		opt.Delimiter = '\t'
	default:
		return opt, fmt.Errorf("unsupported --delimiter: %s", anaDelimiter)
	}
	if anaSampleRows > 0 {
		opt.SampleRows = anaSampleRows
	}
	if anaOutlier != "" {
		m, err := analysis.ParseOutlierMethod(anaOutlier)
		if err != nil {
			return opt, err
		}
		opt.OutlierMethod = m
	}
	if anaOutlierThr > 0 {
		opt.OutlierThreshold = anaOutlierThr
	}
	if anaCorrThr >= 0 {
		opt.CorrelationThreshold = analysis.Threshold(anaCorrThr)
	}
	return opt, nil
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
	analyzeCmd.Flags().StringVar(&anaOutputDir, "output-dir", "", "write <name>.summary.md files here instead of stdout")
	analyzeCmd.Flags().StringVar(&anaDelimiter, "delimiter", "", "CSV delimiter: ',' | ';' | 'tab' (default by extension)")
	analyzeCmd.Flags().IntVar(&anaSampleRows, "sample-rows", 0, "number of sample rows to keep (default from config)")
	analyzeCmd.Flags().StringVar(&anaOutlier, "outliers", "", "outlier rule: zscore|iqr (default from config)")
	analyzeCmd.Flags().Float64Var(&anaOutlierThr, "outlier-threshold", 0, "|z| for zscore, k for iqr (default from config)")
	analyzeCmd.Flags().Float64Var(&anaCorrThr, "correlation-threshold", -1, "report pairs with |r| above this; negative uses the config value")
}
