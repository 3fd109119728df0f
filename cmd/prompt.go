package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/KaramelBytes/analyzethis/internal/prompt"
	"github.com/KaramelBytes/analyzethis/internal/store"
	"github.com/KaramelBytes/analyzethis/internal/utils"
)

var (
	annColumns []string
	annFile    string
	annReplace bool

	enhanceForce bool
	enhancePrint bool

	editFile string
)

var annotateCmd = &cobra.Command{
	Use:   "annotate <analysis-id>",
	Short: "Describe what columns mean",
	Long: `Attach descriptions to dataset columns. Annotations from --file (YAML or JSON,
mapping column name to {description, source, notes}) are applied first, then each
--column name=description. Existing annotations are kept unless --replace is set.
Running annotate with no annotations still marks the analysis as annotated.`,
	Example: `  analyzethis annotate 5f0c... --column id="row id" --column value="sale amount in USD"
  analyzethis annotate 5f0c... --file columns.yaml --replace`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUser(cmd.Context(), func(a *app, u *store.User) error {
			an, err := a.svc.Get(cmd.Context(), u.ID, args[0])
			if err != nil {
				return err
			}
			ann := prompt.Annotations{}
			if !annReplace {
				for k, v := range an.Annotations {
					ann[k] = v
				}
			}
			if annFile != "" {
				fromFile, err := readAnnotationsFile(annFile)
				if err != nil {
					return err
				}
				for k, v := range fromFile {
					ann[k] = v
				}
			}
			if err := applyColumnFlags(ann, annColumns); err != nil {
				return err
			}
			an, err = a.svc.SaveAnnotations(cmd.Context(), u.ID, args[0], ann)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Saved %d column annotation(s)\n", len(an.Annotations))
			return nil
		})
	},
}

// readAnnotationsFile accepts YAML, and therefore JSON.
func readAnnotationsFile(path string) (prompt.Annotations, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read annotations: %w", err)
	}
	var ann prompt.Annotations
	if err := yaml.Unmarshal(b, &ann); err != nil {
		return nil, fmt.Errorf("parse annotations %s: %w", path, err)
	}
	return ann, nil
}

func applyColumnFlags(ann prompt.Annotations, flags []string) error {
	for _, f := range flags {
		name, desc, ok := strings.Cut(f, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return fmt.Errorf("invalid --column %q (want name=description)", f)
		}
		cur := ann[name]
		cur.Description = strings.TrimSpace(desc)
		ann[name] = cur
	}
	return nil
}

var askCmd = &cobra.Command{
	Use:   "ask <analysis-id> <question>",
	Short: "Set the analysis question",
	Example: `  analyzethis ask 5f0c... "Which regions drive revenue growth?"`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args[1:], " ")
		return withUser(cmd.Context(), func(a *app, u *store.User) error {
			if _, err := a.svc.SaveQuestion(cmd.Context(), u.ID, args[0], question); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Saved question")
			fmt.Fprintf(cmd.OutOrStdout(), "Next: analyzethis enhance %s\n", args[0])
			return nil
		})
	},
}

var enhanceCmd = &cobra.Command{
	Use:   "enhance <analysis-id>",
	Short: "Compose the enhanced prompt from annotations, data sample and question",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUser(cmd.Context(), func(a *app, u *store.User) error {
			an, err := a.svc.Enhance(cmd.Context(), u.ID, args[0], enhanceForce)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			parts := utils.TokenBreakdown(map[string]string{
				"question": an.RawPrompt,
				"prompt":   an.EnhancedPrompt,
			})
			fmt.Fprintf(out, "✓ Enhanced prompt ready (tokens≈%d, question≈%d)\n", parts["prompt"], parts["question"])
			if enhancePrint {
				fmt.Fprintln(out)
				fmt.Fprintln(out, an.EnhancedPrompt)
			}
			return nil
		})
	},
}

var editPromptCmd = &cobra.Command{
	Use:   "edit-prompt <analysis-id>",
	Short: "Replace the enhanced prompt with your own text (from --file or stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text, err := readEditText(cmd.InOrStdin(), editFile)
		if err != nil {
			return err
		}
		return withUser(cmd.Context(), func(a *app, u *store.User) error {
			if _, err := a.svc.EditEnhancedPrompt(cmd.Context(), u.ID, args[0], text); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Saved enhanced prompt (use 'enhance --force' to recompose)")
			return nil
		})
	},
}

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List suggested analysis questions",
	RunE: func(cmd *cobra.Command, args []string) error {
		for i, t := range prompt.Templates {
			fmt.Fprintf(cmd.OutOrStdout(), "%d. %s\n", i+1, t)
		}
		return nil
	},
}

// readEditText reads replacement text from path, or r when path is "" or "-".
func readEditText(r io.Reader, path string) (string, error) {
	var (
		b   []byte
		err error
	)
	if path == "" || path == "-" {
		b, err = io.ReadAll(r)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read text: %w", err)
	}
	return string(b), nil
}

func init() {
	rootCmd.AddCommand(annotateCmd, askCmd, enhanceCmd, editPromptCmd, templatesCmd)
	annotateCmd.Flags().StringArrayVarP(&annColumns, "column", "c", nil, "column annotation as name=description (repeatable)")
	annotateCmd.Flags().StringVarP(&annFile, "file", "f", "", "YAML or JSON file of annotations")
	annotateCmd.Flags().BoolVar(&annReplace, "replace", false, "discard existing annotations first")
	enhanceCmd.Flags().BoolVar(&enhanceForce, "force", false, "recompose even if the prompt was edited by hand")
	enhanceCmd.Flags().BoolVar(&enhancePrint, "print", false, "print the enhanced prompt")
	editPromptCmd.Flags().StringVarP(&editFile, "file", "f", "", "read text from file ('-' or empty for stdin)")
}
