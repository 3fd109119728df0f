package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	cfgpkg "github.com/KaramelBytes/analyzethis/internal/config"
	"github.com/KaramelBytes/analyzethis/internal/store"
)

var (
	userEmail  string
	userAPIKey string
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users and their API keys",
}

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Create a user",
	Example: `  analyzethis user add alice --email alice@example.com
  analyzethis user add bob --api-key sk-or-...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		u, err := a.svc.CreateUser(cmd.Context(), args[0], userEmail, userAPIKey)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Created user %s (%s)\n", u.Username, u.ID)
		return nil
	},
}

var userShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current user",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUser(cmd.Context(), func(a *app, u *store.User) error {
			printUser(cmd, u)
			return nil
		})
	},
}

var userSetKeyCmd = &cobra.Command{
	Use:   "set-key <api-key>",
	Short: "Store an API key for the current user (empty string clears it)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUser(cmd.Context(), func(a *app, u *store.User) error {
			u, err := a.svc.SetAPIKey(cmd.Context(), u.ID, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Saved API key")
			printUser(cmd, u)
			return nil
		})
	},
}

func printUser(cmd *cobra.Command, u *store.User) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "id: %s\n", u.ID)
	fmt.Fprintf(out, "username: %s\n", u.Username)
	if u.Email != "" {
		fmt.Fprintf(out, "email: %s\n", u.Email)
	}
	if u.APIKey != "" {
		fmt.Fprintf(out, "api_key: %s\n", cfgpkg.Mask(u.APIKey))
	} else {
		fmt.Fprintln(out, "api_key: (none, the configured api_key is used)")
	}
	fmt.Fprintf(out, "created: %s\n", u.CreatedAt.Format("2006-01-02 15:04"))
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userAddCmd, userShowCmd, userSetKeyCmd)
	userAddCmd.Flags().StringVar(&userEmail, "email", "", "email address")
	userAddCmd.Flags().StringVar(&userAPIKey, "api-key", "", "personal API key (falls back to the configured api_key)")
}
