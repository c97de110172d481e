package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"jihu_proxy/internal/auth"
	"jihu_proxy/internal/httpapi"
	"jihu_proxy/internal/storage"
)

func (a *app) newInitAdminCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "init-admin",
		Short: "Create the first admin account and its default API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				username = os.Getenv("ADMIN_BOOTSTRAP_USERNAME")
			}
			if password == "" {
				password = os.Getenv("ADMIN_BOOTSTRAP_PASSWORD")
			}
			if username == "" || password == "" {
				return errors.New("--username and --password (or ADMIN_BOOTSTRAP_USERNAME and ADMIN_BOOTSTRAP_PASSWORD) are required")
			}

			return a.withDeps(cmd.Context(), func(deps *httpapi.Dependencies) error {
				result, err := deps.Accounts.BootstrapAdmin(cmd.Context(), username, password)
				if errors.Is(err, auth.ErrUserExists) {
					fmt.Fprintln(cmd.OutOrStdout(), "Accounts already exist; nothing to do.")
					return nil
				}
				if err != nil {
					return fmt.Errorf("create admin: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Admin %q created (id %d).\n", result.User.Username, result.User.ID)
				fmt.Fprintf(out, "API key: %s\n", result.APIKey.Key)
				fmt.Fprintln(out, "Store the key now; it is shown in full only to its owner.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "Admin username")
	cmd.Flags().StringVar(&password, "password", "", "Admin password")
	return cmd
}

func (a *app) newSettingsCmd() *cobra.Command {
	settings := &cobra.Command{
		Use:   "settings",
		Short: "Read or change persisted settings such as OAuth tokens",
	}

	settings.AddCommand(
		&cobra.Command{
			Use:   "get <key>",
			Short: "Print a setting",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withDeps(cmd.Context(), func(deps *httpapi.Dependencies) error {
					value, err := deps.Settings.Get(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					if value == "" {
						return fmt.Errorf("setting %q is not set", args[0])
					}
					fmt.Fprintln(cmd.OutOrStdout(), value)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Store a setting",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withDeps(cmd.Context(), func(deps *httpapi.Dependencies) error {
					return deps.Settings.Set(cmd.Context(), args[0], args[1])
				})
			},
		},
		&cobra.Command{
			Use:   "delete <key>",
			Short: "Remove a setting",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withDeps(cmd.Context(), func(deps *httpapi.Dependencies) error {
					return deps.Settings.Delete(cmd.Context(), args[0])
				})
			},
		},
		&cobra.Command{
			Use:   "gen-key",
			Short: "Print a new SETTINGS_ENCRYPTION_KEY",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				key, err := storage.GenerateKey(32)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), key)
				return nil
			},
		},
	)
	return settings
}

func (a *app) newSessionsCmd() *cobra.Command {
	sessions := &cobra.Command{
		Use:   "sessions",
		Short: "Manage login sessions",
	}
	sessions.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Delete sessions idle for longer than SESSION_TTL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withDeps(cmd.Context(), func(deps *httpapi.Dependencies) error {
				removed, err := deps.Accounts.CleanupSessions(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired session(s).\n", removed)
				return nil
			})
		},
	})
	return sessions
}

func (a *app) newResetPasswordCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "reset-password <username>",
		Short: "Set a new password for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return errors.New("--password is required")
			}
			return a.withDeps(cmd.Context(), func(deps *httpapi.Dependencies) error {
				if err := deps.Accounts.ResetPassword(cmd.Context(), args[0], password); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Password updated for %s.\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "New password")
	return cmd
}
