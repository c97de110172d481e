package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"jihu_proxy/internal/config"
	"jihu_proxy/internal/httpapi"
	"jihu_proxy/internal/utils"
)

// app carries the persistent flags and the configuration they resolve to.
type app struct {
	configPath string
	logLevel   string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "jihu-proxy",
		Short: "OpenAI-compatible proxy for Jihu CodeRider",
		Long: "jihu-proxy exposes Jihu CodeRider models behind an OpenAI-compatible API, " +
			"handling GitLab OAuth tokens, CodeRider JWTs, accounts and API keys.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			utils.SetDefaultOutput(cmd.ErrOrStderr())
			return a.load()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runServe(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "TOML config file (defaults to $CONFIG_FILE)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	root.AddCommand(
		a.newServeCmd(),
		a.newOAuthSetupCmd(),
		a.newInitAdminCmd(),
		a.newSettingsCmd(),
		a.newSessionsCmd(),
		a.newResetPasswordCmd(),
	)
	return root
}

func (a *app) load() error {
	cfg, err := config.LoadFile(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	level, err := utils.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	utils.SetDefaultLevel(level)
	a.cfg = cfg
	return nil
}

// withDeps builds the service graph, runs fn and releases it.
func (a *app) withDeps(ctx context.Context, fn func(*httpapi.Dependencies) error) (err error) {
	deps, err := httpapi.NewDependencies(ctx, a.cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := deps.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(deps)
}
