// Package cmd defines the icon-resolver command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/icon-resolver/internal/config"
	"github.com/JakeFAU/icon-resolver/internal/server"
)

// configKeyType is the key for storing the loaded config in the context.
type configKeyType string

const configKey configKeyType = "config"

// buildApp is the application factory, replaced in tests.
var buildApp = server.Build

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "icon-resolver",
		Short: "Find the best favicon for websites and Android apps",
		Long: `icon-resolver turns site identifiers (URLs, bare hosts and
androidapp:// package names) into validated, deduplicated icons. It can run a
batch from the command line or serve an HTTP API.`,
		SilenceUsage: true,

		// Config is loaded before every subcommand so flags can override it.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, &cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON); ICONS_* env vars override it")
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.AddCommand(newResolveCmd(), newServeCmd())
	return cmd
}

func configFrom(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
