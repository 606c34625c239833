// SPDX-FileCopyrightText: Copyright 2025 zxcv authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the zxcv-authd command-line
// application.
package app

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mattyatea/zxcv-sub002/pkg/config"
	"github.com/mattyatea/zxcv-sub002/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "zxcv-authd",
	DisableAutoGenTag: true,
	Short:             "OAuth login service for zxcv",
	Long: `zxcv-authd runs the OAuth login service for zxcv. It drives the
authorization-code flow against the configured identity providers,
manages the short-lived CSRF/PKCE state, resolves local user accounts,
and issues signed access and refresh tokens.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates the root command for the zxcv-authd CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	// Every flag is also settable via ZXCV_AUTHD_<FLAG> environment
	// variables, which is how secrets should be supplied.
	viper.SetEnvPrefix("zxcv_authd")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true

	return rootCmd
}

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Validate the resolved configuration without starting the server.
Checks required values, the storage backend selection, and that at
least one identity provider carries complete credentials.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg := config.Load()
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger.Infof("Configuration is valid")
			logger.Infof("  Address: %s", cfg.Address)
			logger.Infof("  Base URL: %s", cfg.BaseURL)
			logger.Infof("  Storage backend: %s", cfg.Storage.Backend)
			return nil
		},
	}
	addServeFlags(cmd)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			// Version information will be injected at build time
			logger.Infof("zxcv-authd version: %s", getVersion())
		},
	}
}

// getVersion returns the version string (set at build time via ldflags).
func getVersion() string {
	return version
}

var version = "dev"
