package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/sharectl/internal/authority"
	"github.com/danmuck/sharectl/internal/config"
	"github.com/danmuck/sharectl/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sessiond: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		cfgPath   string
		listen    string
		admin     string
		ginDebug  bool
		persisted []string
	)
	cmd := &cobra.Command{
		Use:           "sessiond",
		Short:         "Session authority for sharectl clients",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()
			cfg, err := config.LoadAuthority(cfgPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddr = listen
			}
			if cmd.Flags().Changed("admin") {
				cfg.AdminListenAddr = admin
			}
			if cmd.Flags().Changed("session") {
				cfg.PersistentSessions = persisted
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if !ginDebug {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := authority.New(cfg)
			log.Info().
				Str("instance", srv.InstanceID()).
				Str("listen", cfg.ListenAddr).
				Str("admin", cfg.AdminListenAddr).
				Strs("persistent", cfg.PersistentSessions).
				Str("version", version).
				Msg("sessiond starting")
			if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			log.Info().Msg("sessiond stopped")
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "authority config file (TOML)")
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "session listen address")
	cmd.Flags().StringVar(&admin, "admin", "", "admin HTTP listen address (empty disables)")
	cmd.Flags().StringSliceVar(&persisted, "session", nil, "persistent session name (repeatable)")
	cmd.Flags().BoolVar(&ginDebug, "gin-debug", false, "run gin in debug mode")

	cmd.AddCommand(configCmd(), versionCmd())
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the authority config file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write the default authority config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(args[0], "authority", force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Load and validate an authority config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.LoadAuthority(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s ok\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
