package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/sharectl/internal/client"
	"github.com/danmuck/sharectl/internal/config"
	"github.com/danmuck/sharectl/internal/console"
	"github.com/danmuck/sharectl/internal/logging"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sharectl: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		cfgPath string
		address string
		user    string
		receive bool
		noColor bool
	)
	cmd := &cobra.Command{
		Use:   "sharectl",
		Short: "Interactive client for replicated sharing sessions",
		Long: `sharectl pairs with a sessiond authority and reads commands from stdin:

  create [name]   join [name]   leave   ping [text]   cleanup
  setint <int>    showint       setfloat <float>      setstr <text>
  list            tree          help    quit`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()
			cfg, err := config.LoadClient(cfgPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("address") {
				cfg.Address = address
			}
			if cmd.Flags().Changed("user") {
				cfg.UserName = user
			}
			if receive {
				cfg.Pairing = config.PairingReceive
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			colorless := noColor || !term.IsTerminal(int(os.Stdout.Fd()))
			var opts []client.Option
			if term.IsTerminal(int(os.Stdin.Fd())) {
				opts = append(opts, client.WithPrompt(os.Stdout, "> "))
			}
			c := client.New(cfg, console.New(os.Stdout, colorless), opts...)
			if err := c.Start(ctx); err != nil {
				return err
			}
			if err := c.Run(ctx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "client config file (TOML)")
	cmd.Flags().StringVarP(&address, "address", "a", "", "authority address (host:port or ws:// URL)")
	cmd.Flags().StringVarP(&user, "user", "u", "", "user name announced to the authority")
	cmd.Flags().BoolVar(&receive, "receive", false, "wait for the authority to connect instead of dialing")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored status lines")

	cmd.AddCommand(configCmd(), versionCmd())
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the client config file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write the default client config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(args[0], "client", force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	}
	initCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Load and validate a client config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.LoadClient(args[0]); err != nil {
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
