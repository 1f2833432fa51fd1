package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mistakeknot/interdesk/internal/app"
	"github.com/mistakeknot/interdesk/internal/auth"
	"github.com/mistakeknot/interdesk/internal/cli"
	"github.com/mistakeknot/interdesk/internal/config"
	"github.com/mistakeknot/interdesk/internal/server"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "interdesk",
		Short:        "Visitor to agent support chat server",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), initCmd(), versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "interdesk %s\n", Version)
		},
	}
}

func serveCmd() *cobra.Command {
	var (
		cfgFile string
		pretty  bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.ResolvePath(cfgFile))
			if err != nil {
				return err
			}
			setupLogging(cfg.Level(), pretty)

			keysPath := cfg.KeysFile
			if keysPath == "" {
				keysPath = auth.ResolveKeysPath()
			}
			ring, err := auth.LoadKeyring(keysPath)
			if err != nil {
				return fmt.Errorf("auth init: %w", err)
			}

			a, err := app.New(cfg, ring)
			if err != nil {
				return err
			}
			defer a.Close()

			srv, err := server.New(server.Config{Addr: cfg.Addr, SocketPath: cfg.SocketPath, Handler: a.Handler()})
			if err != nil {
				return fmt.Errorf("server init: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.Serve(ctx, srv)
		},
	}
	cmd.Flags().StringVar(&cfgFile, "config", "", "config file (default: interdesk.yaml or $INTERDESK_CONFIG)")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "human-readable console logs")
	return cmd
}

func initCmd() *cobra.Command {
	var (
		tenant   string
		keysFile string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate an API key for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if keysFile == "" {
				keysFile = auth.ResolveKeysPath()
			}
			key, err := cli.InitKeysFile(keysFile, tenant)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tenant %s key: %s\nkeys file: %s\n", tenant, key, keysFile)
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", auth.DefaultTenant, "tenant the key authenticates")
	cmd.Flags().StringVar(&keysFile, "keys-file", "", "keys file (default: interdesk.keys.yaml or $INTERDESK_KEYS_FILE)")
	return cmd
}

func setupLogging(level zerolog.Level, pretty bool) {
	zerolog.SetGlobalLevel(level)
	if pretty {
		log.Logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	}
}
