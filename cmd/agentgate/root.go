// cmd/agentgate/root.go
// Root command for the agentgate CLI.  Wires global flags and logger
// initialisation and adds the serve and version sub-commands.
package main

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/triologue/agentgate/internal/logging"
	"github.com/triologue/agentgate/pkg/version"
)

var (
	cfgFile string
	logJSON bool

	rootCmd = &cobra.Command{
		Use:   "agentgate",
		Short: "agentgate - bridge external AI agents into chat rooms",
		Long: `agentgate maintains one privileged session to the chat server and fans
room messages out to agents over WebSocket, SSE and webhooks, forwarding
their replies upstream under their own identities.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Initialise the logger exactly once (idempotent).
			if logging.Initialised() {
				return nil
			}
			return initLogger()
		},
	}
)

func init() {
	// A local .env is a development convenience; absence is not an error.
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file (YAML/TOML/JSON)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Enable JSON log output (default is human-friendly console)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
}

// Execute is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initLogger() error {
	cfg := zap.NewProductionConfig()
	if !logJSON {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.EncoderConfig.EncodeTime = zap.TimeEncoder(func(t time.Time, enc zap.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format(time.RFC3339))
	})

	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	logging.Set(logger)
	logging.Sugar().Infow("agentgate starting",
		"go_version", runtime.Version(), "version", version.String())
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.String())
		},
	}
}
