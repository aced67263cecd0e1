package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/swarm/internal/config"
	"github.com/dyluth/swarm/internal/logger"
	"github.com/dyluth/swarm/internal/printer"
)

var (
	configPath     string
	connectTimeout time.Duration
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "swarm",
	Short: "swarm - distributed evolution runs over Redis",
	Long: `swarm coordinates a fleet of nodes that train and evolve model mixtures
over a shared Redis broker.

Every node runs 'swarm controller'. Control signals (start, stop, reload,
shutdown) are broadcast to all of them; run requests are picked up by exactly
one elected master, which dispatches training tasks to the workers of every
running node.`,
	// Prevent silent success when unknown flags are passed to root command
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// Silence Cobra's default error and usage printing
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	defer logger.Sync()
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to swarm.yml (optional)")
	rootCmd.PersistentFlags().DurationVar(&connectTimeout, "connect-timeout", 10*time.Second, "How long to wait for the broker")
}

// loadConfig reads --config, falling back to defaults when the file does not
// exist, and initialises the process logger from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, printer.ErrorWithContext(
			"invalid configuration",
			err.Error(),
			map[string]string{"Config": configPath},
			[]string{"Fix the file, or create a fresh one:\n  swarm init"},
		)
	}
	logger.Init(&cfg.Logging)
	return cfg, nil
}

// connectContext bounds the wait for the broker.
func connectContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, connectTimeout)
}

func brokerUnreachable(cfg *config.Config, err error) error {
	return printer.ErrorWithContext(
		"broker unreachable",
		fmt.Sprintf("Could not connect within %v: %v", connectTimeout, err),
		map[string]string{"Broker": cfg.Broker.URL, "Namespace": cfg.Namespace},
		[]string{
			"Check that Redis is running and broker.url is correct",
			"Wait longer:\n  --connect-timeout 30s",
		},
	)
}
