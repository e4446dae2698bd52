// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/proofwatch/internal/config"
	"github.com/xkilldash9x/proofwatch/internal/observability"
	"github.com/xkilldash9x/proofwatch/internal/service"
)

type contextKey string

// configKey stores the validated configuration in the command context.
const configKey contextKey = "config"

// flagBindings maps persistent flags onto their configuration keys so flags
// take precedence over the config file and the environment.
var flagBindings = map[string]string{
	"browser.headless":          "headless",
	"browser.remote_url":        "remote-url",
	"engine.worker_concurrency": "concurrency",
	"engine.results_file":       "results-file",
}

// NewRootCommand builds the command tree with production dependencies.
func NewRootCommand() *cobra.Command {
	return newRootCmd(service.NewComponentFactory(), NewStoreProvider())
}

func newRootCmd(factory service.ComponentFactory, provider storeProvider) *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "proofwatch",
		Short: "Proofwatch verifies social media actions inside the user's own browser.",
		Long: `Proofwatch opens each target in a tab of the user's browser, watches the
page and its network traffic while the user acts, and records a proof with a
confidence score once the action is observed.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			// 1. Config file, environment and flag overrides.
			if err := initializeConfig(cmd, v, cfgFile); err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "proofwatch"})
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			// 2. Build and validate the configuration object.
			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "proofwatch"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			// 3. Logger.
			observability.InitializeLogger(cfg.Logger())
			observability.GetLogger().Info("Starting proofwatch", zap.String("version", Version))

			// 4. Hand the config to subcommands.
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
	}
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml or ~/.proofwatch/config.yaml)")
	flags.Bool("headless", false, "Run a launched browser without a window. (Overrides config/env)")
	flags.String("remote-url", "", "DevTools endpoint of an already running browser. (Overrides config/env)")
	flags.IntP("concurrency", "j", 0, "Maximum number of tabs tracked at once. (Overrides config/env)")
	flags.String("results-file", "", "Append every terminal result to this JSON Lines file. (Overrides config/env)")

	rootCmd.AddCommand(
		newVerifyCmd(factory),
		newCollectCmd(factory),
		newRunCmd(factory),
		newReportCmd(provider),
		newVersionCmd(),
	)
	return rootCmd
}

// Execute runs the command tree against ctx, which main ties to SIGINT/SIGTERM.
func Execute(ctx context.Context) error {
	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		observability.GetLogger().Error("Command execution failed", zap.Error(err))
		return err
	}
	return nil
}

// initializeConfig reads the config file and environment into v and binds the
// flags that were explicitly set.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.proofwatch")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("PROOFWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and environment apply.
	}

	for key, name := range flagBindings {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding --%s: %w", name, err)
		}
	}
	return nil
}

// getConfigFromContext returns the configuration stored by PersistentPreRunE.
func getConfigFromContext(ctx context.Context) (config.Interface, error) {
	cfg, ok := ctx.Value(configKey).(config.Interface)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not found in context")
	}
	return cfg, nil
}
