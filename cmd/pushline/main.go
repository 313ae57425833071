package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/pushline/internal/api"
	"github.com/foxzi/pushline/internal/app"
	"github.com/foxzi/pushline/internal/config"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "pushline",
	Short:        "Pushline - broadcast campaign engine",
	Long:         `Pushline sends throttled broadcast campaigns to a contact list through a messaging bot, in waves.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control API server",
	Long:  `Start the Pushline HTTP control API and the broadcast engine.`,
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "pushline version %s\n", version)
		if commit != "unknown" {
			fmt.Fprintf(out, "  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Fprintf(out, "  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
}

// loadConfig loads the file given with -c
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	api.Version = version

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration is valid\n")
	fmt.Fprintf(out, "  API: %s\n", cfg.API.ListenAddr)
	fmt.Fprintf(out, "  Bot: %s\n", cfg.Bot.BaseURL)
	fmt.Fprintf(out, "  Delivery mode: %s\n", cfg.Delivery.Mode)
	fmt.Fprintf(out, "  Wave limit: %d (delay %s-%s, cooldown %s)\n",
		cfg.Broadcast.WaveLimit, cfg.Broadcast.MinDelay, cfg.Broadcast.MaxDelay, cfg.Broadcast.Cooldown)
	fmt.Fprintf(out, "  Storage: %s\n", cfg.Storage.Path)
	fmt.Fprintf(out, "  History: %s (%s)\n", cfg.History.Path, cfg.History.Format)

	return nil
}
