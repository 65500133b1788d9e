// Package main provides the flowkeep CLI for managing stored process specs
// and workflow instances.
//
// Usage:
//
//	flowkeep spec add order.yaml
//	flowkeep workflow start <spec-id> --user u-1 --resource r-9 --type DSAR
//	flowkeep workflow complete <workflow-id> Review
//	flowkeep migrate up
//
// The database is taken from --database, the FLOWKEEP_DATABASE environment
// variable, or the "database" key of flowkeep.yaml, in that order.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/i2y/flowkeep"
)

const defaultDatabase = "flowkeep.db"

var rootCmd = &cobra.Command{
	Use:   "flowkeep",
	Short: "Manage stored process specs and workflow instances",
	Long: `flowkeep stores BPMN-style process specs and the execution state of
workflows built from them in SQLite, PostgreSQL or MySQL.

Configuration is read from ./flowkeep.yaml or ./config/flowkeep.yaml and
can be overridden with FLOWKEEP_* environment variables or flags.`,
	PersistentPreRunE: loadConfig,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func init() {
	rootCmd.PersistentFlags().String("database", defaultDatabase, "database URL or SQLite path")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("config", "", "config file (default ./flowkeep.yaml)")

	_ = viper.BindPFlag("database", rootCmd.PersistentFlags().Lookup("database"))
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.SetDefault("auto_migrate", true)
	viper.SetDefault("spec_cache_size", 128)

	rootCmd.AddCommand(specCmd, workflowCmd, userWorkflowCmd, migrateCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, if any, and installs the logger.
func loadConfig(cmd *cobra.Command, _ []string) error {
	if file, _ := cmd.Flags().GetString("config"); file != "" {
		viper.SetConfigFile(file)
	} else {
		viper.SetConfigName("flowkeep")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}
	viper.SetEnvPrefix("FLOWKEEP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	level, err := parseLogLevel(viper.GetString("log_level"))
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

func parseLogLevel(v string) (slog.Level, error) {
	var level slog.Level
	if v == "" {
		return slog.LevelWarn, nil
	}
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", v)
	}
	return level, nil
}

func databaseURL() string {
	if url := viper.GetString("database"); url != "" {
		return url
	}
	return defaultDatabase
}

// withEngine starts an engine on the configured database, runs fn and
// shuts the engine down.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, engine *flowkeep.Engine) error) error {
	ctx := cmd.Context()
	engine := flowkeep.NewEngine(
		flowkeep.WithDatabase(databaseURL()),
		flowkeep.WithAutoMigrate(viper.GetBool("auto_migrate")),
		flowkeep.WithSpecCacheSize(viper.GetInt("spec_cache_size")),
		flowkeep.WithLogger(slog.Default()),
	)
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer func() {
		if err := engine.Shutdown(context.Background()); err != nil {
			slog.Error("failed to shut down engine", "error", err)
		}
	}()
	return fn(ctx, engine)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
