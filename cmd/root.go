// Package cmd provides the command-line interface for tracksync.
package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielolaszy/tracksync/internal/config"
	"github.com/danielolaszy/tracksync/internal/logging"
	"github.com/danielolaszy/tracksync/internal/mirror"
	"github.com/danielolaszy/tracksync/internal/phabricator"
	"github.com/danielolaszy/tracksync/internal/tapd"
	"github.com/danielolaszy/tracksync/internal/translate"
)

const appName = "tracksync"

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "tracksync mirrors TAPD stories and tasks into Phabricator",
	Long: `tracksync mirrors TAPD stories, tasks and comments into Phabricator
Maniphest tasks. Every mirrored task carries a link back to its TAPD item,
which is how later runs find it again; no other state is kept.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the config file (default config.<env>.yaml)")
	rootCmd.PersistentFlags().StringP("env", "e", "prod", "Environment used to pick the default config file")
	rootCmd.PersistentFlags().String("log-dir", "", "Directory for the dated log file (overrides log_dir)")
}

// configPath resolves the config file to load. An explicit --config must
// exist; the per-environment default is optional.
func configPath(cmd *cobra.Command) (string, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return "", err
	}
	if path != "" {
		return path, nil
	}

	env, err := cmd.Flags().GetString("env")
	if err != nil {
		return "", err
	}

	path = config.Path(env)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		logging.Debug("no config file found, using defaults and environment", "path", path)
		return "", nil
	}
	return path, nil
}

// loadConfig loads and validates the configuration selected by the flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := configPath(cmd)
	if err != nil {
		return nil, err
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if dir, _ := cmd.Flags().GetString("log-dir"); dir != "" {
		cfg.LogDir = dir
	}
	return cfg, nil
}

// setupFileLogging tees the log into the dated log file of cfg.LogDir.
func setupFileLogging(cfg *config.Config) (io.Closer, error) {
	if cfg.LogDir == "" {
		return nopCloser{}, nil
	}
	closer, err := logging.SetupFileLogger(cfg.LogDir, appName, logging.LevelFromEnv())
	if err != nil {
		return nil, fmt.Errorf("failed to set up log file: %w", err)
	}
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newSyncer wires the TAPD and Phabricator clients into a Syncer.
func newSyncer(cfg *config.Config) (*mirror.Syncer, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	tapdClient := tapd.NewClient(cfg.Tapd)
	phabClient := phabricator.NewClient(cfg.Phabricator)
	translator := translate.New(cfg.Translate)

	return mirror.New(tapdClient, phabClient, translator, cfg.Sync)
}
