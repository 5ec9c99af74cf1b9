// Package cmd implements the CLI commands for tilestream.
package cmd

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/zsiec/tilestream/internal/config"
	"github.com/zsiec/tilestream/internal/logger"
	"github.com/zsiec/tilestream/pkg/version"
)

var (
	cfgFile  string
	envFile  string
	logLevel string

	cfg *config.Config
	log *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:     "tilestream",
	Short:   "Viewport-adaptive tiled 360° streaming engine",
	Version: version.GetInfo().Short(),
	Long: `tilestream streams equirectangular 360° video as a grid of independently
encoded tiles. Tiles near the viewer's gaze are fetched at high quality, the
rest at low quality, within the measured bandwidth.

It can run as an HTTP control API and manifest origin (serve), render the
manifests of a configuration (manifest), or drive a session against a
simulated origin with a live terminal dashboard (simulate).`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentPreRunE = func(c *cobra.Command, _ []string) error {
		return initConfig(c)
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults and TILESTREAM_* env when empty)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")
}

// initConfig loads the dotenv file, the configuration and the logger.
func initConfig(c *cobra.Command) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	loaded, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if c.Flags().Changed("log-level") {
		loaded.Logging.Level = logLevel
	}

	l, err := logger.New(&loaded.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg = loaded
	log = l
	log.WithField("config_path", cfgFile).Debug("Configuration loaded")
	return nil
}
