// quilt synchronizes an encrypted notes vault across devices.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "quilt",
	Short: "Encrypted notes vault sync",
	Long: `quilt keeps an encrypted notes vault in sync across your devices.

Local changes are queued durably and pushed to the sync server; remote
changes are pulled and applied. Note content is sealed with AES-256-GCM
before it ever leaves this machine.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var cfgFile string

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.quilt/config.yaml)")
	rootCmd.PersistentFlags().String("server", "ws://localhost:8787/sync", "sync server websocket URL")
	rootCmd.PersistentFlags().String("data-dir", "", "quilt data directory (default $HOME/.quilt)")
	rootCmd.PersistentFlags().String("vault", "", "notes vault directory")

	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("data-dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("vault", rootCmd.PersistentFlags().Lookup("vault"))
}

// initConfig loads the config file and environment overrides.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".quilt"))
		}
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetDefault("batch-size", 50)

	viper.SetEnvPrefix("QUILT")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Missing config is fine; flags and env carry the defaults.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && cfgFile != "" {
			fmt.Fprintf(os.Stderr, "Error reading config %s: %v\n", cfgFile, err)
			os.Exit(1)
		}
	}
}

// dataDir resolves the quilt data directory, creating it if needed.
func dataDir() (string, error) {
	dir := viper.GetString("data-dir")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".quilt")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}
	return dir, nil
}
