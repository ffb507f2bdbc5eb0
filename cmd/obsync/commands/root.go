package commands

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jra3/obsync/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "obsync",
	Short: "Keep markdown vaults and platform reminders in sync",
	Long: `obsync reconciles inline tasks in your markdown note vaults with the
platform reminders service: per-field updates flow both ways, new tasks
gain counterparts on the other side, and duplicates are retired.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initViper)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.config/obsync/config.yaml)")
	rootCmd.PersistentFlags().String("state-dir", "", "state directory for indexes, links, and changesets")
	rootCmd.PersistentFlags().String("gateway-url", "", "reminders bridge base URL")

	viper.BindPFlag("state-dir", rootCmd.PersistentFlags().Lookup("state-dir"))
	viper.BindPFlag("gateway-url", rootCmd.PersistentFlags().Lookup("gateway-url"))
}

func initViper() {
	viper.SetEnvPrefix("OBSYNC")
	viper.AutomaticEnv()
}

// loadConfig resolves the configuration, letting flags and environment
// override the file.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if cfgFile != "" {
		cfg, err = config.LoadFile(cfgFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if dir := viper.GetString("state-dir"); dir != "" {
		cfg.StateDir = dir
	}
	if url := viper.GetString("gateway-url"); url != "" {
		cfg.Gateway.BaseURL = url
	}
	return cfg, nil
}
