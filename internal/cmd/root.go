package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	configcmd "github.com/Iron-Ham/oxyrun/internal/cmd/config"
	"github.com/Iron-Ham/oxyrun/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "oxyrun",
	Short: "Local runtime for storefront development",
	Long: `oxyrun builds a storefront, serves its server bundle in a local worker
sandbox, and keeps both up to date while you edit.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is ./oxyrun.yaml or $HOME/.config/oxyrun/oxyrun.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	rootCmd.PersistentFlags().String("root", "", "project directory (default is the current directory)")
	_ = viper.BindPFlag("project.root", rootCmd.PersistentFlags().Lookup("root"))

	configcmd.Register(rootCmd)
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("oxyrun")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath(config.ConfigDir())
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("OXYRUN")
	// OXYRUN_DEV_PORT overrides dev.port
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
