package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/agentwarden/internal/cmd/config"
	appconfig "github.com/Iron-Ham/agentwarden/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "agentwarden",
	Short: "Supervise and chain coding-agent processes",
	Long: `agentwarden watches coding-agent CLIs working on work items.

It picks up completion summaries written by agents, posts them, and launches
the next agent in the workflow. It also kills agents whose activity log has
gone quiet, relaunches agents that died, and trips a retry fuse when a work
item keeps failing.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/agentwarden/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))

	config.Register(rootCmd)
}

func initConfig() {
	// Defaults first so they apply without a config file
	appconfig.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(appconfig.ConfigDir())
		viper.AddConfigPath("$HOME/.config/agentwarden")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("AGENTWARDEN")
	// e.g. AGENTWARDEN_ORCHESTRATOR_TIMEOUT_ACTION for orchestrator.timeout_action
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// A missing config file is fine
	_ = viper.ReadInConfig()
}
