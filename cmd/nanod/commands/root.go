// Package commands assembles the nanod CLI: a root command carrying global
// flags plus a node subcommand that wires components A-I together, in the
// shape cmd/tenderdash/commands/root.go lays out its own root command.
package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nanocurrency/nanod/internal/config"
	"github.com/nanocurrency/nanod/internal/log"
)

const envPrefix = "NANOD"

// ParseConfig unmarshals viper's bound flags/file/env values onto conf and
// validates it.
func ParseConfig(conf *config.Config) (*config.Config, error) {
	if err := viper.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	conf.SetRoot(conf.RootDir)
	if err := conf.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return conf, nil
}

// RootCommand constructs the nanod root command.
func RootCommand() *cobra.Command {
	conf := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "nanod",
		Short: "a delegated-proof-of-stake block-synchronization node",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			if err := bindFlagsLoadViper(cmd); err != nil {
				return err
			}
			pconf, err := ParseConfig(conf)
			if err != nil {
				return err
			}
			*conf = *pconf
			return config.EnsureRoot(conf.RootDir)
		},
	}

	home := filepath.Join(os.Getenv("HOME"), config.DefaultNanodDir)
	cmd.PersistentFlags().String("home", home, "directory for config and data")
	cmd.PersistentFlags().String("log_level", log.LogLevelInfo, "log level (debug, info, error, none)")
	cmd.PersistentFlags().String("log_format", log.LogFormatPlain, "log format (plain, json)")
	cmd.PersistentFlags().String("network", "live", "network (live, beta, test)")

	cobra.OnInitialize(func() { initEnv(envPrefix) })

	cmd.AddCommand(NewNodeCommand(conf))
	cmd.AddCommand(versionCmd)
	return cmd
}

func bindFlagsLoadViper(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	homeDir := viper.GetString("home")
	viper.Set("home", homeDir)
	viper.SetConfigName("config")
	viper.AddConfigPath(filepath.Join(homeDir, "config"))
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return err
		}
	}
	return nil
}

func initEnv(prefix string) {
	viper.SetEnvPrefix(strings.ToUpper(prefix))
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the version and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), Version)
		return err
	},
}

// Version is stamped at build time via -ldflags; "dev" otherwise.
var Version = "dev"
