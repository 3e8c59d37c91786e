package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	debug   bool
	logger  = zap.NewNop()
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nodetrust",
	Short: "Bootstrap and inspect node identities on a permissioned network",
	Long: `nodetrust is the operator CLI for the network's certificate hierarchy.

It creates the root and intermediate CAs, registers a node with a
registration authority, provisions shared service identities across a
cluster, and inspects the resulting keystores.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.nodetrust")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("NODETRUST")
		viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		var err error
		if debug {
			logger, err = zap.NewDevelopment()
		} else {
			logger, err = zap.NewProduction()
		}
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.nodetrust/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "development logging")
	rootCmd.PersistentFlags().String("password", "", "keystore password")
	_ = viper.BindPFlag("keystore.password", rootCmd.PersistentFlags().Lookup("password"))

	viper.SetDefault("keystore.password", "")

	rootCmd.AddCommand(caCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(versionCmd)
}

func keystorePassword() (string, error) {
	pw := viper.GetString("keystore.password")
	if pw == "" {
		return "", fmt.Errorf("keystore password required (--password or NODETRUST_KEYSTORE_PASSWORD)")
	}
	return pw, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the nodetrust version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "nodetrust %s\n", version)
	},
}
