package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile        string
	serverURL      string
	enableEndpoint string
	outputFormat   string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "armbusctl",
	Short: "CLI for the armbus teleoperation daemon",
	Long:  `armbusctl manages CAN channels, queries daemon status, and triggers motor recovery for the armbus teleoperation system.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.armbus/config)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "daemon HTTP URL (default from config or http://localhost:8090)")
	rootCmd.PersistentFlags().StringVar(&enableEndpoint, "enable-endpoint", "", "daemon enable-channel endpoint (default tcp://localhost:5559)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(filepath.Join(home, ".armbus"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()
	viper.BindEnv("server_url", "ARMBUS_SERVER")
	viper.BindEnv("enable_endpoint", "ARMBUS_ENABLE_ENDPOINT")

	if err := viper.ReadInConfig(); err == nil {
		if serverURL == "" && viper.GetString("server_url") != "" {
			serverURL = viper.GetString("server_url")
		}
		if enableEndpoint == "" && viper.GetString("enable_endpoint") != "" {
			enableEndpoint = viper.GetString("enable_endpoint")
		}
	}

	if serverURL == "" {
		serverURL = "http://localhost:8090"
	}
	if enableEndpoint == "" {
		enableEndpoint = "tcp://localhost:5559"
	}
}

// GetServerURL returns the resolved daemon HTTP base URL.
func GetServerURL() string {
	return serverURL
}

// GetEnableEndpoint returns the resolved enable-channel endpoint.
func GetEnableEndpoint() string {
	return enableEndpoint
}
