// Package cli holds the watchbot command tree.
package cli

import (
	"github.com/spf13/cobra"
)

var (
	version = "dev"

	cfgPath string
)

var rootCmd = &cobra.Command{
	Use:   "watchbot",
	Short: "Relay new Discord and Twitter/X posts to chat sinks",
	Long: `watchbot polls Discord channels and Twitter/X profiles and forwards
every new post to the Telegram chats and webhooks subscribed to it.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "path to config file (json, yaml or toml)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
