// Package cmd contains the collector admin tooling.
package cmd

import (
	"os"

	"github.com/rylaix/mevguard/business/sys/settings"
	"github.com/spf13/cobra"
)

var settingsPath string

func init() {
	rootCmd.PersistentFlags().StringVarP(&settingsPath, "settings", "s", "zcollect/settings.yaml", "Path to the collector settings file.")
}

var rootCmd = &cobra.Command{
	Use:   "admin",
	Short: "Administrative tasks for the collector",
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func loadSettings() (settings.Settings, error) {
	return settings.Load(settingsPath)
}
