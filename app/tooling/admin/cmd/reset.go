package cmd

import (
	"fmt"
	"log"

	"github.com/rylaix/mevguard/business/sys/tracking"
	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear all processing state so the next run starts fresh.",
	Run:   resetRun,
}

func init() {
	rootCmd.AddCommand(resetCmd)
}

func resetRun(cmd *cobra.Command, args []string) {
	stg, err := loadSettings()
	if err != nil {
		log.Fatal(err)
	}

	store, err := tracking.New(stg.DataStorage.DatabaseFile)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	if err := store.Reset(); err != nil {
		log.Fatal(err)
	}

	fmt.Println("tracking state cleared")
}
