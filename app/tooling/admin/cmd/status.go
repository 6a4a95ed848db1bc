package cmd

import (
	"fmt"
	"log"

	"github.com/rylaix/mevguard/business/sys/tracking"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print what the collector has processed so far.",
	Run:   statusRun,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func statusRun(cmd *cobra.Command, args []string) {
	stg, err := loadSettings()
	if err != nil {
		log.Fatal(err)
	}

	store, err := tracking.New(stg.DataStorage.DatabaseFile)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	stats, err := store.Counts()
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println("Blocks:      ", stats.Blocks)
	fmt.Println("Bundles:     ", stats.Bundles)
	fmt.Println("Transactions:", stats.Transactions)

	latest, known, err := store.LatestBlock()
	if err != nil {
		log.Fatal(err)
	}
	if known {
		fmt.Println("Latest block:", latest)
	} else {
		fmt.Println("Latest block: none")
	}
}
