package cmd

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/rylaix/mevguard/business/core/gather"
	"github.com/rylaix/mevguard/business/sys/storage"
	"github.com/rylaix/mevguard/business/sys/tracking"
	"github.com/rylaix/mevguard/foundation/analytics"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var analyticsURL string

var gatherStartCmd = &cobra.Command{
	Use:   "gather-start",
	Short: "Run the starter query and seed the data directory.",
	Run:   gatherStartRun,
}

func init() {
	rootCmd.AddCommand(gatherStartCmd)
	gatherStartCmd.Flags().StringVarP(&analyticsURL, "analytics-url", "d", "https://api.dune.com", "Base url of the analytics service.")
}

func gatherStartRun(cmd *cobra.Command, args []string) {
	apiKey := os.Getenv("COLLECTOR_ANALYTICS_API_KEY")
	if apiKey == "" {
		log.Fatal("COLLECTOR_ANALYTICS_API_KEY is not set")
	}

	stg, err := loadSettings()
	if err != nil {
		log.Fatal(err)
	}

	disk, err := storage.NewDisk(stg.DataStorage.DataDirectory, stg.DataStorage.SimulationDirectory)
	if err != nil {
		log.Fatal(err)
	}

	track, err := tracking.New(stg.DataStorage.DatabaseFile)
	if err != nil {
		log.Fatal(err)
	}
	defer track.Close()

	core := gather.New(gather.Config{
		Log:       zap.NewNop().Sugar(),
		Analytics: analytics.New(analyticsURL, apiKey),
		Storage:   disk,
		Tracking:  track,
		Settings:  stg,
	})

	blockNumber, rows, err := core.Start(context.Background())
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("stored %d rows for block %d\n", rows, blockNumber)
}
