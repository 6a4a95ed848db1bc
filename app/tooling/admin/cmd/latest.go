package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/rylaix/mevguard/business/sys/node"
	"github.com/spf13/cobra"
)

var rpcURL string

var latestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Print the latest block number on the node.",
	Run:   latestRun,
}

func init() {
	rootCmd.AddCommand(latestCmd)
	latestCmd.Flags().StringVarP(&rpcURL, "url", "u", os.Getenv("COLLECTOR_NODE_RPC_URL"), "Url of the node.")
}

func latestRun(cmd *cobra.Command, args []string) {
	if rpcURL == "" {
		log.Fatal("no node url: set --url or COLLECTOR_NODE_RPC_URL")
	}

	stg, err := loadSettings()
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := node.Dial(ctx, rpcURL, node.Config{
		MaxRetries:     stg.RateLimit.MaxRetries,
		InitialDelay:   time.Duration(stg.RateLimit.InitialDelay) * time.Second,
		Exponential:    stg.RateLimit.Exponential,
		EnableRetry:    stg.RateLimit.EnableRetry,
		CallsPerMinute: stg.RateLimit.CallsPerMinute,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	latest, err := client.LatestBlockNumber(ctx)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(latest)
}
