package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/conf/v3"
	"github.com/rylaix/mevguard/app/services/collector/handlers"
	"github.com/rylaix/mevguard/business/core/gather"
	"github.com/rylaix/mevguard/business/core/simulate"
	"github.com/rylaix/mevguard/business/sys/node"
	"github.com/rylaix/mevguard/business/sys/publish"
	"github.com/rylaix/mevguard/business/sys/settings"
	"github.com/rylaix/mevguard/business/sys/storage"
	"github.com/rylaix/mevguard/business/sys/tracking"
	"github.com/rylaix/mevguard/foundation/alert"
	"github.com/rylaix/mevguard/foundation/analytics"
	"github.com/rylaix/mevguard/foundation/events"
	"github.com/rylaix/mevguard/foundation/logger"
	"go.uber.org/zap"
)

// build is the git version of this program. It is set using build flags in the makefile.
var build = "develop"

func main() {

	// Construct the application logger.
	log, err := logger.New("COLLECTOR")
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer log.Sync()

	// Perform the startup and shutdown sequence.
	if err := run(log); err != nil {
		log.Errorw("startup", "ERROR", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger) error {

	// =========================================================================
	// Configuration

	cfg := struct {
		conf.Version
		Web struct {
			DebugHost       string        `conf:"default:0.0.0.0:7080"`
			ShutdownTimeout time.Duration `conf:"default:20s"`
		}
		Node struct {
			RPCURL string `conf:"required"`
		}
		Analytics struct {
			BaseURL string `conf:"default:https://api.dune.com"`
			APIKey  string `conf:"required,mask"`
		}
		Files struct {
			Settings  string `conf:"default:zcollect/settings.yaml"`
			QueryFile string `conf:"default:queries/fetch_backruns.sql"`
		}
		Kafka struct {
			Brokers []string
			Topic   string `conf:"default:mev-collector-records"`
		}
		Alert struct {
			TelegramToken  string `conf:"mask"`
			TelegramChatID string
			SlackWebhook   string `conf:"mask"`
		}
	}{
		Version: conf.Version{
			Build: build,
			Desc:  "copyright information here",
		},
	}

	// Parse will set the defaults and then look for any overriding values
	// in environment variables and command line flags.
	const prefix = "COLLECTOR"
	help, err := conf.Parse(prefix, &cfg)
	if err != nil {
		if errors.Is(err, conf.ErrHelpWanted) {
			fmt.Println(help)
			return nil
		}
		return fmt.Errorf("parsing config: %w", err)
	}

	// =========================================================================
	// App Starting

	log.Infow("starting service", "version", build)
	defer log.Infow("shutdown complete")

	// Display the current configuration to the logs.
	out, err := conf.String(&cfg)
	if err != nil {
		return fmt.Errorf("generating config for output: %w", err)
	}
	log.Infow("startup", "config", out)

	// =========================================================================
	// Collection Settings

	stg, err := settings.Load(cfg.Files.Settings)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	log.Infow("startup", "status", "settings loaded", "path", cfg.Files.Settings, "start", stg.StartBlock, "end", stg.EndBlock)

	// =========================================================================
	// Storage Support

	disk, err := storage.NewDisk(stg.DataStorage.DataDirectory, stg.DataStorage.SimulationDirectory)
	if err != nil {
		return fmt.Errorf("opening disk storage: %w", err)
	}

	track, err := tracking.New(stg.DataStorage.DatabaseFile)
	if err != nil {
		return fmt.Errorf("opening tracking store: %w", err)
	}
	defer track.Close()

	// =========================================================================
	// Node and Analytics Support

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodeClient, err := node.Dial(ctx, cfg.Node.RPCURL, node.Config{
		MaxRetries:     stg.RateLimit.MaxRetries,
		InitialDelay:   time.Duration(stg.RateLimit.InitialDelay) * time.Second,
		Exponential:    stg.RateLimit.Exponential,
		EnableRetry:    stg.RateLimit.EnableRetry,
		CallsPerMinute: stg.RateLimit.CallsPerMinute,
	})
	if err != nil {
		return fmt.Errorf("dialing node: %w", err)
	}
	defer nodeClient.Close()

	dune := analytics.New(cfg.Analytics.BaseURL, cfg.Analytics.APIKey)

	// =========================================================================
	// Optional Kafka Mirroring

	var pub gather.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := publish.New(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			return fmt.Errorf("constructing kafka producer: %w", err)
		}
		defer producer.Close()
		pub = producer
		log.Infow("startup", "status", "kafka mirroring enabled", "topic", cfg.Kafka.Topic)
	}

	// =========================================================================
	// Alerting Support

	notifier := alert.New(alert.Config{
		TelegramToken:  cfg.Alert.TelegramToken,
		TelegramChatID: cfg.Alert.TelegramChatID,
		SlackWebhook:   cfg.Alert.SlackWebhook,
	})
	if notifier.Enabled() {
		log.Infow("startup", "status", "alerting enabled")
	}

	// =========================================================================
	// Collection Core

	// Raw messages are sent to any websocket client connected into the
	// system through the events package.
	evts := events.New()
	defer evts.Shutdown()

	core := gather.New(gather.Config{
		Log:       log,
		Node:      nodeClient,
		Analytics: dune,
		Storage:   disk,
		Tracking:  track,
		Simulator: simulate.New(log, nodeClient, track),
		Publisher: pub,
		Alerts:    notifier,
		Events:    evts.Send,
		Settings:  stg,
		QueryFile: cfg.Files.QueryFile,
	})

	// =========================================================================
	// Start Debug Service

	log.Infow("startup", "status", "debug router started", "host", cfg.Web.DebugHost)

	debugMux := handlers.DebugMux(handlers.MuxConfig{
		Build:    build,
		Log:      log,
		Tracking: track,
		Evts:     evts,
	})

	// Not concerned with shutting this down with load shedding.
	go func() {
		if err := http.ListenAndServe(cfg.Web.DebugHost, debugMux); err != nil {
			log.Errorw("shutdown", "status", "debug router closed", "host", cfg.Web.DebugHost, "ERROR", err)
		}
	}()

	// =========================================================================
	// Start Collection Run

	// Make a channel to listen for an interrupt or terminate signal from the OS.
	// Use a buffered channel because the signal package requires it.
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	// Make a channel to listen for the run outcome. Use a buffered channel
	// so the goroutine can exit if we don't collect this error.
	runErrors := make(chan error, 1)

	go func() {
		summary, err := core.Run(ctx)
		if err != nil {
			runErrors <- err
			return
		}
		log.Infow("run complete", "run", summary.RunID, "blocks", len(summary.Blocks), "bundles", summary.Bundles, "simulated", summary.Simulated, "failed", summary.Failed)
		runErrors <- nil
	}()

	// =========================================================================
	// Shutdown

	select {
	case err := <-runErrors:
		if err != nil {
			return fmt.Errorf("collection run: %w", err)
		}

	case sig := <-shutdown:
		log.Infow("shutdown", "status", "shutdown started", "signal", sig)
		defer log.Infow("shutdown", "status", "shutdown complete", "signal", sig)

		cancel()

		select {
		case <-runErrors:
		case <-time.After(cfg.Web.ShutdownTimeout):
			return errors.New("run could not be stopped gracefully")
		}
	}

	return nil
}
