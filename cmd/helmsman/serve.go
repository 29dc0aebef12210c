package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tradeops/helmsman/pkg/api"
	"github.com/tradeops/helmsman/pkg/approval"
	"github.com/tradeops/helmsman/pkg/bluegreen"
	"github.com/tradeops/helmsman/pkg/canary"
	"github.com/tradeops/helmsman/pkg/config"
	"github.com/tradeops/helmsman/pkg/events"
	"github.com/tradeops/helmsman/pkg/log"
	"github.com/tradeops/helmsman/pkg/metrics"
	"github.com/tradeops/helmsman/pkg/noti"
	"github.com/tradeops/helmsman/pkg/provider"
	"github.com/tradeops/helmsman/pkg/rollback"
	"github.com/tradeops/helmsman/pkg/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator",
	Long: `Run the orchestrator: starts the canary monitor, the production
slot health monitor, the rollback engine and the HTTP API, and blocks
until interrupted.

Deployments integrate their trading runtime through the provider
interfaces; without an external runtime the built-in in-process
providers are used, which is suitable for development and testing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		listen, _ := cmd.Flags().GetString("listen")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		inMemory, _ := cmd.Flags().GetBool("in-memory")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if listen != "" {
			cfg.Server.Address = listen
		}
		if dataDir != "" {
			cfg.Storage.DataDir = dataDir
		}
		if inMemory {
			cfg.Storage.InMemory = true
		}

		return runServe(cfg)
	},
}

func init() {
	serveCmd.Flags().String("config", "helmsman.yaml", "Path to the YAML config file")
	serveCmd.Flags().String("listen", "", "HTTP API listen address (overrides config)")
	serveCmd.Flags().String("data-dir", "", "Data directory for persistent state (overrides config)")
	serveCmd.Flags().Bool("in-memory", false, "Use in-memory storage instead of the data directory")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cfg *config.Config) error {
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: !cfg.Log.Pretty,
	})
	logger := log.WithComponent("main")
	metrics.SetVersion(Version)

	var store storage.Store
	if cfg.Storage.InMemory {
		store = storage.NewMemoryStore()
	} else {
		boltStore, err := storage.NewBoltStore(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		store = boltStore
	}
	defer store.Close()
	metrics.RegisterComponent("storage", true, "")

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	// In-process providers; external runtimes plug in through the
	// provider interfaces
	var metricsProvider provider.MetricsProvider = provider.NewFakeMetricsProvider()
	if cfg.Canary.ProbeEndpoints {
		metricsProvider = provider.NewProbedMetrics(metricsProvider)
	}
	stateProvider := provider.NewFakeStateProvider()
	tradingControl := provider.NewFakeTradingControl()
	loadBalancer := provider.NewFakeLoadBalancer()
	instanceRuntime := provider.NewFakeInstanceRuntime()

	canaries := canary.NewController(store, metricsProvider, broker).
		WithMonitorInterval(cfg.Canary.MonitorInterval)
	canaries.StartMonitor()
	defer canaries.Stop()
	metrics.RegisterComponent("canary-controller", true, "")

	promoter := bluegreen.NewPromoter(store, loadBalancer, instanceRuntime, metricsProvider, broker, cfg.BlueGreen.InitialVersion, bluegreen.Config{
		InstancesPerEnv: cfg.BlueGreen.InstancesPerEnv,
		DeployTimeout:   cfg.BlueGreen.DeployTimeout,
		HealthInterval:  cfg.BlueGreen.HealthInterval,
		CutoverDuration: cfg.BlueGreen.CutoverDuration,
		DrainTimeout:    cfg.BlueGreen.DrainTimeout,
	})
	promoter.StartHealthMonitor()
	defer promoter.Stop()
	metrics.RegisterComponent("bluegreen-promoter", true, "")

	gate := approval.NewGate(broker)

	engine := rollback.NewEngine(store, stateProvider, tradingControl, gate, broker, rollback.Config{
		ApprovalTimeout: cfg.Rollback.ApprovalTimeout,
		TxRetention:     cfg.Rollback.TxRetention,
	})
	engine.StartPruner()
	defer engine.Stop()

	notifier := noti.NewNotifier(noti.NewSlackClient(noti.SlackOption{
		Token:   cfg.Slack.Token,
		Channel: cfg.Slack.Channel,
		Debug:   cfg.Slack.Debug,
	}), broker)
	notifier.Start()
	defer notifier.Stop()

	server := api.NewServer(canaries, promoter, engine, gate, store)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(cfg.Server.Address)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}
