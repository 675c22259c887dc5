package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"swarm_auction/internal/coordinator"
	"swarm_auction/internal/feed"
	"swarm_auction/internal/httpapi"
	"swarm_auction/internal/lifecycle"
	"swarm_auction/internal/messaging/redisbus"
	"swarm_auction/internal/metrics"
)

type serveOptions struct {
	addr     string
	dbPath   string
	redisURL string
	agents   []string
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "http listen address override")
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "sqlite database path override")
	cmd.Flags().StringVar(&opts.redisURL, "redis", "", "redis URL override; empty runs the bus in-process")
	cmd.Flags().StringSliceVar(&opts.agents, "agent", nil, "start an in-process agent with this name (repeatable)")
	return cmd
}

func runServe(cmd *cobra.Command, root *rootOptions, opts *serveOptions) error {
	cfg, logger, err := root.load()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	addr := firstNonEmpty(opts.addr, cfg.Swarm.Addr, ":8092")
	dbPath := firstNonEmpty(opts.dbPath, cfg.Swarm.DBPath, "data/swarm.db")
	redisURL := firstNonEmpty(opts.redisURL, cfg.Swarm.RedisURL)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := openStore(cmd, dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	bus := redisbus.Connect(ctx, redisURL, logger)
	defer func() { _ = bus.Close() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewCollector("swarm", reg, logger)

	// spawned workers reach the same database and bus as this coordinator
	extraArgs := []string{"--db", dbPath}
	if redisURL != "" {
		extraArgs = append(extraArgs, "--redis", redisURL)
	}
	if cfg.Path != "" {
		extraArgs = append(extraArgs, "--config", cfg.Path)
	}
	lc := lifecycle.NewManager(lifecycle.Config{
		Binary:      cfg.Swarm.AgentBinary,
		ExtraArgs:   extraArgs,
		GracePeriod: cfg.Swarm.StopGrace(),
	}, logger)

	coord := coordinator.New(store, bus, lc, coordinator.Config{
		AuctionWindow: cfg.Swarm.AuctionWindow(),
		StaleAfter:    cfg.Swarm.StaleAfter(),
	}, logger, m)
	coord.Start(ctx)

	live := feed.NewBroadcaster(cfg.Swarm.HistoryCapacity, cfg.Swarm.ReplayCount, logger, m)
	live.Follow(bus)

	for _, name := range append(append([]string(nil), cfg.Swarm.BuiltinAgents...), opts.agents...) {
		res, err := coord.SpawnInProcessAgent(ctx, name, "")
		if err != nil {
			return fmt.Errorf("start agent %q: %w", name, err)
		}
		logger.Info("in-process agent started", zap.String("agent_id", res.AgentID), zap.String("name", name))
	}

	api := httpapi.New(coord, live.Handler(cfg.Swarm.AllowedOrigins...), httpapi.Config{
		AuctionWindow: cfg.Swarm.AuctionWindow(),
		Gatherer:      reg,
	}, logger, m)
	server := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("swarm coordinator started",
		zap.String("addr", addr),
		zap.String("db", dbPath),
		zap.Bool("redis", bus.Connected()),
		zap.Duration("auction_window", cfg.Swarm.AuctionWindow()),
	)

	serveErr := server.ListenAndServe()
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Swarm.StopGrace()+5*time.Second)
	defer stopCancel()
	stopped := coord.Shutdown(stopCtx)
	coord.Wait()
	logger.Info("swarm coordinator stopped", zap.Int("agents_stopped", stopped))

	if serveErr != nil {
		return fmt.Errorf("http server failed: %w", serveErr)
	}
	return nil
}
