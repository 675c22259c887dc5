package main

import (
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"swarm_auction/internal/domain"
	"swarm_auction/internal/messaging/redisbus"
	"swarm_auction/internal/swarm"
)

type agentOptions struct {
	agentID      string
	name         string
	capabilities string
	dbPath       string
	redisURL     string
	heartbeat    time.Duration
	minBid       int64
	maxBid       int64
}

func newAgentCmd(root *rootOptions) *cobra.Command {
	opts := &agentOptions{}
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run one swarm agent that bids on announced tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd, root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.agentID, "agent-id", "", "agent id (required)")
	cmd.Flags().StringVar(&opts.name, "name", "", "display name (defaults to the agent id)")
	cmd.Flags().StringVar(&opts.capabilities, "capabilities", "", "comma separated capability tags")
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "sqlite database path override")
	cmd.Flags().StringVar(&opts.redisURL, "redis", "", "redis URL override")
	cmd.Flags().DurationVar(&opts.heartbeat, "heartbeat", 0, "heartbeat interval override")
	cmd.Flags().Int64Var(&opts.minBid, "min-bid", 10, "lowest bid in sats")
	cmd.Flags().Int64Var(&opts.maxBid, "max-bid", 100, "highest bid in sats")
	_ = cmd.MarkFlagRequired("agent-id")
	return cmd
}

func runAgent(cmd *cobra.Command, root *rootOptions, opts *agentOptions) error {
	if strings.TrimSpace(opts.agentID) == "" {
		return errors.New("--agent-id is required")
	}
	if opts.minBid < 0 || opts.maxBid < opts.minBid {
		return fmt.Errorf("invalid bid range [%d, %d]", opts.minBid, opts.maxBid)
	}
	cfg, logger, err := root.load()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	dbPath := firstNonEmpty(opts.dbPath, cfg.Swarm.DBPath, "data/swarm.db")
	redisURL := firstNonEmpty(opts.redisURL, cfg.Swarm.RedisURL)
	heartbeat := opts.heartbeat
	if heartbeat <= 0 {
		heartbeat = cfg.Swarm.HeartbeatInterval()
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := openStore(cmd, dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	bus := redisbus.Connect(ctx, redisURL, logger)
	defer func() { _ = bus.Close() }()
	if !bus.Connected() {
		logger.Warn("agent running without a shared bus; it will not hear announcements from other processes")
	}

	node := swarm.NewNode(swarm.NodeConfig{
		AgentID:      opts.agentID,
		Name:         firstNonEmpty(opts.name, opts.agentID),
		Capabilities: domain.NormalizeCapabilities(opts.capabilities),
		Strategy:     swarm.NewRandomStrategy(opts.minBid, opts.maxBid, uint64(time.Now().UnixNano())),
	}, store, bus, logger)

	logger.Info("agent starting", zap.String("agent_id", opts.agentID), zap.Duration("heartbeat", heartbeat))
	return node.Run(ctx, heartbeat)
}
