package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/witnz/proofchain/internal/alert"
	"github.com/witnz/proofchain/internal/api"
	"github.com/witnz/proofchain/internal/cdc"
	"github.com/witnz/proofchain/internal/consensus"
	"github.com/witnz/proofchain/internal/ledger"
	"go.uber.org/zap"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proofchain node",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		// Filled in below, once the logger exists.
		var sinks ledger.Sinks
		n, err := openNode(ctx, ledger.WithEventSink(ledger.EventSinkFunc(func(e ledger.Event) {
			sinks.Emit(e)
		})))
		if err != nil {
			return err
		}
		defer n.Close()

		cfg, logger := n.cfg, n.logger
		alerts := alert.NewManager(cfg.Alerts.Enabled, cfg.Alerts.SlackWebhook, logger.Named("alert"))

		sinks = ledger.Sinks{ledger.NewLogSink(logger.Named("ledger")), api.MetricsSink()}
		if cfg.Alerts.EventWebhook != "" {
			notifier := alert.NewNotifier(cfg.Alerts.EventWebhook, cfg.Node.ID, cfg.Alerts.EventQueueSize, nil, logger.Named("notifier"))
			sinks = append(sinks, notifier)
			go notifier.Run(ctx)
		}

		logger.Info("starting proofchain node",
			zap.String("version", version),
			zap.String("storage", cfg.Storage.Driver),
			zap.String("hash", cfg.Hash.Algorithm),
		)

		var submitter ledger.Submitter = n.ledger
		var raftNode *consensus.Node

		if cfg.Raft.Enabled {
			raftNode, err = startRaft(ctx, n)
			if err != nil {
				return err
			}
			defer raftNode.Stop()
			submitter = raftNode
		} else {
			logger.Info("running in single-node mode (no raft)")
		}

		if cfg.Ingest.Enabled {
			manager, err := startIngest(ctx, n, submitter, raftNode, alerts)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := manager.Stop(shutdownCtx); err != nil {
					logger.Warn("failed to stop change data capture", zap.Error(err))
				}
			}()
		}

		if os.Getenv("GIN_MODE") == "" {
			gin.SetMode(gin.ReleaseMode)
		}

		srv, err := api.NewServer(api.Config{
			Addr:        cfg.API.Addr,
			JWTSecret:   cfg.API.JWTSecret,
			TokenTTL:    cfg.TokenTTL(),
			RateLimit:   cfg.API.RateLimit,
			RateBurst:   cfg.API.RateBurst,
			CORSOrigins: cfg.API.CORSOrigins,
			MaxBodySize: cfg.API.MaxBodySize,
		}, api.NewHandler(n.ledger, submitter, alerts, logger.Named("api")), logger.Named("api"))
		if err != nil {
			return err
		}

		fmt.Printf("Proofchain node %s is running on %s. Press Ctrl+C to stop.\n", cfg.Node.ID, cfg.API.Addr)
		if err := srv.ListenAndServe(ctx); err != nil {
			return err
		}

		fmt.Println("\nProofchain node stopped")
		return nil
	},
}

func startRaft(ctx context.Context, n *node) (*consensus.Node, error) {
	cfg := n.cfg
	raftNode, err := consensus.NewNode(&consensus.NodeConfig{
		NodeID:       cfg.Node.ID,
		BindAddr:     cfg.Raft.BindAddr,
		DataDir:      cfg.RaftDir(),
		Bootstrap:    cfg.Raft.Bootstrap,
		PeerAddrs:    cfg.Raft.PeerAddrs,
		ApplyTimeout: cfg.ApplyTimeout(),
		LogLevel:     cfg.Log.Level,
	}, n.ledger, n.logger.Named("raft"))
	if err != nil {
		return nil, fmt.Errorf("failed to create raft node: %w", err)
	}

	if err := raftNode.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start raft node: %w", err)
	}
	n.logger.Info("raft node started", zap.String("leader", raftNode.Leader()))

	if interval := cfg.LeadershipTransferInterval(); interval > 0 {
		rotator := consensus.NewLeadershipRotator(raftNode, interval, n.logger)
		go func() {
			if err := rotator.Start(ctx); err != nil && ctx.Err() == nil {
				n.logger.Error("leadership rotator stopped", zap.Error(err))
			}
		}()
	}

	return raftNode, nil
}

func startIngest(ctx context.Context, n *node, submitter ledger.Submitter, raftNode *consensus.Node, alerts *alert.Manager) (*cdc.Manager, error) {
	cfg := n.cfg
	logger := n.logger.Named("cdc")

	ingestor := cdc.NewIngestor(submitter, cfg.ProtectedTableNames(), logger)
	if raftNode != nil {
		ingestor.SetLeaderCheck(raftNode.IsLeader)
	}

	manager := cdc.NewManager(&cdc.ReplicationConfig{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		Database:        cfg.Database.Database,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		SlotName:        cfg.Ingest.SlotName,
		PublicationName: cfg.Ingest.PublicationName,
		Tables:          cfg.ProtectedTableNames(),
	}, logger)
	manager.SetAlertManager(alerts)
	manager.AddHandler(ingestor)

	if err := manager.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize change data capture: %w", err)
	}
	if err := manager.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start change data capture: %w", err)
	}

	for _, t := range cfg.ProtectedTableNames() {
		logger.Info("protecting table", zap.String("table", t))
	}
	return manager, nil
}
