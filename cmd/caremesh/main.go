package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/caremesh/internal/api"
	"github.com/nidhogg/caremesh/internal/bus"
	"github.com/nidhogg/caremesh/internal/collab"
	"github.com/nidhogg/caremesh/internal/config"
	"github.com/nidhogg/caremesh/internal/knowledge"
	"github.com/nidhogg/caremesh/internal/notify"
	"github.com/nidhogg/caremesh/internal/planner"
	"github.com/nidhogg/caremesh/internal/reflection"
	"github.com/nidhogg/caremesh/internal/registry"
	pgstore "github.com/nidhogg/caremesh/internal/store"
	"github.com/nidhogg/caremesh/internal/system"
	"github.com/nidhogg/caremesh/internal/toolchain"
	"github.com/nidhogg/caremesh/internal/workflow"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting CareMesh...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/caremesh.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Event bus with optional Redis mirror
	events := bus.New(logger)
	var mirror *bus.StreamMirror
	if cfg.Database.Redis.URL != "" {
		m, mErr := bus.NewStreamMirror(cfg.Database.Redis.URL, logger)
		if mErr != nil {
			logger.Warn("Redis unavailable, events stay in process", zap.Error(mErr))
		} else {
			events.SetMirror(m)
			mirror = m
		}
	}

	// PostgreSQL persistence
	var store *pgstore.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := pgstore.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			store = ps
		}
	}

	// Knowledge base: Qdrant plus Neo4j when both are reachable, memory
	// otherwise
	embedder := knowledge.NewHashEmbedder(0)
	var kb knowledge.Base = knowledge.NewMemoryBase(embedder)
	var index *knowledge.VectorIndex
	var graph *knowledge.InsightGraph
	if cfg.Database.Qdrant.Host != "" && cfg.Database.Neo4j.URI != "" {
		idx, idxErr := knowledge.NewVectorIndex(cfg.Database.Qdrant.Host, cfg.Database.Qdrant.Port, embedder)
		if idxErr != nil {
			logger.Warn("Qdrant unavailable", zap.Error(idxErr))
		}
		g, gErr := knowledge.NewInsightGraph(cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if gErr != nil {
			logger.Warn("Neo4j unavailable", zap.Error(gErr))
		}
		switch {
		case idxErr == nil && gErr == nil:
			kb = knowledge.NewExternalBase(idx, g)
			index = idx
			graph = g
			logger.Info("External knowledge base online")
		case idxErr == nil:
			idx.Close()
		case gErr == nil:
			g.Close(context.Background())
		}
	}

	// Core components
	agents := registry.New(logger)
	registry.RegisterBuiltins(agents)

	tools := toolchain.NewRegistry(logger)
	toolchain.RegisterBuiltins(tools)
	selector := toolchain.NewSelector(tools, cfg.Tools, logger)
	resources := toolchain.NewResourceManager(cfg.Orchestration.MaxConcurrency * 4)
	executor := toolchain.NewExecutor(tools, resources, logger)

	plans := planner.New(agents, logger)
	reflector := reflection.New(cfg.Reflection, logger)
	engine := workflow.New(plans, agents, selector, executor, reflector, events, cfg.Orchestration, logger)
	teams := collab.New(agents, kb, events, cfg.Collaboration, logger)

	sys, err := system.New(agents, tools, engine, teams, events, store, logger)
	if err != nil {
		logger.Fatal("system init failed", zap.Error(err))
	}

	// Notification sinks
	var sinks []notify.Sink
	if cfg.Notify.Slack.Enabled && cfg.Notify.Slack.BotToken != "" {
		slackSink, sErr := notify.NewSlackSink(cfg.Notify.Slack.BotToken, cfg.Notify.Slack.Channel, logger)
		if sErr != nil {
			logger.Warn("Slack sink unavailable", zap.Error(sErr))
		} else {
			sinks = append(sinks, slackSink)
		}
	}
	if cfg.Notify.Discord.Enabled && cfg.Notify.Discord.BotToken != "" {
		discordSink, dErr := notify.NewDiscordSink(cfg.Notify.Discord.BotToken, cfg.Notify.Discord.ChannelID, logger)
		if dErr != nil {
			logger.Warn("Discord sink unavailable", zap.Error(dErr))
		} else {
			sinks = append(sinks, discordSink)
		}
	}
	var notifier *notify.Notifier
	if len(sinks) > 0 {
		notifier = notify.New(sinks, nil, logger)
		notifier.Start(events)
		logger.Info("Notifications enabled", zap.Int("sinks", len(sinks)))
	}

	// Persist finished workflows
	if store != nil {
		events.Register(bus.ObserverFunc(func(ev bus.Event) {
			if ev.Kind != bus.WorkflowComplete && ev.Kind != bus.WorkflowFailed {
				return
			}
			id, _ := ev.Payload["instance"].(string)
			inst, ok := engine.Get(id)
			if !ok {
				return
			}
			result := inst.Result()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := store.SaveWorkflowResult(ctx, result); err != nil {
				logger.Warn("persist workflow failed", zap.String("instance", id), zap.Error(err))
			}
		}))
	}

	// HTTP server
	handler := api.NewHandler(sys, engine, agents, teams, logger)
	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("CareMesh listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down CareMesh...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	if notifier != nil {
		notifier.Stop()
	}
	if mirror != nil {
		mirror.Close()
	}
	if index != nil {
		index.Close()
	}
	if graph != nil {
		graph.Close(context.Background())
	}
	if store != nil {
		store.Close()
	}
	logger.Info("Goodbye")
}
