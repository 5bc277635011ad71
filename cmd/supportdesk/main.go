package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/comigor/supportdesk/internal/agent"
	"github.com/comigor/supportdesk/internal/config"
	"github.com/comigor/supportdesk/internal/history"
	"github.com/comigor/supportdesk/internal/llm"
	"github.com/comigor/supportdesk/internal/logger"
	"github.com/comigor/supportdesk/internal/mcpserver"
	"github.com/comigor/supportdesk/internal/server"
	"github.com/comigor/supportdesk/internal/speech"
	"github.com/gin-gonic/gin"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		logger.L.Error("supportdesk stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger.SetLevel(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := history.NewStore(ctx, cfg.History)
	if err != nil {
		return fmt.Errorf("open history store: %w", err)
	}
	defer store.Close()

	// Probe inference and speech once; the answers hold for the process lifetime.
	capability := llm.Probe(ctx, cfg.LLM)
	sp := speech.Probe(cfg.Speech)

	a := agent.New(store, capability, *cfg)

	gin.SetMode(gin.ReleaseMode)
	srv := server.New(a, sp, *cfg)
	if cfg.MCP.Enabled {
		srv.Mount(mcpserver.BasePath, mcpserver.Handler(mcpserver.New(a, version)))
		logger.L.Info("MCP tools mounted", "path", mcpserver.BasePath)
	}

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	logger.L.Info("starting server", "address", addr, "model_available", capability.Available())
	return srv.Run(ctx, addr)
}
