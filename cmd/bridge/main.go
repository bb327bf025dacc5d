package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/tableside/staff-bridge/internal/api"
	"github.com/tableside/staff-bridge/internal/biz/usecase"
	"github.com/tableside/staff-bridge/internal/clock"
	"github.com/tableside/staff-bridge/internal/conf"
	"github.com/tableside/staff-bridge/internal/data"
	"github.com/tableside/staff-bridge/internal/infra/stream"
	"github.com/tableside/staff-bridge/internal/logging"
	"github.com/tableside/staff-bridge/internal/server"
	"github.com/tableside/staff-bridge/internal/service"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Load configuration
	cfg := conf.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger := logging.New(cfg.LoggingOptions())
	defer logger.Sync()

	tokens := cfg.Backend.TokenProvider()

	// Initialize repository layer
	repos, err := data.NewRepositories(data.Options{
		DBPath: cfg.Unread.DBPath,
		Backend: data.BackendConfig{
			BaseURL:        cfg.Backend.BaseURL,
			Timeout:        cfg.Backend.Timeout,
			RequestsPerSec: cfg.Backend.RequestsPerSec,
			Burst:          5,
		},
		Tokens: tokens,
		Suggester: data.SuggesterConfig{
			APIKey:  cfg.Suggest.APIKey,
			Model:   cfg.Suggest.Model,
			BaseURL: cfg.Suggest.BaseURL,
		},
		FeishuID:  cfg.Feishu.AppID,
		FeishuKey: cfg.Feishu.AppSecret,
	}, logger)
	if err != nil {
		logger.Fatal("failed to create repositories", zap.Error(err))
	}
	defer repos.Close()

	logger.Info("unread store opened", zap.String("path", cfg.Unread.DBPath))
	if repos.Suggester != nil {
		logger.Info("model-ranked reply suggestions enabled")
	}

	clk := clock.Real()

	// Initialize usecase layer
	unreadUC := usecase.NewUnreadIndexUsecase(repos.KV, clk, logger, usecase.UnreadConfig{
		HistoryLimit: cfg.Unread.HistoryLimit,
	})
	presenterUC := usecase.NewPresenterUsecase(clk, logger, usecase.PresenterConfig{
		DismissAfter: cfg.Presenter.DismissAfter,
	})
	correlatorUC := usecase.NewCorrelatorUsecase(repos.Backend, unreadUC, presenterUC, logger, usecase.CorrelatorConfig{
		SendTimeout: cfg.Backend.ResponseWait,
	})
	suggestUC := usecase.NewSuggestUsecase(cfg.Replies.ByCategory(), repos.Suggester, logger)

	// Event stream
	manager := stream.NewManager(stream.Config{
		URL:          cfg.Backend.StreamURL,
		BackoffBase:  cfg.Stream.BackoffBase,
		BackoffCap:   cfg.Stream.BackoffCap,
		AuthTimeout:  cfg.Stream.AuthTimeout,
		PingInterval: cfg.Stream.PingInterval,
	}, clk, logger)

	// Initialize service layer
	svc := service.NewMessagingService(manager, repos.Backend, unreadUC, presenterUC, correlatorUC, suggestUC,
		cfg.Staff.Identity(), clk, logger)
	escalation := service.NewEscalationScheduler(unreadUC, repos.Notifier, service.EscalationConfig{
		ChatID:   cfg.Feishu.EscalationChatID,
		After:    cfg.Feishu.EscalateAfter,
		Interval: cfg.Feishu.EscalationInterval,
	}, clk, logger)

	// HTTP API for the UI and staff-mcp
	apiServer := api.NewServer(svc, logger, cfg.API.Port)
	srv := server.NewBridgeServer(svc, escalation, apiServer, tokens, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting staff bridge",
		zap.String("backend", cfg.Backend.BaseURL),
		zap.String("staff", cfg.Staff.Name),
		zap.Int("api_port", apiServer.GetPort()))

	if err := srv.Start(ctx); err != nil {
		logger.Error("server error", zap.Error(err))
	}
	logger.Info("shutting down")
	srv.Stop()
}
