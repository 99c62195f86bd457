// 服务入口：加载配置、初始化可观测性与各客户端、启动 HTTP 服务。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sgopi888/neuroheart-chat-api/pkg/chat"
	"github.com/sgopi888/neuroheart-chat-api/pkg/core/config"
	"github.com/sgopi888/neuroheart-chat-api/pkg/core/llm"
	"github.com/sgopi888/neuroheart-chat-api/pkg/history"
	"github.com/sgopi888/neuroheart-chat-api/pkg/hrv"
	"github.com/sgopi888/neuroheart-chat-api/pkg/otel"
	"github.com/sgopi888/neuroheart-chat-api/pkg/prompt"
	"github.com/sgopi888/neuroheart-chat-api/pkg/rag"
	"github.com/sgopi888/neuroheart-chat-api/pkg/ratelimit"
	"github.com/sgopi888/neuroheart-chat-api/pkg/server"
	"github.com/sgopi888/neuroheart-chat-api/pkg/summarize"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	provider, err := otel.NewProvider(ctx, cfg.Observability)
	if err != nil {
		return err
	}
	defer func() {
		_ = provider.Shutdown(context.Background())
	}()

	logger := provider.Logger()
	metrics := provider.Metrics()

	store, err := history.NewStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	llmClient, err := llm.NewOpenAI(
		llm.WithAPIKey(cfg.LLM.APIKey),
		llm.WithModel(cfg.LLM.Model),
		llm.WithBaseURL(cfg.LLM.BaseURL),
		llm.WithMaxTokens(cfg.LLM.MaxTokens),
		llm.WithTimeout(cfg.LLM.Timeout),
		llm.WithMaxRetries(cfg.LLM.MaxRetries),
	)
	if err != nil {
		return err
	}
	defer llmClient.Close()

	hrvClient := hrv.NewClient(hrv.Config{
		BaseURL: cfg.HRV.URL,
		APIKey:  cfg.HRV.APIKey,
		Timeout: cfg.HRV.Timeout,
	}, hrv.WithLogger(logger), hrv.WithMetrics(metrics))
	defer hrvClient.Close()

	ragClient := rag.NewClient(rag.Config{
		URL:        cfg.Qdrant.URL,
		APIKey:     cfg.Qdrant.APIKey,
		Collection: cfg.Qdrant.Collection,
		Timeout:    cfg.Qdrant.Timeout,
	}, rag.WithLogger(logger), rag.WithMetrics(metrics))
	defer ragClient.Close()

	promptConfig := prompt.NewConfig(
		prompt.WithMaxTokens(cfg.Chat.MaxContextTokens),
		prompt.WithRecentTurns(cfg.Chat.RecentTurns),
		prompt.WithMaxPassages(cfg.Chat.MaxPassages),
	)

	scheduler := summarize.NewScheduler(store, llmClient,
		summarize.WithConfig(summarize.NewConfig(
			summarize.WithThreshold(cfg.Chat.SummarizeThreshold),
			summarize.WithRecentTurns(cfg.Chat.RecentTurns),
		)),
		summarize.WithTokenCounter(promptConfig.GetTokenCounter()),
		summarize.WithLogger(logger),
		summarize.WithMetrics(metrics),
	)

	engine := chat.NewEngine(store, scheduler, hrvClient, ragClient, llmClient,
		chat.WithPromptConfig(promptConfig),
		chat.WithLogger(logger),
		chat.WithMetrics(metrics),
	)

	limiter := ratelimit.NewTable(ratelimit.Config{
		RequestsPerMinute: cfg.Server.RequestsPerMinute,
	})

	srv := server.New(server.Config{
		Addr:     cfg.Server.Addr,
		AppToken: cfg.Server.AppToken,
	}, engine, store, limiter,
		server.WithLogger(logger),
		server.WithMetrics(metrics),
	)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.Server.Addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}

	return nil
}
