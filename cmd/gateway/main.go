package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gaiin-platform/amplify-gateway/internal/adapter/channel"
	"github.com/gaiin-platform/amplify-gateway/internal/adapter/llm"
	"github.com/gaiin-platform/amplify-gateway/internal/adapter/mcp"
	"github.com/gaiin-platform/amplify-gateway/internal/adapter/rag"
	"github.com/gaiin-platform/amplify-gateway/internal/adapter/search"
	"github.com/gaiin-platform/amplify-gateway/internal/adapter/store"
	"github.com/gaiin-platform/amplify-gateway/internal/infra/config"
	"github.com/gaiin-platform/amplify-gateway/internal/infra/logger"
	"github.com/gaiin-platform/amplify-gateway/internal/infra/tracer"
	"github.com/gaiin-platform/amplify-gateway/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer shutdownTracer(context.Background())

	st, err := store.Open(cfg.Store.DSN, log)
	if err != nil {
		return err
	}
	defer st.Close()

	// Provider adapters.
	adapters := []llm.Adapter{
		llm.NewOpenAIAdapter(cfg.Providers.OpenAI, log),
		llm.NewAzureAdapter(cfg.Providers.Azure, log),
		llm.NewGeminiAdapter(cfg.Providers.Gemini, log),
	}
	bedrock, err := llm.NewBedrockAdapter(ctx, cfg.Providers.Bedrock, log)
	if err != nil {
		log.Warn("bedrock adapter unavailable", "error", err)
	} else {
		adapters = append(adapters, bedrock)
	}
	registry := llm.NewRegistry(log, adapters...)

	counter, err := usecase.NewTokenCounter()
	if err != nil {
		return fmt.Errorf("token counter: %w", err)
	}

	models, err := usecase.NewModelRegistry(cfg.Models, st, log)
	if err != nil {
		return err
	}

	client := usecase.NewLLMClient(registry, counter, usecase.NewOverflowCache(), models, log)

	searchChain := search.NewChain(cfg.Search, log)
	mcpManager := mcp.NewManager(mcp.StaticRegistry(cfg.MCP.Servers), cfg.MCP, log)
	defer mcpManager.Close()

	ragClient := rag.NewClient(cfg.RAG, log)
	resolver := usecase.NewResolver(st, ragClient, client, models, log)
	toolLoop := usecase.NewToolLoop(client, searchChain, mcpManager, log)
	workflow := usecase.NewWorkflowExecutor(client, nil, log)
	router := usecase.NewRouter(client, resolver, toolLoop, workflow, nil, nil, log)

	gateway := usecase.NewGateway(
		usecase.NewRateLimiter(st, st, cfg.Limiter, log),
		usecase.NewCircuitBreaker(ctx, cfg.Breaker, log),
		usecase.NewRequestTracker(),
		models,
		resolver,
		router,
		st,
		cfg.Server,
		cfg.Tracer.Enabled,
		log,
	)

	httpChannel := channel.NewHTTPChannel(gateway, channel.BearerAuthenticator{}, cfg.Server, log)
	if err := httpChannel.Start(ctx); err != nil {
		return err
	}

	log.Info("amplify gateway running", "addr", httpChannel.Addr())
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpChannel.Stop(shutdownCtx)
}
