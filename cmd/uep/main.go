// UEP orchestrator server — runs the cycle loop, serves the control
// API, and streams events to connected frontends.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/api"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/config"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/core"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/llm"
	"github.com/Unforgettableeternalproject/U.E.P-s-Core-sub001/pkg/version"
)

// coreStopTimeout bounds the wait for the in-flight cycle on shutdown.
const coreStopTimeout = 30 * time.Second

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// buildReasoner selects the reasoning backend from configuration. The
// scripted provider answers every turn with a fixed notice so the loop
// can run without credentials.
func buildReasoner(cfg *config.Config) (llm.Reasoner, error) {
	switch cfg.LLM.Provider {
	case config.ProviderTypeAnthropic:
		apiKey := os.Getenv(cfg.LLM.APIKeyEnv)
		if apiKey == "" {
			return nil, fmt.Errorf("environment variable %s is not set", cfg.LLM.APIKeyEnv)
		}
		return llm.NewAnthropicFromAPIKey(apiKey, llm.AnthropicOptions{
			Model:     cfg.LLM.Model,
			MaxTokens: cfg.LLM.MaxTokens,
		}, slog.Default())

	case config.ProviderTypeScripted:
		script := llm.NewScriptedReasoner()
		script.SetDefault(func(llm.Request) (*llm.Response, error) {
			return &llm.Response{
				Text:       "Running without a language model. Set llm.provider to anthropic for real replies.",
				Confidence: 1,
			}, nil
		})
		return script, nil

	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.LLM.Provider)
	}
}

func main() {
	// Parse command-line flags
	configPath := flag.String("config",
		getEnv("UEP_CONFIG", ""),
		"Path to uep.yaml (empty runs on built-in defaults)")
	port := flag.Int("port", 0, "HTTP port (overrides server.port from the config file)")
	flag.Parse()

	// Load .env from the working directory; API keys live there in dev
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	ctx := context.Background()

	// 1. Initialize configuration
	var cfg *config.Config
	if *configPath != "" {
		loaded, err := config.Initialize(ctx, *configPath)
		if err != nil {
			slog.Error("Failed to initialize configuration", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
		slog.Info("No config file given, using built-in defaults")
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	slog.Info("Starting UEP orchestrator",
		"version", version.Full(),
		"port", cfg.Server.Port,
		"provider", cfg.LLM.Provider)

	// 2. Memory directory
	if err := os.MkdirAll(cfg.Runtime.MemoryDir, 0o755); err != nil {
		slog.Error("Failed to create memory directory",
			"dir", cfg.Runtime.MemoryDir, "error", err)
		os.Exit(1)
	}

	// 3. Reasoning backend
	reasoner, err := buildReasoner(cfg)
	if err != nil {
		slog.Error("Failed to initialize reasoner", "error", err)
		os.Exit(1)
	}
	slog.Info("Reasoner initialized", "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)

	// 4. Core: state queue, sessions, memory, coordinator, cycle loop
	c, err := core.New(core.Config{
		MemoryDir:            cfg.Runtime.MemoryDir,
		Reasoner:             reasoner,
		MaxSessionAge:        cfg.Session.MaxAge,
		RecordKeepDays:       cfg.Session.RecordKeepDays,
		ToolTimeout:          cfg.Runtime.ToolTimeout,
		ChunkBudget:          cfg.TTS.ChunkBudget,
		CaptureBuffer:        cfg.Runtime.CaptureBuffer,
		MischiefEnabled:      cfg.Behavior.MischiefEnabled,
		SleepBoredom:         cfg.Behavior.SleepBoredom,
		MischiefBoredom:      cfg.Behavior.MischiefBoredom,
		MischiefMood:         cfg.Behavior.MischiefMood,
		SpecialStateDebounce: cfg.Behavior.SpecialStateDebounce,
	})
	if err != nil {
		slog.Error("Failed to build core", "error", err)
		os.Exit(1)
	}

	if err := c.Start(ctx); err != nil {
		slog.Error("Failed to start core", "error", err)
		os.Exit(1)
	}

	// 5. HTTP server (non-blocking)
	apiServer := api.NewServer(c, api.Options{
		AllowedWSOrigins: cfg.Server.AllowedWSOrigins,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("UEP started successfully",
		"memory_dir", cfg.Runtime.MemoryDir,
		"mischief_enabled", cfg.Behavior.MischiefEnabled)

	// 6. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 7. Graceful shutdown: close the HTTP surface first, then let the
	// loop finish its current cycle.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	apiServer.Close()

	done := make(chan struct{})
	go func() {
		if err := c.Stop(); err != nil {
			slog.Error("Core stop error", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Core stopped gracefully")
	case <-time.After(coreStopTimeout):
		slog.Warn("Shutdown timeout exceeded, cycle state persists for next start")
	}

	slog.Info("Shutdown complete")
}
