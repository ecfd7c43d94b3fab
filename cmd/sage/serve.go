package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Veraticus/sage/internal/clock"
	"github.com/Veraticus/sage/internal/config"
	"github.com/Veraticus/sage/internal/conversation"
	"github.com/Veraticus/sage/internal/facilitator"
	"github.com/Veraticus/sage/internal/llm"
	"github.com/Veraticus/sage/internal/queue"
	"github.com/Veraticus/sage/internal/relay"
	"github.com/Veraticus/sage/internal/scheduler"
	"github.com/Veraticus/sage/internal/session"
	"github.com/Veraticus/sage/internal/trigger"
)

// ShutdownTimeout is the maximum time to wait for graceful shutdown.
const ShutdownTimeout = 30 * time.Second

//go:embed system-prompt.md
var embeddedSystemPrompt string

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay and health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			slog.SetDefault(newLogger(cfg.Log, cmd.ErrOrStderr()))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func loadConfig(opts *rootOptions) (*config.Config, error) {
	v := config.New(opts.configPath)
	if opts.logLevel != "" {
		v.Set("log.level", opts.logLevel)
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// components holds everything serve starts and stops.
type components struct {
	clock     clock.Clock
	scheduler *scheduler.Deferred
	engine    *session.Engine
	hub       *relay.Hub
	relay     *relay.Server
	health    *http.Server
	cleanup   *conversation.CleanupService
}

func initializeComponents(cfg *config.Config, generator llm.Generator) (*components, error) {
	clk := clock.Real()

	prompt, err := config.ResolveSystemPrompt(cfg.Facilitator.SystemPromptFile, embeddedSystemPrompt)
	if err != nil {
		return nil, fmt.Errorf("invalid system prompt: %w", err)
	}

	lexicon := trigger.DefaultLexicon()
	if cfg.Facilitator.LexiconFile != "" {
		if lexicon, err = trigger.LoadLexicon(cfg.Facilitator.LexiconFile); err != nil {
			return nil, err
		}
	}
	decider := trigger.NewEngine(lexicon,
		trigger.WithThresholds(thresholds(cfg.Triggers)),
		trigger.WithAlwaysRespond(cfg.Facilitator.Mode == config.ModeAlways),
	)

	if generator == nil {
		if generator, err = newGenerator(cfg.LLM); err != nil {
			return nil, err
		}
	}
	responder, err := facilitator.NewResponder(generator, prompt,
		facilitator.WithModel(cfg.LLM.Model),
		facilitator.WithDelays(delays(cfg.Facilitator)),
		facilitator.WithTimeout(cfg.LLM.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create responder: %w", err)
	}

	sched := scheduler.NewDeferred(clk)
	hub := relay.NewHub(relay.WithQueueSize(cfg.Limits.QueueSize))
	engine, err := session.NewEngine(hub, responder,
		session.WithClock(clk),
		session.WithScheduler(sched),
		session.WithTrigger(decider),
		session.WithRateLimiter(queue.NewRateLimiter(clk, cfg.Limits.RateCapacity, cfg.Limits.RateRefill, cfg.Limits.RatePeriod)),
		session.WithReadyDelay(cfg.Facilitator.ReadyDelay),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session engine: %w", err)
	}

	c := &components{
		clock:     clk,
		scheduler: sched,
		engine:    engine,
		hub:       hub,
		relay:     relay.NewServer(cfg.Server.Network, cfg.Server.Address, hub, engine),
		cleanup:   conversation.NewCleanupServiceWithInterval(engine, clk, cfg.Limits.CleanupInterval, cfg.Limits.IdleTTL),
	}
	if cfg.Server.HealthAddress != "" {
		c.health = &http.Server{
			Addr:              cfg.Server.HealthAddress,
			Handler:           relay.HealthHandler(func() int { return engine.Stats().ActiveSessions }, clk),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return c, nil
}

func newGenerator(cfg config.LLMConfig) (llm.Generator, error) {
	switch cfg.Backend {
	case config.BackendClaude:
		gen, err := llm.NewClaudeCLI(llm.ClaudeConfig{
			Command: cfg.ClaudeCommand,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create claude backend: %w", err)
		}
		return gen, nil
	default:
		gen, err := llm.NewOpenAI(llm.OpenAIConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create openai backend: %w", err)
		}
		return gen, nil
	}
}

func thresholds(cfg config.TriggerConfig) trigger.Thresholds {
	return trigger.Thresholds{
		InterventionStreak: cfg.InterventionStreak,
		DominationStreak:   cfg.DominationStreak,
		CheckinMessages:    cfg.CheckinMessages,
		CheckinSilence:     cfg.CheckinSilence,
		SupportMessages:    cfg.SupportMessages,
	}
}

func delays(cfg config.FacilitatorConfig) facilitator.Delays {
	return facilitator.Delays{
		Intervention: cfg.InterventionDelay,
		StrategicMin: cfg.StrategicDelayMin,
		StrategicMax: cfg.StrategicDelayMax,
		NormalMin:    cfg.NormalDelayMin,
		NormalMax:    cfg.NormalDelayMax,
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	c, err := initializeComponents(cfg, nil)
	if err != nil {
		return err
	}
	return c.run(ctx)
}

// run blocks until ctx is cancelled or a listener fails, then shuts
// everything down.
func (c *components) run(ctx context.Context) error {
	logger := slog.Default().With(slog.String("component", "main"))
	logger.Info("sage starting")

	g, gctx := errgroup.WithContext(ctx)

	if err := c.cleanup.Start(gctx); err != nil {
		return fmt.Errorf("failed to start cleanup: %w", err)
	}

	g.Go(func() error {
		return c.relay.Serve(gctx)
	})

	if c.health != nil {
		g.Go(func() error {
			logger.Info("health endpoint listening", slog.String("address", c.health.Addr))
			if err := c.health.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("health server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
			defer cancel()
			//nolint:contextcheck // parent context is already done
			return c.health.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	c.shutdown(logger)
	return err
}

func (c *components) shutdown(logger *slog.Logger) {
	logger.Info("shutting down components")
	c.cleanup.Stop()
	c.engine.Shutdown()

	done := make(chan struct{})
	go func() {
		c.scheduler.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(ShutdownTimeout):
		logger.Warn("shutdown timeout exceeded")
	}
}
