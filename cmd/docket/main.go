package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/earthboundkid/versioninfo/v2"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"github.com/docketbot/docket/internal"
	"github.com/docketbot/docket/internal/discord_integration"
	"github.com/docketbot/docket/internal/events"
	"github.com/docketbot/docket/internal/linear_integration"
	"github.com/docketbot/docket/internal/llm"
	"github.com/docketbot/docket/internal/routing"
	"github.com/docketbot/docket/internal/web"
)

type Config struct {
	DevMode bool `split_words:"true"`

	// Discord configuration
	Discord discord_integration.Config `envconfig:"discord"`

	// LLM configuration
	LLM llm.Config `envconfig:"llm"`

	// Linear configuration
	Linear linear_integration.Config `envconfig:"linear"`

	// Event publishing (optional)
	Events events.Config `envconfig:"events"`

	// Channel to team routing (optional)
	RoutesFile string `split_words:"true"`

	// Error reporting (optional)
	SentryDSN string `envconfig:"sentry_dsn"`

	// HTTP configuration
	HTTPAddr string `split_words:"true" default:"127.0.0.1:5001"`
}

func main() {
	help := flag.Bool("help", false, "Show help")
	flag.Parse()

	if *help {
		_ = envconfig.Usage("docket", &Config{})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg, ctx := errgroup.WithContext(ctx)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Fatal("Error loading .env file")
		}
	}

	var c Config
	if err := envconfig.Process("docket", &c); err != nil {
		log.Fatalf("error loading configuration: %v", err)
	}

	logLevel := slog.LevelInfo
	if c.DevMode {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:     logLevel,
		AddSource: true,
	})))
	slog.Info("starting docket", "version", versioninfo.Short(), "dev_mode", c.DevMode)

	if c.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     c.SentryDSN,
			Release: versioninfo.Short(),
		}); err != nil {
			log.Fatalf("error initializing sentry: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	// LLM setup
	if c.DevMode {
		if err := llm.StartOllamaContainer(ctx); err != nil {
			log.Fatalf("error setting up ollama: %v", err)
		}
		if c.LLM.APIKey == "" {
			c.LLM.URL = llm.OllamaURL
			c.LLM.Model = llm.DevModel
		}
	}
	llmClient, err := llm.New(ctx, c.LLM)
	if err != nil {
		log.Fatalf("error setting up LLM client: %v", err)
	}

	// Linear integration setup
	linearIntegration, err := linear_integration.New(ctx, c.Linear)
	if err != nil {
		log.Fatalf("error setting up Linear: %v", err)
	}

	// Channel routing setup
	var routes *routing.Table
	if c.RoutesFile != "" {
		routes, err = routing.Load(c.RoutesFile)
		if err != nil {
			log.Fatalf("error loading routes: %v", err)
		}
		slog.Info("loaded channel routes", "file", c.RoutesFile, "routes", len(routes.Routes))
	}

	// Event publisher setup (optional)
	var notifier internal.Notifier
	if c.Events.URL != "" {
		publisher, err := events.New(ctx, c.Events)
		if err != nil {
			log.Fatalf("error setting up event publisher: %v", err)
		}
		defer func() { _ = publisher.Close() }()
		notifier = publisher
	}

	// Discord integration setup
	discordIntegration, err := discord_integration.New(ctx, c.Discord)
	if err != nil {
		log.Fatalf("error setting up Discord: %v", err)
	}

	// Bot setup
	bot := internal.New(discordIntegration, llmClient, linearIntegration, routes, notifier)

	// HTTP server setup
	server := &http.Server{
		BaseContext: func(listener net.Listener) context.Context { return ctx },
		Addr:        c.HTTPAddr,
		Handler:     web.New(),
	}

	wg.Go(func() error {
		slog.Info("starting HTTP server", "addr", c.HTTPAddr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}

		return nil
	})
	wg.Go(func() error {
		slog.Info("starting bot", "bot_user_id", discordIntegration.BotUserID)
		return discordIntegration.Run(ctx, bot)
	})
	wg.Go(func() error {
		return awaitShutdown(ctx, cancel, server)
	})

	if err := wg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("error running docket", "error", err)
		os.Exit(1)
	}
}

// awaitShutdown blocks until a termination signal or until another
// component cancels ctx, then drains the HTTP server. Both exit paths
// must drain it; otherwise ListenAndServe never returns.
func awaitShutdown(ctx context.Context, cancel context.CancelFunc, server *http.Server) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case <-ctx.Done():
	case <-sig:
		slog.Info("shutting down")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}
