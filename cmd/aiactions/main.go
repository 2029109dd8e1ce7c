package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"aiactions/internal/action"
	"aiactions/internal/config"
	"aiactions/internal/crypto"
	"aiactions/internal/host"
	"aiactions/internal/metrics"
	"aiactions/internal/notify"
	"aiactions/internal/preview"
	"aiactions/internal/providers/registry"
	"aiactions/internal/queue"
	"aiactions/internal/render"
	"aiactions/internal/server"
	"aiactions/internal/storage"
	"aiactions/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("mode", cfg.AppMode).
		Int64("default_scope_id", cfg.DefaultScopeID).
		Msg("starting aiactions")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	vault, err := crypto.NewVault(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize credential vault")
	}
	if n, err := store.ResealCredentials(ctx, vault); err != nil {
		log.Error().Err(err).Msg("failed to reseal provider credentials")
	} else if n > 0 {
		log.Info().Int("providers", n).Str("key_id", vault.CurrentKeyID()).Msg("provider credentials resealed")
	}

	m := metrics.Global()
	httpClient := &http.Client{Timeout: cfg.HTTP.ClientTimeout}

	hostClient := host.New(host.Config{
		URL:        cfg.Host.URL,
		DB:         cfg.Host.DB,
		UID:        cfg.Host.UID,
		APIKey:     cfg.Host.APIKey,
		HTTPClient: httpClient,
		Logger:     log.Logger,
	})

	notifiers := notify.Multi{notify.NewLog(log.Logger), notify.NewHost(hostClient, log.Logger)}
	if cfg.Telegram.BotToken != "" {
		bot, err := gotgbot.NewBot(cfg.Telegram.BotToken, nil)
		if err != nil {
			log.Fatal().Str("error", sanitizeTelegramErr(err, cfg.Telegram.BotToken)).Msg("failed to create telegram bot")
		}
		log.Info().Str("bot_username", bot.User.Username).Int64("chat_id", cfg.Telegram.ChatID).Msg("telegram warnings enabled")
		notifiers = append(notifiers, notify.NewTelegram(bot, cfg.Telegram.ChatID, log.Logger))
	}

	templates := render.New(render.Config{Records: hostClient, UserID: hostClient.UserID()})
	factory := registry.NewFactory(registry.FactoryConfig{
		Store:          store,
		Credentials:    vault,
		HTTPClient:     httpClient,
		DefaultScopeID: cfg.DefaultScopeID,
		Logger:         log.Logger,
	})
	orchestrator := action.New(action.Config{
		Host:      hostClient,
		Templates: templates,
		Models:    store,
		Services:  factory,
		Notifier:  notifiers,
		Budget:    queue.NewGenerationBudget(rdb, cfg.Rate.PerHour),
		Journal:   store,
		Logger:    log.Logger,
		Metrics:   m,
	})
	jobQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.AppMode == config.ModeAPI || cfg.AppMode == config.ModeAll {
		previewer := preview.NewPreviewer(templates, hostClient, log.Logger)
		api := server.New(server.Config{
			APIToken:       cfg.Server.APIToken,
			HealthPath:     cfg.Server.HealthPath,
			MetricsPath:    cfg.Server.MetricsPath,
			DefaultScopeID: cfg.DefaultScopeID,
			Store:          store,
			Sealer:         vault,
			Runner:         orchestrator,
			Queue:          jobQueue,
			Previewer:      previewer,
			Sessions:       preview.NewSessions(rdb, cfg.Redis.PreviewTTL, store, previewer),
			Logger:         log.Logger,
			Metrics:        m,
		})
		httpServer := &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info().Str("addr", cfg.Server.ListenAddr).Msg("http server started")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("failed to stop http server")
			}
			return nil
		})
	}

	if cfg.AppMode == config.ModeWorker || cfg.AppMode == config.ModeAll {
		w := worker.New(worker.Config{
			Store:         store,
			Queue:         jobQueue,
			Runner:        orchestrator,
			MaxJobRetries: cfg.Worker.MaxRetries,
			Logger:        log.Logger,
			Metrics:       m,
		})
		g.Go(func() error {
			log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
			if err := w.Start(gctx, cfg.Worker.Concurrency); err != nil && gctx.Err() == nil {
				return fmt.Errorf("worker failed: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("runtime error")
	}
	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// sanitizeTelegramErr removes the bot token from gotgbot errors, which embed
// the request URL.
func sanitizeTelegramErr(err error, token string) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if strings.TrimSpace(token) == "" {
		return msg
	}
	return strings.ReplaceAll(msg, token, "<redacted-token>")
}
