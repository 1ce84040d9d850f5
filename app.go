package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"time"

	"boardgame-notifier/assist"
	"boardgame-notifier/config"
	"boardgame-notifier/dedup"
	"boardgame-notifier/dispatch"
	"boardgame-notifier/email"
	"boardgame-notifier/match"
	"boardgame-notifier/metrics"
	"boardgame-notifier/pipeline"
	"boardgame-notifier/pkg/notifier"
	"boardgame-notifier/poll"
	"boardgame-notifier/scraper"
	"boardgame-notifier/server"
	"boardgame-notifier/storage"

	gcs "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// appStore is everything the components need from persistence.
type appStore interface {
	SaveGame(ctx context.Context, g *notifier.Game) error
	pipeline.Store
	server.Store
	dispatch.SubscriptionStore
	match.Catalog
	poll.Pruner
}

type app struct {
	store      appStore
	matcher    *match.Matcher
	dispatcher *dispatch.Dispatcher
	pipeline   *pipeline.Pipeline
	registry   *scraper.Registry
	monitor    *poll.Monitor
	server     *server.Server
	metrics    *metrics.Metrics
	logger     *slog.Logger
	closers    []func() error
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// newApp wires every component from cfg. Optional integrations that fail to
// initialize are logged and skipped.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{metrics: metrics.New(), logger: logger}

	st, err := a.openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = st

	switch n, err := a.importGames(ctx, cfg.GamesFile); {
	case errors.Is(err, fs.ErrNotExist):
		logger.Info("Games file not found, catalog unchanged", "path", cfg.GamesFile)
	case err != nil:
		return nil, err
	default:
		logger.Info("Game catalog loaded", "path", cfg.GamesFile, "games", n)
	}

	var helper match.Assist
	if cfg.OllamaURL != "" {
		o := assist.NewOllama(cfg.OllamaURL, cfg.OllamaModel, logger)
		if o.Available(ctx) {
			helper = o
			logger.Info("Ollama match assist enabled", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
		} else {
			logger.Warn("Ollama not reachable, match assist disabled", "url", cfg.OllamaURL)
		}
	}
	a.matcher = match.New(st, helper, logger)

	sender, err := newEmailSender(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.dispatcher = dispatch.New(logger, cfg.ChannelTimeout,
		dispatch.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID, logger),
		dispatch.NewWebPush(st, dispatch.VAPID{
			PublicKey:  cfg.VAPIDPublicKey,
			PrivateKey: cfg.VAPIDPrivateKey,
			Subscriber: cfg.VAPIDEmail,
		}, logger),
		dispatch.NewEmail(sender, cfg.EmailTo...),
		dispatch.NewLog(logger),
	)

	pcfg := pipeline.Config{
		Metrics:        a.metrics,
		DedupWindow:    cfg.DedupWindow,
		MatchThreshold: cfg.MatchThreshold,
	}
	if claimer := a.openRedis(ctx, cfg); claimer != nil {
		pcfg.Claimer = claimer
	}
	a.pipeline = pipeline.New(st, a.matcher, a.dispatcher, logger, pcfg)

	specs, err := config.LoadAgents(cfg.AgentsFile)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Warn("Agents file not found, scraping disabled", "path", cfg.AgentsFile)
	case err != nil:
		return nil, err
	}
	a.registry = scraper.NewRegistry(specs, &http.Client{Timeout: 30 * time.Second}, logger)
	a.monitor = a.newMonitor(cfg, a.registry.All())

	a.server = server.New(&server.Config{
		Pipeline:  a.pipeline,
		Poller:    a.monitor,
		Suggester: a.matcher,
		Store:     st,
		Metrics:   a.metrics,
		Logger:    logger,
		Channels:  a.dispatcher.Channels(),
	})
	return a, nil
}

func (a *app) newMonitor(cfg *config.Config, agents []scraper.Agent) *poll.Monitor {
	return poll.New(agents, a.pipeline, a.logger, poll.Config{
		Pruner:      a.store,
		Metrics:     a.metrics,
		Retention:   cfg.EventRetention,
		Concurrency: cfg.PollConcurrency,
	})
}

// monitorFor returns the shared monitor, or one running only the named agent.
func (a *app) monitorFor(cfg *config.Config, agentID string) (*poll.Monitor, error) {
	if agentID == "" {
		return a.monitor, nil
	}
	agent, ok := a.registry.Get(agentID)
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", agentID)
	}
	return a.newMonitor(cfg, []scraper.Agent{agent}), nil
}

// importGames upserts every game in a YAML catalog file into the store.
func (a *app) importGames(ctx context.Context, path string) (int, error) {
	games, err := config.LoadGames(path)
	if err != nil {
		return 0, err
	}
	for _, g := range games {
		if err := a.store.SaveGame(ctx, g); err != nil {
			return 0, fmt.Errorf("save game %s: %w", g.ID, err)
		}
	}
	return len(games), nil
}

func (a *app) openStore(ctx context.Context, cfg *config.Config) (appStore, error) {
	switch {
	case cfg.LocalStorage != "":
		if err := os.MkdirAll(cfg.LocalStorage, 0o755); err != nil {
			return nil, fmt.Errorf("create local storage directory: %w", err)
		}
		a.logger.Info("Running with local storage", "storage_path", cfg.LocalStorage)
		return storage.New(nil, "", cfg.LocalStorage, a.logger), nil
	case cfg.StorageBucket != "":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("initialize storage client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		a.logger.Info("Running with Cloud Storage", "bucket", cfg.StorageBucket)
		return storage.New(client, cfg.StorageBucket, "", a.logger), nil
	default:
		a.logger.Info("Running with in-memory storage")
		return storage.NewMemory(), nil
	}
}

// openRedis returns nil when Redis is not configured or unreachable.
func (a *app) openRedis(ctx context.Context, cfg *config.Config) *dedup.RedisIndex {
	if cfg.RedisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		a.logger.Warn("Invalid REDIS_URL, dedup fast path disabled", "error", err)
		return nil
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		a.logger.Warn("Redis not reachable, dedup fast path disabled", "addr", opts.Addr, "error", err)
		_ = client.Close()
		return nil
	}
	a.closers = append(a.closers, client.Close)
	a.logger.Info("Redis dedup index enabled", "addr", opts.Addr)
	return dedup.NewRedisIndex(client, a.logger)
}

func newEmailSender(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*email.Sender, error) {
	var provider email.Provider
	switch {
	case cfg.BrevoAPIKey != "":
		if cfg.EmailFrom == "" {
			return nil, errors.New("EMAIL_FROM required with BREVO_API_KEY")
		}
		provider = email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.EmailFrom, "Board Game Notifier", logger)
		logger.Info("Email via Brevo", "from", cfg.EmailFrom)
	case cfg.GoogleCredsJSON != "":
		svc, err := gmail.NewService(ctx, option.WithCredentialsJSON([]byte(cfg.GoogleCredsJSON)))
		if err != nil {
			logger.Warn("Failed to initialize Gmail service, using mock email", "error", err)
			provider = email.NewMockProvider(logger)
			break
		}
		provider = email.NewGmailProvider(svc, logger)
		logger.Info("Email via Gmail API")
	default:
		logger.Info("Mock email mode enabled (no BREVO_API_KEY or GOOGLE_CREDENTIALS_JSON)")
		provider = email.NewMockProvider(logger)
	}
	return email.New(provider, logger, cfg.BaseURL), nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Failed to close client", "error", err)
		}
	}
}
