// Package config loads service settings from the environment, an optional .env file
// and the YAML agents and games files.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"boardgame-notifier/pkg/notifier"
	"boardgame-notifier/scraper"
	"boardgame-notifier/storage"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every runtime setting.
type Config struct {
	Port            string
	StorageBucket   string
	LocalStorage    string
	RedisURL        string
	TelegramToken   string
	TelegramChatID  string
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDEmail      string
	GoogleCredsJSON string
	BrevoAPIKey     string
	EmailFrom       string
	EmailTo         []string
	OllamaURL       string
	OllamaModel     string
	BaseURL         string
	AgentsFile      string
	GamesFile       string
	LogLevel        slog.Level

	DedupWindow     time.Duration
	ChannelTimeout  time.Duration
	EventRetention  time.Duration
	PollInterval    time.Duration
	MatchThreshold  float64
	PollConcurrency int
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (*Config, error) {
	get := func(key, fallback string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return fallback
	}

	cfg := &Config{
		Port:            get("PORT", "8080"),
		StorageBucket:   get("STORAGE_BUCKET", ""),
		LocalStorage:    get("LOCAL_STORAGE", ""),
		RedisURL:        get("REDIS_URL", ""),
		TelegramToken:   get("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:  get("TELEGRAM_CHAT_ID", ""),
		VAPIDPublicKey:  get("VAPID_PUBLIC_KEY", ""),
		VAPIDPrivateKey: get("VAPID_PRIVATE_KEY", ""),
		VAPIDEmail:      get("VAPID_EMAIL", ""),
		GoogleCredsJSON: get("GOOGLE_CREDENTIALS_JSON", ""),
		BrevoAPIKey:     get("BREVO_API_KEY", ""),
		EmailFrom:       get("EMAIL_FROM", ""),
		OllamaURL:       get("OLLAMA_URL", ""),
		OllamaModel:     get("OLLAMA_MODEL", "llama2"),
		BaseURL:         get("BASE_URL", "http://localhost:8080"),
		AgentsFile:      get("AGENTS_FILE", "agents.yaml"),
		GamesFile:       get("GAMES_FILE", "games.yaml"),
	}
	for _, to := range strings.Split(get("EMAIL_TO", ""), ",") {
		if to = strings.TrimSpace(to); to != "" {
			cfg.EmailTo = append(cfg.EmailTo, to)
		}
	}

	var err error
	if cfg.DedupWindow, err = duration(get("DEDUP_WINDOW", "72h")); err != nil {
		return nil, fmt.Errorf("DEDUP_WINDOW: %w", err)
	}
	if cfg.ChannelTimeout, err = duration(get("CHANNEL_TIMEOUT", "15s")); err != nil {
		return nil, fmt.Errorf("CHANNEL_TIMEOUT: %w", err)
	}
	if cfg.EventRetention, err = duration(get("EVENT_RETENTION", "17520h")); err != nil {
		return nil, fmt.Errorf("EVENT_RETENTION: %w", err)
	}
	if cfg.PollInterval, err = duration(get("POLL_INTERVAL", "30m")); err != nil {
		return nil, fmt.Errorf("POLL_INTERVAL: %w", err)
	}
	if cfg.MatchThreshold, err = strconv.ParseFloat(get("MATCH_THRESHOLD", "0.75"), 64); err != nil || cfg.MatchThreshold <= 0 || cfg.MatchThreshold > 1 {
		return nil, fmt.Errorf("MATCH_THRESHOLD must be in (0, 1], got %q", getenv("MATCH_THRESHOLD"))
	}
	if cfg.PollConcurrency, err = strconv.Atoi(get("POLL_CONCURRENCY", "4")); err != nil || cfg.PollConcurrency < 1 {
		return nil, fmt.Errorf("POLL_CONCURRENCY must be a positive integer, got %q", getenv("POLL_CONCURRENCY"))
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(get("LOG_LEVEL", "INFO"))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}

	if cfg.StorageBucket == "" && cfg.LocalStorage == "" {
		slog.Warn("Neither STORAGE_BUCKET nor LOCAL_STORAGE set; data is kept in memory only")
	}
	return cfg, nil
}

func duration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", s)
	}
	return d, nil
}

type agentsFile struct {
	Agents []scraper.Spec `yaml:"agents"`
}

// LoadAgents reads agent definitions from a YAML file.
func LoadAgents(path string) ([]scraper.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agents file: %w", err)
	}
	var f agentsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse agents file %s: %w", path, err)
	}
	seen := make(map[string]bool, len(f.Agents))
	for i, a := range f.Agents {
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("agent %d: %w", i, err)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("agent %d: duplicate id %q", i, a.ID)
		}
		seen[a.ID] = true
	}
	return f.Agents, nil
}

type gamesFile struct {
	Games []struct {
		ID        string   `yaml:"id"`
		Title     string   `yaml:"title"`
		Publisher string   `yaml:"publisher"`
		Synonyms  []string `yaml:"synonyms"`
	} `yaml:"games"`
}

// LoadGames reads the game catalog from a YAML file.
func LoadGames(path string) ([]*notifier.Game, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read games file: %w", err)
	}
	var f gamesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse games file %s: %w", path, err)
	}
	games := make([]*notifier.Game, 0, len(f.Games))
	seen := make(map[string]bool, len(f.Games))
	for i, g := range f.Games {
		switch {
		case !storage.ValidID(g.ID):
			return nil, fmt.Errorf("game %d: invalid id %q", i, g.ID)
		case strings.TrimSpace(g.Title) == "":
			return nil, fmt.Errorf("game %d (%s): title is required", i, g.ID)
		case seen[g.ID]:
			return nil, fmt.Errorf("game %d: duplicate id %q", i, g.ID)
		}
		seen[g.ID] = true
		games = append(games, &notifier.Game{
			ID:        g.ID,
			Title:     strings.TrimSpace(g.Title),
			Publisher: g.Publisher,
			Synonyms:  g.Synonyms,
		})
	}
	return games, nil
}
