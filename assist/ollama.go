// Package assist asks a local LLM (Ollama) for a best-guess catalog match.
// It is strictly best-effort: every failure is reported as an error that the
// matcher treats as "no opinion".
package assist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// ErrUnavailable is returned when no Ollama server is configured or reachable.
var ErrUnavailable = errors.New("assist unavailable")

const (
	defaultModel = "llama2"
	// availabilityTTL is how long an /api/tags answer is trusted.
	availabilityTTL = time.Minute
)

// Ollama implements match.Assist against the Ollama HTTP API.
type Ollama struct {
	client  *http.Client
	logger  *slog.Logger
	now     func() time.Time
	baseURL string
	model   string

	mu        sync.Mutex
	up        bool
	checkedAt time.Time
}

// NewOllama creates an Ollama assist. An empty baseURL disables it.
func NewOllama(baseURL, model string, logger *slog.Logger) *Ollama {
	if model == "" {
		model = defaultModel
	}
	return &Ollama{
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
		now:     time.Now,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
	}
}

// Available reports whether the server answers /api/tags. The answer is cached for
// availabilityTTL.
func (o *Ollama) Available(ctx context.Context) bool {
	if o.baseURL == "" {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.checkedAt.IsZero() && o.now().Sub(o.checkedAt) < availabilityTTL {
		return o.up
	}
	o.up = o.ping(ctx)
	o.checkedAt = o.now()
	return o.up
}

func (o *Ollama) ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", http.NoBody)
	if err != nil {
		return false
	}
	resp, err := o.client.Do(req)
	if err != nil {
		o.logger.Debug("Ollama not available", "error", err)
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return resp.StatusCode == http.StatusOK
}

type generateRequest struct {
	Options map[string]any `json:"options"`
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

type guess struct {
	Index      *int    `json:"index"`
	Confidence float64 `json:"confidence"`
}

// BestGuessMatch asks the model which candidate title refers to the same game.
func (o *Ollama) BestGuessMatch(ctx context.Context, title string, candidates []string) (int, float64, error) {
	if len(candidates) == 0 || !o.Available(ctx) {
		return -1, 0, ErrUnavailable
	}

	answer, err := o.generate(ctx, matchPrompt(title, candidates))
	if err != nil {
		return -1, 0, err
	}

	var g guess
	if err := json.Unmarshal([]byte(extractJSON(answer)), &g); err != nil {
		return -1, 0, fmt.Errorf("parse model answer: %w", err)
	}
	if g.Index == nil {
		return -1, 0, nil
	}
	return *g.Index, g.Confidence, nil
}

func matchPrompt(title string, candidates []string) string {
	var b strings.Builder
	b.WriteString("You match board game store listings to a catalog.\n")
	b.WriteString("Listing title: ")
	b.WriteString(title)
	b.WriteString("\nCatalog (index: title):\n")
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d: %s\n", i, c)
	}
	b.WriteString("Answer only JSON: {\"index\": <number or null>, \"confidence\": <0..1>}.\n")
	b.WriteString("Use null when the listing is not one of the catalog games.\n")
	return b.String()
}

func (o *Ollama) generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:  o.model,
		Prompt: prompt,
		Stream: false,
		Options: map[string]any{
			"temperature": 0.1,
			"top_p":       0.9,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var out generateResponse
	err = retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")

			startTime := time.Now()
			resp, err := o.client.Do(req)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					o.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			o.logger.Debug("Ollama request completed",
				"model", o.model,
				"status_code", resp.StatusCode,
				"duration_ms", time.Since(startTime).Milliseconds())

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return retry.Unrecoverable(fmt.Errorf("decode response: %w", err))
			}
			return nil
		},
		retry.Attempts(2),
		retry.Delay(500*time.Millisecond),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			o.logger.Info("Retrying Ollama request after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	return out.Response, nil
}

// extractJSON returns the outermost {...} span of s, or s itself.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return s
	}
	return s[start : end+1]
}
