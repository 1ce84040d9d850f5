// Package scraper fetches store listing pages and extracts listing drafts with
// per-agent CSS selectors.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"boardgame-notifier/pkg/notifier"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
	"github.com/shopspring/decimal"
)

// HTTP403Error indicates a 403 Forbidden response (bot protection or login wall).
type HTTP403Error struct {
	URL string
}

func (e *HTTP403Error) Error() string {
	return fmt.Sprintf("HTTP 403 Forbidden: %s", e.URL)
}

// IsHTTP403Error checks if an error is an HTTP 403 error.
func IsHTTP403Error(err error) bool {
	var forbidden *HTTP403Error
	return errors.As(err, &forbidden)
}

// Selectors locate listing fields on a page. Item is relative to the document,
// the others are relative to each item.
type Selectors struct {
	Item       string `yaml:"item"`
	Title      string `yaml:"title"`
	Price      string `yaml:"price"`
	OldPrice   string `yaml:"old_price"`
	Discount   string `yaml:"discount"`
	Link       string `yaml:"link"`
	InStock    string `yaml:"in_stock"`
	OutOfStock string `yaml:"out_of_stock"`
}

// Spec declares one agent.
type Spec struct {
	ID        string        `yaml:"id"`
	StoreID   string        `yaml:"store_id"`
	URL       string        `yaml:"url"`
	Kind      notifier.Kind `yaml:"kind"`
	Edition   string        `yaml:"edition"`
	Selectors Selectors     `yaml:"selectors"`
}

// Validate reports whether the spec can produce drafts.
func (s *Spec) Validate() error {
	if s.ID == "" {
		return errors.New("missing id")
	}
	u, err := url.Parse(s.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("agent %s: invalid url %q", s.ID, s.URL)
	}
	if s.Kind != "" && !s.Kind.Valid() {
		return fmt.Errorf("agent %s: unknown kind %q", s.ID, s.Kind)
	}
	if s.Selectors.Item == "" || s.Selectors.Title == "" {
		return fmt.Errorf("agent %s: item and title selectors are required", s.ID)
	}
	return nil
}

// Agent produces drafts from one source.
type Agent interface {
	Name() string
	Fetch(ctx context.Context) ([]*notifier.Draft, error)
}

// HTMLAgent scrapes one listing page.
type HTMLAgent struct {
	client   *http.Client
	logger   *slog.Logger
	spec     Spec
	attempts uint
	delay    time.Duration
}

// NewHTMLAgent creates an agent for spec.
func NewHTMLAgent(spec Spec, client *http.Client, logger *slog.Logger) *HTMLAgent {
	return &HTMLAgent{
		client:   client,
		logger:   logger.With("agent", spec.ID),
		spec:     spec,
		attempts: 5,
		delay:    time.Second,
	}
}

// Name returns the agent id.
func (a *HTMLAgent) Name() string { return a.spec.ID }

// Fetch downloads the page and extracts its listings.
func (a *HTMLAgent) Fetch(ctx context.Context) ([]*notifier.Draft, error) {
	var drafts []*notifier.Draft
	pageURL := a.spec.URL
	forbidden := false

	err := retry.Do(
		func() error {
			a.logger.Info("HTTP request starting",
				"method", "GET",
				"url", pageURL,
				"purpose", "fetch_listing_page")

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}

			// Chrome-like headers; several stores reject bare clients.
			req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36")
			req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
			req.Header.Set("Accept-Language", "ru-RU,ru;q=0.9,en-US;q=0.8,en;q=0.7")
			req.Header.Set("Sec-Fetch-Dest", "document")
			req.Header.Set("Sec-Fetch-Mode", "navigate")
			req.Header.Set("Sec-Fetch-Site", "none")
			req.Header.Set("Upgrade-Insecure-Requests", "1")

			startTime := time.Now()
			resp, err := a.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				a.logger.Warn("HTTP request failed, will retry",
					"url", pageURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					a.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			a.logger.Info("HTTP request completed",
				"url", pageURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds())

			if resp.StatusCode == http.StatusForbidden {
				a.logger.Warn("HTTP 403 Forbidden - store blocks scraping", "url", pageURL)
				forbidden = true
				return &HTTP403Error{URL: pageURL}
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			drafts, err = a.parse(resp.Body)
			if err != nil {
				a.logger.Error("Failed to parse HTML", "error", err)
				return retry.Unrecoverable(err)
			}
			a.logger.Info("Listing page parsed", "url", pageURL, "listings_found", len(drafts))
			return nil
		},
		retry.Attempts(a.attempts),
		retry.Delay(a.delay),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(a.delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			a.logger.Info("Retrying fetch after error", "attempt", n, "error", err)
		}),
		retry.RetryIf(func(err error) bool {
			return !IsHTTP403Error(err)
		}),
	)
	if forbidden {
		return nil, &HTTP403Error{URL: pageURL}
	}
	if err != nil {
		return nil, fmt.Errorf("after retries: %w", err)
	}
	return drafts, nil
}

func (a *HTMLAgent) parse(body io.Reader) ([]*notifier.Draft, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(a.spec.URL)
	if err != nil {
		return nil, err
	}

	sel := a.spec.Selectors
	var drafts []*notifier.Draft
	doc.Find(sel.Item).Each(func(_ int, s *goquery.Selection) {
		title := collapseSpace(s.Find(sel.Title).First().Text())
		if title == "" {
			return
		}
		d := &notifier.Draft{
			Title:    title,
			StoreID:  a.spec.StoreID,
			Kind:     a.spec.Kind,
			Edition:  a.spec.Edition,
			SourceID: a.spec.ID,
		}
		if sel.Price != "" {
			d.Price = ParsePrice(s.Find(sel.Price).First().Text())
		}
		if sel.Discount != "" {
			d.DiscountPct = ParsePrice(s.Find(sel.Discount).First().Text())
		}
		if d.DiscountPct == nil && sel.OldPrice != "" && d.Price != nil {
			if old := ParsePrice(s.Find(sel.OldPrice).First().Text()); old != nil {
				d.DiscountPct = discount(*old, *d.Price)
			}
		}
		d.InStock = stock(s, sel)
		if sel.Link != "" {
			link := s.Find(sel.Link).First()
			if !link.Is("a") {
				link = link.Find("a").First()
			}
			if href, ok := link.Attr("href"); ok {
				if u, err := base.Parse(strings.TrimSpace(href)); err == nil {
					d.URL = u.String()
				}
			}
		}
		drafts = append(drafts, d)
	})

	if len(drafts) == 0 {
		return nil, fmt.Errorf("no listings found with selector %q", sel.Item)
	}
	return drafts, nil
}

func stock(s *goquery.Selection, sel Selectors) *bool {
	var v bool
	switch {
	case sel.OutOfStock != "" && s.Find(sel.OutOfStock).Length() > 0:
		v = false
	case sel.InStock != "":
		v = s.Find(sel.InStock).Length() > 0
	case sel.OutOfStock != "":
		v = true
	default:
		return nil
	}
	return &v
}

// discount returns the whole-percent reduction from old to now, or nil if none.
func discount(old, now decimal.Decimal) *decimal.Decimal {
	if !old.IsPositive() || now.GreaterThanOrEqual(old) {
		return nil
	}
	pct := old.Sub(now).Div(old).Mul(decimal.NewFromInt(100)).Round(0)
	return &pct
}

// ParsePrice extracts a number from store text such as "2 490 ₽", "1.299,90 руб."
// or "-15%". It returns nil when the text has no digits.
func ParsePrice(text string) *decimal.Decimal {
	var b strings.Builder
	for _, r := range text {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',':
			b.WriteRune(r)
		}
	}
	s := strings.Trim(b.String(), ".,")
	if s == "" {
		return nil
	}
	if strings.Contains(s, ",") {
		if strings.Contains(s, ".") {
			s = strings.ReplaceAll(s, ".", "")
		}
		s = strings.ReplaceAll(s, ",", ".")
	}
	if strings.Count(s, ".") > 1 {
		s = strings.ReplaceAll(s, ".", "")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil
	}
	return &d
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Registry holds the configured agents by name.
type Registry struct {
	agents map[string]Agent
}

// NewRegistry builds HTML agents for specs.
func NewRegistry(specs []Spec, client *http.Client, logger *slog.Logger) *Registry {
	r := &Registry{agents: make(map[string]Agent, len(specs))}
	for _, s := range specs {
		r.Add(NewHTMLAgent(s, client, logger))
	}
	return r
}

// Add registers an agent, replacing any with the same name.
func (r *Registry) Add(a Agent) {
	if r.agents == nil {
		r.agents = make(map[string]Agent)
	}
	r.agents[a.Name()] = a
}

// Get returns the named agent.
func (r *Registry) Get(name string) (Agent, bool) {
	a, ok := r.agents[name]
	return a, ok
}

// All returns every agent sorted by name.
func (r *Registry) All() []Agent {
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
