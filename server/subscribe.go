package server

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"boardgame-notifier/pkg/notifier"
)

// rateLimiter allows limit requests per client per window. Clients idle for a full
// window are dropped at most once per window.
type rateLimiter struct {
	clients   map[string][]time.Time
	now       func() time.Time
	lastSweep time.Time
	window    time.Duration
	limit     int
	mu        sync.Mutex
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		clients: make(map[string][]time.Time),
		now:     time.Now,
		window:  window,
		limit:   limit,
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)
	if now.Sub(rl.lastSweep) >= rl.window {
		rl.sweep(cutoff)
		rl.lastSweep = now
	}

	var recent []time.Time
	for _, ts := range rl.clients[ip] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	if len(recent) >= rl.limit {
		rl.clients[ip] = recent
		return false
	}
	rl.clients[ip] = append(recent, now)
	return true
}

func (rl *rateLimiter) sweep(cutoff time.Time) {
	for ip, times := range rl.clients {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(rl.clients, ip)
		}
	}
}

// clientIP relies on middleware.RealIP having rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

type subscriptionRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func validEndpoint(endpoint string) bool {
	u, err := url.Parse(endpoint)
	return err == nil && u.Scheme == "https" && u.Host != "" && len(endpoint) <= 2048
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		return
	}

	var req subscriptionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	req.Endpoint = strings.TrimSpace(req.Endpoint)
	if !validEndpoint(req.Endpoint) {
		http.Error(w, "endpoint must be an https URL", http.StatusBadRequest)
		return
	}
	if req.Keys.P256dh == "" || req.Keys.Auth == "" {
		http.Error(w, "keys.p256dh and keys.auth are required", http.StatusBadRequest)
		return
	}

	sub := &notifier.PushSubscription{
		Endpoint: req.Endpoint,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
	}
	if err := s.store.SavePushSubscription(r.Context(), sub); err != nil {
		s.logger.Error("Failed to save push subscription", "error", err)
		http.Error(w, "Failed to save subscription", http.StatusInternalServerError)
		return
	}

	s.logger.Info("Push subscription saved", "ip", ip)
	s.writeJSON(w, http.StatusCreated, map[string]string{"status": "subscribed"})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		return
	}

	var req subscriptionRequest
	if err := decodeJSON(w, r, &req); err != nil || !validEndpoint(strings.TrimSpace(req.Endpoint)) {
		http.Error(w, "endpoint must be an https URL", http.StatusBadRequest)
		return
	}
	if err := s.store.DeletePushSubscription(r.Context(), strings.TrimSpace(req.Endpoint)); err != nil {
		s.logger.Error("Failed to delete push subscription", "error", err)
		http.Error(w, "Failed to unsubscribe", http.StatusInternalServerError)
		return
	}

	s.logger.Info("Push subscription removed", "ip", ip)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})
}
