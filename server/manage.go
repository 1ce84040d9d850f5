package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"boardgame-notifier/pkg/notifier"
	"boardgame-notifier/rules"
	"boardgame-notifier/storage"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// ruleRequest defaults Enabled to true when the field is omitted.
type ruleRequest struct {
	notifier.Rule
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.EnabledRules(r.Context())
	if err != nil {
		s.logger.Error("Failed to list rules", "error", err)
		http.Error(w, "Failed to list rules", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*notifier.Rule{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"rules": list})
}

func (s *Server) handleSaveRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	rule := req.Rule
	if rule.ID != "" && !storage.ValidID(rule.ID) {
		http.Error(w, fmt.Sprintf("invalid rule id %q", rule.ID), http.StatusBadRequest)
		return
	}
	rule.Enabled = req.Enabled == nil || *req.Enabled
	rule.Logic = notifier.Logic(strings.ToUpper(string(rule.Logic)))
	if rule.Logic == "" {
		rule.Logic = notifier.LogicAnd
	}
	if err := rules.Validate(&rule); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, c := range rule.Channels {
		if !s.channels[c] {
			http.Error(w, fmt.Sprintf("unknown channel %q", c), http.StatusBadRequest)
			return
		}
	}

	status := http.StatusOK
	if rule.ID == "" {
		rule.ID = uuid.NewString()
		status = http.StatusCreated
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}

	if err := s.store.SaveRule(r.Context(), &rule); err != nil {
		s.logger.Error("Failed to save rule", "rule_id", rule.ID, "error", err)
		http.Error(w, "Failed to save rule", http.StatusInternalServerError)
		return
	}

	s.logger.Info("Rule saved", "rule_id", rule.ID, "name", rule.Name, "enabled", rule.Enabled, "channels", rule.Channels)
	s.writeJSON(w, status, rule)
}

func (s *Server) handleRuleNotifications(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !storage.ValidID(id) {
		http.Error(w, "Invalid rule id", http.StatusBadRequest)
		return
	}
	list, err := s.store.Notifications(r.Context(), id)
	if err != nil {
		s.logger.Error("Failed to list notifications", "rule_id", id, "error", err)
		http.Error(w, "Failed to list notifications", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*notifier.Notification{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"notifications": list})
}
