package relay

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lunchconnect/groupchat/internal/auth"
	"github.com/lunchconnect/groupchat/internal/chat"
	"github.com/lunchconnect/groupchat/internal/metrics"
	"github.com/lunchconnect/groupchat/internal/ratelimit"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// handleHistory serves GET /api/groups/{id}/messages: the group's recent
// messages in chronological order. The archive is the source of truth;
// when it is unavailable the in-memory cache answers with whatever this
// instance has seen.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/groups/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "messages" {
		http.NotFound(w, r)
		return
	}
	groupID := parts[0]

	userID, err := auth.VerifiedUserID(bearerToken(r), []byte(s.config.TokenSecret))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	if s.deps.Limiter != nil {
		allowed, _ := s.deps.Limiter.Allow(r.Context(), userID, ratelimit.RuleHistory)
		if !allowed {
			metrics.RelayRateLimited.Inc()
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	var msgs []chat.Message
	if s.deps.Archive != nil {
		msgs, err = s.deps.Archive.Recent(r.Context(), groupID, limit)
		if err != nil {
			log.Printf("relay: archive read failed group=%s: %v (serving cache)", groupID, err)
			msgs = nil
		}
	}
	if msgs == nil {
		msgs = s.cache.Recent(groupID, limit)
	}

	out := make([]delivery, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, delivery{
			ID:        m.ID,
			GroupID:   m.GroupID,
			Content:   m.Content,
			SenderID:  m.SenderID,
			Timestamp: m.Timestamp.UTC().Format(time.RFC3339Nano),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Messages []delivery `json:"messages"`
	}{Messages: out})
}
