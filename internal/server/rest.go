package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/briefdesk/chatsync/internal/protocol"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 500
)

// historyHandler serves the paginated message range used for gap
// backfill and initial page loads.
type historyHandler struct {
	log         *Log
	logger      *slog.Logger
	metrics     *Metrics
	tokenHashes [][]byte
}

func (h *historyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		h.metrics.AuthFailures.Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)

		return
	}

	conversationID := mux.Vars(r)["id"]

	fromSeq, err := parseSeqParam(r, "from_seq", 1)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	limit, err := parseSeqParam(r, "limit", defaultPageLimit)
	if err != nil || limit < 1 {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}

	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	messages, head, err := h.log.Range(conversationID, fromSeq, int(limit))
	if err != nil {
		h.logger.Error("history range failed",
			"conversation_id", conversationID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)

		return
	}

	page := protocol.BackfillPage{
		Messages:  messages,
		LatestSeq: head,
	}

	if n := len(messages); n == int(limit) && messages[n-1].Seq < head {
		next := messages[n-1].Seq + 1
		page.NextFromSeq = &next
	}

	h.metrics.BackfillPages.Inc()

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(page); err != nil {
		h.logger.Warn("failed to write history page", "error", err)
	}
}

func (h *historyHandler) authorized(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return false
	}

	return tokenMatchesAny(token, h.tokenHashes)
}

func parseSeqParam(r *http.Request, name string, fallback int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}

	return strconv.ParseInt(raw, 10, 64)
}
