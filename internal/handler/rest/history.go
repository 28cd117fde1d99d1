// Package rest exposes message history over plain HTTP. Pagination does not
// need a live socket: clients fetch pages here and receive new messages over
// the WebSocket transport.
package rest

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nexachat/delivery-service/internal/auth"
	"github.com/nexachat/delivery-service/internal/domain/model"
	"github.com/nexachat/delivery-service/internal/paging"
	"github.com/nexachat/delivery-service/internal/store"
)

type HistoryHandler struct {
	logger   *slog.Logger
	verifier auth.Verifier
	pager    *paging.Pager
	convs    store.ConversationStore
}

func NewHistoryHandler(logger *slog.Logger, verifier auth.Verifier, pager *paging.Pager, convs store.ConversationStore) *HistoryHandler {
	return &HistoryHandler{
		logger:   logger,
		verifier: verifier,
		pager:    pager,
		convs:    convs,
	}
}

// GetMessages handles GET /conversations/{conversationID}/messages with
// limit, cursor and direction query parameters.
func (h *HistoryHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID, err := h.identify(r)
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	conversationID, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}

	ok, err := h.convs.IsParticipant(r.Context(), conversationID, userID)
	if err != nil {
		h.respondError(w, conversationID, err)
		return
	}
	if !ok {
		http.Error(w, "not a participant", http.StatusForbidden)
		return
	}

	opts := paging.Options{
		Cursor:    r.URL.Query().Get("cursor"),
		Direction: paging.Direction(r.URL.Query().Get("direction")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		opts.Limit = limit
	}

	page, err := h.pager.GetMessages(r.Context(), conversationID, opts)
	if err != nil {
		h.respondError(w, conversationID, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(page); err != nil {
		h.logger.Warn("history response write failed", "conversation_id", conversationID, "error", err)
	}
}

// identify extracts and verifies the bearer token.
func (h *HistoryHandler) identify(r *http.Request) (uuid.UUID, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return uuid.Nil, model.ErrAuthentication
	}
	return h.verifier.Verify(token)
}

func (h *HistoryHandler) respondError(w http.ResponseWriter, conversationID uuid.UUID, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		http.Error(w, "conversation not found", http.StatusNotFound)
	default:
		h.logger.Error("history request failed", "conversation_id", conversationID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
