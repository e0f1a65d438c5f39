package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dgnsrekt/chatsync/internal/api"
	"github.com/dgnsrekt/chatsync/internal/config"
	"github.com/dgnsrekt/chatsync/internal/connection"
	"github.com/dgnsrekt/chatsync/internal/event"
	"github.com/dgnsrekt/chatsync/internal/model"
	"github.com/dgnsrekt/chatsync/internal/store"
	"github.com/dgnsrekt/chatsync/internal/ws"
)

// Server is the development chat backend: it issues tokens, keeps channel
// history and pushes events to connected clients.
type Server struct {
	store  store.Store
	issuer *Issuer
	hub    *ws.Hub
	config *config.ServerConfig
	logger *zap.Logger
	now    func() time.Time
}

func NewServer(s store.Store, issuer *Issuer, cfg *config.ServerConfig, logger *zap.Logger) *Server {
	return &Server{
		store:  s,
		issuer: issuer,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// SetHub attaches the hub events are pushed through.
func (s *Server) SetHub(h *ws.Hub) { s.hub = h }

// Authenticate is the hub's AuthFunc.
func (s *Server) Authenticate(userID, value string) *event.ErrorPayload {
	err := s.issuer.Verify(userID, value)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errTokenExpired):
		return &event.ErrorPayload{Code: connection.CodeTokenExpired, Message: err.Error(), StatusCode: http.StatusUnauthorized}
	case errors.Is(err, errTokenSignature):
		return &event.ErrorPayload{Code: connection.CodeTokenSignatureFailed, Message: err.Error(), StatusCode: http.StatusUnauthorized}
	default:
		return &event.ErrorPayload{Code: connection.CodeTokenNotValid, Message: err.Error(), StatusCode: http.StatusUnauthorized}
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

type postMessageRequest struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	UserID string `json:"user_id"`
}

// GetToken issues a token for the user_id query parameter.
func (s *Server) GetToken(w http.ResponseWriter, r *http.Request) {
	if !s.checkAPIKey(r) {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid api key"})
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing user_id"})
		return
	}

	tok := s.issuer.Issue(userID)
	s.logger.Debug("issued token", zap.String("userID", userID), zap.Time("expiresAt", tok.ExpiresAt))
	writeJSON(w, http.StatusOK, tok)
}

// ListMessages serves a page of channel history. id_lt returns the newest
// messages older than the cursor, id_gt the oldest newer than it, and neither
// the latest page. Limits above the page size are capped; has_more tells the
// client whether history continues in the requested direction.
func (s *Server) ListMessages(w http.ResponseWriter, r *http.Request) {
	if !s.checkAPIKey(r) {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid api key"})
		return
	}
	cid := chi.URLParam(r, "cid")
	q := r.URL.Query()

	limit := s.config.PageSize
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		limit = min(n, s.config.PageSize)
	}

	msgs, err := model.Messages(s.store, cid)
	if err != nil {
		s.logger.Error("reading history", zap.String("cid", cid), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "history unavailable"})
		return
	}

	page, more := pageMessages(msgs, q.Get("id_lt"), q.Get("id_gt"), limit)
	writeJSON(w, http.StatusOK, api.MessagesResponse{Messages: page, HasMore: &more})
}

// pageMessages selects a page from msgs, which are ordered oldest first, and
// reports whether messages remain beyond it.
func pageMessages(msgs []model.Message, before, after string, limit int) ([]model.Message, bool) {
	switch {
	case before != "":
		end := sort.Search(len(msgs), func(i int) bool { return msgs[i].Cursor() >= before })
		start := max(0, end-limit)
		return msgs[start:end], start > 0
	case after != "":
		start := sort.Search(len(msgs), func(i int) bool { return msgs[i].Cursor() > after })
		end := min(len(msgs), start+limit)
		return msgs[start:end], end < len(msgs)
	default:
		start := max(0, len(msgs)-limit)
		return msgs[start:], start > 0
	}
}

// PostMessage stores a message and pushes message.new to every client.
func (s *Server) PostMessage(w http.ResponseWriter, r *http.Request) {
	if !s.checkAPIKey(r) {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid api key"})
		return
	}
	cid := chi.URLParam(r, "cid")

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body"})
		return
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing user_id"})
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	msg := model.Message{
		ID:        req.ID,
		ChannelID: cid,
		Text:      req.Text,
		User:      model.User{ID: req.UserID},
		CreatedAt: s.now().UTC(),
	}
	if err := model.PutMessages(s.store, []model.Message{msg}); err != nil {
		s.logger.Error("storing message", zap.String("cid", cid), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "store failed"})
		return
	}

	frame, _ := json.Marshal(map[string]any{
		"type":       event.TypeMessageNew,
		"cid":        cid,
		"created_at": msg.CreatedAt.Format(time.RFC3339Nano),
		"message":    msg,
		"user":       msg.User,
	})
	s.hub.Broadcast("", frame)
	writeJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

// PostEvent pushes a raw event frame, to one user when user_id is set.
func (s *Server) PostEvent(w http.ResponseWriter, r *http.Request) {
	if !s.checkAPIKey(r) {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid api key"})
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body"})
		return
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil || head.Type == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "event must be an object with a type"})
		return
	}

	s.hub.Broadcast(r.URL.Query().Get("user_id"), raw)
	w.WriteHeader(http.StatusAccepted)
}

// Kick drops the connections of user_id so clients exercise reconnection.
func (s *Server) Kick(w http.ResponseWriter, r *http.Request) {
	if !s.checkAPIKey(r) {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid api key"})
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "missing user_id"})
		return
	}
	s.hub.Kick(userID)
	w.WriteHeader(http.StatusNoContent)
}

// Health reports liveness and connected clients.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) checkAPIKey(r *http.Request) bool {
	key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Basic ")
	return ok && key == s.config.APIKey
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
