package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/chatbit/realtime-service/internal/domain"
	"github.com/chatbit/realtime-service/internal/postgres"

	"github.com/go-chi/chi/v5"
)

type PresenceLister interface {
	List(ctx context.Context, roomID string) ([]domain.Participant, error)
}

type HistoryReader interface {
	History(ctx context.Context, roomID, after string, limit int) ([]domain.ChatMessage, string, error)
}

type Handler struct {
	presence     PresenceLister
	chat         HistoryReader
	historyLimit int
}

func NewHandler(presence PresenceLister, chat HistoryReader) *Handler {
	return &Handler{presence: presence, chat: chat, historyLimit: 50}
}

func (h *Handler) SetHistoryLimit(n int) {
	if n > 0 {
		h.historyLimit = n
	}
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type ParticipantItem struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type ParticipantsResponse struct {
	Items []ParticipantItem `json:"items"`
}

type MessageItem struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type HistoryResponse struct {
	Items      []MessageItem `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// GET /rooms/{id}/participants
// Перед листингом схлопываются возможные дубли имён (внутри List).
func (h *Handler) GetParticipants(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	list, err := h.presence.List(r.Context(), roomID)
	if err != nil {
		slog.Error("handler.GetParticipants:", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	resp := ParticipantsResponse{Items: make([]ParticipantItem, 0, len(list))}
	for _, p := range list {
		resp.Items = append(resp.Items, ParticipantItem{
			ID:        p.ID,
			RoomID:    p.RoomID,
			Name:      p.Name,
			CreatedAt: p.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /rooms/{id}/chat?limit=&cursor=
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")
	limit := h.historyLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			limit = n
		}
	}
	cursor := r.URL.Query().Get("cursor")

	msgs, next, err := h.chat.History(r.Context(), roomID, cursor, limit)
	if err != nil {
		if errors.Is(err, postgres.ErrInvalidCursor) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid_cursor"})
			return
		}
		slog.Error("handler.GetChatHistory:", slog.Any("err", err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	resp := HistoryResponse{Items: make([]MessageItem, 0, len(msgs)), NextCursor: next}
	for _, m := range msgs {
		resp.Items = append(resp.Items, MessageItem{
			ID:        m.ID,
			RoomID:    m.RoomID,
			Author:    m.Author,
			Text:      m.Text,
			CreatedAt: m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
