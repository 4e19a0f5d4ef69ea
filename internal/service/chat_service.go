package service

import (
	"context"
	"strings"
	"time"

	"github.com/chatbit/realtime-service/internal/domain"

	"github.com/google/uuid"
)

const defaultMaxMessageLen = 4000

type MessageStore interface {
	Save(ctx context.Context, m *domain.ChatMessage) (bool, error)
	History(ctx context.Context, roomID, after string, limit int) ([]domain.ChatMessage, string, error)
}

type ChatService struct {
	messages MessageStore
	maxLen   int
}

func NewChatService(messages MessageStore) *ChatService {
	return &ChatService{messages: messages, maxLen: defaultMaxMessageLen}
}

func (s *ChatService) SetMaxMessageLen(n int) {
	if n > 0 {
		s.maxLen = n
	}
}

// Save валидирует и сохраняет сообщение. Id и timestamp приходят от
// клиента (optimistic send); пустые поля дозаполняются здесь.
func (s *ChatService) Save(ctx context.Context, m *domain.ChatMessage) error {
	m.Text = strings.TrimSpace(m.Text)
	if m.Text == "" {
		return domain.ErrEmptyMessage
	}
	if len(m.Text) > s.maxLen {
		return domain.ErrMessageTooLong
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.messages.Save(ctx, m)
	return err
}

func (s *ChatService) History(ctx context.Context, roomID, after string, limit int) ([]domain.ChatMessage, string, error) {
	return s.messages.History(ctx, roomID, after, limit)
}
