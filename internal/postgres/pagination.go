package postgres

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidCursor — клиент прислал токен, который мы не выдавали
// (или выдавали под другую схему). Транспорт мапит его в 400.
var ErrInvalidCursor = errors.New("invalid cursor")

// MessageCursor — позиция последнего отданного сообщения страницы
// истории: пара (created_at, id), по которой упорядочена выборка.
// Клиенту уходит как непрозрачный base64-токен.
type MessageCursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

func EncodeMessageCursor(c MessageCursor) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeMessageCursor: пустая строка — первая страница (nil, nil).
func DecodeMessageCursor(s string) (*MessageCursor, error) {
	if s == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: decode base64: %v", ErrInvalidCursor, err)
	}
	var c MessageCursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: decode json: %v", ErrInvalidCursor, err)
	}
	return &c, nil
}
