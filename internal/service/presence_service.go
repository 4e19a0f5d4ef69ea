package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/chatbit/realtime-service/internal/domain"

	"github.com/google/uuid"
)

// ParticipantStore — минимальный контракт хранилища участников.
// Хранилище может не иметь атомарного unique-констрейнта по
// нормализованному имени; инвариант "одна запись на имя" держит сервис.
type ParticipantStore interface {
	Create(ctx context.Context, p *domain.Participant) error
	ListByRoom(ctx context.Context, roomID string) ([]domain.Participant, error)
	DeleteByIDs(ctx context.Context, ids []string) error
}

type PresenceService struct {
	participants ParticipantStore
}

func NewPresenceService(participants ParticipantStore) *PresenceService {
	return &PresenceService{participants: participants}
}

// Join возвращает каноничного участника комнаты для rawName: существующую
// запись, если нормализованное имя уже встречалось (обычный случай —
// reconnect), иначе новую. Ошибка хранилища не фатальна: join продолжается
// с in-memory записью, живая комната важнее строки в БД.
func (s *PresenceService) Join(ctx context.Context, roomID, rawName string) (*domain.Participant, error) {
	name := strings.TrimSpace(rawName)
	if name == "" {
		name = "Unknown"
	}

	if _, err := s.Reconcile(ctx, roomID); err != nil {
		slog.Warn("presence reconcile failed", "room", roomID, "err", err)
	}

	if p, err := s.find(ctx, roomID, name); err == nil && p != nil {
		return p, nil
	}

	p := &domain.Participant{RoomID: roomID, Name: name}
	err := s.participants.Create(ctx, p)
	switch {
	case err == nil:
		return p, nil
	case errors.Is(err, domain.ErrDuplicateParticipant):
		// Гонка с параллельным join — запись уже есть, перечитываем.
		if existing, ferr := s.find(ctx, roomID, name); ferr == nil && existing != nil {
			return existing, nil
		}
		fallthrough
	default:
		slog.Warn("presence join fell back to in-memory participant",
			"room", roomID, "name", name, "err", err)
		return &domain.Participant{
			ID:        uuid.NewString(),
			RoomID:    roomID,
			Name:      name,
			CreatedAt: time.Now(),
		}, nil
	}
}

// Reconcile схлопывает дубли участников комнаты: записи с одинаковым
// нормализованным именем сводятся к самой ранней, остальные удаляются.
// Дубли могли появиться до введения инварианта или в проигранных гонках,
// поэтому проход выполняется перед каждым join и каждым листингом.
func (s *PresenceService) Reconcile(ctx context.Context, roomID string) (int, error) {
	all, err := s.participants.ListByRoom(ctx, roomID)
	if err != nil {
		return 0, err
	}

	seen := make(map[string]struct{}, len(all))
	var stale []string
	for _, p := range all { // список отсортирован по created_at ASC
		key := domain.NormalizeName(p.Name)
		if _, ok := seen[key]; ok {
			stale = append(stale, p.ID)
			continue
		}
		seen[key] = struct{}{}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := s.participants.DeleteByIDs(ctx, stale); err != nil {
		return 0, err
	}
	slog.Info("collapsed duplicate participants", "room", roomID, "removed", len(stale))
	return len(stale), nil
}

// List — участники комнаты после схлопывания дублей.
func (s *PresenceService) List(ctx context.Context, roomID string) ([]domain.Participant, error) {
	if _, err := s.Reconcile(ctx, roomID); err != nil {
		slog.Warn("presence reconcile failed", "room", roomID, "err", err)
	}
	return s.participants.ListByRoom(ctx, roomID)
}

// Leave — advisory: запись участника не удаляется, история членства
// переживает дисконнект. Рассылку user_left делает транспорт.
func (s *PresenceService) Leave(ctx context.Context, roomID, name string) {
	slog.Debug("participant left", "room", roomID, "name", name)
}

func (s *PresenceService) find(ctx context.Context, roomID, name string) (*domain.Participant, error) {
	all, err := s.participants.ListByRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	key := domain.NormalizeName(name)
	for i := range all {
		if domain.NormalizeName(all[i].Name) == key {
			return &all[i], nil
		}
	}
	return nil, nil
}
