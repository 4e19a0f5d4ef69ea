package ws

import (
	"sync"

	"github.com/chatbit/realtime-service/internal/domain"
)

// DefaultTypingLimit ограничивает число одновременно печатающих имён на
// комнату: память и fan-out остаются ограниченными при любом числе клиентов.
const DefaultTypingLimit = 50

// TypingState — эфемерные наборы "сейчас печатает" по комнатам.
// Таймеров здесь нет: idle-таймаут дебаунсит вызывающая сторона,
// координатор только синхронно применяет мутации и проверку лимита.
type TypingState struct {
	mu    sync.Mutex
	limit int
	rooms map[string]map[string]struct{} // roomID -> set нормализованных имён
}

func NewTypingState(limit int) *TypingState {
	if limit <= 0 {
		limit = DefaultTypingLimit
	}
	return &TypingState{
		limit: limit,
		rooms: make(map[string]map[string]struct{}),
	}
}

// Start отмечает имя печатающим. Возвращает false, если набор комнаты
// заполнен и имени в нём нет — такой start молча отбрасывается.
func (t *TypingState) Start(roomID, name string) bool {
	key := domain.NormalizeName(name)

	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.rooms[roomID]
	if !ok {
		set = make(map[string]struct{})
		t.rooms[roomID] = set
	}
	if _, member := set[key]; member {
		return true
	}
	if len(set) >= t.limit {
		return false
	}
	set[key] = struct{}{}
	return true
}

// Stop убирает имя из набора. true — имя там было и вызывающему
// стоит разослать typing_stop. Пустые наборы удаляются целиком.
func (t *TypingState) Stop(roomID, name string) bool {
	key := domain.NormalizeName(name)

	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.rooms[roomID]
	if !ok {
		return false
	}
	if _, member := set[key]; !member {
		return false
	}
	delete(set, key)
	if len(set) == 0 {
		delete(t.rooms, roomID)
	}
	return true
}

func (t *TypingState) Count(roomID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rooms[roomID])
}
