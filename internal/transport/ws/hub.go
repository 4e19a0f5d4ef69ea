package ws

import (
	"strings"
	"sync"

	"github.com/chatbit/realtime-service/internal/domain"
)

type Conn interface {
	Send(ev Event) error
	Close() error
	ID() string
	RoomID() string
	Name() string
}

// Hub — реестр живых соединений, сгруппированных по комнате.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Conn // roomID -> connID -> conn
	conns map[string]Conn            // connID -> conn
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[string]Conn),
		conns: make(map[string]Conn),
	}
}

// Admit добавляет соединение в broadcast-группу его комнаты.
// Соединение без комнаты не допускается ни в какую группу.
func (h *Hub) Admit(c Conn) error {
	if strings.TrimSpace(c.RoomID()) == "" {
		return domain.ErrInvalidRoom
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	rs, ok := h.rooms[c.RoomID()]
	if !ok {
		rs = make(map[string]Conn)
		h.rooms[c.RoomID()] = rs
	}
	rs[c.ID()] = c
	h.conns[c.ID()] = c
	return nil
}

// Remove идемпотентен: неизвестный connID — no-op. Возвращает удалённое
// соединение, чтобы вызывающий мог запустить presence/typing cleanup.
func (h *Hub) Remove(connID string) (Conn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[connID]
	if !ok {
		return nil, false
	}
	delete(h.conns, connID)
	if rs, ok := h.rooms[c.RoomID()]; ok {
		delete(rs, connID)
		if len(rs) == 0 {
			delete(h.rooms, c.RoomID())
		}
	}
	return c, true
}

// Broadcast рассылает событие всем соединениям комнаты, кроме excludeConnID
// (пустая строка — без исключений). Отправка best-effort.
func (h *Hub) Broadcast(roomID string, ev Event, excludeConnID string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if rs, ok := h.rooms[roomID]; ok {
		for id, c := range rs {
			if id == excludeConnID {
				continue
			}
			_ = c.Send(ev)
		}
	}
}

// CountName — сколько живых соединений комнаты держит эта личность.
// 1 после Admit — первое появление (пора рассылать user_joined);
// 0 после Remove — личность ушла совсем (пора рассылать user_left).
func (h *Hub) CountName(roomID, normalizedName string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, c := range h.rooms[roomID] {
		if domain.NormalizeName(c.Name()) == normalizedName {
			n++
		}
	}
	return n
}
