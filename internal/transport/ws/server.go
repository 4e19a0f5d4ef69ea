package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/chatbit/realtime-service/internal/domain"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type PresenceSvc interface {
	Join(ctx context.Context, roomID, rawName string) (*domain.Participant, error)
	Leave(ctx context.Context, roomID, name string)
}

type ChatSvc interface {
	Save(ctx context.Context, m *domain.ChatMessage) error
}

// Publisher — необязательный pub/sub backplane для межпроцессного fan-out.
type Publisher interface {
	Publish(ctx context.Context, roomID string, ev Event) error
}

type Server struct {
	upgrader websocket.Upgrader
	hub      *Hub
	typing   *TypingState
	presence PresenceSvc
	chat     ChatSvc
	pub      Publisher

	pingEvery time.Duration
}

func NewServer(hub *Hub, typing *TypingState, presence PresenceSvc, chat ChatSvc, pub Publisher) *Server {
	return &Server{
		hub:      hub,
		typing:   typing,
		presence: presence,
		chat:     chat,
		pub:      pub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		pingEvery: 15 * time.Second,
	}
}

// WS endpoint: GET /ws?room=...&name=... либо GET /ws/rooms/{id}?name=...
// Комната обязательна: без неё сокет отклоняется до upgrade и ни в какую
// broadcast-группу не попадает.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	roomID := strings.TrimSpace(chi.URLParam(r, "id"))
	if roomID == "" {
		roomID = strings.TrimSpace(r.URL.Query().Get("room"))
	}
	if roomID == "" {
		slog.Warn("ws handshake without room", "remote", r.RemoteAddr)
		http.Error(w, domain.ErrInvalidRoom.Error(), http.StatusBadRequest)
		return
	}
	rawName := r.URL.Query().Get("name")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "err", err)
		return
	}

	participant, err := s.presence.Join(r.Context(), roomID, rawName)
	if err != nil || participant == nil {
		// join не блокирует живую комнату
		slog.Warn("presence join failed", "room", roomID, "err", err)
		name := strings.TrimSpace(rawName)
		if name == "" {
			name = "Unknown"
		}
		participant = &domain.Participant{
			ID:        uuid.NewString(),
			RoomID:    roomID,
			Name:      name,
			CreatedAt: time.Now(),
		}
	}

	c := newWSConn(conn, uuid.NewString(), roomID, participant.Name)
	if err := s.hub.Admit(c); err != nil {
		slog.Warn("ws admit failed", "room", roomID, "err", err)
		_ = conn.Close()
		return
	}

	// ack допуска — только этому соединению, до любого другого трафика
	if err := c.Send(Event{
		Type:    TypeJoinedRoom,
		Payload: JoinedRoomPayload{RoomID: roomID, ConnID: c.ID()},
	}); err != nil {
		slog.Warn("ws join ack failed", "room", roomID, "conn", c.ID(), "err", err)
	}

	// user_joined — только когда личность впервые стала активной в комнате;
	// reconnect параллельно живому сокету ничего не анонсирует.
	if s.hub.CountName(roomID, domain.NormalizeName(participant.Name)) == 1 {
		s.broadcast(r.Context(), roomID, Event{
			Type: TypeUserJoined,
			Payload: PresencePayload{
				RoomID:      roomID,
				Participant: participantItem(participant),
				TSUnix:      time.Now().Unix(),
			},
		}, "")
	}

	go s.writeLoop(r.Context(), c)
	s.readLoop(r.Context(), c)

	s.disconnect(r.Context(), c)
}

func (s *Server) readLoop(ctx context.Context, c *wsConn) {
	defer func() { _ = c.Close() }()

	c.conn.SetReadLimit(1 << 20)
	c.conn.SetReadDeadline(time.Now().Add(2 * s.pingEvery))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(2 * s.pingEvery))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("ws malformed event dropped", "room", c.roomID, "conn", c.id, "err", err)
			continue
		}

		switch ev.Type {
		case TypeMessage:
			var p MessagePayload
			if err := decode(ev.Payload, &p); err != nil {
				slog.Warn("ws malformed message payload", "room", c.roomID, "err", err)
				continue
			}
			s.handleMessage(ctx, c, p)

		case TypeTypingStart:
			var p TypingPayload
			if decode(ev.Payload, &p) != nil {
				continue
			}
			if p.Name == "" {
				p.Name = c.name
			}
			p.RoomID = c.roomID
			// при заполненном наборе start молча отбрасывается
			if s.typing.Start(c.roomID, p.Name) {
				s.broadcast(ctx, c.roomID, Event{Type: TypeTypingStart, Payload: p}, c.id)
			}

		case TypeTypingStop:
			var p TypingPayload
			if decode(ev.Payload, &p) != nil {
				continue
			}
			if p.Name == "" {
				p.Name = c.name
			}
			p.RoomID = c.roomID
			if s.typing.Stop(c.roomID, p.Name) {
				s.broadcast(ctx, c.roomID, Event{Type: TypeTypingStop, Payload: p}, c.id)
			}

		default:
			// ignore
		}
	}
}

// handleMessage — конвейер сообщения, порядок шагов фиксирован:
// снять typing отправителя -> сохранить -> разослать всей комнате,
// включая отправителя (его optimistic-копия сверяется с этим эхом).
func (s *Server) handleMessage(ctx context.Context, c *wsConn, p MessagePayload) {
	if p.Author == "" {
		p.Author = c.name
	}
	p.RoomID = c.roomID
	p.Text = strings.TrimSpace(p.Text)
	if p.Text == "" {
		return
	}

	if s.typing.Stop(c.roomID, p.Author) {
		s.broadcast(ctx, c.roomID, Event{
			Type:    TypeTypingStop,
			Payload: TypingPayload{RoomID: c.roomID, Name: p.Author},
		}, "")
	}

	m := &domain.ChatMessage{
		ID:     p.ID,
		RoomID: c.roomID,
		Author: p.Author,
		Text:   p.Text,
	}
	if p.TSUnix > 0 {
		m.CreatedAt = time.Unix(p.TSUnix, 0)
	}
	if err := s.chat.Save(ctx, m); err != nil {
		if errors.Is(err, domain.ErrEmptyMessage) || errors.Is(err, domain.ErrMessageTooLong) {
			// невалидное сообщение не рассылается: иначе комната увидит
			// то, чего никогда не будет в истории
			slog.Warn("chat message rejected", "room", c.roomID, "author", p.Author, "err", err)
			return
		}
		// доставка важнее durability: сообщение уходит в комнату даже
		// при отказе хранилища
		slog.Warn("chat save failed", "room", c.roomID, "author", p.Author, "err", err)
	}
	if m.ID != "" {
		p.ID = m.ID
	}
	if !m.CreatedAt.IsZero() {
		p.TSUnix = m.CreatedAt.Unix()
	}

	s.broadcast(ctx, c.roomID, Event{Type: TypeMessage, Payload: p}, "")
}

// disconnect — синхронный cleanup вклада соединения: реестр, typing,
// presence. Выполняется сразу за выходом из readLoop, не откладывается.
func (s *Server) disconnect(ctx context.Context, c *wsConn) {
	if _, ok := s.hub.Remove(c.ID()); !ok {
		return
	}

	if s.typing.Stop(c.roomID, c.name) {
		s.broadcast(ctx, c.roomID, Event{
			Type:    TypeTypingStop,
			Payload: TypingPayload{RoomID: c.roomID, Name: c.name},
		}, "")
	}

	if s.hub.CountName(c.roomID, domain.NormalizeName(c.name)) == 0 {
		s.presence.Leave(ctx, c.roomID, c.name)
		s.broadcast(ctx, c.roomID, Event{
			Type: TypeUserLeft,
			Payload: PresencePayload{
				RoomID:      c.roomID,
				Participant: ParticipantItem{Name: c.name},
				TSUnix:      time.Now().Unix(),
			},
		}, "")
	}

	if err := c.Close(); err != nil {
		slog.Debug("ws close failed", "room", c.roomID, "conn", c.id, "err", err)
	}
}

func (s *Server) writeLoop(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(s.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		}
	}
}

// broadcast — локальный fan-out плюс best-effort публикация в backplane;
// чужие процессы доставят событие своим комнатам так же, как мы своим.
func (s *Server) broadcast(ctx context.Context, roomID string, ev Event, excludeConnID string) {
	s.hub.Broadcast(roomID, ev, excludeConnID)
	if s.pub != nil {
		if err := s.pub.Publish(ctx, roomID, ev); err != nil {
			slog.Debug("backplane publish failed", "room", roomID, "type", ev.Type, "err", err)
		}
	}
}

func participantItem(p *domain.Participant) ParticipantItem {
	return ParticipantItem{
		ID:           p.ID,
		Name:         p.Name,
		JoinedAtUnix: p.CreatedAt.Unix(),
	}
}

// --- helpers ---

func decode(payload interface{}, dst interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return json.Unmarshal(b, dst)
}

type wsConn struct {
	conn   *websocket.Conn
	id     string
	roomID string
	name   string
	sendMu chan struct{}
	closed chan struct{}
}

func newWSConn(c *websocket.Conn, id, roomID, name string) *wsConn {
	return &wsConn{
		conn:   c,
		id:     id,
		roomID: roomID,
		name:   name,
		sendMu: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (c *wsConn) Send(ev Event) error {
	c.sendMu <- struct{}{}
	defer func() { <-c.sendMu }()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))

	return c.conn.WriteJSON(ev)
}

func (c *wsConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}

	return c.conn.Close()
}

func (c *wsConn) ID() string     { return c.id }
func (c *wsConn) RoomID() string { return c.roomID }
func (c *wsConn) Name() string   { return c.name }
