package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chatbit/realtime-service/internal/domain"
	"github.com/chatbit/realtime-service/internal/transport/ws"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var ErrNotConnected = errors.New("session not connected")

// Config — политика сессии. Дефолты reconnect: 10 попыток, задержка
// от 1s с удвоением до потолка 5s.
type Config struct {
	BaseURL string // ws://host:port
	Name    string

	ReconnectAttempts int
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	TypingQuiet       time.Duration
	DupWindow         time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 10
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.ReconnectDelayMax <= 0 {
		c.ReconnectDelayMax = 5 * time.Second
	}
	if c.TypingQuiet <= 0 {
		c.TypingQuiet = time.Second
	}
	if c.DupWindow <= 0 {
		c.DupWindow = 5 * time.Second
	}
	return c
}

// Session держит ровно одно соединение на комнату: локальный optimistic
// вид истории, очередь неподтверждённых сообщений и reconnect с
// ограниченным экспоненциальным backoff.
type Session struct {
	cfg    Config
	dialer *websocket.Dialer

	OnMessage  func(m domain.ChatMessage)
	OnTyping   func(name string, typing bool)
	OnPresence func(event, name string)
	OnDropped  func(err error)

	mu      sync.Mutex
	conn    *websocket.Conn
	gen     int // инкрементируется на каждый dial; старые read-loop'ы умирают молча
	roomID  string
	connID  string
	closed  bool
	view    []domain.ChatMessage
	pending map[string]domain.ChatMessage // локальный id -> сообщение без эха

	typing      bool
	typingTimer *time.Timer

	wmu sync.Mutex
}

func NewSession(cfg Config) *Session {
	return &Session{
		cfg:     cfg.withDefaults(),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		pending: make(map[string]domain.ChatMessage),
	}
}

// Connect присоединяет сессию к комнате. Повторный Connect в другую
// комнату сперва сносит прежнее соединение — утёкших сокетов не бывает.
func (s *Session) Connect(ctx context.Context, roomID string) error {
	if strings.TrimSpace(roomID) == "" {
		return domain.ErrInvalidRoom
	}

	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.roomID = roomID
	s.view = nil
	s.pending = make(map[string]domain.ChatMessage)
	s.mu.Unlock()

	conn, err := s.dial(ctx, roomID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	go s.readLoop(ctx, conn, gen)
	return nil
}

// Send — optimistic: сообщение сразу попадает в локальный вид и в очередь
// неподтверждённых, затем уходит на сервер. Ошибка записи не теряет
// сообщение — оно реплеится после reconnect под тем же id.
func (s *Session) Send(text string) (domain.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		// пустой текст сервер отбросит без эха, а запись зависла бы
		// в pending навсегда
		return domain.ChatMessage{}, domain.ErrEmptyMessage
	}

	s.mu.Lock()
	if s.roomID == "" {
		s.mu.Unlock()
		return domain.ChatMessage{}, ErrNotConnected
	}
	m := domain.ChatMessage{
		ID:        uuid.NewString(),
		RoomID:    s.roomID,
		Author:    s.cfg.Name,
		Text:      text,
		CreatedAt: time.Now(),
	}
	s.view = append(s.view, m)
	s.pending[m.ID] = m
	s.typing = false
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.mu.Unlock()

	if err := s.send(ws.Event{Type: ws.TypeMessage, Payload: messagePayload(m)}); err != nil {
		slog.Warn("session send failed, message queued for replay", "id", m.ID, "err", err)
	}
	return m, nil
}

// NotifyTyping дебаунсит индикатор: typing_start один раз на серию
// клавиш, typing_stop после тихого периода без новых вызовов.
func (s *Session) NotifyTyping() {
	s.mu.Lock()
	first := !s.typing
	s.typing = true
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	s.typingTimer = time.AfterFunc(s.cfg.TypingQuiet, s.stopTyping)
	s.mu.Unlock()

	if first {
		_ = s.send(ws.Event{Type: ws.TypeTypingStart, Payload: ws.TypingPayload{Name: s.cfg.Name}})
	}
}

func (s *Session) stopTyping() {
	s.mu.Lock()
	if !s.typing {
		s.mu.Unlock()
		return
	}
	s.typing = false
	s.mu.Unlock()

	_ = s.send(ws.Event{Type: ws.TypeTypingStop, Payload: ws.TypingPayload{Name: s.cfg.Name}})
}

// Messages — копия локального вида истории.
func (s *Session) Messages() []domain.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ChatMessage, len(s.view))
	copy(out, s.view)
	return out
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	if s.typingTimer != nil {
		s.typingTimer.Stop()
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn, gen int) {
	for {
		var ev ws.Event
		if err := conn.ReadJSON(&ev); err != nil {
			s.mu.Lock()
			stale := s.closed || s.gen != gen
			s.mu.Unlock()
			if stale {
				return
			}
			if !s.reconnect(ctx, gen, err) {
				return
			}
			return // новый readLoop уже запущен из reconnect
		}
		s.handleEvent(ev)
	}
}

// reconnect — ограниченный экспоненциальный backoff; по успеху сессия
// заново допускается в ту же комнату и реплеит очередь неподтверждённых
// сообщений (сервер идемпотентен по id, повторов в истории не будет).
func (s *Session) reconnect(ctx context.Context, gen int, cause error) bool {
	s.mu.Lock()
	if s.closed || s.gen != gen {
		// параллельный Connect уже владеет соединением
		s.mu.Unlock()
		return false
	}
	roomID := s.roomID
	s.conn = nil
	s.mu.Unlock()

	for attempt := 1; attempt <= s.cfg.ReconnectAttempts; attempt++ {
		delay := backoffDelay(attempt, s.cfg.ReconnectDelay, s.cfg.ReconnectDelayMax)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		s.mu.Lock()
		if s.closed || s.gen != gen {
			s.mu.Unlock()
			return false
		}
		s.mu.Unlock()

		conn, err := s.dial(ctx, roomID)
		if err != nil {
			slog.Debug("reconnect attempt failed", "room", roomID, "attempt", attempt, "err", err)
			continue
		}

		s.mu.Lock()
		if s.closed || s.gen != gen {
			s.mu.Unlock()
			_ = conn.Close()
			return false
		}
		s.conn = conn
		s.gen++
		newGen := s.gen
		s.mu.Unlock()

		s.replayPending()
		go s.readLoop(ctx, conn, newGen)
		slog.Info("session reconnected", "room", roomID, "attempt", attempt)
		return true
	}

	slog.Warn("session gave up reconnecting", "room", roomID, "cause", cause)
	if s.OnDropped != nil {
		s.OnDropped(cause)
	}
	return false
}

func (s *Session) replayPending() {
	s.mu.Lock()
	queued := make([]domain.ChatMessage, 0, len(s.pending))
	for _, m := range s.pending {
		queued = append(queued, m)
	}
	s.mu.Unlock()

	sort.Slice(queued, func(i, j int) bool { return queued[i].CreatedAt.Before(queued[j].CreatedAt) })
	for _, m := range queued {
		_ = s.send(ws.Event{Type: ws.TypeMessage, Payload: messagePayload(m)})
	}
}

func (s *Session) handleEvent(ev ws.Event) {
	switch ev.Type {
	case ws.TypeMessage:
		var p ws.MessagePayload
		if decode(ev.Payload, &p) != nil {
			return
		}
		m := domain.ChatMessage{
			ID:        p.ID,
			RoomID:    p.RoomID,
			Author:    p.Author,
			Text:      p.Text,
			CreatedAt: time.Unix(p.TSUnix, 0),
		}
		if s.reconcile(m) && s.OnMessage != nil {
			s.OnMessage(m)
		}

	case ws.TypeTypingStart, ws.TypeTypingStop:
		var p ws.TypingPayload
		if decode(ev.Payload, &p) != nil {
			return
		}
		if domain.NormalizeName(p.Name) == domain.NormalizeName(s.cfg.Name) {
			return // своё typing-состояние назад не приходит
		}
		if s.OnTyping != nil {
			s.OnTyping(p.Name, ev.Type == ws.TypeTypingStart)
		}

	case ws.TypeUserJoined, ws.TypeUserLeft:
		var p ws.PresencePayload
		if decode(ev.Payload, &p) != nil {
			return
		}
		if s.OnPresence != nil {
			s.OnPresence(ev.Type, p.Participant.Name)
		}

	case ws.TypeJoinedRoom:
		var p ws.JoinedRoomPayload
		if decode(ev.Payload, &p) != nil {
			return
		}
		s.mu.Lock()
		s.connID = p.ConnID
		s.mu.Unlock()
	}
}

// reconcile сверяет входящее сообщение с локальным видом: совпадение по id
// либо (для записей, ещё ждущих эха) по автору+тексту в пределах окна
// означает эхо собственного optimistic-сообщения, а не новое сообщение.
// Возвращает true, если сообщение действительно добавлено.
func (s *Session) reconcile(in domain.ChatMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.view {
		if s.view[i].ID == in.ID {
			s.view[i] = in
			delete(s.pending, in.ID)
			return false
		}
	}

	for id, pm := range s.pending {
		if domain.NormalizeName(pm.Author) == domain.NormalizeName(in.Author) &&
			pm.Text == in.Text &&
			absDuration(pm.CreatedAt.Sub(in.CreatedAt)) <= s.cfg.DupWindow {
			for i := range s.view {
				if s.view[i].ID == id {
					s.view[i] = in // provisional запись принимает авторитетную копию
					break
				}
			}
			delete(s.pending, id)
			return false
		}
	}

	s.view = append(s.view, in)
	return true
}

func (s *Session) dial(ctx context.Context, roomID string) (*websocket.Conn, error) {
	u := s.cfg.BaseURL + "/ws?room=" + url.QueryEscape(roomID) + "&name=" + url.QueryEscape(s.cfg.Name)
	conn, _, err := s.dialer.DialContext(ctx, u, nil)
	return conn, err
}

func (s *Session) send(ev ws.Event) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(ev)
}

func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	d := base << (attempt - 1)
	if d > max || d <= 0 {
		return max
	}
	return d
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func messagePayload(m domain.ChatMessage) ws.MessagePayload {
	return ws.MessagePayload{
		ID:     m.ID,
		RoomID: m.RoomID,
		Author: m.Author,
		Text:   m.Text,
		TSUnix: m.CreatedAt.Unix(),
	}
}

func decode(payload interface{}, dst interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}
