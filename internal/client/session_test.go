package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chatbit/realtime-service/internal/domain"
	"github.com/chatbit/realtime-service/internal/transport/ws"

	"github.com/gorilla/websocket"
)

func newTestSession(name string) *Session {
	s := NewSession(Config{Name: name})
	s.roomID = "R1"
	return s
}

func TestReconcileEchoByID(t *testing.T) {
	s := newTestSession("Alice")
	local := domain.ChatMessage{ID: "m1", RoomID: "R1", Author: "Alice", Text: "hi", CreatedAt: time.Now()}
	s.view = append(s.view, local)
	s.pending[local.ID] = local

	server := local
	server.CreatedAt = local.CreatedAt.Add(200 * time.Millisecond)
	if s.reconcile(server) {
		t.Fatalf("echo by id must not be treated as a new message")
	}
	if len(s.pending) != 0 {
		t.Fatalf("pending not cleared: %v", s.pending)
	}
	if len(s.view) != 1 || !s.view[0].CreatedAt.Equal(server.CreatedAt) {
		t.Fatalf("view must adopt the authoritative copy: %+v", s.view)
	}
}

func TestReconcileEchoByAuthorTextWindow(t *testing.T) {
	s := newTestSession("Alice")
	local := domain.ChatMessage{ID: "local1", RoomID: "R1", Author: "Alice", Text: "hi", CreatedAt: time.Now()}
	s.view = append(s.view, local)
	s.pending[local.ID] = local

	// сервер перевыдал id, но автор+текст совпали в пределах окна
	server := domain.ChatMessage{ID: "srv1", RoomID: "R1", Author: " ALICE ", Text: "hi", CreatedAt: local.CreatedAt.Add(2 * time.Second)}
	if s.reconcile(server) {
		t.Fatalf("near-duplicate within window must collapse into the pending entry")
	}
	if len(s.view) != 1 || s.view[0].ID != "srv1" {
		t.Fatalf("provisional entry must adopt the server copy: %+v", s.view)
	}
	if len(s.pending) != 0 {
		t.Fatalf("pending not cleared: %v", s.pending)
	}
}

func TestReconcileOutsideWindowAppends(t *testing.T) {
	s := newTestSession("Alice")
	local := domain.ChatMessage{ID: "local1", RoomID: "R1", Author: "Alice", Text: "hi", CreatedAt: time.Now()}
	s.view = append(s.view, local)
	s.pending[local.ID] = local

	server := domain.ChatMessage{ID: "srv1", RoomID: "R1", Author: "Alice", Text: "hi", CreatedAt: local.CreatedAt.Add(10 * time.Second)}
	if !s.reconcile(server) {
		t.Fatalf("same text outside the window is a distinct message")
	}
	if len(s.view) != 2 {
		t.Fatalf("expected append, got %+v", s.view)
	}
}

func TestReconcileForeignMessageAppends(t *testing.T) {
	s := newTestSession("Alice")
	in := domain.ChatMessage{ID: "srv1", RoomID: "R1", Author: "Bob", Text: "yo", CreatedAt: time.Now()}
	if !s.reconcile(in) {
		t.Fatalf("foreign message must be appended")
	}
	if len(s.view) != 1 || s.view[0].Author != "Bob" {
		t.Fatalf("unexpected view: %+v", s.view)
	}
}

func TestHandleEventFiltersOwnTyping(t *testing.T) {
	s := newTestSession("Alice")
	var calls []string
	s.OnTyping = func(name string, typing bool) { calls = append(calls, name) }

	s.handleEvent(ws.Event{Type: ws.TypeTypingStart, Payload: ws.TypingPayload{Name: " ALICE "}})
	s.handleEvent(ws.Event{Type: ws.TypeTypingStart, Payload: ws.TypingPayload{Name: "Bob"}})

	if len(calls) != 1 || calls[0] != "Bob" {
		t.Fatalf("own typing echo must be dropped, got %v", calls)
	}
}

func TestBackoffDelay(t *testing.T) {
	base, max := time.Second, 5*time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
		{63, 5 * time.Second}, // переполнение сдвига упирается в потолок
	}
	for _, tc := range cases {
		if got := backoffDelay(tc.attempt, base, max); got != tc.want {
			t.Fatalf("backoffDelay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestSendRejectsBlankText(t *testing.T) {
	s := newTestSession("Alice")

	for _, text := range []string{"", "   ", "\t\n"} {
		if _, err := s.Send(text); !errors.Is(err, domain.ErrEmptyMessage) {
			t.Fatalf("Send(%q) = %v, want ErrEmptyMessage", text, err)
		}
	}
	// ни фантомной записи в виде, ни вечного реплея из pending
	if len(s.view) != 0 || len(s.pending) != 0 {
		t.Fatalf("blank send leaked state: view=%d pending=%d", len(s.view), len(s.pending))
	}
}

func TestSendWithoutConnect(t *testing.T) {
	s := NewSession(Config{Name: "Alice"})
	if _, err := s.Send("hi"); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

// testUpstream — минимальный ws-сервер: первые failFirst соединений
// закрываются сразу после upgrade, остальные читают входящие сообщения.
type testUpstream struct {
	ts       *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     int
	rooms     []string
	failFirst int

	gotIDs chan string
}

func newTestUpstream(t *testing.T, failFirst int) *testUpstream {
	t.Helper()
	u := &testUpstream{failFirst: failFirst, gotIDs: make(chan string, 16)}
	u.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.conns++
		n := u.conns
		u.rooms = append(u.rooms, r.URL.Query().Get("room"))
		u.mu.Unlock()

		c, err := u.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if n <= u.failFirst {
			_ = c.Close()
			return
		}
		for {
			var ev ws.Event
			if err := c.ReadJSON(&ev); err != nil {
				return
			}
			if ev.Type == ws.TypeMessage {
				var p ws.MessagePayload
				if decode(ev.Payload, &p) == nil {
					u.gotIDs <- p.ID
				}
			}
		}
	}))
	t.Cleanup(u.ts.Close)
	return u
}

func (u *testUpstream) baseURL() string {
	return "ws" + strings.TrimPrefix(u.ts.URL, "http")
}

func TestReconnectReplaysPending(t *testing.T) {
	up := newTestUpstream(t, 1)

	s := NewSession(Config{
		Name:           "Alice",
		BaseURL:        up.baseURL(),
		ReconnectDelay: 5 * time.Millisecond,
	})
	dropped := make(chan error, 1)
	s.OnDropped = func(err error) { dropped <- err }

	if err := s.Connect(context.Background(), "R1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()

	m, err := s.Send("hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	// первое соединение умирает, реплей приходит по второму
	select {
	case id := <-up.gotIDs:
		if id != m.ID {
			t.Fatalf("replayed id %s, want %s", id, m.ID)
		}
	case err := <-dropped:
		t.Fatalf("session dropped instead of reconnecting: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatalf("replayed message never reached the server")
	}

	if msgs := s.Messages(); len(msgs) != 1 || msgs[0].ID != m.ID {
		t.Fatalf("optimistic view lost across reconnect: %+v", msgs)
	}
}

func TestReconnectGivesUpAfterAttempts(t *testing.T) {
	up := newTestUpstream(t, 1)

	s := NewSession(Config{
		Name:              "Alice",
		BaseURL:           up.baseURL(),
		ReconnectAttempts: 2,
		ReconnectDelay:    5 * time.Millisecond,
	})
	dropped := make(chan error, 1)
	s.OnDropped = func(err error) { dropped <- err }

	if err := s.Connect(context.Background(), "R1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()

	// дальше upstream недоступен, все попытки dial проваливаются
	up.ts.CloseClientConnections()
	up.ts.Close()

	select {
	case err := <-dropped:
		if err == nil {
			t.Fatalf("OnDropped must carry the terminal cause")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("session never gave up")
	}
}

func TestConnectTearsDownPreviousRoom(t *testing.T) {
	up := newTestUpstream(t, 0)

	s := NewSession(Config{Name: "Alice", BaseURL: up.baseURL()})
	if err := s.Connect(context.Background(), "A"); err != nil {
		t.Fatalf("Connect A: %v", err)
	}
	if _, err := s.Send("in A"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if err := s.Connect(context.Background(), "B"); err != nil {
		t.Fatalf("Connect B: %v", err)
	}
	defer s.Close()

	if msgs := s.Messages(); len(msgs) != 0 {
		t.Fatalf("view must reset on room switch: %+v", msgs)
	}

	up.mu.Lock()
	rooms := append([]string(nil), up.rooms...)
	up.mu.Unlock()
	if len(rooms) != 2 || rooms[0] != "A" || rooms[1] != "B" {
		t.Fatalf("unexpected dial sequence: %v", rooms)
	}
}
