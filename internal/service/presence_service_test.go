package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chatbit/realtime-service/internal/domain"
)

type fakeParticipantStore struct {
	mu   sync.Mutex
	rows []domain.Participant
	seq  int

	listErr   error
	createErr error
	// имитация проигранной гонки: Create возвращает unique violation,
	// а каноничная строка "уже" вставлена конкурентом
	loseRaceTo string
}

func (f *fakeParticipantStore) Create(_ context.Context, p *domain.Participant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loseRaceTo != "" {
		f.seq++
		f.rows = append(f.rows, domain.Participant{
			ID:        fmt.Sprintf("p%d", f.seq),
			RoomID:    p.RoomID,
			Name:      f.loseRaceTo,
			CreatedAt: time.Unix(int64(1000+f.seq), 0),
		})
		f.loseRaceTo = ""
		return domain.ErrDuplicateParticipant
	}
	if f.createErr != nil {
		return f.createErr
	}
	f.seq++
	p.ID = fmt.Sprintf("p%d", f.seq)
	p.CreatedAt = time.Unix(int64(1000+f.seq), 0)
	f.rows = append(f.rows, *p)
	return nil
}

func (f *fakeParticipantStore) ListByRoom(_ context.Context, roomID string) ([]domain.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []domain.Participant
	for _, p := range f.rows {
		if p.RoomID == roomID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeParticipantStore) DeleteByIDs(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := f.rows[:0]
	for _, p := range f.rows {
		if _, ok := drop[p.ID]; !ok {
			kept = append(kept, p)
		}
	}
	f.rows = kept
	return nil
}

func (f *fakeParticipantStore) seed(roomID, name string) domain.Participant {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	p := domain.Participant{
		ID:        fmt.Sprintf("p%d", f.seq),
		RoomID:    roomID,
		Name:      name,
		CreatedAt: time.Unix(int64(1000+f.seq), 0),
	}
	f.rows = append(f.rows, p)
	return p
}

func TestJoinIdempotentAcrossNameVariants(t *testing.T) {
	store := &fakeParticipantStore{}
	svc := NewPresenceService(store)
	ctx := context.Background()

	first, err := svc.Join(ctx, "R1", "Alice")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	for _, variant := range []string{"Alice", " alice ", "ALICE", "\talice\n"} {
		p, err := svc.Join(ctx, "R1", variant)
		if err != nil {
			t.Fatalf("Join(%q): %v", variant, err)
		}
		if p.ID != first.ID || p.Name != "Alice" {
			t.Fatalf("Join(%q) = %+v, want canonical %+v", variant, p, first)
		}
	}

	list, err := svc.List(ctx, "R1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 participant, got %d: %+v", len(list), list)
	}
}

func TestJoinCollapsesPreexistingDuplicates(t *testing.T) {
	store := &fakeParticipantStore{}
	earliest := store.seed("R1", "Alice")
	store.seed("R1", " alice ")
	store.seed("R1", "ALICE")
	store.seed("R1", "Bob")

	svc := NewPresenceService(store)
	p, err := svc.Join(context.Background(), "R1", "alice")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if p.ID != earliest.ID {
		t.Fatalf("expected earliest row %s to survive, got %s", earliest.ID, p.ID)
	}

	list, _ := store.ListByRoom(context.Background(), "R1")
	if len(list) != 2 {
		t.Fatalf("expected collapse to 2 rows (Alice, Bob), got %d: %+v", len(list), list)
	}
}

func TestReconcileKeepsEarliestRow(t *testing.T) {
	store := &fakeParticipantStore{}
	keep := store.seed("R1", "Carol")
	store.seed("R1", "carol ")
	store.seed("R2", "carol") // другая комната не трогается

	svc := NewPresenceService(store)
	removed, err := svc.Reconcile(context.Background(), "R1")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}

	r1, _ := store.ListByRoom(context.Background(), "R1")
	if len(r1) != 1 || r1[0].ID != keep.ID {
		t.Fatalf("unexpected survivors: %+v", r1)
	}
	r2, _ := store.ListByRoom(context.Background(), "R2")
	if len(r2) != 1 {
		t.Fatalf("other room touched: %+v", r2)
	}
}

func TestJoinLostRaceReturnsCanonicalRow(t *testing.T) {
	store := &fakeParticipantStore{loseRaceTo: "Dave"}
	svc := NewPresenceService(store)

	p, err := svc.Join(context.Background(), "R1", "dave")
	if err != nil {
		t.Fatalf("Join must swallow the duplicate error, got %v", err)
	}
	if p.Name != "Dave" {
		t.Fatalf("expected the concurrent winner's row, got %+v", p)
	}
	list, _ := store.ListByRoom(context.Background(), "R1")
	if len(list) != 1 {
		t.Fatalf("expected single row after race, got %d", len(list))
	}
}

func TestJoinStoreDownFallsBackToMemory(t *testing.T) {
	boom := errors.New("db down")
	store := &fakeParticipantStore{listErr: boom, createErr: boom}
	svc := NewPresenceService(store)

	p, err := svc.Join(context.Background(), "R1", " Eve ")
	if err != nil {
		t.Fatalf("join must proceed best-effort, got %v", err)
	}
	if p == nil || p.Name != "Eve" || p.ID == "" {
		t.Fatalf("expected in-memory participant, got %+v", p)
	}
}

func TestJoinEmptyNameDefaults(t *testing.T) {
	store := &fakeParticipantStore{}
	svc := NewPresenceService(store)

	p, err := svc.Join(context.Background(), "R1", "   ")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if p.Name != "Unknown" {
		t.Fatalf("expected Unknown fallback, got %q", p.Name)
	}
}
