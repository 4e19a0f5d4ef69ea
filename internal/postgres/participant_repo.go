package postgres

import (
	"context"
	"errors"

	"github.com/chatbit/realtime-service/internal/domain"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

type ParticipantRepository struct {
	db *pgxpool.Pool
}

func NewParticipantRepository(db *pgxpool.Pool) *ParticipantRepository {
	return &ParticipantRepository{db: db}
}

// Create — вставляет новую запись участника. Если индекс по
// (room_id, нормализованное имя) существует и сработал, возвращает
// domain.ErrDuplicateParticipant; гонку разбирает presence-слой.
func (r *ParticipantRepository) Create(ctx context.Context, p *domain.Participant) error {
	err := r.db.QueryRow(ctx, `
		INSERT INTO room_participants (room_id, name)
		VALUES ($1, $2)
		RETURNING id, created_at
	`, p.RoomID, p.Name).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrDuplicateParticipant
		}
		return err
	}
	return nil
}

// ListByRoom — участники комнаты в порядке создания. Порядок важен:
// при схлопывании дублей выживает самая ранняя запись.
func (r *ParticipantRepository) ListByRoom(ctx context.Context, roomID string) ([]domain.Participant, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, room_id, name, created_at
		FROM room_participants
		WHERE room_id=$1
		ORDER BY created_at ASC, id ASC
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []domain.Participant
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.ID, &p.RoomID, &p.Name, &p.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

func (r *ParticipantRepository) DeleteByIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `DELETE FROM room_participants WHERE id = ANY($1)`, ids)
	return err
}
