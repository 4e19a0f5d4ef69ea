package domain

import "time"

// Participant — персистентная запись о том, что имя присоединялось к комнате.
// Никогда не мутируется; удаляется только при удалении комнаты (вне ядра).
type Participant struct {
	ID        string    `db:"id"`
	RoomID    string    `db:"room_id"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
}
