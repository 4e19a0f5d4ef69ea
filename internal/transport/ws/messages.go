package ws

// Типы событий, которые ходят по комнатному сокету.
const (
	TypeMessage     = "message"      // чат-сообщение (в обе стороны)
	TypeTypingStart = "typing_start" // имя начало печатать
	TypeTypingStop  = "typing_stop"  // имя перестало печатать
	TypeUserJoined  = "user_joined"  // личность впервые стала активной в комнате
	TypeUserLeft    = "user_left"    // последний сокет личности отключился
	TypeJoinedRoom  = "joined_room"  // ack допуска, только допущенному сокету
)

type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type MessagePayload struct {
	ID     string `json:"id"`
	RoomID string `json:"room_id"`
	Author string `json:"author"`
	Text   string `json:"text"`
	TSUnix int64  `json:"ts_unix"`
}

type TypingPayload struct {
	RoomID string `json:"room_id"`
	Name   string `json:"name"`
}

type ParticipantItem struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	JoinedAtUnix int64  `json:"joined_at_unix"`
}

type PresencePayload struct {
	RoomID      string          `json:"room_id"`
	Participant ParticipantItem `json:"participant"`
	TSUnix      int64           `json:"ts_unix"`
}

// для client: подтверждение допуска до любого другого трафика комнаты.
type JoinedRoomPayload struct {
	RoomID string `json:"room_id"`
	ConnID string `json:"conn_id"`
}
