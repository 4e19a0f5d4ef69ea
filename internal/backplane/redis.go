package backplane

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/chatbit/realtime-service/internal/transport/ws"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Broadcaster — локальный fan-out, в который реплеятся чужие события.
type Broadcaster interface {
	Broadcast(roomID string, ev ws.Event, excludeConnID string)
}

// envelope помечен origin-ом процесса: свои же публикации пропускаются,
// иначе каждое локальное событие доставлялось бы комнате дважды.
type envelope struct {
	Origin string   `json:"origin"`
	RoomID string   `json:"room_id"`
	Event  ws.Event `json:"event"`
}

// Redis — pub/sub backplane: публикует события комнат в redis и
// рассылает чужие публикации в локальный hub наравне с локальными.
type Redis struct {
	rdb    *redis.Client
	hub    Broadcaster
	origin string

	pubsub *redis.PubSub
	done   chan struct{}
}

func New(addr string, hub Broadcaster) *Redis {
	return &Redis{
		rdb:    redis.NewClient(&redis.Options{Addr: addr, MaxRetries: 3}),
		hub:    hub,
		origin: uuid.NewString(),
		done:   make(chan struct{}),
	}
}

func (b *Redis) Start(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	b.pubsub = b.rdb.PSubscribe(ctx, channelPattern)
	if _, err := b.pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer close(b.done)
		for msg := range b.pubsub.Channel() {
			b.dispatch([]byte(msg.Payload))
		}
	}()

	slog.Info("backplane connected", "origin", b.origin)
	return nil
}

func (b *Redis) Publish(ctx context.Context, roomID string, ev ws.Event) error {
	data, err := json.Marshal(envelope{Origin: b.origin, RoomID: roomID, Event: ev})
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channelFor(roomID), data).Err()
}

func (b *Redis) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Warn("backplane malformed envelope dropped", "err", err)
		return
	}
	if env.Origin == b.origin || env.RoomID == "" {
		return
	}
	b.hub.Broadcast(env.RoomID, env.Event, "")
}

func (b *Redis) Close() error {
	if b.pubsub != nil {
		_ = b.pubsub.Close()
		<-b.done
	}
	return b.rdb.Close()
}

const channelPattern = "room:*"

func channelFor(roomID string) string { return "room:" + roomID }
