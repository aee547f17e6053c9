package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lorrc/collab-relay/internal/core/ports"
)

// DefaultChannelPrefix namespaces room channels.
const DefaultChannelPrefix = "collab:room:"

// Bus fans room events out to other relay instances over Redis pub/sub.
// Delivery is best-effort; presence snapshots stay instance-local.
type Bus struct {
	rdb    *goredis.Client
	prefix string
	logger *slog.Logger

	mu     sync.Mutex
	subs   []*goredis.PubSub
	closed bool
	wg     sync.WaitGroup
}

var _ ports.EventBus = (*Bus)(nil)

// NewBus connects to the Redis server at url and verifies connectivity
func NewBus(ctx context.Context, url, prefix string, logger *slog.Logger) (*Bus, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewBusWithClient(rdb, prefix, logger), nil
}

// NewBusWithClient wraps an existing client. The bus owns it afterwards.
func NewBusWithClient(rdb *goredis.Client, prefix string, logger *slog.Logger) *Bus {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		rdb:    rdb,
		prefix: prefix,
		logger: logger.With("component", "redis_bus"),
	}
}

// Publish sends msg on the channel of its room
func (b *Bus) Publish(ctx context.Context, msg ports.BusMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode bus message: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel(msg.RoomID), raw).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", b.channel(msg.RoomID), err)
	}
	return nil
}

// Subscribe listens on every room channel and invokes fn for each message
// until ctx is cancelled or the bus is closed. It returns once the
// subscription is confirmed.
func (b *Bus) Subscribe(ctx context.Context, fn func(ports.BusMessage)) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return goredis.ErrClosed
	}
	b.mu.Unlock()

	pubsub := b.rdb.PSubscribe(ctx, b.channel("*"))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe to %s: %w", b.channel("*"), err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = pubsub.Close()
		return goredis.ErrClosed
	}
	b.subs = append(b.subs, pubsub)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.listen(ctx, pubsub, fn)
	return nil
}

func (b *Bus) listen(ctx context.Context, pubsub *goredis.PubSub, fn func(ports.BusMessage)) {
	defer b.wg.Done()
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			bm, err := b.decode(msg)
			if err != nil {
				b.logger.Warn("discarding bus message",
					"channel", msg.Channel,
					"error", err,
				)
				continue
			}
			fn(bm)
		}
	}
}

func (b *Bus) decode(msg *goredis.Message) (ports.BusMessage, error) {
	var bm ports.BusMessage
	if err := json.Unmarshal([]byte(msg.Payload), &bm); err != nil {
		return bm, err
	}
	if bm.RoomID == "" {
		return bm, errors.New("missing room id")
	}
	if room := strings.TrimPrefix(msg.Channel, b.prefix); room != bm.RoomID {
		return bm, fmt.Errorf("room %q published on channel for %q", bm.RoomID, room)
	}
	return bm, nil
}

// Ping checks the Redis connection
func (b *Bus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close stops every subscription and closes the client
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	b.wg.Wait()
	return b.rdb.Close()
}

func (b *Bus) channel(roomID string) string { return b.prefix + roomID }
