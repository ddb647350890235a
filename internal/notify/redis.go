package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hyperengineering/mutuelle"
)

// DefaultChannelPrefix namespaces the per-table pub/sub channels.
const DefaultChannelPrefix = "mutuelle:changes:"

// NewRedisClient parses redisURL and pings the server.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("notify: parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("notify: ping redis: %w", err)
	}
	return client, nil
}

// Redis is a Notifier and Publisher over Redis pub/sub, one channel per table.
type Redis struct {
	client *redis.Client
	prefix string
	device string
	logger *slog.Logger
	now    func() time.Time
}

// RedisOption configures a Redis notifier.
type RedisOption func(*Redis)

// WithPrefix overrides DefaultChannelPrefix.
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// WithDevice tags published messages and ignores our own echoes.
func WithDevice(device string) RedisOption {
	return func(r *Redis) { r.device = device }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RedisOption {
	return func(r *Redis) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRedis wraps a connected client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		prefix: DefaultChannelPrefix,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Channel returns the pub/sub channel for a table.
func (r *Redis) Channel(table mutuelle.Table) string {
	return r.prefix + string(table)
}

func (r *Redis) tableOf(channel string) mutuelle.Table {
	return mutuelle.Table(strings.TrimPrefix(channel, r.prefix))
}

// Listen subscribes to the channels of tables and calls onChange for every
// accepted message until ctx is done or the subscription breaks.
func (r *Redis) Listen(ctx context.Context, tables []mutuelle.Table, onChange func(mutuelle.Table)) error {
	if len(tables) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	channels := make([]string, len(tables))
	for i, t := range tables {
		channels[i] = r.Channel(t)
	}

	sub := r.client.Subscribe(ctx, channels...)
	defer sub.Close()

	// Wait for the subscription confirmation so connection errors surface here.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("notify: subscribe: %w", err)
	}
	r.logger.Debug("listening for changes", "channels", len(channels))

	f := newFilter(tables, r.device)
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("notify: subscription closed")
			}
			m, err := Decode([]byte(msg.Payload))
			if err != nil {
				r.logger.Warn("ignore malformed notification", "channel", msg.Channel, "error", err)
				continue
			}
			if m.Table != r.tableOf(msg.Channel) {
				r.logger.Warn("notification table does not match channel", "channel", msg.Channel, "table", m.Table)
				continue
			}
			if f.accept(m) {
				onChange(m.Table)
			}
		}
	}
}

// Publish announces a change to table.
func (r *Redis) Publish(ctx context.Context, table mutuelle.Table) error {
	payload, err := Message{Table: table, Device: r.device, At: r.now().UTC()}.Encode()
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.Channel(table), payload).Err(); err != nil {
		return fmt.Errorf("notify: publish %s: %w", table, err)
	}
	return nil
}

var (
	_ mutuelle.Notifier  = (*Redis)(nil)
	_ mutuelle.Publisher = (*Redis)(nil)
)
