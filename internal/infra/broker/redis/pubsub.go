package redis

import (
	"context"
	"log/slog"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

// ChannelPrefix namespaces hub topics on Redis pub/sub.
const ChannelPrefix = "chat:"

// PubSub relays realtime envelopes over Redis PUBLISH/PSUBSCRIBE.
type PubSub struct {
	client *goredis.Client
	logger *slog.Logger
}

func NewPubSub(client *goredis.Client, logger *slog.Logger) *PubSub {
	return &PubSub{client: client, logger: logger}
}

func NewClient(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func (p *PubSub) Send(ctx context.Context, topic string, payload []byte) error {
	return p.client.Publish(ctx, ChannelPrefix+topic, payload).Err()
}

// Listen delivers every payload published under ChannelPrefix until ctx is done.
func (p *PubSub) Listen(ctx context.Context, handle func(payload []byte) error) error {
	sub := p.client.PSubscribe(ctx, ChannelPrefix+"*")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if err := handle([]byte(msg.Payload)); err != nil && p.logger != nil {
				p.logger.Warn("realtime message rejected", "channel", msg.Channel, "topic", strings.TrimPrefix(msg.Channel, ChannelPrefix), "error", err)
			}
		}
	}
}

func (p *PubSub) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}
