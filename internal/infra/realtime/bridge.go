package realtime

import (
	"context"
	"log/slog"

	"estatechat/internal/app/chat"
	"estatechat/internal/domain/messaging"
)

// Transport carries encoded events to the other instances.
type Transport interface {
	Send(ctx context.Context, topic string, payload []byte) error
}

// Bridge publishes to the local hub first and then to the bus. Events coming
// back from the bus are dispatched locally unless this instance sent them.
type Bridge struct {
	Hub       *Hub
	Transport Transport
	Origin    string
	Logger    *slog.Logger
}

func (b *Bridge) Publish(ctx context.Context, ev messaging.RealtimeEvent) error {
	b.Hub.Dispatch(ev)
	if b.Transport == nil {
		return nil
	}
	payload, err := Encode(ev, b.Origin)
	if err != nil {
		return err
	}
	return b.Transport.Send(ctx, ev.Topic(), payload)
}

// Receive handles one payload read from the bus.
func (b *Bridge) Receive(payload []byte) error {
	env, ev, err := Decode(payload)
	if err != nil {
		if b.Logger != nil {
			b.Logger.Warn("dropping undecodable realtime envelope", "error", err)
		}
		return err
	}
	if env.Origin != "" && env.Origin == b.Origin {
		return nil
	}
	b.Hub.Dispatch(ev)
	return nil
}

var _ chat.Publisher = (*Bridge)(nil)
