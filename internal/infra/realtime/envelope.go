package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"estatechat/internal/domain/messaging"
)

var ErrUnknownEvent = errors.New("realtime: unknown event")

// Envelope is the wire form of a realtime event on the cross-instance bus.
type Envelope struct {
	Name    string          `json:"name"`
	Topic   string          `json:"topic"`
	Origin  string          `json:"origin,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

func Encode(ev messaging.RealtimeEvent, origin string) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.EventName(), err)
	}
	return json.Marshal(Envelope{Name: ev.EventName(), Topic: ev.Topic(), Origin: origin, Payload: payload})
}

func Decode(data []byte) (Envelope, messaging.RealtimeEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, nil, fmt.Errorf("decode envelope: %w", err)
	}
	var (
		ev  messaging.RealtimeEvent
		err error
	)
	switch env.Name {
	case messaging.EventMessageCreated:
		var e messaging.MessageCreated
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	case messaging.EventMessagesRead:
		var e messaging.MessagesRead
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	case messaging.EventUnreadChanged:
		var e messaging.UnreadChanged
		err = json.Unmarshal(env.Payload, &e)
		ev = e
	default:
		return env, nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Name)
	}
	if err != nil {
		return env, nil, fmt.Errorf("decode %s: %w", env.Name, err)
	}
	return env, ev, nil
}
