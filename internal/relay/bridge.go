package relay

import (
	"context"

	"github.com/stratum-relay/relay/internal/upstream"
)

// SlotEvent is an upstream event tagged with the slot and handle it came
// from. The handle is what lets the controller drop events from a client that
// has since been vacated or replaced.
type SlotEvent struct {
	Key    SlotKey
	Client upstream.Client
	Event  upstream.Event
}

// Bridge forwards every event of client, in order, to post until the events
// channel closes or ctx is done. post returns false once the session is gone.
func Bridge(ctx context.Context, key SlotKey, client upstream.Client, post func(SlotEvent) bool) {
	events := client.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !post(SlotEvent{Key: key, Client: client, Event: ev}) {
				return
			}
		}
	}
}

// bridgeMessage translates one upstream event into exactly one outbound
// message. Error events carry only the message text.
func bridgeMessage(key SlotKey, ev upstream.Event) Message {
	msg := Message{
		Type: key.prefix() + "-" + ev.Kind.String(),
		Slot: key.ID,
	}
	switch ev.Kind {
	case upstream.KindError:
		msg.Payload = ev.ErrorMessage()
	case upstream.KindDifficulty,
		upstream.KindWork,
		upstream.KindSubmitSuccess,
		upstream.KindSubmitFail,
		upstream.KindSubscribe:
		msg.Payload = ev.Payload
	}
	return msg
}

func errorMessage(text string) Message {
	return Message{Type: MsgError, Payload: text}
}
