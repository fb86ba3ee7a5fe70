package ws

import (
	"fmt"
	"reflect"
	"time"

	"github.com/stratum-relay/relay/internal/jsonx"
	"github.com/stratum-relay/relay/internal/relay"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10

	tokenHeader = "X-Relay-Token"
)

func init() {
	jsonx.Pretouch(reflect.TypeOf(relay.Command{}), reflect.TypeOf(relay.Message{}))
}

// decodeCommand parses one inbound text frame.
func decodeCommand(data []byte) (relay.Command, error) {
	var cmd relay.Command
	if err := jsonx.Unmarshal(data, &cmd); err != nil {
		return relay.Command{}, fmt.Errorf("malformed frame: %w", err)
	}
	if cmd.Type == "" {
		return relay.Command{}, fmt.Errorf("malformed frame: missing type")
	}
	return cmd, nil
}

func encodeMessage(msg relay.Message) ([]byte, error) {
	return jsonx.Marshal(msg)
}
