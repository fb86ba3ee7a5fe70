package relay

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/stratum-relay/relay/internal/jsonx"
)

// Inbound command types.
const (
	CmdStartFixed  = "start-fixed-slot"
	CmdStopFixed   = "stop-fixed-slot"
	CmdSubmitFixed = "submit-fixed-slot"
	CmdStartMain   = "start-main"
	CmdStopMain    = "stop-main"
	CmdSubmitMain  = "submit-main"
	CmdHashrate    = "hashrate"
)

// Outbound message types. Per-slot messages are "<prefix>-<kind>", see
// upstream.Kind.
const (
	MsgSlotInit = "slot-init"
	MsgCanStart = "can-start"
	MsgError    = "error"
)

// Command is one inbound frame from the browser.
type Command struct {
	Type    string           `json:"type"`
	Slot    string           `json:"slot,omitempty"`
	Payload jsonx.RawMessage `json:"payload,omitempty"`
}

// Message is one outbound frame to the browser.
type Message struct {
	Type    string `json:"type"`
	Slot    string `json:"slot,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

type SlotInitPayload struct {
	Slot string `json:"slot"`
	Algo string `json:"algo"`
}

// StartRequest is the start-main payload.
type StartRequest struct {
	WorkerName string       `json:"worker_name,omitempty"`
	Stratum    StartStratum `json:"stratum"`
	Version    string       `json:"version,omitempty"`
	Algo       string       `json:"algo,omitempty"`
}

type StartStratum struct {
	Server   string `json:"server"`
	Port     Port   `json:"port"`
	Worker   string `json:"worker"`
	Password string `json:"password,omitempty"`
}

// Worker resolves the dynamic slot id: worker_name when given, else the
// stratum login.
func (r StartRequest) Worker() string {
	if r.WorkerName != "" {
		return r.WorkerName
	}
	return r.Stratum.Worker
}

func (r StartRequest) validate() error {
	switch {
	case r.Stratum.Server == "":
		return fmt.Errorf("%w: missing stratum server", ErrInvalidStartRequest)
	case r.Stratum.Port <= 0 || r.Stratum.Port > 65535:
		return fmt.Errorf("%w: missing stratum port", ErrInvalidStartRequest)
	case r.Stratum.Worker == "":
		return fmt.Errorf("%w: missing stratum worker", ErrInvalidStartRequest)
	}
	return nil
}

// StopRequest is the optional stop-main payload.
type StopRequest struct {
	WorkerName string `json:"worker_name"`
}

// Port accepts a JSON number or a numeric string.
type Port int

func (p *Port) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*p = 0
		return nil
	}
	b = bytes.Trim(b, `"`)
	if len(b) == 0 {
		*p = 0
		return nil
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return fmt.Errorf("port %q: %w", b, err)
	}
	*p = Port(n)
	return nil
}
