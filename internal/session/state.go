package session

import (
	"time"

	"github.com/stratum-relay/relay/internal/relay"
)

// State is a point-in-time view of a live session for the status API.
type State struct {
	ID          string           `json:"id"`
	RemoteAddr  string           `json:"remoteAddr"`
	ConnectedAt time.Time        `json:"connectedAt"`
	Hashrate    float64          `json:"hashrate"`
	Commands    uint64           `json:"commands"`
	Slots       []relay.SlotInfo `json:"slots"`
}

// Clone returns a deep copy of the State, duplicating the slot slice so the
// copy can be mutated independently of the original.
func (s *State) Clone() *State {
	c := *s
	if len(s.Slots) > 0 {
		c.Slots = make([]relay.SlotInfo, len(s.Slots))
		copy(c.Slots, s.Slots)
	}
	return &c
}

// WorkerCount is the number of occupied dynamic slots.
func (s *State) WorkerCount() int {
	n := 0
	for _, sl := range s.Slots {
		if sl.Kind == relay.SlotDynamic.String() {
			n++
		}
	}
	return n
}
