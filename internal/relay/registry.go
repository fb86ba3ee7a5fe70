package relay

import (
	"fmt"
	"sort"
	"time"

	"github.com/stratum-relay/relay/internal/config"
	"github.com/stratum-relay/relay/internal/upstream"
)

type SlotKind int

const (
	SlotFixed SlotKind = iota
	SlotDynamic
)

func (k SlotKind) String() string {
	if k == SlotFixed {
		return "fixed"
	}
	return "dynamic"
}

// SlotKey identifies a slot within a session. Fixed and dynamic ids live in
// separate namespaces so a worker named like a fee slot never collides.
type SlotKey struct {
	Kind SlotKind
	ID   string
}

func FixedKey(id string) SlotKey   { return SlotKey{Kind: SlotFixed, ID: id} }
func DynamicKey(id string) SlotKey { return SlotKey{Kind: SlotDynamic, ID: id} }
func (k SlotKey) String() string   { return k.Kind.String() + ":" + k.ID }

// prefix is the outbound message type prefix for the slot.
func (k SlotKey) prefix() string {
	if k.Kind == SlotFixed {
		return k.ID
	}
	return config.MainSlotPrefix
}

type slot struct {
	key       SlotKey
	worker    string
	algo      string
	client    upstream.Client
	startedAt time.Time
}

// SlotInfo is a read-only view of an occupied slot.
type SlotInfo struct {
	Kind      string    `json:"kind"`
	ID        string    `json:"id"`
	Worker    string    `json:"worker"`
	Algo      string    `json:"algo,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// Registry maps slot keys to at most one live upstream client. It is owned
// by a single session goroutine and is not safe for concurrent use.
type Registry struct {
	cfg   *config.Config
	slots map[SlotKey]*slot
}

func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{
		cfg:   cfg,
		slots: make(map[SlotKey]*slot),
	}
}

// UpstreamConfig returns the static configuration of a fee slot.
func (r *Registry) UpstreamConfig(id string) (config.FeeSlot, error) {
	fs, ok := r.cfg.FeeSlot(id)
	if !ok {
		return config.FeeSlot{}, fmt.Errorf("%w: %q", ErrUnknownSlot, id)
	}
	return fs, nil
}

// resolveFixed maps an inbound slot field to a fee slot id. An empty id
// selects the only fee slot when exactly one is configured.
func (r *Registry) resolveFixed(id string) (config.FeeSlot, error) {
	if id == "" && len(r.cfg.FeeSlots) == 1 {
		return r.cfg.FeeSlots[0], nil
	}
	return r.UpstreamConfig(id)
}

func (r *Registry) occupy(s *slot) error {
	if _, ok := r.slots[s.key]; ok {
		return fmt.Errorf("%w: %s", ErrSlotRunning, s.key.ID)
	}
	r.slots[s.key] = s
	return nil
}

// vacate shuts the slot's client down and clears the slot in one step, so a
// handle is never shut down twice. Reports whether the slot was occupied.
func (r *Registry) vacate(key SlotKey) bool {
	s, ok := r.slots[key]
	if !ok {
		return false
	}
	delete(r.slots, key)
	s.client.Shutdown()
	return true
}

func (r *Registry) vacateAll() int {
	n := 0
	for key := range r.slots {
		if r.vacate(key) {
			n++
		}
	}
	return n
}

func (r *Registry) get(key SlotKey) (*slot, bool) {
	s, ok := r.slots[key]
	return s, ok
}

// owns reports whether client is still the live occupant of key. Events from
// a handle that fails this check are stale and must be dropped.
func (r *Registry) owns(key SlotKey, client upstream.Client) bool {
	s, ok := r.slots[key]
	return ok && s.client == client
}

func (r *Registry) Len() int {
	return len(r.slots)
}

// Snapshot lists occupied slots, fixed first, then by id.
func (r *Registry) Snapshot() []SlotInfo {
	out := make([]SlotInfo, 0, len(r.slots))
	for _, s := range r.slots {
		out = append(out, SlotInfo{
			Kind:      s.key.Kind.String(),
			ID:        s.key.ID,
			Worker:    s.worker,
			Algo:      s.algo,
			StartedAt: s.startedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind == SlotFixed.String()
		}
		return out[i].ID < out[j].ID
	})
	return out
}
