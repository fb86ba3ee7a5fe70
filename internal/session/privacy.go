package session

import (
	"crypto/sha256"
	"fmt"
	"net"

	"github.com/stratum-relay/relay/internal/config"
	"github.com/stratum-relay/relay/internal/relay"
)

// PrivacyFilter masks identifying fields of session state before it is served
// by the status API. The zero value is a no-op filter.
type PrivacyFilter struct {
	MaskRemoteAddrs bool
	MaskSessionIDs  bool
	MaskWorkers     bool
}

func NewPrivacyFilter(pc config.PrivacyConfig) *PrivacyFilter {
	return &PrivacyFilter{
		MaskRemoteAddrs: pc.MaskRemoteAddrs,
		MaskSessionIDs:  pc.MaskSessionIDs,
		MaskWorkers:     pc.MaskWorkers,
	}
}

// Apply returns a copy of the state with sensitive fields masked according
// to the filter configuration. The original state is never modified.
func (f *PrivacyFilter) Apply(s *State) *State {
	masked := s.Clone()

	if f.MaskRemoteAddrs && masked.RemoteAddr != "" {
		host := masked.RemoteAddr
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		masked.RemoteAddr = shortHash(host)
	}

	if f.MaskSessionIDs && masked.ID != "" {
		masked.ID = shortHash(masked.ID)
	}

	if f.MaskWorkers {
		for i := range masked.Slots {
			masked.Slots[i].Worker = shortHash(masked.Slots[i].Worker)
			if masked.Slots[i].Kind == relay.SlotDynamic.String() {
				masked.Slots[i].ID = shortHash(masked.Slots[i].ID)
			}
		}
	}

	return masked
}

// FilterSlice returns a new slice with masking applied to each state.
func (f *PrivacyFilter) FilterSlice(states []*State) []*State {
	if f.IsNoop() {
		return states
	}
	result := make([]*State, 0, len(states))
	for _, s := range states {
		result = append(result, f.Apply(s))
	}
	return result
}

// IsNoop reports whether the filter does nothing.
func (f *PrivacyFilter) IsNoop() bool {
	return !f.MaskRemoteAddrs && !f.MaskSessionIDs && !f.MaskWorkers
}

// shortHash returns a truncated SHA-256 hex digest for an opaque identifier.
func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:6])
}
