package relay

import "errors"

var (
	// ErrUnknownSlot is returned for a fee slot id the deployment does not
	// define. Fatal for the command only.
	ErrUnknownSlot = errors.New("unknown slot")

	// ErrInvalidStartRequest marks a malformed start-main payload. Fatal for
	// the session.
	ErrInvalidStartRequest = errors.New("invalid start request")

	// ErrSlotNotFound is returned when a submit targets an empty slot.
	ErrSlotNotFound = errors.New("slot not found")

	// ErrSlotRunning is returned by a duplicate start.
	ErrSlotRunning = errors.New("slot already running")

	// ErrUpstreamAuth is raised when the upstream rejects the worker's
	// credentials. Fatal for dynamic slots.
	ErrUpstreamAuth = errors.New("worker failed to authorize")

	// ErrSessionEnded is returned for commands that arrive after teardown.
	ErrSessionEnded = errors.New("session ended")

	// ErrUnknownCommand is returned for an inbound type the relay does not
	// handle.
	ErrUnknownCommand = errors.New("unknown command")
)

// IsFatal reports whether err must terminate the session.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidStartRequest) || errors.Is(err, ErrUpstreamAuth)
}
