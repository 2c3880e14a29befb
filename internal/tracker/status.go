// Package tracker manages the per-message delivery lifecycle: it persists
// messages and their status history, reconciles local state with remote
// status events, and survives restarts and out-of-order or duplicate
// notifications.
package tracker

// Status is a message delivery status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusSeen      Status = "seen"
	StatusFailed    Status = "failed"
)

// forwardRank orders the normal delivery progression. StatusFailed sits
// outside the ranking: it is reachable from pending only and terminal.
var forwardRank = map[Status]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusSeen:      3,
}

// Known reports whether s is a valid delivery status.
func Known(s Status) bool {
	_, ok := forwardRank[s]
	return ok || s == StatusFailed
}

// Reduce computes the next status from the current stored status and an
// incoming event. All ordering and idempotence rules live here: transitions
// are monotonic, so out-of-order or duplicate notifications can delay
// convergence but never move a message backward. A rejected transition is a
// stale no-op for the caller, not an error.
func Reduce(current, incoming Status) (Status, bool) {
	if current == incoming {
		return current, false
	}
	if current == StatusFailed || current == StatusSeen {
		// Terminal states.
		return current, false
	}
	if incoming == StatusFailed {
		// A send can only fail before it was ever acknowledged.
		if current == StatusPending {
			return StatusFailed, true
		}
		return current, false
	}

	ri, ok := forwardRank[incoming]
	if !ok {
		return current, false
	}
	if ri > forwardRank[current] {
		return incoming, true
	}
	return current, false
}
