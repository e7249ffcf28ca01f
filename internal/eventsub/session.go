package eventsub

import "time"

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateActive
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session identifies one welcome-to-close lifetime of the connection.
// Sessions are replaced, never mutated, on reconnect.
type Session struct {
	ID            string
	ConnectedAt   time.Time
	LastKeepalive time.Time
}

// seenSet remembers recently dispatched message IDs so a notification
// re-delivered across a reconnect migration is not dispatched twice.
type seenSet struct {
	capacity int
	order    []string
	set      map[string]struct{}
}

func newSeenSet(capacity int) *seenSet {
	return &seenSet{
		capacity: capacity,
		set:      make(map[string]struct{}, capacity),
	}
}

// remember records id and reports whether it had been seen before.
func (s *seenSet) remember(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := s.set[id]; ok {
		return true
	}
	s.set[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.set, oldest)
	}
	return false
}
