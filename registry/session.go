package registry

import (
	"net"
	"time"

	"github.com/google/uuid"
)

// SessionState the lifecycle state of a client session
type SessionState int

const (
	// SessionRegistered session is subscribed but not yet heartbeat-confirmed
	SessionRegistered SessionState = iota
	// SessionActive session has been confirmed live and is eligible for data
	SessionActive
	// SessionEvicted terminal state. The session is gone from the registry
	SessionEvicted
)

// String implement fmt.Stringer
func (s SessionState) String() string {
	switch s {
	case SessionRegistered:
		return "registered"
	case SessionActive:
		return "active"
	case SessionEvicted:
		return "evicted"
	}
	return "unknown"
}

// SessionCloseCB callback for releasing a session's control connection.
// Called exactly once when the session is removed from the registry.
type SessionCloseCB func()

// ClientSession server side record of one client's subscription state and
// delivery address, independent of any single network connection
type ClientSession struct {
	// ID opaque unique session identifier. Never reused
	ID uuid.UUID
	// DataEndpoint where quote datagrams for this session are sent
	DataEndpoint *net.UDPAddr
	// Tickers the set of subscribed symbols. Empty means no tickers, never all
	Tickers map[string]bool
	// LastHeartbeat most recently observed liveness signal. Only moves forward
	LastHeartbeat time.Time
	// State current lifecycle state
	State SessionState
	// closeControl releases the control connection on removal
	closeControl SessionCloseCB
}

// RegistryStats point-in-time registry counters for monitoring
type RegistryStats struct {
	// TotalSessions number of sessions currently in the registry
	TotalSessions int `json:"total_sessions"`
	// ActiveSessions number of sessions eligible for data delivery
	ActiveSessions int `json:"active_sessions"`
	// SubscriptionsPerTicker session count per subscribed ticker
	SubscriptionsPerTicker map[string]int `json:"subscriptions_per_ticker"`
}
