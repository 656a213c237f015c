package protocol

import (
	"sync/atomic"
	"time"
)

// Source identifies one authenticated connection.
type Source struct {
	ConnectorID int64

	// AuthenticatedAs is the administrator whose password was checked.
	AuthenticatedAs string
	// ConnectAs is the effective user; it differs under switch-user.
	ConnectAs string

	Version    Version
	RemoteHost string
	Secure     bool
	Connected  time.Time

	listening atomic.Bool
}

// EffectiveUser returns the user whose permissions apply to commands.
func (s *Source) EffectiveUser() string {
	if s.ConnectAs != "" {
		return s.ConnectAs
	}
	return s.AuthenticatedAs
}

// Switched reports whether the connection is acting as another user.
func (s *Source) Switched() bool {
	return s.ConnectAs != "" && s.ConnectAs != s.AuthenticatedAs
}

// Listening reports whether the source is registered as a cache listener.
func (s *Source) Listening() bool {
	return s.listening.Load()
}

// MarkListening flips the listener flag. It returns false if the flag was
// already in the requested state.
func (s *Source) MarkListening(on bool) bool {
	return s.listening.CompareAndSwap(!on, on)
}
