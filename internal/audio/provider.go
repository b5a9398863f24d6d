// Package audio abstracts the operating environment's per-application audio
// sessions: which processes are producing sound, and a scalar volume control
// for each of them.
package audio

import (
	"context"
	"errors"
	"math"
)

// ErrStaleHandle is returned when an operation targets a session whose
// process has gone away since it was listed.
var ErrStaleHandle = errors.New("audio session no longer exists")

// ActivityState describes whether a session is currently producing sound
type ActivityState string

const (
	StateActive   ActivityState = "active"
	StateInactive ActivityState = "inactive"
	StateExpired  ActivityState = "expired"
)

// SessionInfo describes one process's audio session as reported by a Provider
type SessionInfo struct {
	PID         int           `json:"pid"`
	ProcessName string        `json:"process_name"`
	DisplayName string        `json:"display_name"`
	IconPath    string        `json:"icon_path,omitempty"`
	State       ActivityState `json:"state"`
	// Streams identifies the provider streams behind the session, in
	// ascending order. It changes when the process opens or closes one.
	Streams     []int         `json:"streams,omitempty"`
}

// EventKind classifies a session lifecycle notification
type EventKind string

const (
	SessionCreated      EventKind = "created"
	SessionStateChanged EventKind = "state_changed"
	SessionDisconnected EventKind = "disconnected"
)

// Event is a raw session lifecycle notification. PID is 0 when the provider
// could not attribute the notification to a process.
type Event struct {
	Kind  EventKind
	PID   int
	State ActivityState
}

// Provider is the operating environment's audio session surface. Handlers
// passed to Subscribe may be invoked from any goroutine.
type Provider interface {
	// ListActiveSessions returns every known session with its activity state
	ListActiveSessions(ctx context.Context) ([]SessionInfo, error)

	// GetVolume returns the session volume in [0, 1]
	GetVolume(ctx context.Context, pid int) (float64, error)

	// SetVolume sets the session volume, clamped to [0, 1]
	SetVolume(ctx context.Context, pid int, volume float64) error

	// Subscribe registers for lifecycle notifications and returns an
	// unsubscribe function that is safe to call more than once
	Subscribe(handler func(Event)) (func(), error)

	// Close releases provider resources
	Close() error

	// Name returns the provider name (e.g., "pulse")
	Name() string
}

// Clamp limits a volume to [0, 1]
func Clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
