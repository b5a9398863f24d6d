package registry

import (
	"strings"

	"github.com/bryanchriswhite/FocusDucker/internal/pubsub"
)

// NoForeground is the foreground pid before any window owner is known
const NoForeground = 0

// DefaultBackgroundFactor is the attenuation applied to background sessions
const DefaultBackgroundFactor = 0.5

// Event types published on the registry broker
const (
	SessionAdded   pubsub.EventType = "session_added"
	SessionRemoved pubsub.EventType = "session_removed"
	VolumeChanged  pubsub.EventType = "volume_changed"
)

// Session is a point-in-time copy of one tracked audio session
type Session struct {
	PID         int     `json:"pid"`
	ProcessName string  `json:"process_name"`
	DisplayName string  `json:"display_name"`
	IconPath    string  `json:"icon_path,omitempty"`
	Volume      float64 `json:"volume"`
	Baseline    float64 `json:"baseline"`
	Foreground  bool    `json:"foreground"`
	Excluded    bool    `json:"excluded"`
}

// Event is the payload of every registry notification
type Event struct {
	PID     int     `json:"pid"`
	Session Session `json:"session"`
	Volume  float64 `json:"volume"`
}

// Policy is the volume policy applied on every rebalance
type Policy struct {
	// BackgroundFactor scales the baseline of non-foreground sessions
	BackgroundFactor float64 `json:"background_factor"`
	// Excluded lists process or display names that are never attenuated
	Excluded []string `json:"excluded"`
}

// DefaultPolicy returns the policy used when none is configured
func DefaultPolicy() Policy {
	return Policy{BackgroundFactor: DefaultBackgroundFactor}
}

// excludedSet normalizes names for case-insensitive matching
func excludedSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			set[name] = struct{}{}
		}
	}
	return set
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
