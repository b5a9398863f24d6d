package foreground

import (
	"fmt"
	"os"
	"strings"

	"github.com/bryanchriswhite/FocusDucker/internal/logger"
)

// Backend is a display-server specific source of foreground information
type Backend interface {
	Reader
	Hook

	// Name returns the backend name (e.g., "x11", "kwin")
	Name() string

	// Close releases the display server connection
	Close() error
}

// Backend names accepted by NewBackend
const (
	BackendAuto = "auto"
	BackendX11  = "x11"
	BackendKWin = "kwin"
)

// NewBackend connects to the named backend. "auto" (or "") prefers KWin on
// a Plasma session and X11 everywhere else, falling back between the two.
func NewBackend(name string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case BackendX11:
		return NewX11Backend()
	case BackendKWin:
		return NewKWinBackend()
	case BackendAuto, "":
		return autoBackend()
	default:
		return nil, fmt.Errorf("unknown foreground backend %q", name)
	}
}

func autoBackend() (Backend, error) {
	log := logger.WithComponent("foreground")

	order := []string{BackendX11, BackendKWin}
	if isPlasmaSession() {
		order = []string{BackendKWin, BackendX11}
	}

	var errs []string
	for _, name := range order {
		var (
			b   Backend
			err error
		)
		if name == BackendKWin {
			b, err = NewKWinBackend()
		} else {
			b, err = NewX11Backend()
		}
		if err == nil {
			log.Info().Str("backend", b.Name()).Msg("Selected foreground backend")
			return b, nil
		}
		log.Debug().Err(err).Str("backend", name).Msg("Foreground backend unavailable")
		errs = append(errs, fmt.Sprintf("%s: %v", name, err))
	}
	return nil, fmt.Errorf("no foreground backend available (%s)", strings.Join(errs, "; "))
}

func isPlasmaSession() bool {
	desktop := strings.ToUpper(os.Getenv("XDG_CURRENT_DESKTOP"))
	if strings.Contains(desktop, "KDE") {
		return true
	}
	return os.Getenv("KDE_FULL_SESSION") != "" && os.Getenv("XDG_SESSION_TYPE") == "wayland"
}
