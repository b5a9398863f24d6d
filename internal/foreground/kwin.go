package foreground

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/FocusDucker/internal/logger"
	"github.com/godbus/dbus/v5"
)

// KWin D-Bus constants
const (
	kwinService                    = "org.kde.KWin"
	kwinInterface                  = "org.kde.KWin"
	scriptingPath                  = "/Scripting"
	scriptingInterface             = "org.kde.kwin.Scripting"
	virtualDesktopManagerInterface = "org.kde.KWin.VirtualDesktopManager"

	hookBusName   = "io.github.FocusDucker"
	hookPath      = dbus.ObjectPath("/io/github/FocusDucker/Foreground")
	hookInterface = "io.github.FocusDucker.Foreground"
	hookScript    = "focusducker-foreground"

	kdotoolTimeout = 2 * time.Second
)

// KWin has no public "active window changed" signal, so a small script is
// loaded into KWin that calls back into us on activation
const activationScript = `var activated = workspace.windowActivated || workspace.clientActivated;
activated.connect(function () {
    callDBus("` + hookBusName + `", "` + string(hookPath) + `", "` + hookInterface + `", "Activated");
});
`

type commandFunc func(ctx context.Context, args ...string) ([]byte, error)

func kdotool(ctx context.Context, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, "kdotool", args...).Output()
}

// KWinBackend reads the active window through kdotool and learns about
// activation through a KWin script calling back over the session bus
type KWinBackend struct {
	conn *dbus.Conn
	run  commandFunc

	mu         sync.Mutex
	watching   bool
	notify     func()
	scriptFile string
	stopChan   chan struct{}
	signalChan chan *dbus.Signal
}

// NewKWinBackend connects to the session bus and checks that KWin and
// kdotool are both available
func NewKWinBackend() (*KWinBackend, error) {
	if _, err := exec.LookPath("kdotool"); err != nil {
		return nil, fmt.Errorf("kdotool not found: %w", err)
	}

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to list D-Bus names: %w", err)
	}

	found := false
	for _, name := range names {
		if name == kwinService {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, fmt.Errorf("KWin service not found on D-Bus")
	}

	logger.WithComponent("kwin-backend").Info().Msg("Connected to KWin D-Bus service")

	return &KWinBackend{conn: conn, run: kdotool}, nil
}

// Name returns the backend name
func (b *KWinBackend) Name() string {
	return BackendKWin
}

// ForegroundPID asks kdotool for the active window and its pid
func (b *KWinBackend) ForegroundPID() (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), kdotoolTimeout)
	defer cancel()

	out, err := b.run(ctx, "getactivewindow")
	if err != nil {
		return 0, fmt.Errorf("kdotool getactivewindow failed: %w", err)
	}
	windowID := strings.TrimSpace(string(out))
	if windowID == "" {
		return 0, ErrNoForeground
	}

	out, err = b.run(ctx, "getwindowpid", windowID)
	if err != nil {
		return 0, fmt.Errorf("kdotool getwindowpid %s failed: %w", windowID, err)
	}
	return parsePID(string(out))
}

func parsePID(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrNoForeground
	}
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid pid %q: %w", s, err)
	}
	if pid <= 0 {
		return 0, ErrNoForeground
	}
	return pid, nil
}

// kwinHook is the object KWin's script calls into
type kwinHook struct {
	b *KWinBackend
}

// Activated is invoked over D-Bus by the activation script
func (h kwinHook) Activated() *dbus.Error {
	h.b.fire()
	return nil
}

func (b *KWinBackend) fire() {
	b.mu.Lock()
	notify := b.notify
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// Register exports the callback object, loads the activation script into
// KWin and also listens for desktop switches, which move focus without an
// activation callback on some KWin versions
func (b *KWinBackend) Register(notify func()) error {
	log := logger.WithComponent("kwin-backend")

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.watching {
		return fmt.Errorf("already watching")
	}

	reply, err := b.conn.RequestName(hookBusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("failed to request bus name %s: %w", hookBusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("bus name %s already taken", hookBusName)
	}

	if err := b.conn.Export(kwinHook{b: b}, hookPath, hookInterface); err != nil {
		b.conn.ReleaseName(hookBusName)
		return fmt.Errorf("failed to export hook object: %w", err)
	}

	scriptFile, err := b.loadScript()
	if err != nil {
		b.conn.Export(nil, hookPath, hookInterface)
		b.conn.ReleaseName(hookBusName)
		return err
	}

	b.notify = notify
	b.scriptFile = scriptFile
	b.watching = true
	b.stopChan = make(chan struct{})
	b.signalChan = make(chan *dbus.Signal, 10)

	if err := b.conn.AddMatchSignal(
		dbus.WithMatchInterface(virtualDesktopManagerInterface),
		dbus.WithMatchMember("currentChanged"),
	); err != nil {
		log.Warn().Err(err).Msg("Failed to add match for VirtualDesktopManager.currentChanged signal")
	}
	if err := b.conn.AddMatchSignal(
		dbus.WithMatchInterface(kwinInterface),
		dbus.WithMatchMember("showingDesktopChanged"),
	); err != nil {
		log.Warn().Err(err).Msg("Failed to add match for KWin.showingDesktopChanged signal")
	}

	b.conn.Signal(b.signalChan)
	go b.watchDesktopSignals(b.stopChan, b.signalChan)

	log.Debug().Str("script", scriptFile).Msg("Loaded KWin activation script")
	return nil
}

func (b *KWinBackend) loadScript() (string, error) {
	dir, err := os.MkdirTemp("", "focusducker-kwin-")
	if err != nil {
		return "", fmt.Errorf("failed to create script dir: %w", err)
	}
	path := filepath.Join(dir, hookScript+".js")
	if err := os.WriteFile(path, []byte(activationScript), 0o644); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("failed to write KWin script: %w", err)
	}

	scripting := b.conn.Object(kwinService, scriptingPath)

	// A previous run may have left the plugin loaded
	var unloaded bool
	_ = scripting.Call(scriptingInterface+".unloadScript", 0, hookScript).Store(&unloaded)

	var id int32
	if err := scripting.Call(scriptingInterface+".loadScript", 0, path, hookScript).Store(&id); err != nil {
		os.RemoveAll(dir)
		return "", fmt.Errorf("failed to load KWin script: %w", err)
	}
	if id < 0 {
		os.RemoveAll(dir)
		return "", fmt.Errorf("KWin refused script %s", path)
	}
	if call := scripting.Call(scriptingInterface+".start", 0); call.Err != nil {
		scripting.Call(scriptingInterface+".unloadScript", 0, hookScript)
		os.RemoveAll(dir)
		return "", fmt.Errorf("failed to start KWin scripts: %w", call.Err)
	}
	return path, nil
}

func (b *KWinBackend) watchDesktopSignals(stopChan <-chan struct{}, signalChan <-chan *dbus.Signal) {
	log := logger.WithComponent("kwin-backend")
	for {
		select {
		case <-stopChan:
			return
		case sig := <-signalChan:
			if sig == nil {
				continue
			}
			switch sig.Name {
			case virtualDesktopManagerInterface + ".currentChanged",
				kwinInterface + ".showingDesktopChanged":
				log.Debug().Str("signal", sig.Name).Msg("Desktop changed")
				b.fire()
			}
		}
	}
}

// Unregister unloads the script and stops delivering notifications
func (b *KWinBackend) Unregister() {
	b.mu.Lock()
	if !b.watching {
		b.mu.Unlock()
		return
	}
	b.watching = false
	b.notify = nil
	close(b.stopChan)
	scriptFile := b.scriptFile
	signalChan := b.signalChan
	b.mu.Unlock()

	b.conn.RemoveSignal(signalChan)

	scripting := b.conn.Object(kwinService, scriptingPath)
	if call := scripting.Call(scriptingInterface+".unloadScript", 0, hookScript); call.Err != nil {
		logger.WithComponent("kwin-backend").Debug().Err(call.Err).Msg("Failed to unload KWin script")
	}
	os.RemoveAll(filepath.Dir(scriptFile))

	b.conn.Export(nil, hookPath, hookInterface)
	b.conn.ReleaseName(hookBusName)
}

// Close unregisters and closes the session bus connection
func (b *KWinBackend) Close() error {
	b.Unregister()
	return b.conn.Close()
}
