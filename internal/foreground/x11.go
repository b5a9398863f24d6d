package foreground

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/FocusDucker/internal/logger"
)

// X11Backend reads _NET_ACTIVE_WINDOW and its _NET_WM_PID from the root
// window, and watches the root for property changes
type X11Backend struct {
	conn *xgb.Conn
	root xproto.Window

	activeAtom xproto.Atom
	pidAtom    xproto.Atom

	mu       sync.Mutex
	watching bool
	stopChan chan struct{}
	done     chan struct{}
}

// NewX11Backend connects to the X server named by $DISPLAY
func NewX11Backend() (*X11Backend, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	b := &X11Backend{
		conn: conn,
		root: xproto.Setup(conn).DefaultScreen(conn).Root,
	}

	if b.activeAtom, err = b.getAtom("_NET_ACTIVE_WINDOW"); err != nil {
		conn.Close()
		return nil, err
	}
	if b.pidAtom, err = b.getAtom("_NET_WM_PID"); err != nil {
		conn.Close()
		return nil, err
	}

	return b, nil
}

// Name returns the backend name
func (b *X11Backend) Name() string {
	return BackendX11
}

func (b *X11Backend) getAtom(name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(b.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, fmt.Errorf("failed to intern atom %s: %w", name, err)
	}
	return reply.Atom, nil
}

// ForegroundPID returns the pid owning the active window
func (b *X11Backend) ForegroundPID() (int, error) {
	reply, err := xproto.GetProperty(
		b.conn,
		false,
		b.root,
		b.activeAtom,
		xproto.AtomWindow,
		0,
		1,
	).Reply()
	if err != nil {
		return 0, fmt.Errorf("failed to get _NET_ACTIVE_WINDOW: %w", err)
	}
	if len(reply.Value) < 4 {
		return 0, ErrNoForeground
	}

	win := xproto.Window(binary.LittleEndian.Uint32(reply.Value))
	if win == 0 {
		return 0, ErrNoForeground
	}

	pidReply, err := xproto.GetProperty(
		b.conn,
		false,
		win,
		b.pidAtom,
		xproto.AtomCardinal,
		0,
		1,
	).Reply()
	if err != nil {
		return 0, fmt.Errorf("failed to get _NET_WM_PID for window 0x%x: %w", uint32(win), err)
	}
	if len(pidReply.Value) < 4 {
		return 0, ErrNoForeground
	}

	pid := int(binary.LittleEndian.Uint32(pidReply.Value))
	if pid <= 0 {
		return 0, ErrNoForeground
	}
	return pid, nil
}

// Register subscribes to root window property changes and calls notify
// whenever _NET_ACTIVE_WINDOW changes
func (b *X11Backend) Register(notify func()) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.watching {
		return fmt.Errorf("already watching")
	}

	if err := xproto.ChangeWindowAttributesChecked(
		b.conn,
		b.root,
		xproto.CwEventMask,
		[]uint32{xproto.EventMaskPropertyChange},
	).Check(); err != nil {
		return fmt.Errorf("failed to set event mask: %w", err)
	}

	b.watching = true
	b.stopChan = make(chan struct{})
	b.done = make(chan struct{})
	go b.watchEvents(notify, b.stopChan, b.done)
	return nil
}

func (b *X11Backend) watchEvents(notify func(), stopChan <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	log := logger.WithComponent("x11-backend")

	for {
		select {
		case <-stopChan:
			return
		default:
		}

		ev, err := b.conn.PollForEvent()
		if err != nil {
			log.Debug().Err(err).Msg("X11 event poll error")
			continue
		}
		if ev == nil {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if prop, ok := ev.(xproto.PropertyNotifyEvent); ok && prop.Atom == b.activeAtom {
			notify()
		}
	}
}

// Unregister stops delivering notifications
func (b *X11Backend) Unregister() {
	b.mu.Lock()
	if !b.watching {
		b.mu.Unlock()
		return
	}
	b.watching = false
	close(b.stopChan)
	done := b.done
	b.mu.Unlock()

	<-done

	// Best effort; the connection may already be gone
	_ = xproto.ChangeWindowAttributesChecked(
		b.conn,
		b.root,
		xproto.CwEventMask,
		[]uint32{xproto.EventMaskNoEvent},
	).Check()
}

// Close unregisters and closes the X connection
func (b *X11Backend) Close() error {
	b.Unregister()
	b.conn.Close()
	return nil
}
