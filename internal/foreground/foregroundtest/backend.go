// Package foregroundtest provides a scriptable foreground.Backend for tests.
package foregroundtest

import (
	"sync"

	"github.com/bryanchriswhite/FocusDucker/internal/foreground"
)

// Backend reports a settable pid and lets tests fire change notifications
type Backend struct {
	mu          sync.Mutex
	pid         int
	readErr     error
	registerErr error
	notify      func()
	closed      int
}

var _ foreground.Backend = (*Backend)(nil)

// New creates a backend whose active window belongs to pid
func New(pid int) *Backend {
	return &Backend{pid: pid}
}

// SetPID changes the reported owner without notifying
func (b *Backend) SetPID(pid int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pid = pid
	b.readErr = nil
}

// FailRead makes ForegroundPID return err (nil clears it)
func (b *Backend) FailRead(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readErr = err
}

// FailRegister makes Register return err, forcing the feed to poll
func (b *Backend) FailRegister(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registerErr = err
}

// Switch changes the owner and fires a notification if one is registered
func (b *Backend) Switch(pid int) {
	b.SetPID(pid)
	b.Fire()
}

// Fire delivers a raw change notification
func (b *Backend) Fire() {
	b.mu.Lock()
	notify := b.notify
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// Registered reports whether a notification callback is installed
func (b *Backend) Registered() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.notify != nil
}

// Closed returns how many times Close was called
func (b *Backend) Closed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Backend) ForegroundPID() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.readErr != nil {
		return 0, b.readErr
	}
	if b.pid <= 0 {
		return 0, foreground.ErrNoForeground
	}
	return b.pid, nil
}

func (b *Backend) Register(notify func()) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.registerErr != nil {
		return b.registerErr
	}
	b.notify = notify
	return nil
}

func (b *Backend) Unregister() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notify = nil
}

func (b *Backend) Name() string {
	return "fake"
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed++
	return nil
}
