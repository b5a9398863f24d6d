// Package foreground reports which process owns the active window. It
// prefers OS change notifications and falls back to polling when those are
// unavailable.
package foreground

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/FocusDucker/internal/logger"
)

// Unset is the foreground pid before the first successful read
const Unset = 0

// ErrNoForeground is returned by a Reader when no window, or no owning
// process, can be determined right now
var ErrNoForeground = errors.New("no foreground process")

const (
	DefaultDebounce          = 50 * time.Millisecond
	DefaultPollInterval      = 100 * time.Millisecond
	DefaultPollErrorInterval = 1000 * time.Millisecond
)

// Reader reads the pid owning the active window
type Reader interface {
	ForegroundPID() (int, error)
}

// Hook delivers raw "something may have changed" notifications. notify may
// be called from any goroutine and carries no data.
type Hook interface {
	Register(notify func()) error
	Unregister()
}

// Change describes a foreground ownership transition
type Change struct {
	Previous int `json:"previous"`
	Current  int `json:"current"`
}

// Mode is the detection strategy chosen at Start
type Mode string

const (
	ModeNone    Mode = ""
	ModeEvent   Mode = "event"
	ModePolling Mode = "polling"
)

// Options tunes the feed's timing
type Options struct {
	Debounce          time.Duration
	PollInterval      time.Duration
	PollErrorInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.PollErrorInterval <= 0 {
		o.PollErrorInterval = DefaultPollErrorInterval
	}
	return o
}

// detector drives re-reads of the foreground owner
type detector interface {
	start()
	stop()
	mode() Mode
}

type observer struct {
	id uint64
	fn func(Change)
}

// Feed produces deduplicated foreground change notifications
type Feed struct {
	reader Reader
	hook   Hook
	opts   Options

	// checkMu serializes read-compare-notify so observers see changes in order
	checkMu sync.Mutex

	mu        sync.RWMutex
	current   int
	observers []observer
	nextID    uint64

	lifeMu  sync.Mutex
	started bool
	stopped bool
	det     detector
}

// NewFeed creates a feed. hook may be nil, in which case the feed polls.
func NewFeed(reader Reader, hook Hook, opts Options) *Feed {
	return &Feed{
		reader:  reader,
		hook:    hook,
		opts:    opts.withDefaults(),
		current: Unset,
	}
}

// Start chooses the detection mode and performs an initial read. If the hook
// cannot be registered the feed polls for the rest of its life.
func (f *Feed) Start() error {
	log := logger.WithComponent("foreground")

	f.lifeMu.Lock()
	if f.started {
		f.lifeMu.Unlock()
		return fmt.Errorf("foreground feed already started")
	}
	if f.stopped {
		f.lifeMu.Unlock()
		return fmt.Errorf("foreground feed stopped")
	}
	f.started = true

	var det detector
	if f.hook != nil {
		ed := newEventDetector(f, f.hook, f.opts.Debounce, f.opts.PollErrorInterval)
		if err := f.hook.Register(ed.notify); err != nil {
			log.Warn().Err(err).Msg("Foreground change notifications unavailable, falling back to polling")
		} else {
			det = ed
		}
	}
	if det == nil {
		det = newPollDetector(f, f.opts.PollInterval, f.opts.PollErrorInterval)
	}
	f.det = det
	det.start()
	f.lifeMu.Unlock()

	log.Info().Str("mode", string(det.mode())).Msg("Foreground detection started")

	f.Refresh()
	return nil
}

// Mode returns the detection mode chosen at Start
func (f *Feed) Mode() Mode {
	f.lifeMu.Lock()
	defer f.lifeMu.Unlock()
	if f.det == nil {
		return ModeNone
	}
	return f.det.mode()
}

// Current returns the last known foreground pid, or Unset
func (f *Feed) Current() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

// Refresh re-reads the foreground owner immediately. Read failures are
// swallowed and the last known value is kept.
func (f *Feed) Refresh() {
	_ = f.check()
}

// OnChange registers fn for every change and returns a function that removes
// it. Callbacks run in order on the feed's goroutine and must not call
// Refresh synchronously.
func (f *Feed) OnChange(fn func(Change)) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.observers = append(f.observers, observer{id: id, fn: fn})
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			for i, o := range f.observers {
				if o.id == id {
					f.observers = append(f.observers[:i:i], f.observers[i+1:]...)
					break
				}
			}
		})
	}
}

func (f *Feed) isStopped() bool {
	f.lifeMu.Lock()
	defer f.lifeMu.Unlock()
	return f.stopped
}

// check reads the current owner and notifies observers if it changed
func (f *Feed) check() error {
	f.checkMu.Lock()
	defer f.checkMu.Unlock()

	if f.isStopped() {
		return nil
	}

	pid, err := f.reader.ForegroundPID()
	if err == nil && pid <= 0 {
		err = ErrNoForeground
	}
	if err != nil {
		logger.WithComponent("foreground").Debug().Err(err).Msg("Failed to read foreground process")
		return err
	}

	f.mu.Lock()
	previous := f.current
	if previous == pid {
		f.mu.Unlock()
		return nil
	}
	f.current = pid
	observers := make([]observer, len(f.observers))
	copy(observers, f.observers)
	f.mu.Unlock()

	logger.WithComponent("foreground").Debug().
		Int("previous", previous).
		Int("pid", pid).
		Msg("Foreground process changed")

	change := Change{Previous: previous, Current: pid}
	for _, o := range observers {
		o.fn(change)
	}
	return nil
}

// Stop tears down detection. It is safe to call before Start, after a failed
// Start, and more than once.
func (f *Feed) Stop() {
	f.lifeMu.Lock()
	if f.stopped {
		f.lifeMu.Unlock()
		return
	}
	f.stopped = true
	det := f.det
	f.lifeMu.Unlock()

	if det != nil {
		det.stop()
	}
}
