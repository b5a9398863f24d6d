package foreground

import (
	"sync"
	"time"
)

// eventDetector re-reads the owner a short while after each raw
// notification, so window activation has settled before we look. A failed
// read is retried every retryDelay until one succeeds.
type eventDetector struct {
	feed       *Feed
	hook       Hook
	debounce   time.Duration
	retryDelay time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func newEventDetector(feed *Feed, hook Hook, debounce, retryDelay time.Duration) *eventDetector {
	return &eventDetector{feed: feed, hook: hook, debounce: debounce, retryDelay: retryDelay}
}

func (d *eventDetector) mode() Mode { return ModeEvent }

func (d *eventDetector) start() {}

// notify restarts the debounce wait
func (d *eventDetector) notify() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Reset(d.debounce)
		return
	}
	d.timer = time.AfterFunc(d.debounce, d.fire)
}

func (d *eventDetector) fire() {
	d.mu.Lock()
	d.timer = nil
	stopped := d.stopped
	d.mu.Unlock()

	if stopped {
		return
	}
	if err := d.feed.check(); err != nil {
		d.retry()
	}
}

// retry arms a re-read after a failed one unless a newer notification
// already did
func (d *eventDetector) retry() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || d.timer != nil {
		return
	}
	d.timer = time.AfterFunc(d.retryDelay, d.fire)
}

func (d *eventDetector) stop() {
	d.mu.Lock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	d.hook.Unregister()
}

// pollDetector re-reads on a fixed cadence and slows down while reads fail
type pollDetector struct {
	feed          *Feed
	interval      time.Duration
	errorInterval time.Duration

	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newPollDetector(feed *Feed, interval, errorInterval time.Duration) *pollDetector {
	return &pollDetector{
		feed:          feed,
		interval:      interval,
		errorInterval: errorInterval,
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
}

func (d *pollDetector) mode() Mode { return ModePolling }

func (d *pollDetector) start() {
	go d.loop()
}

func (d *pollDetector) loop() {
	defer close(d.done)

	timer := time.NewTimer(d.interval)
	defer timer.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-timer.C:
			next := d.interval
			if err := d.feed.check(); err != nil {
				next = d.errorInterval
			}
			timer.Reset(next)
		}
	}
}

func (d *pollDetector) stop() {
	d.once.Do(func() {
		close(d.stopCh)
		<-d.done
	})
}
