// Package registry tracks the audio sessions that are currently producing
// sound, remembers the volume each process had when it was first seen, and
// keeps applied volumes consistent with the foreground/background split.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/FocusDucker/internal/audio"
	"github.com/bryanchriswhite/FocusDucker/internal/logger"
	"github.com/bryanchriswhite/FocusDucker/internal/pubsub"
)

// ErrClosed is returned by operations on a closed registry
var ErrClosed = errors.New("registry closed")

const (
	// volumeEpsilon suppresses writes that would not audibly change anything
	volumeEpsilon = 0.01

	// DefaultCreatedDelay gives a new session time to become queryable
	DefaultCreatedDelay = 100 * time.Millisecond
)

// ForegroundRefresher re-reads the foreground owner on demand
type ForegroundRefresher interface {
	Refresh()
}

// Options configures a Registry
type Options struct {
	Policy       Policy
	CreatedDelay time.Duration
	Refresher    ForegroundRefresher
}

type trackedSession struct {
	info   audio.SessionInfo
	volume float64
	// stale marks a session whose streams changed since the last write, so
	// the next pass writes even when the recorded volume already matches
	stale  bool
}

// Registry owns the session map and the baseline map. Operations that change
// them run one at a time under opMu; stateMu only guards the maps against
// concurrent Snapshot readers and is never held across provider calls.
type Registry struct {
	provider     audio.Provider
	refresher    ForegroundRefresher
	createdDelay time.Duration
	broker       *pubsub.Broker[Event]

	opMu sync.Mutex

	stateMu    sync.RWMutex
	sessions   map[int]*trackedSession
	baselines  map[int]float64
	foreground int
	factor     float64
	excluded   map[string]struct{}

	timerMu sync.Mutex
	pending *time.Timer

	// restored is set by Restore; volumes are never written again after it
	restored atomic.Bool
	closed   atomic.Bool
}

// New creates a registry on top of provider
func New(provider audio.Provider, opts Options) *Registry {
	if opts.CreatedDelay <= 0 {
		opts.CreatedDelay = DefaultCreatedDelay
	}

	return &Registry{
		provider:     provider,
		refresher:    opts.Refresher,
		createdDelay: opts.CreatedDelay,
		broker:       pubsub.NewBroker[Event](),
		sessions:     make(map[int]*trackedSession),
		baselines:    make(map[int]float64),
		foreground:   NoForeground,
		factor:       audio.Clamp(opts.Policy.BackgroundFactor),
		excluded:     excludedSet(opts.Policy.Excluded),
	}
}

// inactive reports whether volume-changing operations must be refused
func (r *Registry) inactive() bool {
	return r.closed.Load() || r.restored.Load()
}

// SetRefresher sets the component asked to re-read the foreground owner when
// sessions appear while it is still unknown
func (r *Registry) SetRefresher(refresher ForegroundRefresher) {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	r.refresher = refresher
}

// Events returns the broker registry notifications are published on
func (r *Registry) Events() *pubsub.Broker[Event] {
	return r.broker
}

// HandleProviderEvent reacts to a session lifecycle notification. Newly
// created sessions are reconciled after a short delay because their volume
// control may not be queryable yet; other changes are reconciled immediately.
func (r *Registry) HandleProviderEvent(ev audio.Event) {
	if r.inactive() {
		return
	}

	log := logger.WithComponent("registry")
	log.Debug().Str("kind", string(ev.Kind)).Int("pid", ev.PID).Msg("Provider event")

	if ev.Kind == audio.SessionCreated {
		r.scheduleReconcile()
		return
	}

	if err := r.Reconcile(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
		log.Warn().Err(err).Msg("Reconcile failed")
	}
}

// scheduleReconcile arms (or pushes back) the deferred reconcile
func (r *Registry) scheduleReconcile() {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()

	if r.inactive() {
		return
	}
	if r.pending != nil {
		r.pending.Reset(r.createdDelay)
		return
	}
	r.pending = time.AfterFunc(r.createdDelay, r.runDeferredReconcile)
}

func (r *Registry) runDeferredReconcile() {
	r.timerMu.Lock()
	r.pending = nil
	r.timerMu.Unlock()

	if err := r.Reconcile(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
		logger.WithComponent("registry").Warn().Err(err).Msg("Deferred reconcile failed")
	}
}

// Reconcile synchronizes the tracked sessions with the provider's live
// sessions, then rebalances. Removed sessions keep their baseline.
func (r *Registry) Reconcile(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if r.inactive() {
		return ErrClosed
	}

	log := logger.WithComponent("registry")

	infos, err := r.provider.ListActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	live := make(map[int]audio.SessionInfo, len(infos))
	for _, info := range infos {
		if info.State == audio.StateActive && info.PID > 0 {
			live[info.PID] = info
		}
	}

	for _, pid := range r.trackedPIDs() {
		if _, ok := live[pid]; !ok {
			r.removeSession(pid)
		}
	}

	pids := make([]int, 0, len(live))
	for pid := range live {
		pids = append(pids, pid)
	}
	sort.Ints(pids)

	added := 0
	for _, pid := range pids {
		if r.isTracked(pid) {
			r.refreshSession(live[pid])
			continue
		}

		volume, err := r.provider.GetVolume(ctx, pid)
		if err != nil {
			if errors.Is(err, audio.ErrStaleHandle) {
				log.Debug().Int("pid", pid).Msg("Session vanished before its volume could be read")
			} else {
				log.Warn().Err(err).Int("pid", pid).Msg("Failed to read session volume, will retry")
			}
			continue
		}

		r.addSession(live[pid], volume)
		added++
	}

	r.rebalanceLocked(ctx)

	if added > 0 && r.Foreground() == NoForeground && r.refresher != nil {
		go r.refresher.Refresh()
	}
	return nil
}

func (r *Registry) trackedPIDs() []int {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()

	pids := make([]int, 0, len(r.sessions))
	for pid := range r.sessions {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

func (r *Registry) isTracked(pid int) bool {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	_, ok := r.sessions[pid]
	return ok
}

func (r *Registry) addSession(info audio.SessionInfo, volume float64) {
	volume = audio.Clamp(volume)

	r.stateMu.Lock()
	baseline, known := r.baselines[info.PID]
	if !known {
		baseline = volume
		r.baselines[info.PID] = baseline
	}
	s := &trackedSession{info: info, volume: volume}
	r.sessions[info.PID] = s
	snap := r.sessionLocked(s)
	r.stateMu.Unlock()

	logger.WithComponent("registry").Info().
		Int("pid", info.PID).
		Str("name", info.DisplayName).
		Float64("volume", volume).
		Float64("baseline", baseline).
		Bool("baseline_reused", known).
		Msg("Session added")

	r.broker.Publish(SessionAdded, Event{PID: info.PID, Session: snap, Volume: volume})
}

// refreshSession updates a tracked session's description. A changed stream
// set means a stream may be playing at a volume we never wrote.
func (r *Registry) refreshSession(info audio.SessionInfo) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()

	s, ok := r.sessions[info.PID]
	if !ok {
		return
	}
	if !slices.Equal(s.info.Streams, info.Streams) {
		logger.WithComponent("registry").Debug().
			Int("pid", info.PID).
			Ints("streams", info.Streams).
			Msg("Session streams changed")
		s.stale = true
	}
	s.info = info
}

// removeSession drops the session but keeps its baseline
func (r *Registry) removeSession(pid int) {
	r.stateMu.Lock()
	s, ok := r.sessions[pid]
	if !ok {
		r.stateMu.Unlock()
		return
	}
	delete(r.sessions, pid)
	snap := r.sessionLocked(s)
	r.stateMu.Unlock()

	logger.WithComponent("registry").Info().
		Int("pid", pid).
		Str("name", s.info.DisplayName).
		Msg("Session removed")

	r.broker.Publish(SessionRemoved, Event{PID: pid, Session: snap, Volume: s.volume})
}

// SetForeground records the process owning the active window and rebalances
// if it changed
func (r *Registry) SetForeground(ctx context.Context, pid int) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if r.inactive() {
		return ErrClosed
	}

	r.stateMu.Lock()
	previous := r.foreground
	if previous == pid {
		r.stateMu.Unlock()
		return nil
	}
	r.foreground = pid
	r.stateMu.Unlock()

	logger.WithComponent("registry").Debug().
		Int("previous", previous).
		Int("pid", pid).
		Msg("Foreground changed")

	r.rebalanceLocked(ctx)
	return nil
}

// SetBackgroundFactor clamps f to [0, 1] and rebalances if it changed
func (r *Registry) SetBackgroundFactor(ctx context.Context, f float64) error {
	f = audio.Clamp(f)

	r.opMu.Lock()
	defer r.opMu.Unlock()

	if r.inactive() {
		return ErrClosed
	}

	r.stateMu.Lock()
	if r.factor == f {
		r.stateMu.Unlock()
		return nil
	}
	r.factor = f
	r.stateMu.Unlock()

	logger.WithComponent("registry").Info().Float64("factor", f).Msg("Background factor changed")

	r.rebalanceLocked(ctx)
	return nil
}

// SetExcluded replaces the set of names exempt from attenuation and
// rebalances if it changed
func (r *Registry) SetExcluded(ctx context.Context, names []string) error {
	set := excludedSet(names)

	r.opMu.Lock()
	defer r.opMu.Unlock()

	if r.inactive() {
		return ErrClosed
	}

	r.stateMu.Lock()
	if sameSet(r.excluded, set) {
		r.stateMu.Unlock()
		return nil
	}
	r.excluded = set
	r.stateMu.Unlock()

	logger.WithComponent("registry").Info().Strs("excluded", names).Msg("Excluded identifiers changed")

	r.rebalanceLocked(ctx)
	return nil
}

// Rebalance recomputes and applies every session's target volume
func (r *Registry) Rebalance(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if r.inactive() {
		return ErrClosed
	}
	r.rebalanceLocked(ctx)
	return nil
}

type rebalanceItem struct {
	pid      int
	baseline float64
	volume   float64
	excluded bool
	stale    bool
}

// itemsLocked copies what a volume pass needs, ordered by pid; opMu must be
// held so the set cannot change underneath the pass
func (r *Registry) itemsLocked() []rebalanceItem {
	r.stateMu.RLock()
	items := make([]rebalanceItem, 0, len(r.sessions))
	for pid, s := range r.sessions {
		items = append(items, rebalanceItem{
			pid:      pid,
			baseline: r.baselines[pid],
			volume:   s.volume,
			excluded: r.isExcludedLocked(s.info),
			stale:    s.stale,
		})
	}
	r.stateMu.RUnlock()

	sort.Slice(items, func(i, j int) bool { return items[i].pid < items[j].pid })
	return items
}

// rebalanceLocked requires opMu. Targets are recomputed from the baseline on
// every pass, so repeated passes never drift.
func (r *Registry) rebalanceLocked(ctx context.Context) {
	r.stateMu.RLock()
	foreground := r.foreground
	factor := r.factor
	r.stateMu.RUnlock()

	// Nothing is attenuated until we know who is in front
	if foreground == NoForeground {
		return
	}

	for _, it := range r.itemsLocked() {
		target := it.baseline
		if !it.excluded && it.pid != foreground {
			target = it.baseline * factor
		}
		r.applyLocked(ctx, it, target)
	}
}

// Restore puts every tracked session back at its baseline, for use when the
// process stops managing volumes. Deferred work is cancelled first and every
// later volume-changing operation returns ErrClosed.
func (r *Registry) Restore(ctx context.Context) error {
	if r.closed.Load() || r.restored.Swap(true) {
		return ErrClosed
	}
	r.stopPending()

	// Waits out an in-flight operation; the next one sees restored
	r.opMu.Lock()
	defer r.opMu.Unlock()

	for _, it := range r.itemsLocked() {
		r.applyLocked(ctx, it, it.baseline)
	}
	return nil
}

func (r *Registry) stopPending() {
	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if r.pending != nil {
		r.pending.Stop()
		r.pending = nil
	}
}

// applyLocked writes target for it.pid unless the session is known to be
// within epsilon of it already; opMu must be held
func (r *Registry) applyLocked(ctx context.Context, it rebalanceItem, target float64) {
	log := logger.WithComponent("registry")
	pid, from := it.pid, it.volume

	if !it.stale && math.Abs(from-target) <= volumeEpsilon {
		return
	}

	if err := r.provider.SetVolume(ctx, pid, target); err != nil {
		if errors.Is(err, audio.ErrStaleHandle) {
			log.Debug().Int("pid", pid).Msg("Session went away while applying volume")
			r.removeSession(pid)
			return
		}
		log.Warn().Err(err).Int("pid", pid).Float64("target", target).Msg("Failed to apply volume, will retry")
		return
	}

	r.stateMu.Lock()
	s, ok := r.sessions[pid]
	if ok {
		s.volume = target
		s.stale = false
	}
	var snap Session
	if ok {
		snap = r.sessionLocked(s)
	}
	r.stateMu.Unlock()

	if !ok {
		return
	}

	log.Debug().
		Int("pid", pid).
		Float64("from", from).
		Float64("to", target).
		Msg("Volume applied")

	r.broker.Publish(VolumeChanged, Event{PID: pid, Session: snap, Volume: target})
}

func (r *Registry) isExcludedLocked(info audio.SessionInfo) bool {
	if len(r.excluded) == 0 {
		return false
	}
	for _, name := range []string{info.ProcessName, info.DisplayName} {
		if name == "" {
			continue
		}
		if _, ok := r.excluded[strings.ToLower(name)]; ok {
			return true
		}
	}
	return false
}

// sessionLocked builds the public view of s; stateMu must be held
func (r *Registry) sessionLocked(s *trackedSession) Session {
	return Session{
		PID:         s.info.PID,
		ProcessName: s.info.ProcessName,
		DisplayName: s.info.DisplayName,
		IconPath:    s.info.IconPath,
		Volume:      s.volume,
		Baseline:    r.baselines[s.info.PID],
		Foreground:  s.info.PID == r.foreground && r.foreground != NoForeground,
		Excluded:    r.isExcludedLocked(s.info),
	}
}

// Snapshot returns a copy of every tracked session ordered by pid
func (r *Registry) Snapshot() []Session {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()

	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, r.sessionLocked(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// Baseline returns the baseline captured for pid, if any
func (r *Registry) Baseline(pid int) (float64, bool) {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	v, ok := r.baselines[pid]
	return v, ok
}

// Foreground returns the current foreground pid or NoForeground
func (r *Registry) Foreground() int {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.foreground
}

// Policy returns the policy currently in effect
func (r *Registry) Policy() Policy {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()

	excluded := make([]string, 0, len(r.excluded))
	for name := range r.excluded {
		excluded = append(excluded, name)
	}
	sort.Strings(excluded)
	return Policy{BackgroundFactor: r.factor, Excluded: excluded}
}

// Close cancels deferred work, waits for an in-flight operation to finish and
// closes the event broker. It is safe to call more than once.
func (r *Registry) Close() {
	if r.closed.Swap(true) {
		return
	}

	r.stopPending()

	// Waits out an in-flight operation so nothing publishes after close
	r.opMu.Lock()
	r.broker.Close()
	r.opMu.Unlock()
}
