// Package audiotest provides an in-memory audio.Provider for tests.
package audiotest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bryanchriswhite/FocusDucker/internal/audio"
)

// Provider is a scriptable in-memory audio.Provider
type Provider struct {
	mu       sync.Mutex
	sessions map[int]audio.SessionInfo
	volumes  map[int]float64
	setCalls map[int]int
	getErrs  map[int]error
	setErrs  map[int]error
	listErr  error
	subErr   error
	handlers map[int]func(audio.Event)
	nextSub  int
	nextIdx  int
	closed   int
}

var _ audio.Provider = (*Provider)(nil)

// New creates an empty provider
func New() *Provider {
	return &Provider{
		sessions: make(map[int]audio.SessionInfo),
		volumes:  make(map[int]float64),
		setCalls: make(map[int]int),
		getErrs:  make(map[int]error),
		setErrs:  make(map[int]error),
		handlers: make(map[int]func(audio.Event)),
	}
}

// AddSession makes a process appear as an active session at the given volume
func (p *Provider) AddSession(pid int, name string, volume float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextIdx++
	p.sessions[pid] = audio.SessionInfo{
		PID:         pid,
		ProcessName: name,
		DisplayName: name,
		State:       audio.StateActive,
		Streams:     []int{p.nextIdx},
	}
	p.volumes[pid] = volume
}

// AddStream gives an existing session another stream playing at volume. The
// fake keeps one volume per process, so the whole session now reads volume
// until something writes it.
func (p *Provider) AddStream(pid int, volume float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.sessions[pid]
	if !ok {
		return
	}
	p.nextIdx++
	info.Streams = append(append([]int(nil), info.Streams...), p.nextIdx)
	p.sessions[pid] = info
	p.volumes[pid] = volume
}

// SetState changes a session's activity state
func (p *Provider) SetState(pid int, state audio.ActivityState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if info, ok := p.sessions[pid]; ok {
		info.State = state
		p.sessions[pid] = info
	}
}

// RemoveSession makes a process disappear
func (p *Provider) RemoveSession(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, pid)
	delete(p.volumes, pid)
}

// SetExternalVolume changes a volume as if another program had done it
func (p *Provider) SetExternalVolume(pid int, volume float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volumes[pid] = volume
}

// FailList makes ListActiveSessions return err (nil clears it)
func (p *Provider) FailList(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listErr = err
}

// FailGet makes GetVolume for pid return err (nil clears it)
func (p *Provider) FailGet(pid int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.getErrs, pid)
		return
	}
	p.getErrs[pid] = err
}

// FailSet makes SetVolume for pid return err (nil clears it)
func (p *Provider) FailSet(pid int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.setErrs, pid)
		return
	}
	p.setErrs[pid] = err
}

// FailSubscribe makes Subscribe return err (nil clears it)
func (p *Provider) FailSubscribe(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subErr = err
}

// Volume returns the volume last written for pid
func (p *Provider) Volume(pid int) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volumes[pid]
}

// SetCalls returns how many successful SetVolume calls pid received
func (p *Provider) SetCalls(pid int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setCalls[pid]
}

// Emit delivers an event to every subscriber
func (p *Provider) Emit(ev audio.Event) {
	p.mu.Lock()
	handlers := make([]func(audio.Event), 0, len(p.handlers))
	for _, h := range p.handlers {
		handlers = append(handlers, h)
	}
	p.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Subscribers returns the number of live subscriptions
func (p *Provider) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handlers)
}

// Closed returns how many times Close was called
func (p *Provider) Closed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Provider) ListActiveSessions(ctx context.Context) ([]audio.SessionInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listErr != nil {
		return nil, p.listErr
	}
	out := make([]audio.SessionInfo, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out, nil
}

func (p *Provider) GetVolume(ctx context.Context, pid int) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.getErrs[pid]; err != nil {
		return 0, err
	}
	if _, ok := p.sessions[pid]; !ok {
		return 0, fmt.Errorf("pid %d: %w", pid, audio.ErrStaleHandle)
	}
	return p.volumes[pid], nil
}

func (p *Provider) SetVolume(ctx context.Context, pid int, volume float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.setErrs[pid]; err != nil {
		return err
	}
	if _, ok := p.sessions[pid]; !ok {
		return fmt.Errorf("pid %d: %w", pid, audio.ErrStaleHandle)
	}
	p.volumes[pid] = audio.Clamp(volume)
	p.setCalls[pid]++
	return nil
}

func (p *Provider) Subscribe(handler func(audio.Event)) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subErr != nil {
		return nil, p.subErr
	}
	id := p.nextSub
	p.nextSub++
	p.handlers[id] = handler
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.handlers, id)
	}, nil
}

func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *Provider) Name() string {
	return "fake"
}
