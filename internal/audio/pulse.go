package audio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/bryanchriswhite/FocusDucker/internal/logger"
)

const (
	// volumeNorm is PA_VOLUME_NORM, the raw value for 100%
	volumeNorm = 0x10000

	defaultCommandTimeout = 2 * time.Second
	keepaliveInterval     = time.Second
	eventQueueSize        = 64
)

var (
	// ErrProviderClosed is returned by operations on a closed provider
	ErrProviderClosed = errors.New("pulse provider closed")

	// errRejected marks a request the sound server answered with an error.
	// Anything else failing a request means the connection is gone.
	errRejected = errors.New("sound server rejected request")
)

// sinkInput is the part of a sink input the provider works with
type sinkInput struct {
	Index   uint32
	Corked  bool
	Volumes []uint32
	Props   map[string]string
}

func (s sinkInput) pid() int {
	pid, err := strconv.Atoi(s.Props["application.process.id"])
	if err != nil {
		return 0
	}
	return pid
}

// volume averages the channel volumes
func (s sinkInput) volume() float64 {
	if len(s.Volumes) == 0 {
		return 1
	}
	var total float64
	for _, v := range s.Volumes {
		total += float64(v)
	}
	return Clamp(total / float64(len(s.Volumes)) / volumeNorm)
}

// pulseClient is one connection to the sound server. Subscribe's handler is
// called on the connection's read loop and must not issue requests.
type pulseClient interface {
	SinkInputs(ctx context.Context) ([]sinkInput, error)
	SetSinkInputVolume(ctx context.Context, index uint32, volumes []uint32) error
	Subscribe(ctx context.Context, handler func(kind EventKind, index uint32)) error
	Ping(ctx context.Context) error
	Close() error
}

// PulseConfig configures the provider
type PulseConfig struct {
	// Server overrides the server address; empty uses PULSE_SERVER or the
	// default user socket
	Server string
	// CommandTimeout bounds each request to the sound server
	CommandTimeout time.Duration
}

// PulseProvider implements Provider over the PulseAudio native protocol. It
// works against both PulseAudio and PipeWire's pulse server. A lost
// connection is re-established on the next request or keepalive, and
// subscribers are then told to resynchronize.
type PulseProvider struct {
	dial      func() (pulseClient, error)
	timeout   time.Duration
	keepalive time.Duration

	connMu sync.Mutex
	conn   pulseClient
	// lost is set when a connection is dropped; events may have been missed
	lost bool

	mu sync.RWMutex
	// streams per pid from the most recent listing
	streams map[int][]sinkInput
	// pid owning each sink input, kept so remove events can be attributed
	owners map[uint32]int

	subMu    sync.Mutex
	handlers map[int]func(Event)
	nextSub  int
	closed   bool

	events chan Event
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPulseProvider connects to the sound server and starts watching sink
// inputs
func NewPulseProvider(cfg PulseConfig) (*PulseProvider, error) {
	p := newPulseProvider(func() (pulseClient, error) {
		return dialPulse(cfg.Server)
	}, cfg.CommandTimeout, keepaliveInterval)

	if _, err := p.client(); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("failed to reach sound server: %w", err)
	}

	logger.WithComponent("pulse").Info().Str("server", cfg.Server).Msg("Connected to sound server")
	return p, nil
}

func newPulseProvider(dial func() (pulseClient, error), timeout, keepalive time.Duration) *PulseProvider {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	p := &PulseProvider{
		dial:      dial,
		timeout:   timeout,
		keepalive: keepalive,
		streams:   make(map[int][]sinkInput),
		owners:    make(map[uint32]int),
		handlers:  make(map[int]func(Event)),
		events:    make(chan Event, eventQueueSize),
		stopCh:    make(chan struct{}),
	}

	p.wg.Add(2)
	go p.dispatch()
	go p.monitor()
	return p
}

// Name returns the provider name
func (p *PulseProvider) Name() string {
	return "pulse"
}

func (p *PulseProvider) isClosed() bool {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	return p.closed
}

// client returns the live connection, dialing and subscribing if there is
// none
func (p *PulseProvider) client() (pulseClient, error) {
	p.connMu.Lock()
	defer p.connMu.Unlock()

	if p.conn != nil {
		return p.conn, nil
	}
	if p.isClosed() {
		return nil, ErrProviderClosed
	}

	c, err := p.dial()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := c.Subscribe(ctx, p.onServerEvent); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to subscribe to sink input events: %w", err)
	}
	p.conn = c

	if p.lost {
		p.lost = false
		logger.WithComponent("pulse").Info().Msg("Reconnected to sound server")
		p.enqueue(Event{Kind: SessionStateChanged})
	}
	return c, nil
}

// checkConn drops c if err means the connection is unusable
func (p *PulseProvider) checkConn(c pulseClient, err error) {
	if err == nil || errors.Is(err, errRejected) || errors.Is(err, ErrStaleHandle) {
		return
	}

	p.connMu.Lock()
	dropped := p.conn == c
	if dropped {
		p.conn = nil
		p.lost = true
	}
	p.connMu.Unlock()

	if dropped {
		_ = c.Close()
		logger.WithComponent("pulse").Warn().Err(err).Msg("Lost connection to sound server")
	}
}

func (p *PulseProvider) listSinkInputs(ctx context.Context) ([]sinkInput, error) {
	c, err := p.client()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	inputs, err := c.SinkInputs(ctx)
	if err != nil {
		p.checkConn(c, err)
		return nil, fmt.Errorf("failed to list sink inputs: %w", err)
	}
	return inputs, nil
}

// groupSessions collapses sink inputs into one session per process. A
// process is active if any of its streams is uncorked.
func groupSessions(inputs []sinkInput) ([]SessionInfo, map[int][]sinkInput) {
	byPID := make(map[int]*SessionInfo)
	streams := make(map[int][]sinkInput)

	for _, in := range inputs {
		pid := in.pid()
		if pid <= 0 {
			continue
		}
		streams[pid] = append(streams[pid], in)

		info, ok := byPID[pid]
		if !ok {
			info = &SessionInfo{
				PID:         pid,
				ProcessName: in.Props["application.process.binary"],
				DisplayName: in.Props["application.name"],
				IconPath:    in.Props["application.icon_name"],
				State:       StateInactive,
			}
			if info.DisplayName == "" {
				info.DisplayName = info.ProcessName
			}
			byPID[pid] = info
		}
		if !in.Corked {
			info.State = StateActive
		}
		info.Streams = append(info.Streams, int(in.Index))
	}

	sessions := make([]SessionInfo, 0, len(byPID))
	for pid, info := range byPID {
		ins := streams[pid]
		sort.Slice(ins, func(i, j int) bool { return ins[i].Index < ins[j].Index })
		sort.Ints(info.Streams)
		sessions = append(sessions, *info)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].PID < sessions[j].PID })
	return sessions, streams
}

// ListActiveSessions lists every attributable sink input grouped by process
func (p *PulseProvider) ListActiveSessions(ctx context.Context) ([]SessionInfo, error) {
	inputs, err := p.listSinkInputs(ctx)
	if err != nil {
		return nil, err
	}

	sessions, streams := groupSessions(inputs)

	p.mu.Lock()
	p.streams = streams
	for pid, ins := range streams {
		for _, in := range ins {
			p.owners[in.Index] = pid
		}
	}
	p.mu.Unlock()

	return sessions, nil
}

// GetVolume returns the volume of the process's first stream as of the most
// recent listing, listing again if the process was not in it
func (p *PulseProvider) GetVolume(ctx context.Context, pid int) (float64, error) {
	if v, ok := p.cachedVolume(pid); ok {
		return v, nil
	}

	if _, err := p.ListActiveSessions(ctx); err != nil {
		return 0, err
	}
	if v, ok := p.cachedVolume(pid); ok {
		return v, nil
	}
	return 0, fmt.Errorf("pid %d: %w", pid, ErrStaleHandle)
}

func (p *PulseProvider) cachedVolume(pid int) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ins := p.streams[pid]
	if len(ins) == 0 {
		return 0, false
	}
	return ins[0].volume(), true
}

// channelVolumes spreads volume over n channels
func channelVolumes(n int, volume float64) []uint32 {
	if n < 1 {
		n = 1
	}
	raw := uint32(math.Round(Clamp(volume) * volumeNorm))
	out := make([]uint32, n)
	for i := range out {
		out[i] = raw
	}
	return out
}

// SetVolume writes the volume to every stream the process owns
func (p *PulseProvider) SetVolume(ctx context.Context, pid int, volume float64) error {
	p.mu.RLock()
	ins := append([]sinkInput(nil), p.streams[pid]...)
	p.mu.RUnlock()

	if len(ins) == 0 {
		return fmt.Errorf("pid %d: %w", pid, ErrStaleHandle)
	}

	c, err := p.client()
	if err != nil {
		return fmt.Errorf("failed to set volume for pid %d: %w", pid, err)
	}

	applied := 0
	var lastErr error
	for _, in := range ins {
		volumes := channelVolumes(len(in.Volumes), volume)

		cctx, cancel := context.WithTimeout(ctx, p.timeout)
		err := c.SetSinkInputVolume(cctx, in.Index, volumes)
		cancel()
		if err != nil {
			if errors.Is(err, ErrStaleHandle) {
				p.forgetStream(pid, in.Index)
				continue
			}
			p.checkConn(c, err)
			lastErr = err
			continue
		}
		p.recordVolume(pid, in.Index, volumes)
		applied++
	}

	if applied > 0 {
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("failed to set volume for pid %d: %w", pid, lastErr)
	}
	return fmt.Errorf("pid %d: %w", pid, ErrStaleHandle)
}

func (p *PulseProvider) recordVolume(pid int, index uint32, volumes []uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.streams[pid] {
		if p.streams[pid][i].Index == index {
			p.streams[pid][i].Volumes = volumes
		}
	}
}

func (p *PulseProvider) forgetStream(pid int, index uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := make([]sinkInput, 0, len(p.streams[pid]))
	for _, in := range p.streams[pid] {
		if in.Index != index {
			kept = append(kept, in)
		}
	}
	if len(kept) == 0 {
		delete(p.streams, pid)
	} else {
		p.streams[pid] = kept
	}
	delete(p.owners, index)
}

// onServerEvent runs on the connection's read loop, so it only queues
func (p *PulseProvider) onServerEvent(kind EventKind, index uint32) {
	p.mu.Lock()
	pid := p.owners[index]
	if kind == SessionDisconnected {
		delete(p.owners, index)
	}
	p.mu.Unlock()

	p.enqueue(Event{Kind: kind, PID: pid})
}

func (p *PulseProvider) enqueue(ev Event) {
	select {
	case p.events <- ev:
	default:
		// A queued event already triggers a full resync
		logger.WithComponent("pulse").Debug().Str("kind", string(ev.Kind)).Msg("Event queue full, dropping")
	}
}

func (p *PulseProvider) dispatch() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case ev := <-p.events:
			p.subMu.Lock()
			handlers := make([]func(Event), 0, len(p.handlers))
			for _, h := range p.handlers {
				handlers = append(handlers, h)
			}
			p.subMu.Unlock()

			for _, h := range handlers {
				h(ev)
			}
		}
	}
}

// monitor pings the server so a restarted server is noticed, and reconnected
// to, even while nothing else is talking to it
func (p *PulseProvider) monitor() {
	defer p.wg.Done()
	if p.keepalive <= 0 {
		return
	}

	ticker := time.NewTicker(p.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.ping()
		}
	}
}

func (p *PulseProvider) ping() {
	c, err := p.client()
	if err != nil {
		if !errors.Is(err, ErrProviderClosed) {
			logger.WithComponent("pulse").Debug().Err(err).Msg("Sound server unreachable")
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	p.checkConn(c, c.Ping(ctx))
}

// Subscribe registers handler for sink input lifecycle events. Handlers run
// on a single dispatch goroutine, one event at a time.
func (p *PulseProvider) Subscribe(handler func(Event)) (func(), error) {
	p.subMu.Lock()
	if p.closed {
		p.subMu.Unlock()
		return nil, ErrProviderClosed
	}
	id := p.nextSub
	p.nextSub++
	p.handlers[id] = handler
	p.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.subMu.Lock()
			defer p.subMu.Unlock()
			delete(p.handlers, id)
		})
	}, nil
}

// Close stops event delivery and closes the connection
func (p *PulseProvider) Close() error {
	p.subMu.Lock()
	if p.closed {
		p.subMu.Unlock()
		return nil
	}
	p.closed = true
	p.handlers = make(map[int]func(Event))
	p.subMu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	p.connMu.Lock()
	c := p.conn
	p.conn = nil
	p.connMu.Unlock()

	if c != nil {
		return c.Close()
	}
	return nil
}
