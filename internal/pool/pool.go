// Package pool manages a set of engines per connection target. It is the
// external collaborator the engines report to: readiness wakes waiting
// acquirers, a disconnect discards the engine, and notifications fan out to
// a registered handler. Engines return to circulation through Release.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pglink/pglink/internal/conninfo"
	"github.com/pglink/pglink/internal/engine"
)

// Stats holds connection pool statistics for a target.
type Stats struct {
	Target    string `json:"target"`
	Active    int    `json:"active"`
	Idle      int    `json:"idle"`
	Total     int    `json:"total"`
	Waiting   int    `json:"waiting"`
	MaxConns  int    `json:"max_connections"`
	MinConns  int    `json:"min_connections"`
	Exhausted int64  `json:"pool_exhausted_total"`
}

// Settings controls pool sizing and timing.
type Settings struct {
	MinConns       int
	MaxConns       int
	IdleTimeout    time.Duration
	MaxLifetime    time.Duration
	AcquireTimeout time.Duration
	DialTimeout    time.Duration
}

// OnPoolExhausted is called when a pool reaches max engines and a caller
// must wait.
type OnPoolExhausted func(target string)

// NotificationHandler receives LISTEN/NOTIFY payloads from any engine in
// the pool.
type NotificationHandler func(target, channel, payload string)

// Pool manages engines for a single target.
type Pool struct {
	mu       sync.Mutex
	cond     *sync.Cond // broadcast when an engine is released or lost
	target   string
	info     *conninfo.ConnInfo
	password string
	settings Settings
	log      *slog.Logger

	idle      []*pooledEngine
	active    map[*engine.Engine]*pooledEngine
	total     int
	waiting   int
	exhausted int64

	closed          bool
	stopCh          chan struct{}
	onPoolExhausted OnPoolExhausted
	notify          NotificationHandler
}

// New creates a pool for one target. The password is resolved by the
// caller (URI, PGPASSWORD or pgpass precedence) before the pool starts
// dialing.
func New(target string, info *conninfo.ConnInfo, password string, settings Settings) *Pool {
	p := &Pool{
		target:   target,
		info:     info,
		password: password,
		settings: settings,
		log:      slog.Default().With("target", target),
		active:   make(map[*engine.Engine]*pooledEngine),
		stopCh:   make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	go p.reapLoop()

	if settings.MinConns > 0 {
		go p.warmUp()
	}
	return p
}

// SetOnPoolExhausted installs the exhaustion callback.
func (p *Pool) SetOnPoolExhausted(cb OnPoolExhausted) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onPoolExhausted = cb
}

// SetNotificationHandler installs the LISTEN/NOTIFY fan-out.
func (p *Pool) SetNotificationHandler(h NotificationHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notify = h
}

// warmUp pre-connects MinConns engines so the pool is ready for traffic.
func (p *Pool) warmUp() {
	for i := 0; i < p.settings.MinConns; i++ {
		p.mu.Lock()
		if p.closed || p.total >= p.settings.MinConns {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		pe, err := p.dial(context.Background())
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			p.log.Warn("warm-up connection failed", "index", i+1, "want", p.settings.MinConns, "err", err)
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			pe.engine.Close()
			return
		}
		p.idle = append(p.idle, pe)
		p.mu.Unlock()
		p.cond.Broadcast()
	}
}

// dial brings up one engine against the target.
func (p *Pool) dial(ctx context.Context) (*pooledEngine, error) {
	e, err := engine.New(engine.Config{
		Info:        p.info,
		Password:    p.password,
		Pool:        p,
		DialTimeout: p.settings.DialTimeout,
	})
	if err != nil {
		return nil, err
	}
	if p.settings.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.settings.DialTimeout)
		defer cancel()
	}
	if err := e.Connect(ctx); err != nil {
		e.Close()
		return nil, err
	}
	return newPooledEngine(e), nil
}

// Acquire returns a ready engine, dialing a new one when under the limit
// and waiting for a release otherwise.
func (p *Pool) Acquire(ctx context.Context) (*engine.Engine, error) {
	deadlineAt := time.Now().Add(p.settings.AcquireTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadlineAt) {
		deadlineAt = ctxDeadline
	}

	p.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool closed for target %s", p.target)
		}

		// Try an idle engine first.
		for len(p.idle) > 0 {
			pe := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]

			if pe.expired(p.settings.MaxLifetime) || !pe.usable() {
				p.total--
				go pe.engine.Close()
				continue
			}

			pe.lastUsed = time.Now()
			p.active[pe.engine] = pe
			p.mu.Unlock()
			return pe.engine, nil
		}

		// Dial a new engine if under limit.
		if p.total < p.settings.MaxConns {
			p.total++
			p.mu.Unlock()

			pe, err := p.dial(ctx)

			p.mu.Lock()
			if err != nil {
				p.total--
				p.mu.Unlock()
				p.cond.Broadcast()
				return nil, fmt.Errorf("connecting to %s for target %s: %w", p.info.Addr(), p.target, err)
			}
			pe.lastUsed = time.Now()
			p.active[pe.engine] = pe
			p.mu.Unlock()
			return pe.engine, nil
		}

		// Pool exhausted, wait for a release.
		p.waiting++
		p.exhausted++
		cb := p.onPoolExhausted
		p.mu.Unlock()

		if cb != nil {
			cb(p.target)
		}

		p.mu.Lock()
		remaining := time.Until(deadlineAt)
		if remaining <= 0 {
			p.waiting--
			p.mu.Unlock()
			return nil, fmt.Errorf("acquire timeout (%s) for target %s: pool exhausted", p.settings.AcquireTimeout, p.target)
		}

		timer := time.AfterFunc(remaining, func() {
			p.cond.Broadcast()
		})
		p.cond.Wait()
		timer.Stop()

		p.waiting--

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool closing for target %s", p.target)
		}

		if time.Now().After(deadlineAt) {
			p.mu.Unlock()
			return nil, fmt.Errorf("acquire timeout (%s) for target %s: pool exhausted", p.settings.AcquireTimeout, p.target)
		}
	}
}

// Release returns an engine to the pool. Engines that are no longer ready
// are discarded rather than recirculated.
func (p *Pool) Release(e *engine.Engine) {
	p.mu.Lock()
	pe, ok := p.active[e]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.active, e)

	if p.closed || !pe.usable() {
		p.total--
		p.mu.Unlock()
		e.Close()
		p.cond.Broadcast()
		return
	}

	pe.lastUsed = time.Now()
	p.idle = append(p.idle, pe)
	p.mu.Unlock()
	p.cond.Broadcast()
}

// EngineReady implements engine.Collaborator. Fires on every ReadyForQuery;
// waiters may be able to proceed.
func (p *Pool) EngineReady(e *engine.Engine) {
	p.log.Debug("engine ready", "state", e.ReadyState.Get())
	p.cond.Broadcast()
}

// EngineDisconnected implements engine.Collaborator. The engine is dropped
// from circulation wherever it currently sits.
func (p *Pool) EngineDisconnected(e *engine.Engine) {
	p.mu.Lock()
	if _, ok := p.active[e]; ok {
		delete(p.active, e)
		p.total--
	} else {
		for i, pe := range p.idle {
			if pe.engine == e {
				p.idle = append(p.idle[:i], p.idle[i+1:]...)
				p.total--
				break
			}
		}
	}
	p.mu.Unlock()
	p.cond.Broadcast()
	p.log.Debug("engine disconnected")
}

// Notification implements engine.Collaborator.
func (p *Pool) Notification(e *engine.Engine, channel, payload string) {
	p.mu.Lock()
	h := p.notify
	p.mu.Unlock()
	if h != nil {
		h(p.target, channel, payload)
	}
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Target:    p.target,
		Active:    len(p.active),
		Idle:      len(p.idle),
		Total:     p.total,
		Waiting:   p.waiting,
		MaxConns:  p.settings.MaxConns,
		MinConns:  p.settings.MinConns,
		Exhausted: p.exhausted,
	}
}

// reapLoop periodically drops idle and expired engines above MinConns.
func (p *Pool) reapLoop() {
	interval := p.settings.IdleTimeout / 2
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	var keep []*pooledEngine
	var victims []*pooledEngine
	for _, pe := range p.idle {
		reapable := pe.expired(p.settings.MaxLifetime) || pe.idleFor(p.settings.IdleTimeout) || !pe.usable()
		if reapable && p.total > p.settings.MinConns {
			victims = append(victims, pe)
			p.total--
			continue
		}
		keep = append(keep, pe)
	}
	p.idle = keep
	p.mu.Unlock()

	for _, pe := range victims {
		pe.engine.Close()
	}
	if len(victims) > 0 {
		p.log.Debug("reaped idle engines", "count", len(victims))
	}
}

// Close tears down every engine and refuses further acquires.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	engines := make([]*pooledEngine, 0, len(p.idle)+len(p.active))
	engines = append(engines, p.idle...)
	for _, pe := range p.active {
		engines = append(engines, pe)
	}
	p.idle = nil
	p.active = map[*engine.Engine]*pooledEngine{}
	p.total = 0
	p.mu.Unlock()
	p.cond.Broadcast()

	for _, pe := range engines {
		pe.engine.Close()
	}
}

// StatsCallback receives periodic pool stats.
type StatsCallback func(Stats)

// Manager tracks pools keyed by target name.
type Manager struct {
	mu       sync.Mutex
	pools    map[string]*Pool
	defaults Settings
	stopCh   chan struct{}
}

// NewManager creates a pool manager with default settings.
func NewManager(defaults Settings) *Manager {
	return &Manager{
		pools:    make(map[string]*Pool),
		defaults: defaults,
		stopCh:   make(chan struct{}),
	}
}

// GetOrCreate returns the pool for a target, creating it on first use.
func (m *Manager) GetOrCreate(target string, info *conninfo.ConnInfo, password string, settings *Settings) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[target]; ok {
		return p
	}
	s := m.defaults
	if settings != nil {
		s = *settings
	}
	p := New(target, info, password, s)
	m.pools[target] = p
	return p
}

// Get returns the pool for a target if it exists.
func (m *Manager) Get(target string) (*Pool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[target]
	return p, ok
}

// Remove closes and forgets a target's pool.
func (m *Manager) Remove(target string) bool {
	m.mu.Lock()
	p, ok := m.pools[target]
	delete(m.pools, target)
	m.mu.Unlock()
	if ok {
		p.Close()
	}
	return ok
}

// AllStats snapshots every pool.
func (m *Manager) AllStats() []Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := make([]Stats, 0, len(m.pools))
	for _, p := range m.pools {
		stats = append(stats, p.Stats())
	}
	return stats
}

// StartStatsLoop reports stats for all pools at the given interval.
func (m *Manager) StartStatsLoop(interval time.Duration, cb StatsCallback) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for _, s := range m.AllStats() {
					cb(s)
				}
			case <-m.stopCh:
				return
			}
		}
	}()
}

// UpdateDefaults swaps the default settings used for new pools.
func (m *Manager) UpdateDefaults(defaults Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults = defaults
}

// Close shuts down every pool.
func (m *Manager) Close() {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.pools = map[string]*Pool{}
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	m.mu.Unlock()
	for _, p := range pools {
		p.Close()
	}
}
