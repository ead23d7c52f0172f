package pool

import (
	"time"

	"github.com/pglink/pglink/internal/engine"
)

// pooledEngine wraps an engine with pooling metadata.
type pooledEngine struct {
	engine    *engine.Engine
	createdAt time.Time
	lastUsed  time.Time
}

func newPooledEngine(e *engine.Engine) *pooledEngine {
	now := time.Now()
	return &pooledEngine{engine: e, createdAt: now, lastUsed: now}
}

// expired checks if the engine has exceeded its max lifetime.
func (pe *pooledEngine) expired(maxLifetime time.Duration) bool {
	if maxLifetime <= 0 {
		return false
	}
	return time.Since(pe.createdAt) > maxLifetime
}

// idleFor checks if the engine has been unused longer than the timeout.
func (pe *pooledEngine) idleFor(idleTimeout time.Duration) bool {
	if idleTimeout <= 0 {
		return false
	}
	return time.Since(pe.lastUsed) > idleTimeout
}

// usable reports whether the engine can serve another query. An engine
// whose read loop saw EOF reports not-ready without any probe traffic.
func (pe *pooledEngine) usable() bool {
	return pe.engine.Ready()
}
