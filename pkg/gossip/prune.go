package gossip

import (
	"sync"
	"time"
)

type pruneKey struct {
	peer   string
	origin string
}

type pruneCounter struct {
	count       int
	windowStart time.Time
}

// pruneManager tracks, per (sender, origin) pair, how often the sender
// relayed records we already held. When a pair crosses the redundancy
// threshold within the window a prune is emitted asking the sender to stop
// relaying that origin, collapsing redundant fan-out paths one edge at a
// time with no global coordination.
type pruneManager struct {
	threshold int
	window    time.Duration

	counters map[pruneKey]*pruneCounter

	// mu protects the above fields.
	mu sync.Mutex
}

func newPruneManager(threshold int, window time.Duration) *pruneManager {
	return &pruneManager{
		threshold: threshold,
		window:    window,
		counters:  make(map[pruneKey]*pruneCounter),
	}
}

// RecordDuplicate charges a stale push receipt to the (peer, origin) pair.
func (m *pruneManager) RecordDuplicate(peer, origin string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pruneKey{peer: peer, origin: origin}
	counter, ok := m.counters[key]
	if !ok || now.Sub(counter.windowStart) > m.window {
		counter = &pruneCounter{windowStart: now}
		m.counters[key] = counter
	}
	counter.count++
}

// Evaluate returns, per peer, the origins whose redundancy crossed the
// threshold within the window. A crossing is reported exactly once: the
// counter restarts after it is reported.
func (m *pruneManager) Evaluate(now time.Time) map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var prunes map[string][]string
	for key, counter := range m.counters {
		if now.Sub(counter.windowStart) > m.window {
			delete(m.counters, key)
			continue
		}
		if counter.count < m.threshold {
			continue
		}

		if prunes == nil {
			prunes = make(map[string][]string)
		}
		prunes[key.peer] = append(prunes[key.peer], key.origin)
		delete(m.counters, key)
	}
	return prunes
}
