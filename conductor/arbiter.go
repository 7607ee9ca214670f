package conductor

import "sync"

// Arbiter merges cluster-map updates arriving from the three sources
// named in spec.md §4.3 (HTTP bootstrap stream, DCP server push,
// explicit GET_CLUSTER_CONFIG) and publishes the freshest one to
// subscribers. It never regresses: a map whose revision is ≤ the
// current one is rejected, and of two maps with the same revision the
// first one wins (spec.md §4.3 race rule).
type Arbiter struct {
	mu          sync.Mutex
	current     ClusterMap
	haveCurrent bool
	subscribers []chan ClusterMap
	waiters     []chan struct{}
}

func NewArbiter() *Arbiter {
	return &Arbiter{}
}

// Apply offers a newly observed cluster map. It returns true if the
// map was accepted (became the new current map).
func (a *Arbiter) Apply(m ClusterMap) bool {
	a.mu.Lock()
	if a.haveCurrent && !m.Revision.Newer(a.current.Revision) {
		a.mu.Unlock()
		return false
	}
	a.current = m
	a.haveCurrent = true
	subs := append([]chan ClusterMap(nil), a.subscribers...)
	var waiters []chan struct{}
	if m.Ready() {
		waiters = a.waiters
		a.waiters = nil
	}
	a.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- m:
		default:
			// Slow subscriber: drop rather than block the arbiter,
			// it will pick up the latest map on its next receive.
		}
	}
	for _, w := range waiters {
		close(w)
	}
	return true
}

// Current returns the most recently accepted map and whether one has
// ever been accepted.
func (a *Arbiter) Current() (ClusterMap, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current, a.haveCurrent
}

// Subscribe registers a channel that receives every subsequently
// accepted map. The returned function unregisters it.
func (a *Arbiter) Subscribe() (<-chan ClusterMap, func()) {
	ch := make(chan ClusterMap, 8)
	a.mu.Lock()
	a.subscribers = append(a.subscribers, ch)
	a.mu.Unlock()
	return ch, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		for i, c := range a.subscribers {
			if c == ch {
				a.subscribers = append(a.subscribers[:i], a.subscribers[i+1:]...)
				break
			}
		}
	}
}

// WaitReady blocks until a non-empty map has been accepted (spec.md
// §4.3's "bucket just created" case, tested by spec.md §8 scenario 6),
// or the context/done channel closes.
func (a *Arbiter) WaitReady(done <-chan struct{}) ClusterMap {
	a.mu.Lock()
	if a.haveCurrent && a.current.Ready() {
		m := a.current
		a.mu.Unlock()
		return m
	}
	w := make(chan struct{})
	a.waiters = append(a.waiters, w)
	a.mu.Unlock()

	select {
	case <-w:
	case <-done:
		return ClusterMap{}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}
