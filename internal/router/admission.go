package router

import "sync"

// Admission tracks in-flight calls per provider and enforces the
// configured concurrency ceilings. A limit of zero means unlimited.
type Admission struct {
	mu       sync.Mutex
	limits   map[string]int
	inflight map[string]int
}

func NewAdmission(limits map[string]int) *Admission {
	return &Admission{
		limits:   limits,
		inflight: make(map[string]int),
	}
}

// TryAcquire claims an in-flight slot. It returns false when the
// provider is already at its ceiling; the caller must not dispatch.
func (a *Admission) TryAcquire(provider string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if limit := a.limits[provider]; limit > 0 && a.inflight[provider] >= limit {
		return false
	}
	a.inflight[provider]++
	return true
}

// Release returns a slot claimed by TryAcquire.
func (a *Admission) Release(provider string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inflight[provider] > 0 {
		a.inflight[provider]--
	}
}

func (a *Admission) InFlight(provider string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inflight[provider]
}
