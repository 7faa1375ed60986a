package usecase

import (
	"sync"
	"time"
)

// ProviderState is the availability of an external analysis provider
type ProviderState string

const (
	ProviderAvailable   ProviderState = "available"
	ProviderLimited     ProviderState = "limited"
	ProviderUnavailable ProviderState = "unavailable"
)

const defaultRateWindow = 60 * time.Second

// ProviderStatus is a point-in-time view of one provider
type ProviderStatus struct {
	Name        string        `json:"name"`
	State       ProviderState `json:"state"`
	Until       *time.Time    `json:"until,omitempty"`
	Requests    int           `json:"requests"`
	WindowStart time.Time     `json:"windowStart"`
	LastError   string        `json:"lastError,omitempty"`
}

type providerEntry struct {
	state       ProviderState
	until       time.Time
	requests    int
	windowStart time.Time
	lastError   string
}

// ProviderTracker holds per-provider availability and a fixed-window request counter.
//
//	available -> limited(until end of window) -> available
//	available -> unavailable(until now+window) -> available (expiry or successful probe)
type ProviderTracker struct {
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	order     []string
	providers map[string]*providerEntry
}

// NewProviderTracker creates a tracker with the given rate window
func NewProviderTracker(window time.Duration, names ...string) *ProviderTracker {
	if window <= 0 {
		window = defaultRateWindow
	}
	t := &ProviderTracker{
		window:    window,
		now:       time.Now,
		providers: make(map[string]*providerEntry),
	}
	for _, name := range names {
		t.Register(name)
	}
	return t
}

// Register adds a provider in the available state
func (t *ProviderTracker) Register(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entry(name)
}

// Available reports whether the provider may be called now
func (t *ProviderTracker) Available(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entry(name).state == ProviderAvailable
}

// RecordAttempt counts one network attempt against the current window
func (t *ProviderTracker) RecordAttempt(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entry(name).requests++
}

// MarkLimited marks the provider rate limited until the end of the current window
func (t *ProviderTracker) MarkLimited(name string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entry(name)
	e.state = ProviderLimited
	e.until = e.windowStart.Add(t.window)
	e.lastError = errString(err)
}

// MarkUnavailable takes the provider out of rotation for one window
func (t *ProviderTracker) MarkUnavailable(name string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entry(name)
	e.state = ProviderUnavailable
	e.until = t.now().Add(t.window)
	e.lastError = errString(err)
}

// MarkHealthy records a successful call
func (t *ProviderTracker) MarkHealthy(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entry(name)
	if e.state == ProviderUnavailable {
		e.state = ProviderAvailable
		e.until = time.Time{}
	}
	e.lastError = ""
}

// Status returns the state of one provider
func (t *ProviderTracker) Status(name string) ProviderStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status(name)
}

// Snapshot returns the state of every registered provider in registration order
func (t *ProviderTracker) Snapshot() []ProviderStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ProviderStatus, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.status(name))
	}
	return out
}

func (t *ProviderTracker) status(name string) ProviderStatus {
	e := t.entry(name)
	s := ProviderStatus{
		Name:        name,
		State:       e.state,
		Requests:    e.requests,
		WindowStart: e.windowStart,
		LastError:   e.lastError,
	}
	if e.state != ProviderAvailable {
		until := e.until
		s.Until = &until
	}
	return s
}

// entry returns the provider's record after applying window and expiry transitions.
// Caller must hold mu.
func (t *ProviderTracker) entry(name string) *providerEntry {
	now := t.now()
	e, ok := t.providers[name]
	if !ok {
		e = &providerEntry{state: ProviderAvailable, windowStart: now}
		t.providers[name] = e
		t.order = append(t.order, name)
		return e
	}

	if now.Sub(e.windowStart) >= t.window {
		e.requests = 0
		e.windowStart = now
	}
	if e.state != ProviderAvailable && !now.Before(e.until) {
		e.state = ProviderAvailable
		e.until = time.Time{}
	}
	return e
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
