package session

import (
	"sync"
	"time"
)

// Monitor sends a ping every interval and declares the remote side stale when
// no pong has arrived for staleAfter. A stale monitor stops itself before
// calling onStale, so onStale runs at most once.
type Monitor struct {
	interval   time.Duration
	staleAfter time.Duration
	ping       func()
	onStale    func()
	now        func() time.Time

	mu       sync.Mutex
	lastPong time.Time
	started  bool
	done     chan struct{}
	stopOnce sync.Once
}

// NewMonitor creates a monitor that is stale after multiplier missed intervals.
func NewMonitor(interval time.Duration, multiplier int, ping, onStale func()) *Monitor {
	if multiplier < 1 {
		multiplier = 1
	}
	return &Monitor{
		interval:   interval,
		staleAfter: time.Duration(multiplier) * interval,
		ping:       ping,
		onStale:    onStale,
		now:        time.Now,
		done:       make(chan struct{}),
	}
}

// Start resets the last pong time and begins pinging. Calling Start twice has
// no effect.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.lastPong = m.now()
	m.mu.Unlock()

	go m.loop()
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if m.isStale() {
				m.Stop()
				if m.onStale != nil {
					m.onStale()
				}
				return
			}
			if m.ping != nil {
				m.ping()
			}
		}
	}
}

func (m *Monitor) isStale() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Sub(m.lastPong) > m.staleAfter
}

// Pong records a pong from the remote side.
func (m *Monitor) Pong() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPong = m.now()
}

// LastPong returns when the last pong arrived, or when the monitor started.
func (m *Monitor) LastPong() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPong
}

// Stop halts the monitor. It is safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

// Stopped reports whether Stop has been called.
func (m *Monitor) Stopped() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}
