// Package breaker implements the call-resilience primitive wrapped
// around outbound fetches: a closed/open/half-open circuit breaker.
// The engine treats ErrOpen as an ordinary fetch failure, so an open
// circuit never turns into a retry storm.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned while the circuit refuses calls.
var ErrOpen = errors.New("circuit open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

type Options struct {
	// Threshold is the consecutive-failure count that trips the
	// circuit. Default 5.
	Threshold int
	// ResetTimeout is how long the circuit stays open before admitting
	// probes. Default 30s.
	ResetTimeout time.Duration
	// ProbeCount is how many half-open probes may run; that many
	// consecutive probe successes close the circuit, any probe failure
	// re-opens it. Default 1.
	ProbeCount int
}

// Breaker guards one outbound dependency.
type Breaker struct {
	mu sync.Mutex

	threshold    int
	resetTimeout time.Duration
	probeCount   int

	state     State
	fails     int
	openedAt  time.Time
	probing   int // probes admitted in the current half-open phase
	probeOKs  int
}

func New(opt Options) *Breaker {
	if opt.Threshold <= 0 {
		opt.Threshold = 5
	}
	if opt.ResetTimeout <= 0 {
		opt.ResetTimeout = 30 * time.Second
	}
	if opt.ProbeCount <= 0 {
		opt.ProbeCount = 1
	}
	return &Breaker{
		threshold:    opt.Threshold,
		resetTimeout: opt.ResetTimeout,
		probeCount:   opt.ProbeCount,
	}
}

// Do runs fn through the circuit. While open it fails fast with
// ErrOpen; in half-open it admits a bounded number of probes.
func (b *Breaker) Do(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(time.Now())
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	switch b.stateLocked(now) {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.probing >= b.probeCount {
			return ErrOpen
		}
		b.probing++
		return nil
	default:
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	st := b.stateLocked(now)

	if err == nil {
		if st == StateHalfOpen {
			b.probeOKs++
			if b.probeOKs >= b.probeCount {
				b.toClosed()
			}
			return
		}
		b.fails = 0
		return
	}

	if st == StateHalfOpen {
		b.toOpen(now)
		return
	}
	b.fails++
	if b.fails >= b.threshold {
		b.toOpen(now)
	}
}

// stateLocked resolves the effective state, moving open -> half-open
// once the reset timeout has elapsed.
func (b *Breaker) stateLocked(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.resetTimeout {
		b.state = StateHalfOpen
		b.probing = 0
		b.probeOKs = 0
	}
	return b.state
}

func (b *Breaker) toOpen(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.fails = 0
	b.probing = 0
	b.probeOKs = 0
}

func (b *Breaker) toClosed() {
	b.state = StateClosed
	b.fails = 0
	b.probing = 0
	b.probeOKs = 0
}
