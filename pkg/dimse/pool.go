package dimse

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Peer identifies one remote application entity.
type Peer struct {
	AET  string
	Host string
	Port int
}

func (p Peer) String() string {
	return fmt.Sprintf("%s@%s:%d", p.AET, p.Host, p.Port)
}

// DefaultCloseDelay keeps idle associations open between consecutive
// operations to the same peer.
const DefaultCloseDelay = 5 * time.Second

// Pool keeps one reusable association per peer. Associations open lazily,
// stay idle for closeDelay, then close. A mutex per entry serializes use.
type Pool struct {
	callingAET string
	timeout    time.Duration
	closeDelay time.Duration

	mu      sync.Mutex
	entries map[Peer]*poolEntry
	closed  bool
}

type poolEntry struct {
	mu    sync.Mutex
	assoc *Association
	timer *time.Timer
}

// NewPool creates a process-wide association pool.
func NewPool(callingAET string, timeout, closeDelay time.Duration) *Pool {
	if closeDelay <= 0 {
		closeDelay = DefaultCloseDelay
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Pool{
		callingAET: callingAET,
		timeout:    timeout,
		closeDelay: closeDelay,
		entries:    make(map[Peer]*poolEntry),
	}
}

func (p *Pool) entry(peer Peer) (*poolEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("connection pool is closed")
	}
	e, ok := p.entries[peer]
	if !ok {
		e = &poolEntry{}
		p.entries[peer] = e
	}
	return e, nil
}

// WithAssociation runs fn against the pooled association of peer, opening it
// if needed. On error from fn the association is discarded and recreated on
// next use; on success the idle close timer restarts.
func (p *Pool) WithAssociation(ctx context.Context, peer Peer, fn func(*Association) error) error {
	e, err := p.entry(peer)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}

	if e.assoc == nil || !e.assoc.IsConnected() {
		e.assoc = NewAssociation(AssociationConfig{
			Host:       peer.Host,
			Port:       peer.Port,
			CallingAET: p.callingAET,
			CalledAET:  peer.AET,
			Timeout:    p.timeout,
		})
		if err := e.assoc.Connect(ctx); err != nil {
			e.assoc = nil
			return err
		}
	}

	if err := fn(e.assoc); err != nil {
		e.assoc.Abort()
		e.assoc = nil
		return err
	}

	assoc := e.assoc
	e.timer = time.AfterFunc(p.closeDelay, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.assoc == assoc && assoc != nil {
			assoc.Close()
			e.assoc = nil
			e.timer = nil
		}
	})
	return nil
}

// Close shuts every pooled association down.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	entries := make([]*poolEntry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.entries = map[Peer]*poolEntry{}
	p.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		if e.assoc != nil {
			e.assoc.Close()
			e.assoc = nil
		}
		e.mu.Unlock()
	}
	return nil
}
