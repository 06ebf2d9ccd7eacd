package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Dialer opens a client for an address.
type Dialer func(ctx context.Context, address string) (Client, error)

// Pool shares one client per store address. The owner creates it at startup
// and closes it at shutdown; nothing about it is global.
type Pool struct {
	dial Dialer

	mu      sync.Mutex
	clients map[string]*pooled
	closed  bool
}

type pooled struct {
	client Client
	refs   int
}

// NewPool returns a pool that opens clients with dial.
func NewPool(dial Dialer) *Pool {
	return &Pool{dial: dial, clients: make(map[string]*pooled)}
}

// Acquire returns the shared client for address, dialing on first use. Each
// Acquire must be paired with Release.
func (p *Pool) Acquire(ctx context.Context, address string) (Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if entry, ok := p.clients[address]; ok {
		entry.refs++
		return entry.client, nil
	}
	if p.dial == nil {
		return nil, fmt.Errorf("store: pool has no dialer for %q", address)
	}
	client, err := p.dial(ctx, address)
	if err != nil {
		return nil, err
	}
	p.clients[address] = &pooled{client: client, refs: 1}
	return client, nil
}

// Release drops one reference and closes the client when none remain. The
// bool reports whether the client was closed.
func (p *Pool) Release(address string) (bool, error) {
	p.mu.Lock()
	entry, ok := p.clients[address]
	if !ok {
		p.mu.Unlock()
		return false, nil
	}
	entry.refs--
	if entry.refs > 0 {
		p.mu.Unlock()
		return false, nil
	}
	delete(p.clients, address)
	p.mu.Unlock()
	return true, entry.client.Close()
}

// Len returns the number of open clients.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Close closes every client regardless of outstanding references.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := p.clients
	p.clients = make(map[string]*pooled)
	p.mu.Unlock()
	var errs []error
	for addr, entry := range entries {
		if err := entry.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", addr, err))
		}
	}
	return errors.Join(errs...)
}
