package ssh

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Pool shares one connection per user and address among the work items of a
// run. It is safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	clients map[string]*Client
	dialing singleflight.Group
	dial    func(ctx context.Context, config *Config) (*Client, error)
}

// NewPool creates an empty connection pool.
func NewPool() *Pool {
	return &Pool{
		clients: make(map[string]*Client),
		dial:    Dial,
	}
}

// Get returns the pooled connection for config, dialing it on first use.
// Concurrent callers for the same host wait for a single dial. A caller whose
// context ends stops waiting; the shared dial is bounded by the connection
// timeout instead.
func (p *Pool) Get(ctx context.Context, config *Config) (*Client, error) {
	key := config.poolKey()
	if c, ok := p.cached(key); ok {
		return c, nil
	}

	dialCtx := context.WithoutCancel(ctx)
	ch := p.dialing.DoChan(key, func() (any, error) {
		if c, ok := p.cached(key); ok {
			return c, nil
		}
		c, err := p.dial(dialCtx, config)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.clients[key] = c
		p.mu.Unlock()
		return c, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Client), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) cached(key string) (*Client, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[key]
	return c, ok
}

// Discard closes and forgets the pooled connection for config.
func (p *Pool) Discard(config *Config) {
	key := config.poolKey()

	p.mu.Lock()
	c, ok := p.clients[key]
	delete(p.clients, key)
	p.mu.Unlock()

	if ok {
		_ = c.Close()
	}
}

// Len returns the number of pooled connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Close closes every pooled connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*Client)
	p.mu.Unlock()

	var errs []error
	for key, c := range clients {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Str("connection", key).Msg("failed to close pooled connection")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
