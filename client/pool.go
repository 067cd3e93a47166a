package client

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Pool spreads commands over a fixed set of shared connections. Every
// command goes to the least loaded connection that is connected.
type Pool struct {
	Commands

	conns []*Conn
	log   *zap.Logger

	mu sync.Mutex

	// readySignal is closed, and replaced, whenever a connection finished
	// its first connect attempt
	readySignal chan struct{}

	// fastest is the first connection to finish its first connect attempt
	fastest *Conn
}

// NewPool creates PoolSize connections that connect in the background.
// Connection IDs follow Options.ID, starting at ID+1.
func NewPool(opts Options) *Pool {
	opts = opts.withDefaults()

	p := &Pool{
		conns:       make([]*Conn, 0, opts.PoolSize),
		log:         opts.Log.Named("pool"),
		readySignal: make(chan struct{}),
	}
	p.Commands = Commands{x: p}

	for i := 0; i < opts.PoolSize; i++ {
		connOpts := opts
		connOpts.ID = opts.ID + int64(i) + 1

		c := NewConn(connOpts)
		c.onReady = func() { p.notifyReady(c) }
		p.conns = append(p.conns, c)
	}

	p.log.Info("Starting pool", zap.Int("size", len(p.conns)), zap.String("addr", opts.Addr()))

	for _, c := range p.conns {
		c.Start()
	}

	return p
}

// Acquire returns the connection the next command should use.
//
// While some connections are still on their first connect attempt, a ready
// connected one is preferred over waiting. When none is, Acquire returns
// the connection that finished its first attempt first, waiting for it if
// needed.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	switch len(p.conns) {
	case 0:
		return nil, ErrNoConnections
	case 1:
		return p.conns[0], nil
	}

	for {
		signal := p.signal()

		if c := p.choose(); c != nil {
			return c, nil
		}

		select {
		case <-signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Conns returns the connections of the pool.
func (p *Pool) Conns() []*Conn {
	return append([]*Conn(nil), p.conns...)
}

func (p *Pool) Stats() []Stats {
	stats := make([]Stats, 0, len(p.conns))
	for _, c := range p.conns {
		stats = append(stats, c.Stats())
	}

	return stats
}

func (p *Pool) Close() error {
	p.log.Info("Closing pool")

	var err error
	for _, c := range p.conns {
		err = multierr.Append(err, c.Close())
	}

	return err
}

func (p *Pool) pick(ctx context.Context) (*Conn, error) {
	return p.Acquire(ctx)
}

// choose returns the ready, connected connection with the fewest outstanding
// calls. Without one it returns the least loaded connection once every
// connection finished its first attempt. Before that it returns the fastest
// to finish, or nil while none has.
func (p *Pool) choose() *Conn {
	var (
		best     *Conn
		fallback *Conn
		waiting  bool
	)

	for _, c := range p.conns {
		if !c.isReady() {
			waiting = true
			continue
		}

		if c.IsConnected() && (best == nil || c.Outstanding() < best.Outstanding()) {
			best = c
		}

		if fallback == nil || c.Outstanding() < fallback.Outstanding() {
			fallback = c
		}
	}

	if best != nil {
		return best
	}

	if waiting {
		p.mu.Lock()
		defer p.mu.Unlock()

		return p.fastest
	}

	return fallback
}

func (p *Pool) signal() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.readySignal
}

func (p *Pool) notifyReady(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.fastest == nil {
		p.fastest = c
	}

	close(p.readySignal)
	p.readySignal = make(chan struct{})
}
