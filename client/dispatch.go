package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/luma/relay/protocol"
)

// pending is one dispatched command waiting for its reply.
type pending struct {
	ctx context.Context
	cmd protocol.Command

	// process reads the reply of cmd and stores the typed result for the
	// caller
	process func(*protocol.Decoder) error

	once sync.Once
	done chan struct{}
	err  error
}

func newPending(ctx context.Context, cmd protocol.Command, process func(*protocol.Decoder) error) *pending {
	return &pending{
		ctx:     ctx,
		cmd:     cmd,
		process: process,
		done:    make(chan struct{}),
	}
}

// resolve settles the operation. Only the first call has an effect, it
// returns false for every other one.
func (p *pending) resolve(err error) bool {
	resolved := false

	p.once.Do(func() {
		p.err = err
		close(p.done)
		resolved = true
	})

	return resolved
}

func (p *pending) isResolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Do sends cmd over c and reads its reply with proc.
//
// Commands are written in the order they are dispatched. When the
// connection is idle they are queued and written in batches by the backlog
// loop, otherwise they are written straight away.
//
// A server error reply is returned as a *CommandError, a lost connection as
// a *ConnectionError and an exceeded CallTimeout as a *TimeoutError. When ctx
// itself is done its error is returned as is.
func Do[T any](ctx context.Context, c *Conn, cmd protocol.Command, proc protocol.Processor[T]) (T, error) {
	return call(ctx, c, nil, cmd, proc)
}

// call runs cmd. A non nil tr makes the call privileged: it is written to tr
// straight away, even while the connection is still handshaking.
func call[T any](ctx context.Context, c *Conn, tr *transport, cmd protocol.Command, proc protocol.Processor[T]) (T, error) {
	var result T

	c.outstanding.Add(1)
	defer c.outstanding.Add(-1)

	callCtx, cancel := c.withCallTimeout(ctx)
	defer cancel()

	op := newPending(callCtx, cmd, func(d *protocol.Decoder) error {
		v, err := proc(d)
		if err != nil {
			return err
		}

		result = v
		return nil
	})

	if err := c.dispatch(callCtx, op, tr); err != nil {
		op.resolve(err)
	}

	select {
	case <-op.done:
	case <-callCtx.Done():
		// The reply may still arrive, it is then read and dropped
		op.resolve(callCtx.Err())
	}

	if op.err != nil {
		var zero T
		return zero, c.callError(ctx, op, op.err)
	}

	return result, nil
}

func (c *Conn) withCallTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.CallTimeout > 0 {
		return context.WithTimeout(ctx, c.opts.CallTimeout)
	}

	return context.WithCancel(ctx)
}

// callError turns the failure of op into the error its caller sees.
func (c *Conn) callError(ctx context.Context, op *pending, err error) error {
	var (
		connErr       *ConnectionError
		serverErr     *protocol.ServerError
		unexpectedErr *protocol.UnexpectedReplyError
	)

	switch {
	case errors.As(err, &connErr), errors.Is(err, ErrClosed):
		return err

	case errors.As(err, &serverErr), errors.As(err, &unexpectedErr):
		return &CommandError{Command: op.cmd.String(), Err: err}

	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		return &TimeoutError{
			ClientID:    c.id,
			Command:     op.cmd.String(),
			CallTimeout: c.opts.CallTimeout,
			Pressure:    c.pressure(),
		}

	default:
		return err
	}
}

// dispatch hands op to the write side. Privileged operations, and any
// operation arriving while the write side is busy, are written right away.
// Everything else is queued for the backlog loop.
func (c *Conn) dispatch(ctx context.Context, op *pending, tr *transport) error {
	if c.isClosed() {
		return ErrClosed
	}

	if tr != nil {
		return c.writeNow(ctx, op, tr)
	}

	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	if c.busy() {
		return c.writeNow(ctx, op, nil)
	}

	return c.enqueue(op)
}

// writeNow takes the write side and runs op as a batch of its own. The
// write side is held until the reply was read, even if the caller gave up
// on it in the meantime.
func (c *Conn) writeNow(ctx context.Context, op *pending, tr *transport) error {
	tr, err := c.acquire(ctx, tr)
	if err != nil {
		return err
	}

	go func() {
		defer c.release()
		c.runBatch(tr, []*pending{op})
	}()

	return nil
}

// acquire takes the write side. Given a transport it only waits for the
// semaphore, otherwise it also waits for the connection to be ready and
// returns its transport.
func (c *Conn) acquire(ctx context.Context, tr *transport) (*transport, error) {
	for {
		if tr == nil {
			if err := c.ensureConnected(ctx); err != nil {
				return nil, err
			}
		}

		select {
		case c.writeSem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.ctx.Done():
			return nil, ErrClosed
		}

		if tr != nil {
			return tr, nil
		}

		if current := c.current(); current != nil {
			return current, nil
		}

		// Lost between the check and the semaphore, connect again
		c.release()
	}
}

func (c *Conn) release() {
	<-c.writeSem
}

func (c *Conn) busy() bool {
	return len(c.writeSem) > 0
}

// runBatch writes every live operation of batch in one frame, then reads
// their replies in order. The caller holds the write side.
func (c *Conn) runBatch(tr *transport, batch []*pending) {
	live := make([]*pending, 0, len(batch))

	var frame []byte
	for _, op := range batch {
		if op.isResolved() {
			continue
		}

		if err := op.ctx.Err(); err != nil {
			op.resolve(err)
			continue
		}

		frame = protocol.AppendCommand(frame, op.cmd)
		live = append(live, op)
	}

	if len(live) == 0 {
		return
	}

	c.setLastCommand(live[len(live)-1].cmd.String())

	if err := tr.write(frame, c.opts.WriteTimeout); err != nil {
		c.failBatch(tr, live, fmt.Errorf("write failed: %w", err))
		return
	}

	for i, op := range live {
		if err := tr.setReadDeadline(c.opts.ReadTimeout); err != nil {
			c.failBatch(tr, live[i:], err)
			return
		}

		err := op.process(tr.dec)
		if protocol.IsFatal(err) {
			c.failBatch(tr, live[i:], fmt.Errorf("read failed: %w", err))
			return
		}

		c.operations.Add(1)
		op.resolve(err)
	}

	c.setAction("idle")
}

// failBatch resolves ops with the same connection error and tears the
// connection down.
func (c *Conn) failBatch(tr *transport, ops []*pending, err error) {
	if c.isClosed() {
		err = ErrClosed
	}

	connErr := c.connectionError(err)
	for _, op := range ops {
		op.resolve(connErr)
	}

	c.teardown(tr, connErr)
}

// enqueue adds op to the backlog. Once the Conn is closed nothing drains
// the backlog any more, so op is refused.
func (c *Conn) enqueue(op *pending) error {
	c.backlogMu.Lock()
	if c.isClosed() {
		c.backlogMu.Unlock()
		return ErrClosed
	}

	c.backlog = append(c.backlog, op)
	c.backlogMu.Unlock()

	select {
	case c.backlogSignal <- struct{}{}:
	default:
	}

	return nil
}

// takeBacklog removes and returns up to max queued operations in FIFO order.
// A max below 1 takes everything.
func (c *Conn) takeBacklog(max int) []*pending {
	c.backlogMu.Lock()
	defer c.backlogMu.Unlock()

	n := len(c.backlog)
	if max > 0 && n > max {
		n = max
	}

	batch := make([]*pending, n)
	copy(batch, c.backlog)

	rest := copy(c.backlog, c.backlog[n:])
	for i := rest; i < len(c.backlog); i++ {
		c.backlog[i] = nil
	}
	c.backlog = c.backlog[:rest]

	return batch
}

func (c *Conn) backlogLen() int {
	c.backlogMu.Lock()
	defer c.backlogMu.Unlock()

	return len(c.backlog)
}

func (c *Conn) backlogLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return

		case <-c.backlogSignal:
		}

		for c.processBacklog() {
		}
	}
}

// processBacklog writes one batch of queued operations. It returns false
// once there is nothing left to write.
func (c *Conn) processBacklog() bool {
	if c.backlogLen() == 0 {
		return false
	}

	tr, err := c.acquire(c.ctx, nil)
	if err != nil {
		if c.isClosed() {
			err = ErrClosed
		}

		failure := c.connectionError(err)
		for _, op := range c.takeBacklog(-1) {
			op.resolve(failure)
		}

		return false
	}

	defer c.release()

	c.runBatch(tr, c.takeBacklog(c.opts.MaxBatchSize))
	return true
}
