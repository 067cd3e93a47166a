package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/relay/protocol"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// Stats is a point in time snapshot of a Conn.
type Stats struct {
	ID          int64  `json:"id"`
	Addr        string `json:"addr"`
	State       string `json:"state"`
	Outstanding int64  `json:"outstanding"`
	Operations  int64  `json:"operations"`
	Reconnects  int64  `json:"reconnects"`
	Backlog     int    `json:"backlog"`
	LastCommand string `json:"lastCommand"`
	LastAction  string `json:"lastAction"`
}

// transport is one established stream and the decoder of its replies.
type transport struct {
	conn      net.Conn
	dec       *protocol.Decoder
	closeOnce sync.Once
}

func newTransport(conn net.Conn) *transport {
	return &transport{
		conn: conn,
		dec:  protocol.NewDecoder(conn),
	}
}

func (t *transport) write(frame []byte, timeout time.Duration) error {
	if timeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
	}

	_, err := t.conn.Write(frame)
	return err
}

func (t *transport) setReadDeadline(timeout time.Duration) error {
	if timeout <= 0 {
		return nil
	}

	return t.conn.SetReadDeadline(time.Now().Add(timeout))
}

func (t *transport) close() (err error) {
	t.closeOnce.Do(func() {
		err = t.conn.Close()
	})

	return err
}

// attempt is one connect attempt, shared by everyone that needs the
// connection while it runs.
type attempt struct {
	done chan struct{}
	err  error
}

// Conn is a single multiplexed connection to a server. Any number of
// goroutines share it; their commands are pipelined over one stream.
type Conn struct {
	Commands

	id   int64
	addr string
	opts Options
	log  *zap.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	loopWaiter sync.WaitGroup
	startOnce  sync.Once
	closeOnce  sync.Once

	state atomic.Int32

	// writeSem is held by whoever writes to the transport, until it read the
	// replies of what it wrote
	writeSem chan struct{}

	mu          sync.Mutex
	tr          *transport
	connecting  *attempt
	lastCommand string
	lastAction  string
	lastErr     error

	backlogMu     sync.Mutex
	backlog       []*pending
	backlogSignal chan struct{}

	outstanding atomic.Int64
	operations  atomic.Int64
	attempts    atomic.Int64
	reconnects  atomic.Int64

	ready     chan struct{}
	readyOnce sync.Once
	onReady   func()

	// scripts maps script sources to the SHA1 they were loaded as
	scripts sync.Map
}

// NewConn returns a Conn that does nothing until Start is called.
func NewConn(opts Options) *Conn {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	c := &Conn{
		id:            opts.ID,
		addr:          opts.Addr(),
		opts:          opts,
		ctx:           ctx,
		cancel:        cancel,
		writeSem:      make(chan struct{}, 1),
		backlogSignal: make(chan struct{}, 1),
		ready:         make(chan struct{}),
		lastAction:    "created",
	}

	c.log = opts.Log.Named("conn").With(zap.Int64("client", c.id), zap.String("addr", c.addr))
	c.Commands = Commands{x: c}

	return c
}

// Dial creates a Conn and waits for its first connect attempt.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	c := NewConn(opts)
	c.Start()

	select {
	case <-c.ready:
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}

	if !c.IsConnected() {
		err := c.LastError()
		if err == nil {
			err = c.connectionError(ErrNotConnected)
		}

		c.Close()
		return nil, err
	}

	return c, nil
}

// Start connects in the background and starts the backlog and health check
// loops. Ready is closed once the first connect attempt finished.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		c.loopWaiter.Add(3)

		go func() {
			defer c.loopWaiter.Done()
			defer c.markReady()

			if err := c.ensureConnected(c.ctx); err != nil {
				c.log.Warn("Initial connect failed", zap.Error(err))
			}
		}()

		go func() {
			defer c.loopWaiter.Done()
			c.backlogLoop()
		}()

		go func() {
			defer c.loopWaiter.Done()
			c.healthLoop()
		}()
	})
}

// Close tears the connection down, fails everything in flight and stops the
// background loops. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.log.Info("Closing connection")
		c.cancel()

		// A running attempt is aborted by the cancelled context
		c.mu.Lock()
		a := c.connecting
		c.mu.Unlock()
		if a != nil {
			<-a.done
		}

		closedErr := c.connectionError(ErrClosed)
		c.teardown(c.currentAny(), closedErr)
		c.loopWaiter.Wait()

		for _, op := range c.takeBacklog(-1) {
			op.resolve(closedErr)
		}

		c.markReady()
		c.setAction("closed")
		c.log.Info("Connection closed")
	})

	return nil
}

func (c *Conn) ID() int64 {
	return c.id
}

func (c *Conn) Addr() string {
	return c.addr
}

func (c *Conn) State() State {
	return State(c.state.Load())
}

func (c *Conn) IsConnected() bool {
	return c.State() == StateConnected
}

// Outstanding is the number of calls that are dispatched and not resolved.
func (c *Conn) Outstanding() int64 {
	return c.outstanding.Load()
}

// Operations is the number of replies received.
func (c *Conn) Operations() int64 {
	return c.operations.Load()
}

// Reconnects is the number of connect attempts after the first.
func (c *Conn) Reconnects() int64 {
	return c.reconnects.Load()
}

func (c *Conn) LastCommand() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastCommand
}

func (c *Conn) LastAction() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastAction
}

// LastError is the error the connection was last lost with, nil while it
// is connected.
func (c *Conn) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastErr
}

// Ready is closed once the first connect attempt finished, whatever its
// outcome.
func (c *Conn) Ready() <-chan struct{} {
	return c.ready
}

func (c *Conn) Stats() Stats {
	c.mu.Lock()
	lastCommand, lastAction := c.lastCommand, c.lastAction
	c.mu.Unlock()

	return Stats{
		ID:          c.id,
		Addr:        c.addr,
		State:       c.State().String(),
		Outstanding: c.Outstanding(),
		Operations:  c.Operations(),
		Reconnects:  c.Reconnects(),
		Backlog:     c.backlogLen(),
		LastCommand: lastCommand,
		LastAction:  lastAction,
	}
}

func (c *Conn) pick(ctx context.Context) (*Conn, error) {
	return c, nil
}

// ensureConnected returns once the connection is established, starting a
// connect attempt or joining the one that is running.
func (c *Conn) ensureConnected(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}

	if c.isClosed() {
		return ErrClosed
	}

	a := c.startConnect()

	select {
	case <-a.done:
		return a.err

	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) startConnect() *attempt {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connecting != nil {
		return c.connecting
	}

	a := &attempt{done: make(chan struct{})}

	// Another attempt finished since the caller looked
	if c.tr != nil && c.State() == StateConnected {
		close(a.done)
		return a
	}

	c.connecting = a

	go func() {
		a.err = c.connect()

		c.mu.Lock()
		c.connecting = nil
		c.mu.Unlock()

		close(a.done)
	}()

	return a
}

func (c *Conn) connect() error {
	if c.attempts.Add(1) > 1 {
		c.reconnects.Add(1)
	}

	c.state.Store(int32(StateConnecting))
	c.setAction("connecting")
	c.log.Info("Connecting")

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.DialTimeout)
	defer cancel()

	raw, err := c.dial(ctx)
	if err != nil {
		return c.connectFailed(err)
	}

	tr := newTransport(raw)

	c.mu.Lock()
	stale := c.tr
	c.tr = tr
	c.state.Store(int32(StateHandshaking))
	c.lastAction = "handshaking"
	c.mu.Unlock()

	if stale != nil {
		stale.close()
	}

	if err := c.handshake(ctx, tr); err != nil {
		c.mu.Lock()
		if c.tr == tr {
			c.tr = nil
		}
		c.mu.Unlock()

		tr.close()
		return c.connectFailed(fmt.Errorf("handshake failed: %w", err))
	}

	c.mu.Lock()
	if c.tr != tr {
		c.mu.Unlock()
		return c.connectFailed(ErrNotConnected)
	}

	c.state.Store(int32(StateConnected))
	c.lastAction = "connected"
	c.lastErr = nil
	c.mu.Unlock()

	c.log.Info("Connected", zap.String("remote", raw.RemoteAddr().String()))

	if c.opts.OnConnected != nil {
		go c.opts.OnConnected(c)
	}

	return nil
}

func (c *Conn) connectFailed(err error) error {
	if c.isClosed() {
		return ErrClosed
	}

	connErr := c.connectionError(err)

	c.mu.Lock()
	if c.tr == nil {
		c.state.Store(int32(StateDisconnected))
	}
	c.lastErr = connErr
	c.lastAction = "connect failed"
	c.mu.Unlock()

	c.log.Warn("Failed to connect", zap.Error(err))

	if c.opts.OnConnectionFailed != nil {
		go c.opts.OnConnectionFailed(c, connErr)
	}

	return connErr
}

// dial tries every address the host resolves to, in order.
func (c *Conn) dial(ctx context.Context) (net.Conn, error) {
	addrs, err := c.resolve(ctx)
	if err != nil {
		return nil, err
	}

	port := strconv.Itoa(c.opts.Port)

	var errs error
	for _, ip := range addrs {
		raw, err := c.opts.Dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip, port))
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}

		if c.opts.TLSConfig == nil {
			return raw, nil
		}

		secured, err := c.startTLS(ctx, raw)
		if err != nil {
			raw.Close()
			return nil, err
		}

		return secured, nil
	}

	return nil, fmt.Errorf("failed to dial %s: %w", c.addr, errs)
}

func (c *Conn) resolve(ctx context.Context) ([]string, error) {
	if net.ParseIP(c.opts.Host) != nil {
		return []string{c.opts.Host}, nil
	}

	addrs, err := c.opts.Resolver.LookupHost(ctx, c.opts.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", c.opts.Host, err)
	}

	if len(addrs) == 0 {
		return nil, fmt.Errorf("failed to resolve %s: no addresses", c.opts.Host)
	}

	return addrs, nil
}

func (c *Conn) startTLS(ctx context.Context, raw net.Conn) (net.Conn, error) {
	cfg := c.opts.TLSConfig.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = c.opts.Host
	}

	secured := tls.Client(raw, cfg)
	if err := secured.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake with %s failed: %w", c.addr, err)
	}

	return secured, nil
}

// handshake authenticates, selects the database and names the connection.
// Its commands are written to tr directly, ahead of any queued traffic.
func (c *Conn) handshake(ctx context.Context, tr *transport) error {
	if c.opts.Password != "" {
		args := make([]interface{}, 0, 2)
		if c.opts.Username != "" {
			args = append(args, c.opts.Username)
		}
		args = append(args, c.opts.Password)

		if _, err := call(ctx, c, tr, protocol.NewCommand("AUTH", args...), protocol.ReadOK); err != nil {
			return err
		}
	}

	if c.opts.DB != 0 {
		if _, err := call(ctx, c, tr, protocol.NewCommand("SELECT", c.opts.DB), protocol.ReadOK); err != nil {
			return err
		}
	}

	if c.opts.ClientName != "" {
		if _, err := call(ctx, c, tr, protocol.NewCommand("CLIENT", "SETNAME", c.opts.ClientName), protocol.ReadOK); err != nil {
			return err
		}
	}

	return nil
}

// teardown closes tr and fails everything queued with cause. It does nothing
// unless tr is the current transport, so a stale failure cannot take down
// a newer connection.
func (c *Conn) teardown(tr *transport, cause error) {
	c.mu.Lock()
	if tr == nil || c.tr != tr {
		c.mu.Unlock()
		return
	}

	c.tr = nil
	c.state.Store(int32(StateDisconnected))
	c.lastErr = cause
	c.lastAction = "disconnected"
	c.mu.Unlock()

	if err := tr.close(); err != nil {
		c.log.Debug("Transport did not close cleanly", zap.Error(err))
	}

	for _, op := range c.takeBacklog(-1) {
		op.resolve(cause)
	}

	if c.isClosed() {
		return
	}

	c.log.Warn("Connection lost", zap.Error(cause))

	if c.opts.OnConnectionFailed != nil {
		go c.opts.OnConnectionFailed(c, cause)
	}
}

// current returns the transport while the connection is ready for regular
// traffic.
func (c *Conn) current() *transport {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() != StateConnected {
		return nil
	}

	return c.tr
}

// currentAny returns the transport in any state, including mid handshake.
func (c *Conn) currentAny() *transport {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.tr
}

func (c *Conn) healthLoop() {
	if c.opts.HealthCheckInterval < 0 {
		return
	}

	log := c.log.Named("health")

	ticker := time.NewTicker(c.opts.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return

		case <-ticker.C:
			c.checkHealth(log)
		}
	}
}

// checkHealth reconnects a lost connection, or PINGs a live one. A PING that
// times out means the stream is stuck and the connection is torn down.
func (c *Conn) checkHealth(log *zap.Logger) {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.HealthCheckInterval)
	defer cancel()

	if !c.IsConnected() {
		if err := c.ensureConnected(ctx); err != nil {
			log.Warn("Reconnect failed", zap.Error(err))
			return
		}

		log.Info("Reconnected")
		return
	}

	err := c.Ping(ctx)
	if err == nil || c.isClosed() {
		return
	}

	log.Warn("Liveness check failed", zap.Error(err))

	if errors.Is(err, context.DeadlineExceeded) {
		c.teardown(c.current(), c.connectionError(fmt.Errorf("liveness check failed: %w", err)))
	}
}

func (c *Conn) markReady() {
	c.readyOnce.Do(func() {
		close(c.ready)

		if c.onReady != nil {
			c.onReady()
		}
	})
}

func (c *Conn) isReady() bool {
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

// isClosed returns true if Close has been called
func (c *Conn) isClosed() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}

func (c *Conn) setAction(action string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastAction = action
}

func (c *Conn) setLastCommand(cmd string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastCommand = cmd
	c.lastAction = "writing"
}

func (c *Conn) connectionError(err error) error {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return &ConnectionError{
		ClientID:    c.id,
		Addr:        c.addr,
		LastCommand: c.lastCommand,
		LastAction:  c.lastAction,
		Err:         err,
	}
}

func (c *Conn) pressure() Pressure {
	return Pressure{
		Goroutines:  runtime.NumGoroutine(),
		MaxProcs:    runtime.GOMAXPROCS(0),
		Outstanding: c.Outstanding(),
		Backlog:     c.backlogLen(),
		WriteBusy:   c.busy(),
	}
}
