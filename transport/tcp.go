package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/relay/protocol"
	"github.com/luma/relay/storage"
)

const (
	writeQueueSize = 127
)

// Server is an in-memory RESP server. It speaks enough of the protocol to
// exercise a client end to end, and to inject faults while doing so.
type Server struct {
	cancel     context.CancelFunc
	stopWaiter sync.WaitGroup

	opts Options
	addr string

	listeners []*listener

	mu      sync.Mutex
	stores  map[int]storage.Store
	scripts map[string]ScriptFunc
	conns   map[*serverConn]struct{}

	nextConnID int64
	commands   atomic.Int64
	accepted   atomic.Int64

	log *zap.Logger
}

// Stats is a point in time snapshot of a Server.
type Stats struct {
	Addr        string `json:"addr"`
	Connections int    `json:"connections"`
	Accepted    int64  `json:"accepted"`
	Commands    int64  `json:"commands"`
}

func NewServer(options Options) *Server {
	options = options.withDefaults()

	return &Server{
		opts:    options,
		addr:    net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		stores:  make(map[int]storage.Store),
		scripts: make(map[string]ScriptFunc),
		conns:   make(map[*serverConn]struct{}),
		log:     options.Log,
	}
}

// Start binds every listener before it returns, so the server accepts
// connections as soon as Start succeeds.
func (s *Server) Start(parentCtx context.Context) error {
	ctx, cancel := context.WithCancel(parentCtx)
	s.cancel = cancel

	s.log.Info("Starting tcp listeners", zap.Int("count", s.opts.NumListeners))

	for i := 0; i < s.opts.NumListeners; i++ {
		l, err := s.listen(ctx, i)
		if err != nil {
			cancel()
			return multierr.Append(err, s.closeListeners())
		}

		if i == 0 {
			s.addr = l.ln.Addr().String()
		}

		s.listeners = append(s.listeners, l)
	}

	for _, l := range s.listeners {
		s.stopWaiter.Add(1)

		go func(l *listener) {
			defer s.stopWaiter.Done()

			if err := l.acceptLoop(); err != nil {
				s.log.Error("Failed to accept", zap.Error(err))
			}
		}(l)
	}

	return nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	return s.addr
}

// Databases is the number of key spaces SELECT can switch between.
func (s *Server) Databases() int {
	return s.opts.Databases
}

// Store returns the key space of db.
func (s *Server) Store(db int) storage.Store {
	s.mu.Lock()
	defer s.mu.Unlock()

	store, ok := s.stores[db]
	if !ok {
		store = s.opts.NewStore()
		s.stores[db] = store
	}

	return store
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	connections := len(s.conns)
	s.mu.Unlock()

	return Stats{
		Addr:        s.addr,
		Connections: connections,
		Accepted:    s.accepted.Load(),
		Commands:    s.commands.Load(),
	}
}

// DropConnections abruptly closes every client connection without replying
// to anything still in flight. It returns the number of connections closed.
func (s *Server) DropConnections() int {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}

	s.log.Info("Dropped client connections", zap.Int("count", len(conns)))
	return len(conns)
}

// Close immediately closes all listeners and connections.
func (s *Server) Close() error {
	s.log.Info("Stopping TCP server")
	if s.cancel != nil {
		s.cancel()
	}

	err := s.closeListeners()
	s.DropConnections()
	s.stopWaiter.Wait()

	s.mu.Lock()
	for db, store := range s.stores {
		err = multierr.Append(err, store.Close())
		delete(s.stores, db)
	}
	s.mu.Unlock()

	s.log.Info("TCP server stopped")
	return err
}

func (s *Server) closeListeners() (err error) {
	for _, l := range s.listeners {
		if cerr := l.ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}

	return err
}

func (s *Server) listen(ctx context.Context, index int) (*listener, error) {
	var (
		ln  net.Listener
		err error
	)

	if s.opts.Reuseport {
		ln, err = reuseport.Listen("tcp", s.addr)
	} else {
		ln, err = net.Listen("tcp", s.addr)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	return &listener{
		ctx:    ctx,
		ln:     ln,
		server: s,
		log:    s.log.Named("listener").With(zap.Int("listener", index)),
	}, nil
}

func (s *Server) addConn(conn *serverConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conns[conn] = struct{}{}
}

func (s *Server) removeConn(conn *serverConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conns, conn)
}

type listener struct {
	ctx    context.Context
	ln     net.Listener
	server *Server
	log    *zap.Logger
}

func (l *listener) acceptLoop() error {
	var loopWaiter sync.WaitGroup
	defer loopWaiter.Wait()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || l.ctx.Err() != nil {
				// The listener was closed while we were waiting for new
				// connections, that's fine.
				l.log.Info("Stopped accepting new connections")
				return nil
			}

			return err
		}

		l.server.accepted.Add(1)

		l.server.mu.Lock()
		l.server.nextConnID++
		id := l.server.nextConnID
		l.server.mu.Unlock()

		sc := newServerConn(l.ctx, id, conn, l.server, l.log.Named("conn").With(zap.Int64("conn", id)))
		l.server.addConn(sc)

		loopWaiter.Add(1)
		go func() {
			defer loopWaiter.Done()
			defer l.server.removeConn(sc)

			sc.Start()
		}()
	}
}

type serverConn struct {
	ctx        context.Context
	cancel     context.CancelFunc
	loopWaiter sync.WaitGroup
	closeOnce  sync.Once

	conn   net.Conn
	server *Server
	sess   *session

	writeQueue chan []byte

	log *zap.Logger
}

func newServerConn(
	parentCtx context.Context,
	id int64,
	conn net.Conn,
	server *Server,
	log *zap.Logger,
) *serverConn {
	ctx, cancel := context.WithCancel(parentCtx)

	return &serverConn{
		ctx:        ctx,
		cancel:     cancel,
		conn:       conn,
		server:     server,
		sess:       &session{id: id, authed: server.opts.Password == ""},
		writeQueue: make(chan []byte, writeQueueSize),
		log:        log,
	}
}

func (t *serverConn) Close() error {
	var err error

	t.closeOnce.Do(func() {
		t.cancel()
		err = t.conn.Close()
	})

	return err
}

// Start runs the read and write loops until both exit.
func (t *serverConn) Start() {
	t.loopWaiter.Add(2)

	go func() {
		defer t.loopWaiter.Done()
		t.ReadLoop()
	}()

	go func() {
		defer t.loopWaiter.Done()
		t.WriteLoop()
	}()

	t.loopWaiter.Wait()
	t.Close()
}

// ReadLoop decodes requests and queues their replies, in order, for the
// write loop. It is the only sender on writeQueue and closes it on exit.
func (t *serverConn) ReadLoop() {
	log := t.log.Named("readLoop")
	defer close(t.writeQueue)

	dec := protocol.NewDecoder(t.conn)

	for {
		req, err := dec.ReadReply()
		if err != nil {
			if !errors.Is(err, io.EOF) && t.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				log.Warn("Failed to read client request", zap.Error(err))
			}
			return
		}

		args, err := requestArgs(req)
		if err != nil {
			t.enqueue(protocol.AppendError(nil, "ERR Protocol error: "+err.Error()))
			return
		}

		if len(args) == 0 {
			continue
		}

		t.server.commands.Add(1)

		reply, quit := t.server.dispatch(t.ctx, t.sess, args)
		if t.server.opts.Trace {
			log.Debug("Request",
				zap.String("command", protocol.NewCommandArgs(args...).String()),
				zap.ByteString("reply", reply))
		}

		if !t.enqueue(reply) || quit {
			return
		}
	}
}

// WriteLoop writes queued replies until the read loop closes the queue.
func (t *serverConn) WriteLoop() {
	log := t.log.Named("writeLoop")
	chunk := t.server.opts.WriteChunkSize

	defer func() {
		if cw, ok := t.conn.(interface{ CloseWrite() error }); ok && t.ctx.Err() == nil {
			if err := cw.CloseWrite(); err != nil && !errors.Is(err, net.ErrClosed) {
				log.Debug("Failed to close writes on connection cleanly", zap.Error(err))
			}
		}
	}()

	for data := range t.writeQueue {
		for len(data) > 0 {
			n := len(data)
			if chunk > 0 && n > chunk {
				n = chunk
			}

			if _, err := t.conn.Write(data[:n]); err != nil {
				if t.ctx.Err() == nil {
					log.Warn("Failed to write reply", zap.Error(err))
				}
				t.Close()
				return
			}

			data = data[n:]
		}
	}
}

func (t *serverConn) enqueue(data []byte) bool {
	select {
	case t.writeQueue <- data:
		return true

	case <-t.ctx.Done():
		return false
	}
}

func requestArgs(req protocol.Reply) ([][]byte, error) {
	if req.Kind != protocol.KindArray {
		return nil, fmt.Errorf("expected '*', got '%c'", byte(req.Kind))
	}

	args := make([][]byte, 0, len(req.Elems))
	for _, elem := range req.Elems {
		if elem.Kind != protocol.KindBulk || elem.Null {
			return nil, fmt.Errorf("expected '$', got '%c'", byte(elem.Kind))
		}

		args = append(args, elem.Str)
	}

	return args, nil
}
