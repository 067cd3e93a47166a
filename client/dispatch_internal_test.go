package client

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/relay/protocol"
	mock "github.com/luma/relay/transport"
)

var _ = Describe("pending", func() {
	It("resolves exactly once under contention", func() {
		op := newPending(context.Background(), protocol.NewCommand("PING"), nil)

		var (
			wg   sync.WaitGroup
			wins atomic.Int32
		)

		wg.Add(50)
		for i := 0; i < 50; i++ {
			go func(i int) {
				defer wg.Done()
				if op.resolve(errors.New(strconv.Itoa(i))) {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()

		Expect(wins.Load()).To(Equal(int32(1)))
		Expect(op.isResolved()).To(BeTrue())
		Expect(op.resolve(nil)).To(BeFalse())
		Expect(op.err).To(HaveOccurred())
	})
})

var _ = Describe("backlog", func() {
	var (
		ctx    context.Context
		server *mock.Server
		conn   *Conn
	)

	// connect returns a connected Conn without its background loops, so the
	// backlog only drains when a test calls processBacklog.
	connect := func(options Options) *Conn {
		host, port, err := net.SplitHostPort(server.Addr())
		Expect(err).To(Succeed())

		options.Host = host
		options.Port, err = strconv.Atoi(port)
		Expect(err).To(Succeed())
		options.HealthCheckInterval = -1

		c := NewConn(options)
		Expect(c.ensureConnected(ctx)).To(Succeed())
		return c
	}

	incr := func(ctx context.Context, results []int64, i int) *pending {
		return newPending(ctx, protocol.NewCommand("INCR", "ctr"), func(d *protocol.Decoder) error {
			v, err := protocol.ReadInteger(d)
			results[i] = v
			return err
		})
	}

	BeforeEach(func() {
		ctx = context.Background()
		server = mock.NewServer(mock.Options{Host: "127.0.0.1", WriteChunkSize: 5})
		Expect(server.Start(ctx)).To(Succeed())
	})

	AfterEach(func() {
		if conn != nil {
			Expect(conn.Close()).To(Succeed())
		}
		Expect(server.Close()).To(Succeed())
	})

	It("writes queued operations as one batch and resolves them in order", func() {
		conn = connect(Options{})

		const n = 64
		results := make([]int64, n)
		ops := make([]*pending, n)
		for i := range ops {
			ops[i] = incr(ctx, results, i)
			Expect(conn.enqueue(ops[i])).To(Succeed())
		}

		Expect(conn.processBacklog()).To(BeTrue())
		Expect(conn.backlogLen()).To(BeZero())

		for i, op := range ops {
			Expect(op.isResolved()).To(BeTrue())
			Expect(op.err).To(Succeed())
			Expect(results[i]).To(Equal(int64(i + 1)))
		}

		Expect(conn.Operations()).To(Equal(int64(n)))
		Expect(conn.processBacklog()).To(BeFalse())
	})

	It("bounds a batch by MaxBatchSize", func() {
		conn = connect(Options{MaxBatchSize: 3})

		results := make([]int64, 7)
		for i := range results {
			Expect(conn.enqueue(incr(ctx, results, i))).To(Succeed())
		}

		Expect(conn.processBacklog()).To(BeTrue())
		Expect(conn.backlogLen()).To(Equal(4))
		Expect(results[:4]).To(Equal([]int64{1, 2, 3, 0}))
	})

	It("drops operations whose caller gave up before they were written", func() {
		conn = connect(Options{})

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		results := make([]int64, 2)
		dropped := incr(cancelled, results, 0)
		kept := incr(ctx, results, 1)

		Expect(conn.enqueue(dropped)).To(Succeed())
		Expect(conn.enqueue(kept)).To(Succeed())
		conn.processBacklog()

		Expect(dropped.err).To(MatchError(context.Canceled))
		Expect(kept.err).To(Succeed())
		Expect(results).To(Equal([]int64{0, 1}))
	})

	It("fails the rest of a batch once, when the stream breaks midway", func() {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).To(Succeed())
		defer ln.Close()

		go func() {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			defer c.Close()

			dec := protocol.NewDecoder(c)
			for i := 0; i < 3; i++ {
				if _, err := dec.ReadReply(); err != nil {
					return
				}
			}
			c.Write([]byte(":1\r\n:2\r\n"))
		}()

		host, port, _ := net.SplitHostPort(ln.Addr().String())
		options := Options{Host: host, HealthCheckInterval: -1}
		options.Port, _ = strconv.Atoi(port)

		conn = NewConn(options)
		Expect(conn.ensureConnected(ctx)).To(Succeed())

		results := make([]int64, 3)
		ops := []*pending{incr(ctx, results, 0), incr(ctx, results, 1), incr(ctx, results, 2)}
		for _, op := range ops {
			Expect(conn.enqueue(op)).To(Succeed())
		}
		conn.processBacklog()

		Expect(ops[0].err).To(Succeed())
		Expect(ops[1].err).To(Succeed())
		Expect(IsConnectionError(ops[2].err)).To(BeTrue(), "got %v", ops[2].err)
		Expect(results[:2]).To(Equal([]int64{1, 2}))

		for _, op := range ops {
			Expect(op.resolve(errors.New("again"))).To(BeFalse())
		}
		Expect(ops[0].err).To(Succeed())
		Expect(conn.IsConnected()).To(BeFalse())
	})

	It("refuses operations queued after Close", func() {
		conn = connect(Options{})
		Expect(conn.Close()).To(Succeed())

		results := make([]int64, 1)
		op := incr(ctx, results, 0)

		Expect(conn.enqueue(op)).To(MatchError(ErrClosed))
		Expect(conn.backlogLen()).To(BeZero())
	})

	It("does not start another attempt while connected", func() {
		var connected atomic.Int32
		conn = connect(Options{OnConnected: func(*Conn) { connected.Add(1) }})
		tr := conn.currentAny()

		a := conn.startConnect()
		Expect(a.done).To(BeClosed())
		Expect(a.err).To(Succeed())

		Expect(conn.currentAny()).To(BeIdenticalTo(tr))
		Expect(conn.Reconnects()).To(BeZero())
		Eventually(connected.Load).Should(Equal(int32(1)))
		Consistently(connected.Load, "100ms").Should(Equal(int32(1)))
		Eventually(func() int { return server.Stats().Connections }).Should(Equal(1))
	})
})

var _ = Describe("callError()", func() {
	c := NewConn(Options{ID: 3, CallTimeout: 10})
	op := newPending(context.Background(), protocol.NewCommand("GET", "k"), nil)

	It("wraps server errors with the command", func() {
		err := c.callError(context.Background(), op, protocol.NewServerError("ERR nope"))

		var cmdErr *CommandError
		Expect(errors.As(err, &cmdErr)).To(BeTrue())
		Expect(cmdErr.Command).To(Equal("GET k"))
	})

	It("reports an exceeded call timeout", func() {
		err := c.callError(context.Background(), op, context.DeadlineExceeded)

		var timeoutErr *TimeoutError
		Expect(errors.As(err, &timeoutErr)).To(BeTrue())
		Expect(timeoutErr.ClientID).To(Equal(int64(3)))
		Expect(timeoutErr.Timeout()).To(BeTrue())
	})

	It("returns the caller's own context error", func() {
		parent, cancel := context.WithCancel(context.Background())
		cancel()

		Expect(c.callError(parent, op, context.Canceled)).To(Equal(context.Canceled))
	})

	It("keeps connection errors", func() {
		connErr := c.connectionError(errors.New("reset"))
		Expect(c.callError(context.Background(), op, connErr)).To(BeIdenticalTo(connErr))
	})
})
