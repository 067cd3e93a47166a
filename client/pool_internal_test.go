package client

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Pool selection", func() {
	var pool *Pool

	// newPool builds a pool of idle connections whose state each test sets
	// by hand.
	newPool := func(size int) *Pool {
		p := &Pool{readySignal: make(chan struct{})}
		p.Commands = Commands{x: p}

		for i := 0; i < size; i++ {
			c := NewConn(Options{ID: int64(i + 1)})
			c.onReady = func() { p.notifyReady(c) }
			p.conns = append(p.conns, c)
		}

		return p
	}

	setConn := func(c *Conn, state State, outstanding int64, ready bool) {
		c.state.Store(int32(state))
		c.outstanding.Store(outstanding)
		if ready {
			c.markReady()
		}
	}

	BeforeEach(func() {
		pool = newPool(3)
	})

	It("picks the connected connection with the fewest outstanding calls", func() {
		setConn(pool.conns[0], StateConnected, 5, true)
		setConn(pool.conns[1], StateConnected, 2, true)
		setConn(pool.conns[2], StateDisconnected, 0, true)

		Expect(pool.choose()).To(BeIdenticalTo(pool.conns[1]))
	})

	It("prefers a ready connected connection over waiting", func() {
		setConn(pool.conns[0], StateConnecting, 0, false)
		setConn(pool.conns[1], StateConnected, 9, true)
		setConn(pool.conns[2], StateConnecting, 0, false)

		Expect(pool.choose()).To(BeIdenticalTo(pool.conns[1]))
	})

	It("waits while no connection finished its first attempt", func() {
		for _, c := range pool.conns {
			setConn(c, StateConnecting, 0, false)
		}

		Expect(pool.choose()).To(BeNil())
	})

	It("falls back to the fastest to finish while others are still connecting", func() {
		setConn(pool.conns[2], StateDisconnected, 3, true)
		setConn(pool.conns[0], StateDisconnected, 0, true)
		setConn(pool.conns[1], StateConnecting, 0, false)

		Expect(pool.choose()).To(BeIdenticalTo(pool.conns[2]))
	})

	It("falls back to the least loaded connection once every attempt finished", func() {
		setConn(pool.conns[0], StateDisconnected, 4, true)
		setConn(pool.conns[1], StateDisconnected, 1, true)
		setConn(pool.conns[2], StateDisconnected, 3, true)

		Expect(pool.choose()).To(BeIdenticalTo(pool.conns[1]))
	})

	It("breaks ties by position", func() {
		for _, c := range pool.conns {
			setConn(c, StateConnected, 0, true)
		}

		Expect(pool.choose()).To(BeIdenticalTo(pool.conns[0]))
	})

	Describe("Acquire()", func() {
		It("returns the fastest connection to finish connecting", func() {
			acquired := make(chan *Conn, 1)
			go func() {
				defer GinkgoRecover()

				c, err := pool.Acquire(context.Background())
				Expect(err).To(Succeed())
				acquired <- c
			}()

			Consistently(acquired, 50*time.Millisecond).ShouldNot(Receive())

			setConn(pool.conns[2], StateConnected, 0, true)
			Eventually(acquired).Should(Receive(BeIdenticalTo(pool.conns[2])))
		})

		It("gives up when the context is done", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()

			_, err := pool.Acquire(ctx)
			Expect(err).To(MatchError(context.DeadlineExceeded))
		})

		It("fails without connections", func() {
			_, err := newPool(0).Acquire(context.Background())
			Expect(err).To(MatchError(ErrNoConnections))
		})
	})
})
