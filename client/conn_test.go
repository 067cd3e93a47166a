package client_test

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/relay/client"
	"github.com/luma/relay/protocol"
	"github.com/luma/relay/transport"
)

var _ = Describe("Conn", func() {
	var (
		ctx    context.Context
		server *transport.Server
	)

	BeforeEach(func() {
		ctx = context.Background()
	})

	AfterEach(func() {
		if server != nil {
			Expect(server.Close()).To(Succeed())
			server = nil
		}
	})

	Describe("Dial()", func() {
		It("connects and reports its state", func() {
			server = startServer(transport.Options{})

			options := optionsFor(server.Addr())
			options.ID = 7

			conn := dial(options)
			defer conn.Close()

			Expect(conn.IsConnected()).To(BeTrue())
			Expect(conn.State()).To(Equal(client.StateConnected))
			Expect(conn.ID()).To(Equal(int64(7)))
			Expect(conn.Addr()).To(Equal(server.Addr()))
			Expect(conn.Reconnects()).To(BeZero())
		})

		It("fails with a connection error when nothing listens", func() {
			fake := newFakeServer()
			addr := fake.Addr()
			fake.Close()

			options := optionsFor(addr)
			options.DialTimeout = time.Second

			_, err := client.Dial(ctx, options)
			Expect(client.IsConnectionError(err)).To(BeTrue(), "got %v", err)
		})

		It("resolves host names", func() {
			server = startServer(transport.Options{})

			options := optionsFor(server.Addr())
			options.Host = "relay.test"
			options.Resolver = staticResolver{"relay.test": {"127.0.0.1"}}

			conn := dial(options)
			defer conn.Close()

			Expect(conn.Ping(ctx)).To(Succeed())
		})

		It("gives up when the context is done", func() {
			fake := newFakeServer()
			defer fake.Close()

			options := optionsFor(fake.Addr())
			options.Password = "secret"

			// The fake server never answers AUTH
			dialCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
			defer cancel()

			_, err := client.Dial(dialCtx, options)
			Expect(err).To(MatchError(context.DeadlineExceeded))
		})
	})

	Describe("handshake", func() {
		BeforeEach(func() {
			server = startServer(transport.Options{Password: "secret", Username: "app"})
		})

		It("authenticates, selects the database and names the connection", func() {
			var connected atomic.Int32

			options := optionsFor(server.Addr())
			options.Username = "app"
			options.Password = "secret"
			options.DB = 2
			options.ClientName = "relay-test"
			options.OnConnected = func(*client.Conn) { connected.Add(1) }

			conn := dial(options)
			defer conn.Close()

			Eventually(connected.Load).Should(Equal(int32(1)))

			name, err := conn.Exec(ctx, "CLIENT", "GETNAME")
			Expect(err).To(Succeed())
			Expect(string(name.Str)).To(Equal("relay-test"))

			Expect(conn.Set(ctx, "k", "v", 0)).To(Succeed())
			Expect(server.Store(2).Exists(ctx, "k")).To(Equal(int64(1)))
			Expect(server.Store(0).Exists(ctx, "k")).To(BeZero())
		})

		It("fails the connect on a wrong password", func() {
			var failures atomic.Int32

			options := optionsFor(server.Addr())
			options.Password = "wrong"
			options.OnConnectionFailed = func(*client.Conn, error) { failures.Add(1) }

			_, err := client.Dial(ctx, options)
			Expect(client.IsConnectionError(err)).To(BeTrue())

			var serverErr *protocol.ServerError
			Expect(errors.As(err, &serverErr)).To(BeTrue())
			Expect(serverErr.Prefix()).To(Equal("WRONGPASS"))
			Eventually(failures.Load).Should(BeNumerically(">=", 1))
		})
	})

	Describe("timeouts", func() {
		BeforeEach(func() {
			server = startServer(transport.Options{})
		})

		It("reports an exceeded call timeout with the pressure it saw", func() {
			options := optionsFor(server.Addr())
			options.CallTimeout = 100 * time.Millisecond

			conn := dial(options)
			defer conn.Close()

			_, err := conn.Exec(ctx, "DEBUG", "SLEEP", "0.5")

			var timeoutErr *client.TimeoutError
			Expect(errors.As(err, &timeoutErr)).To(BeTrue(), "got %v", err)
			Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
			Expect(timeoutErr.Command).To(Equal("DEBUG SLEEP 0.5"))
			Expect(timeoutErr.Pressure.Outstanding).To(BeNumerically(">=", 1))
			Expect(timeoutErr.Pressure.Goroutines).To(BeNumerically(">", 0))
			Expect(timeoutErr.Pressure.WriteBusy).To(BeTrue())

			// The late reply is read and dropped, the stream stays aligned
			Eventually(func() error { return conn.Ping(ctx) }, 3*time.Second).Should(Succeed())
			Expect(conn.Reconnects()).To(BeZero())
		})

		It("returns the caller's context error as is", func() {
			conn := dial(optionsFor(server.Addr()))
			defer conn.Close()

			callCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()

			_, err := conn.Exec(callCtx, "DEBUG", "SLEEP", "0.3")
			Expect(err).To(Equal(context.DeadlineExceeded))
		})
	})

	Describe("reconnecting", func() {
		BeforeEach(func() {
			server = startServer(transport.Options{})
		})

		It("connects again on the next command once the connection is lost", func() {
			conn := dial(optionsFor(server.Addr()))
			defer conn.Close()

			Expect(conn.Set(ctx, "k", "v", 0)).To(Succeed())
			Expect(server.DropConnections()).To(Equal(1))

			Eventually(func() error { return conn.Ping(ctx) }).Should(Succeed())
			Expect(conn.Reconnects()).To(BeNumerically(">=", 1))

			value, err := conn.Get(ctx, "k")
			Expect(err).To(Succeed())
			Expect(value.String).To(Equal("v"))
		})

		It("is driven by the health check", func() {
			options := optionsFor(server.Addr())
			options.HealthCheckInterval = 50 * time.Millisecond

			conn := dial(options)
			defer conn.Close()

			Expect(server.DropConnections()).To(Equal(1))

			Eventually(conn.Reconnects, 3*time.Second).Should(BeNumerically(">=", 1))
			Eventually(conn.IsConnected, 3*time.Second).Should(BeTrue())
		})

		It("collapses concurrent reconnects into one connection", func() {
			var connected atomic.Int32

			options := optionsFor(server.Addr())
			options.OnConnected = func(*client.Conn) { connected.Add(1) }

			conn := dial(options)
			defer conn.Close()

			Eventually(connected.Load).Should(Equal(int32(1)))
			Expect(server.DropConnections()).To(Equal(1))

			var wg sync.WaitGroup
			for i := 0; i < 300; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()

					_ = conn.Ping(ctx)
				}()
			}
			wg.Wait()

			Eventually(func() error { return conn.Ping(ctx) }).Should(Succeed())
			Expect(conn.Reconnects()).To(Equal(int64(1)))
			Eventually(connected.Load).Should(Equal(int32(2)))
			Eventually(func() int { return server.Stats().Connections }).Should(Equal(1))
			Consistently(func() int { return server.Stats().Connections }, "100ms").Should(Equal(1))
		})

		It("lets the callbacks issue commands on the connection", func() {
			pinged := make(chan error, 4)

			options := optionsFor(server.Addr())
			options.CallTimeout = 2 * time.Second
			options.OnConnected = func(c *client.Conn) { pinged <- c.Ping(ctx) }

			conn := dial(options)
			defer conn.Close()

			Eventually(pinged, time.Second).Should(Receive(Succeed()))
		})
	})

	Describe("Close()", func() {
		It("fails every later call", func() {
			server = startServer(transport.Options{})

			conn := dial(optionsFor(server.Addr()))
			Expect(conn.Close()).To(Succeed())
			Expect(conn.Close()).To(Succeed())

			Expect(conn.Ping(ctx)).To(MatchError(client.ErrClosed))
			Expect(conn.State()).To(Equal(client.StateDisconnected))
		})
	})

	Describe("Stats()", func() {
		It("tracks the last command and operations", func() {
			server = startServer(transport.Options{})

			conn := dial(optionsFor(server.Addr()))
			defer conn.Close()

			Expect(conn.Set(ctx, "k", "v", time.Minute)).To(Succeed())

			stats := conn.Stats()
			Expect(stats.State).To(Equal("connected"))
			Expect(stats.LastCommand).To(Equal("SET k v EX 60"))
			Expect(stats.Operations).To(Equal(int64(1)))
			Expect(stats.Outstanding).To(BeZero())
			Expect(conn.LastCommand()).To(Equal("SET k v EX 60"))
		})
	})

	Describe("TLS", func() {
		var responder *tlsResponder

		BeforeEach(func() {
			responder = newTLSResponder()
		})

		AfterEach(func() {
			responder.Close()
		})

		It("verifies the server and talks over TLS", func() {
			options := optionsFor(responder.Addr())
			options.TLSConfig = &tls.Config{RootCAs: responder.roots, MinVersion: tls.VersionTLS12}

			conn := dial(options)
			defer conn.Close()

			Expect(conn.Ping(ctx)).To(Succeed())
		})

		It("fails with a connection error when the server name does not match", func() {
			options := optionsFor(responder.Addr())
			options.DialTimeout = time.Second
			options.TLSConfig = &tls.Config{
				RootCAs:    responder.roots,
				ServerName: "wrong.invalid",
				MinVersion: tls.VersionTLS12,
			}

			_, err := client.Dial(ctx, options)
			Expect(client.IsConnectionError(err)).To(BeTrue(), "got %v", err)

			var certErr x509.HostnameError
			Expect(errors.As(err, &certErr)).To(BeTrue(), "got %v", err)
		})
	})
})

type staticResolver map[string][]string

func (r staticResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	addrs, ok := r[host]
	if !ok {
		return nil, errors.New("no such host")
	}

	return addrs, nil
}
