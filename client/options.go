package client

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultPort                = 6379
	DefaultDialTimeout         = 5 * time.Second
	DefaultCallTimeout         = 5 * time.Second
	DefaultReadTimeout         = 10 * time.Second
	DefaultWriteTimeout        = 10 * time.Second
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultMaxBatchSize        = 512
)

// Dialer opens the raw stream to a server, *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Resolver resolves host names, *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

type Options struct {
	// Host is a name or a literal IP address, defaults to localhost
	Host string

	// Port defaults to 6379
	Port int

	// TLSConfig enables TLS when set. ServerName defaults to Host.
	TLSConfig *tls.Config

	// Username is sent with AUTH when set, Password alone otherwise
	Username string
	Password string

	// DB is selected during the handshake unless it is 0
	DB int

	// ClientName is set with CLIENT SETNAME during the handshake
	ClientName string

	DialTimeout time.Duration

	// ReadTimeout and WriteTimeout bound every socket operation, negative
	// values disable the deadline
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// CallTimeout bounds a call from dispatch to resolution, on top of the
	// caller's context. A negative value leaves only the caller's context.
	CallTimeout time.Duration

	// HealthCheckInterval is the period of the reconnect and PING loop, a
	// negative interval disables it
	HealthCheckInterval time.Duration

	// MaxBatchSize bounds the number of queued commands written in a single
	// frame, defaults to 512. A negative size writes everything that is
	// queued.
	MaxBatchSize int

	// PoolSize is the number of connections of a Pool, defaults to 1
	PoolSize int

	// ID identifies a standalone connection in logs and errors. A Pool
	// assigns its own.
	ID int64

	// OnConnected and OnConnectionFailed are called on a goroutine of their
	// own, so they may issue commands on the Conn
	OnConnected        func(*Conn)
	OnConnectionFailed func(*Conn, error)

	Dialer   Dialer
	Resolver Resolver

	Log *zap.Logger
}

// Addr returns the host:port the options point at.
func (o Options) Addr() string {
	o = o.withDefaults()
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

func (o Options) withDefaults() Options {
	if o.Host == "" {
		o.Host = "localhost"
	}

	if o.Port == 0 {
		o.Port = DefaultPort
	}

	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}

	if o.ReadTimeout == 0 {
		o.ReadTimeout = DefaultReadTimeout
	}

	if o.WriteTimeout == 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}

	if o.CallTimeout == 0 {
		o.CallTimeout = DefaultCallTimeout
	}

	if o.HealthCheckInterval == 0 {
		o.HealthCheckInterval = DefaultHealthCheckInterval
	}

	if o.MaxBatchSize == 0 {
		o.MaxBatchSize = DefaultMaxBatchSize
	}

	if o.PoolSize < 1 {
		o.PoolSize = 1
	}

	if o.Dialer == nil {
		o.Dialer = &net.Dialer{KeepAlive: 30 * time.Second}
	}

	if o.Resolver == nil {
		o.Resolver = net.DefaultResolver
	}

	if o.Log == nil {
		o.Log = zap.NewNop()
	}

	return o
}
