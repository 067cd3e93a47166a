package transport

import (
	"github.com/luma/relay/storage"
	"go.uber.org/zap"
)

type Options struct {
	// Host to listen on
	Host string

	// Port to listen on, 0 picks a free port (only with a single listener)
	Port int

	// Reuseport controls setting SO_REUSEPORT
	Reuseport bool

	// Trace will log every request and reply. This is only useful in local
	// debugging
	Trace bool

	// NumListeners defaults to 1. More than one listener requires Reuseport
	// and a fixed Port.
	NumListeners int

	// Password, when set, is required through AUTH before any other command
	Password string

	// Username accepted by AUTH in addition to "default"
	Username string

	// Databases is the number of key spaces SELECT can switch between,
	// defaults to 16
	Databases int

	// WriteChunkSize splits every reply into writes of at most this many
	// bytes. 0 writes each reply in one go.
	WriteChunkSize int

	// Scripts maps Lua sources to the Go functions that stand in for them.
	// SCRIPT LOAD only accepts registered sources.
	Scripts map[string]ScriptFunc

	// NewStore creates the key space of a database, defaults to an
	// in-memory store
	NewStore func() storage.Store

	Log *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.NumListeners < 1 {
		o.NumListeners = 1
	}

	if o.Databases < 1 {
		o.Databases = 16
	}

	if o.NewStore == nil {
		o.NewStore = func() storage.Store {
			return storage.NewInmemoryStore()
		}
	}

	if o.Log == nil {
		o.Log = zap.NewNop()
	}

	return o
}
