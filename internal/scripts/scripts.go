// Package scripts implements the client's Lua scripts as Go functions, so
// the mock server can run them.
package scripts

import (
	"context"
	"strconv"
	"time"

	"github.com/luma/relay/client"
	"github.com/luma/relay/protocol"
	"github.com/luma/relay/storage"
	"github.com/luma/relay/transport"
)

// Builtin returns every script of the client package, keyed by source.
func Builtin() map[string]transport.ScriptFunc {
	return map[string]transport.ScriptFunc{
		client.MSetExScript:        msetEx,
		client.ExpireMultiScript:   expireMulti,
		client.ExpireAtMultiScript: expireAtMulti,
	}
}

func msetEx(ctx context.Context, store storage.Store, keys []string, args [][]byte) protocol.Reply {
	if len(args) != len(keys)+1 {
		return transport.ErrorReply("ERR wrong number of arguments")
	}

	ms, err := strconv.ParseInt(string(args[len(keys)]), 10, 64)
	if err != nil || ms <= 0 {
		return transport.ErrorReply("ERR invalid expire time in 'set' command")
	}

	for i, key := range keys {
		if err := store.Set(ctx, key, args[i], time.Duration(ms)*time.Millisecond); err != nil {
			return transport.ErrorReply(err.Error())
		}
	}

	return transport.IntegerReply(int64(len(keys)))
}

func expireMulti(ctx context.Context, store storage.Store, keys []string, args [][]byte) protocol.Reply {
	return expireAll(ctx, store, keys, args, func(ms int64) time.Time {
		return time.Now().Add(time.Duration(ms) * time.Millisecond)
	})
}

func expireAtMulti(ctx context.Context, store storage.Store, keys []string, args [][]byte) protocol.Reply {
	return expireAll(ctx, store, keys, args, time.UnixMilli)
}

func expireAll(ctx context.Context, store storage.Store, keys []string, args [][]byte, at func(int64) time.Time) protocol.Reply {
	if len(args) != 1 {
		return transport.ErrorReply("ERR wrong number of arguments")
	}

	ms, err := strconv.ParseInt(string(args[0]), 10, 64)
	if err != nil {
		return transport.ErrorReply(storage.ErrNotInteger.Error())
	}

	var n int64
	for _, key := range keys {
		if store.ExpireAt(ctx, key, at(ms)) {
			n++
		}
	}

	return transport.IntegerReply(n)
}
