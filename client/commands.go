package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/luma/relay/protocol"
)

const (
	// KeyMissing is the TTL of a key that does not exist
	KeyMissing time.Duration = -2

	// NoExpiry is the TTL of a key that never expires
	NoExpiry time.Duration = -1
)

type executor interface {
	pick(ctx context.Context) (*Conn, error)
}

// KeyValue is one pair of MSet.
type KeyValue struct {
	Key   string
	Value interface{}
}

// Commands is the typed command surface shared by Conn and Pool. Errors are
// those of Do.
type Commands struct {
	x executor
}

func run[T any](ctx context.Context, x executor, cmd protocol.Command, proc protocol.Processor[T]) (T, error) {
	c, err := x.pick(ctx)
	if err != nil {
		var zero T
		return zero, err
	}

	return Do(ctx, c, cmd, proc)
}

// Exec runs an arbitrary command and returns its reply as is.
func (m Commands) Exec(ctx context.Context, name string, args ...interface{}) (protocol.Reply, error) {
	return run(ctx, m.x, protocol.NewCommand(name, args...), protocol.ReadReply)
}

func (m Commands) Ping(ctx context.Context) error {
	status, err := run(ctx, m.x, protocol.NewCommand("PING"), protocol.ReadStatus)
	if err != nil {
		return err
	}

	if status != "PONG" {
		return &CommandError{Command: "PING", Err: &protocol.UnexpectedReplyError{
			Want: protocol.KindSimple,
			Got:  protocol.KindSimple,
			Msg:  fmt.Sprintf("expected PONG, got %q", status),
		}}
	}

	return nil
}

// Exists returns how many of keys exist, a key given twice counts twice.
func (m Commands) Exists(ctx context.Context, keys ...string) (int64, error) {
	return run(ctx, m.x, protocol.NewCommand("EXISTS", stringArgs(keys)...), protocol.ReadInteger)
}

func (m Commands) Get(ctx context.Context, key string) (protocol.NullString, error) {
	return run(ctx, m.x, protocol.NewCommand("GET", key), protocol.ReadNullString)
}

func (m Commands) MGet(ctx context.Context, keys ...string) ([]protocol.NullString, error) {
	return run(ctx, m.x, protocol.NewCommand("MGET", stringArgs(keys)...), protocol.ReadStrings)
}

// Set writes value, a ttl above zero expires it.
func (m Commands) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	args := []interface{}{key, value}
	if ttl > 0 {
		args = append(args, expiryArgs(ttl)...)
	}

	_, err := run(ctx, m.x, protocol.NewCommand("SET", args...), protocol.ReadOK)
	return err
}

// MSet writes every pair. With a ttl above zero the pairs are written and
// expired atomically by a script.
func (m Commands) MSet(ctx context.Context, ttl time.Duration, pairs ...KeyValue) error {
	if len(pairs) == 0 {
		return nil
	}

	if ttl <= 0 {
		args := make([]interface{}, 0, 2*len(pairs))
		for _, pair := range pairs {
			args = append(args, pair.Key, pair.Value)
		}

		_, err := run(ctx, m.x, protocol.NewCommand("MSET", args...), protocol.ReadOK)
		return err
	}

	keys := make([]string, 0, len(pairs))
	args := make([]interface{}, 0, len(pairs)+1)
	for _, pair := range pairs {
		keys = append(keys, pair.Key)
		args = append(args, pair.Value)
	}
	args = append(args, ttl.Milliseconds())

	_, err := m.runScript(ctx, MSetExScript, keys, args...)
	return err
}

func (m Commands) Del(ctx context.Context, keys ...string) (int64, error) {
	return run(ctx, m.x, protocol.NewCommand("DEL", stringArgs(keys)...), protocol.ReadInteger)
}

func (m Commands) Incr(ctx context.Context, key string) (int64, error) {
	return run(ctx, m.x, protocol.NewCommand("INCR", key), protocol.ReadInteger)
}

func (m Commands) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return run(ctx, m.x, protocol.NewCommand("INCRBY", key, delta), protocol.ReadInteger)
}

func (m Commands) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	return run(ctx, m.x, protocol.NewCommand("INCRBYFLOAT", key, delta), protocol.ReadFloat)
}

func (m Commands) Decr(ctx context.Context, key string) (int64, error) {
	return run(ctx, m.x, protocol.NewCommand("DECR", key), protocol.ReadInteger)
}

func (m Commands) DecrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return run(ctx, m.x, protocol.NewCommand("DECRBY", key, delta), protocol.ReadInteger)
}

// Expire sets the time to live of key, it reports false for missing keys.
func (m Commands) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	cmd := protocol.NewCommand("PEXPIRE", key, ttl.Milliseconds())
	if ttl%time.Second == 0 {
		cmd = protocol.NewCommand("EXPIRE", key, int64(ttl/time.Second))
	}

	n, err := run(ctx, m.x, cmd, protocol.ReadInteger)
	return n == 1, err
}

// ExpireAt expires key at a point in time, it reports false for missing keys.
func (m Commands) ExpireAt(ctx context.Context, key string, at time.Time) (bool, error) {
	cmd := protocol.NewCommand("PEXPIREAT", key, at.UnixMilli())
	if at.Nanosecond() == 0 {
		cmd = protocol.NewCommand("EXPIREAT", key, at.Unix())
	}

	n, err := run(ctx, m.x, cmd, protocol.ReadInteger)
	return n == 1, err
}

// ExpireMulti sets the time to live of every key atomically and returns how
// many of them exist.
func (m Commands) ExpireMulti(ctx context.Context, ttl time.Duration, keys ...string) (int64, error) {
	return m.scriptInteger(ctx, ExpireMultiScript, keys, ttl.Milliseconds())
}

// ExpireAtMulti expires every key at a point in time atomically and returns
// how many of them exist.
func (m Commands) ExpireAtMulti(ctx context.Context, at time.Time, keys ...string) (int64, error) {
	return m.scriptInteger(ctx, ExpireAtMultiScript, keys, at.UnixMilli())
}

func (m Commands) Persist(ctx context.Context, key string) (bool, error) {
	n, err := run(ctx, m.x, protocol.NewCommand("PERSIST", key), protocol.ReadInteger)
	return n == 1, err
}

// TTL returns the remaining time to live of key in whole seconds, KeyMissing
// or NoExpiry.
func (m Commands) TTL(ctx context.Context, key string) (time.Duration, error) {
	n, err := run(ctx, m.x, protocol.NewCommand("TTL", key), protocol.ReadInteger)
	if err != nil {
		return 0, err
	}

	switch {
	case n == -2:
		return KeyMissing, nil
	case n < 0:
		return NoExpiry, nil
	default:
		return time.Duration(n) * time.Second, nil
	}
}

func (m Commands) Info(ctx context.Context, sections ...string) (string, error) {
	info, err := run(ctx, m.x, protocol.NewCommand("INFO", stringArgs(sections)...), protocol.ReadNullString)
	return info.String, err
}

func (m Commands) DBSize(ctx context.Context) (int64, error) {
	return run(ctx, m.x, protocol.NewCommand("DBSIZE"), protocol.ReadInteger)
}

func (m Commands) ClusterInfo(ctx context.Context) (string, error) {
	info, err := run(ctx, m.x, protocol.NewCommand("CLUSTER", "INFO"), protocol.ReadNullString)
	return info.String, err
}

// ScriptLoad loads script and returns its SHA1.
func (m Commands) ScriptLoad(ctx context.Context, script string) (string, error) {
	c, err := m.x.pick(ctx)
	if err != nil {
		return "", err
	}

	return c.loadScript(ctx, script)
}

// ScriptFlush removes every script from the server a connection is picked
// for. Other connections of a pool reload their scripts on first use.
func (m Commands) ScriptFlush(ctx context.Context) error {
	c, err := m.x.pick(ctx)
	if err != nil {
		return err
	}

	if _, err := Do(ctx, c, protocol.NewCommand("SCRIPT", "FLUSH"), protocol.ReadOK); err != nil {
		return err
	}

	c.scripts.Range(func(key, _ interface{}) bool {
		c.scripts.Delete(key)
		return true
	})

	return nil
}

func (m Commands) EvalSHA(ctx context.Context, sha string, keys []string, args ...interface{}) (protocol.Reply, error) {
	return run(ctx, m.x, evalSHACommand(sha, keys, args), protocol.ReadReply)
}

// RunScript runs script by its SHA1, loading it first when the connection
// has not loaded it yet or the server lost it.
func (m Commands) RunScript(ctx context.Context, script string, keys []string, args ...interface{}) (protocol.Reply, error) {
	return m.runScript(ctx, script, keys, args...)
}

func (m Commands) runScript(ctx context.Context, script string, keys []string, args ...interface{}) (protocol.Reply, error) {
	c, err := m.x.pick(ctx)
	if err != nil {
		return protocol.Reply{}, err
	}

	sha, err := c.scriptSHA(ctx, script)
	if err != nil {
		return protocol.Reply{}, err
	}

	reply, err := Do(ctx, c, evalSHACommand(sha, keys, args), protocol.ReadReply)
	if !isNoScript(err) {
		return reply, err
	}

	c.log.Debug("Script is not loaded on the server, reloading", zap.String("sha", sha))
	c.scripts.Delete(script)

	if sha, err = c.loadScript(ctx, script); err != nil {
		return protocol.Reply{}, err
	}

	return Do(ctx, c, evalSHACommand(sha, keys, args), protocol.ReadReply)
}

func (m Commands) scriptInteger(ctx context.Context, script string, keys []string, args ...interface{}) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	reply, err := m.runScript(ctx, script, keys, args...)
	if err != nil {
		return 0, err
	}

	if reply.Kind != protocol.KindInteger {
		return 0, &CommandError{Command: "EVALSHA", Err: &protocol.UnexpectedReplyError{
			Want: protocol.KindInteger,
			Got:  reply.Kind,
		}}
	}

	return reply.Int, nil
}

func (c *Conn) scriptSHA(ctx context.Context, script string) (string, error) {
	if sha, ok := c.scripts.Load(script); ok {
		return sha.(string), nil
	}

	return c.loadScript(ctx, script)
}

func (c *Conn) loadScript(ctx context.Context, script string) (string, error) {
	sha, err := Do(ctx, c, protocol.NewCommand("SCRIPT", "LOAD", script), protocol.ReadNullString)
	if err != nil {
		return "", err
	}

	if !sha.Valid {
		return "", &CommandError{Command: "SCRIPT LOAD", Err: errors.New("server returned no SHA1")}
	}

	c.scripts.Store(script, sha.String)
	return sha.String, nil
}

func evalSHACommand(sha string, keys []string, args []interface{}) protocol.Command {
	cmdArgs := make([]interface{}, 0, 2+len(keys)+len(args))
	cmdArgs = append(cmdArgs, sha, len(keys))
	for _, key := range keys {
		cmdArgs = append(cmdArgs, key)
	}
	cmdArgs = append(cmdArgs, args...)

	return protocol.NewCommand("EVALSHA", cmdArgs...)
}

func isNoScript(err error) bool {
	var serverErr *protocol.ServerError
	return errors.As(err, &serverErr) && serverErr.Prefix() == "NOSCRIPT"
}

// expiryArgs returns the SET option for ttl, EX for whole seconds and PX
// otherwise.
func expiryArgs(ttl time.Duration) []interface{} {
	if ttl%time.Second == 0 {
		return []interface{}{"EX", int64(ttl / time.Second)}
	}

	return []interface{}{"PX", ttl.Milliseconds()}
}

func stringArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}

	return args
}
