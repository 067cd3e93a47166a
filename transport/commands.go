package transport

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/luma/relay/protocol"
	"github.com/luma/relay/storage"
)

// ScriptFunc stands in for a Lua script, it runs against the selected
// database.
type ScriptFunc func(ctx context.Context, store storage.Store, keys []string, args [][]byte) protocol.Reply

// ScriptSHA returns the SHA1 digest a server reports for script.
func ScriptSHA(script string) string {
	sum := sha1.Sum([]byte(script))
	return hex.EncodeToString(sum[:])
}

// ErrorReply builds a `-` reply, for script functions.
func ErrorReply(msg string) protocol.Reply {
	return protocol.Reply{Kind: protocol.KindError, Str: []byte(msg)}
}

// IntegerReply builds a `:` reply, for script functions.
func IntegerReply(n int64) protocol.Reply {
	return protocol.Reply{Kind: protocol.KindInteger, Int: n}
}

type session struct {
	id     int64
	db     int
	authed bool
	name   string
}

type handler struct {
	// arity is the exact number of arguments including the command name, a
	// negative arity is a minimum
	arity int

	// noAuth commands run before AUTH succeeded
	noAuth bool

	fn func(s *Server, ctx context.Context, sess *session, args [][]byte) []byte
}

var handlers = map[string]handler{
	"PING":        {arity: -1, fn: (*Server).cmdPing},
	"ECHO":        {arity: 2, fn: (*Server).cmdEcho},
	"AUTH":        {arity: -2, noAuth: true, fn: (*Server).cmdAuth},
	"SELECT":      {arity: 2, fn: (*Server).cmdSelect},
	"CLIENT":      {arity: -2, fn: (*Server).cmdClient},
	"GET":         {arity: 2, fn: (*Server).cmdGet},
	"SET":         {arity: -3, fn: (*Server).cmdSet},
	"MGET":        {arity: -2, fn: (*Server).cmdMGet},
	"MSET":        {arity: -3, fn: (*Server).cmdMSet},
	"DEL":         {arity: -2, fn: (*Server).cmdDel},
	"EXISTS":      {arity: -2, fn: (*Server).cmdExists},
	"INCR":        {arity: 2, fn: (*Server).cmdIncr},
	"DECR":        {arity: 2, fn: (*Server).cmdIncr},
	"INCRBY":      {arity: 3, fn: (*Server).cmdIncr},
	"DECRBY":      {arity: 3, fn: (*Server).cmdIncr},
	"INCRBYFLOAT": {arity: 3, fn: (*Server).cmdIncrByFloat},
	"EXPIRE":      {arity: 3, fn: (*Server).cmdExpire},
	"PEXPIRE":     {arity: 3, fn: (*Server).cmdExpire},
	"EXPIREAT":    {arity: 3, fn: (*Server).cmdExpire},
	"PEXPIREAT":   {arity: 3, fn: (*Server).cmdExpire},
	"PERSIST":     {arity: 2, fn: (*Server).cmdPersist},
	"TTL":         {arity: 2, fn: (*Server).cmdTTL},
	"PTTL":        {arity: 2, fn: (*Server).cmdTTL},
	"INFO":        {arity: -1, fn: (*Server).cmdInfo},
	"DBSIZE":      {arity: 1, fn: (*Server).cmdDBSize},
	"FLUSHDB":     {arity: -1, fn: (*Server).cmdFlushDB},
	"CLUSTER":     {arity: -2, fn: (*Server).cmdCluster},
	"SCRIPT":      {arity: -2, fn: (*Server).cmdScript},
	"EVALSHA":     {arity: -3, fn: (*Server).cmdEvalSHA},
	"DEBUG":       {arity: -2, fn: (*Server).cmdDebug},
	"QUIT":        {arity: 1, noAuth: true},
}

// dispatch runs one request and returns its encoded reply. quit is set when
// the connection must close once the reply is written.
func (s *Server) dispatch(ctx context.Context, sess *session, args [][]byte) (reply []byte, quit bool) {
	name := strings.ToUpper(string(args[0]))

	h, ok := handlers[name]
	if !ok {
		return errorf("ERR unknown command '%s', with args beginning with: %s", args[0], quoteArgs(args[1:])), false
	}

	if (h.arity > 0 && len(args) != h.arity) || (h.arity < 0 && len(args) < -h.arity) {
		return wrongArity(name), false
	}

	if !sess.authed && !h.noAuth {
		return protocol.AppendError(nil, "NOAUTH Authentication required."), false
	}

	if name == "QUIT" {
		return protocol.OkTerminal, true
	}

	return h.fn(s, ctx, sess, args), false
}

func (s *Server) cmdPing(ctx context.Context, sess *session, args [][]byte) []byte {
	switch len(args) {
	case 1:
		return protocol.AppendSimple(nil, "PONG")
	case 2:
		return protocol.AppendBulk(nil, args[1])
	default:
		return wrongArity("PING")
	}
}

func (s *Server) cmdEcho(ctx context.Context, sess *session, args [][]byte) []byte {
	return protocol.AppendBulk(nil, args[1])
}

func (s *Server) cmdAuth(ctx context.Context, sess *session, args [][]byte) []byte {
	if s.opts.Password == "" {
		return protocol.AppendError(nil, "ERR AUTH <password> called without any password configured for the default user. Are you sure your configuration is correct?")
	}

	var username, password string
	switch len(args) {
	case 2:
		username, password = "default", string(args[1])
	case 3:
		username, password = string(args[1]), string(args[2])
	default:
		return protocol.AppendError(nil, "ERR syntax error")
	}

	validUser := username == "default" || (s.opts.Username != "" && username == s.opts.Username)
	if !validUser || password != s.opts.Password {
		return protocol.AppendError(nil, "WRONGPASS invalid username-password pair or user is disabled.")
	}

	sess.authed = true
	return protocol.OkTerminal
}

func (s *Server) cmdSelect(ctx context.Context, sess *session, args [][]byte) []byte {
	db, err := strconv.Atoi(string(args[1]))
	if err != nil {
		return notInteger()
	}

	if db < 0 || db >= s.opts.Databases {
		return protocol.AppendError(nil, "ERR DB index is out of range")
	}

	sess.db = db
	return protocol.OkTerminal
}

func (s *Server) cmdClient(ctx context.Context, sess *session, args [][]byte) []byte {
	switch strings.ToUpper(string(args[1])) {
	case "SETNAME":
		if len(args) != 3 {
			return wrongArity("CLIENT|SETNAME")
		}

		if strings.ContainsAny(string(args[2]), " \r\n") {
			return protocol.AppendError(nil, "ERR Client names cannot contain spaces, newlines or special characters.")
		}

		sess.name = string(args[2])
		return protocol.OkTerminal

	case "GETNAME":
		if sess.name == "" {
			return protocol.AppendNull(nil)
		}
		return protocol.AppendBulkString(nil, sess.name)

	case "ID":
		return protocol.AppendInteger(nil, sess.id)

	default:
		return unknownSubcommand(args)
	}
}

func (s *Server) cmdGet(ctx context.Context, sess *session, args [][]byte) []byte {
	value, ok := s.Store(sess.db).Get(ctx, string(args[1]))
	if !ok {
		return protocol.AppendNull(nil)
	}

	return protocol.AppendBulk(nil, value)
}

func (s *Server) cmdSet(ctx context.Context, sess *session, args [][]byte) []byte {
	var ttl time.Duration

	for i := 3; i < len(args); i++ {
		var unit time.Duration

		switch strings.ToUpper(string(args[i])) {
		case "EX":
			unit = time.Second
		case "PX":
			unit = time.Millisecond
		default:
			return protocol.AppendError(nil, "ERR syntax error")
		}

		if i+1 >= len(args) || ttl != 0 {
			return protocol.AppendError(nil, "ERR syntax error")
		}

		n, err := strconv.ParseInt(string(args[i+1]), 10, 64)
		if err != nil {
			return notInteger()
		}

		if n <= 0 {
			return protocol.AppendError(nil, "ERR invalid expire time in 'set' command")
		}

		ttl = time.Duration(n) * unit
		i++
	}

	if err := s.Store(sess.db).Set(ctx, string(args[1]), args[2], ttl); err != nil {
		return storeError(err)
	}

	return protocol.OkTerminal
}

func (s *Server) cmdMGet(ctx context.Context, sess *session, args [][]byte) []byte {
	store := s.Store(sess.db)
	reply := protocol.AppendArrayHeader(nil, len(args)-1)

	for _, key := range args[1:] {
		value, ok := store.Get(ctx, string(key))
		if !ok {
			reply = protocol.AppendNull(reply)
			continue
		}

		reply = protocol.AppendBulk(reply, value)
	}

	return reply
}

func (s *Server) cmdMSet(ctx context.Context, sess *session, args [][]byte) []byte {
	if len(args)%2 != 1 {
		return wrongArity("MSET")
	}

	store := s.Store(sess.db)
	for i := 1; i < len(args); i += 2 {
		if err := store.Set(ctx, string(args[i]), args[i+1], 0); err != nil {
			return storeError(err)
		}
	}

	return protocol.OkTerminal
}

func (s *Server) cmdDel(ctx context.Context, sess *session, args [][]byte) []byte {
	return protocol.AppendInteger(nil, s.Store(sess.db).Del(ctx, keyStrings(args[1:])...))
}

func (s *Server) cmdExists(ctx context.Context, sess *session, args [][]byte) []byte {
	return protocol.AppendInteger(nil, s.Store(sess.db).Exists(ctx, keyStrings(args[1:])...))
}

func (s *Server) cmdIncr(ctx context.Context, sess *session, args [][]byte) []byte {
	name := strings.ToUpper(string(args[0]))

	delta := int64(1)
	if len(args) == 3 {
		n, err := strconv.ParseInt(string(args[2]), 10, 64)
		if err != nil {
			return notInteger()
		}
		delta = n
	}

	if strings.HasPrefix(name, "DECR") {
		if delta == math.MinInt64 {
			return protocol.AppendError(nil, "ERR decrement would overflow")
		}
		delta = -delta
	}

	n, err := s.Store(sess.db).IncrBy(ctx, string(args[1]), delta)
	if err != nil {
		return storeError(err)
	}

	return protocol.AppendInteger(nil, n)
}

func (s *Server) cmdIncrByFloat(ctx context.Context, sess *session, args [][]byte) []byte {
	delta, err := strconv.ParseFloat(string(args[2]), 64)
	if err != nil || math.IsInf(delta, 0) || math.IsNaN(delta) {
		return protocol.AppendError(nil, storage.ErrNotFloat.Error())
	}

	f, err := s.Store(sess.db).IncrByFloat(ctx, string(args[1]), delta)
	if err != nil {
		return storeError(err)
	}

	return protocol.AppendBulkString(nil, strconv.FormatFloat(f, 'f', -1, 64))
}

func (s *Server) cmdExpire(ctx context.Context, sess *session, args [][]byte) []byte {
	n, err := strconv.ParseInt(string(args[2]), 10, 64)
	if err != nil {
		return notInteger()
	}

	var at time.Time
	switch strings.ToUpper(string(args[0])) {
	case "EXPIRE":
		at = time.Now().Add(time.Duration(n) * time.Second)
	case "PEXPIRE":
		at = time.Now().Add(time.Duration(n) * time.Millisecond)
	case "EXPIREAT":
		at = time.Unix(n, 0)
	case "PEXPIREAT":
		at = time.UnixMilli(n)
	}

	return protocol.AppendInteger(nil, boolInt(s.Store(sess.db).ExpireAt(ctx, string(args[1]), at)))
}

func (s *Server) cmdPersist(ctx context.Context, sess *session, args [][]byte) []byte {
	return protocol.AppendInteger(nil, boolInt(s.Store(sess.db).Persist(ctx, string(args[1]))))
}

func (s *Server) cmdTTL(ctx context.Context, sess *session, args [][]byte) []byte {
	ttl, ok := s.Store(sess.db).TTL(ctx, string(args[1]))
	switch {
	case !ok:
		return protocol.AppendInteger(nil, -2)
	case ttl < 0:
		return protocol.AppendInteger(nil, -1)
	}

	ms := ttl.Milliseconds()
	if strings.EqualFold(string(args[0]), "PTTL") {
		return protocol.AppendInteger(nil, ms)
	}

	return protocol.AppendInteger(nil, (ms+500)/1000)
}

func (s *Server) cmdInfo(ctx context.Context, sess *session, args [][]byte) []byte {
	stats := s.Stats()

	sections := []struct {
		name  string
		lines []string
	}{
		{"Server", []string{
			"redis_version:7.0.0",
			"redis_mode:standalone",
			"process_id:" + strconv.Itoa(os.Getpid()),
			"tcp_port:" + portOf(stats.Addr),
		}},
		{"Clients", []string{
			"connected_clients:" + strconv.Itoa(stats.Connections),
		}},
		{"Stats", []string{
			"total_connections_received:" + strconv.FormatInt(stats.Accepted, 10),
			"total_commands_processed:" + strconv.FormatInt(stats.Commands, 10),
		}},
		{"Keyspace", s.keyspaceInfo(ctx)},
	}

	wanted := make(map[string]bool)
	for _, arg := range args[1:] {
		wanted[strings.ToLower(string(arg))] = true
	}

	var b strings.Builder
	for _, section := range sections {
		if len(wanted) > 0 && !wanted[strings.ToLower(section.name)] && !wanted["all"] && !wanted["everything"] {
			continue
		}

		if b.Len() > 0 {
			b.WriteString("\r\n")
		}

		b.WriteString("# " + section.name + "\r\n")
		for _, line := range section.lines {
			b.WriteString(line + "\r\n")
		}
	}

	return protocol.AppendBulkString(nil, b.String())
}

func (s *Server) keyspaceInfo(ctx context.Context) []string {
	s.mu.Lock()
	stores := make(map[int]storage.Store, len(s.stores))
	for db, store := range s.stores {
		stores[db] = store
	}
	s.mu.Unlock()

	var lines []string
	for db := 0; db < s.opts.Databases; db++ {
		store, ok := stores[db]
		if !ok {
			continue
		}

		if n := store.Len(ctx); n > 0 {
			lines = append(lines, fmt.Sprintf("db%d:keys=%d", db, n))
		}
	}

	return lines
}

func (s *Server) cmdDBSize(ctx context.Context, sess *session, args [][]byte) []byte {
	return protocol.AppendInteger(nil, s.Store(sess.db).Len(ctx))
}

func (s *Server) cmdFlushDB(ctx context.Context, sess *session, args [][]byte) []byte {
	s.Store(sess.db).Flush(ctx)
	return protocol.OkTerminal
}

func (s *Server) cmdCluster(ctx context.Context, sess *session, args [][]byte) []byte {
	return protocol.AppendError(nil, "ERR This instance has cluster support disabled")
}

func (s *Server) cmdScript(ctx context.Context, sess *session, args [][]byte) []byte {
	switch strings.ToUpper(string(args[1])) {
	case "LOAD":
		if len(args) != 3 {
			return wrongArity("SCRIPT|LOAD")
		}

		fn, ok := s.opts.Scripts[string(args[2])]
		if !ok {
			return protocol.AppendError(nil, "ERR Error compiling script: only registered scripts can be loaded")
		}

		sha := ScriptSHA(string(args[2]))

		s.mu.Lock()
		s.scripts[sha] = fn
		s.mu.Unlock()

		return protocol.AppendBulkString(nil, sha)

	case "EXISTS":
		s.mu.Lock()
		defer s.mu.Unlock()

		reply := protocol.AppendArrayHeader(nil, len(args)-2)
		for _, sha := range args[2:] {
			_, ok := s.scripts[strings.ToLower(string(sha))]
			reply = protocol.AppendInteger(reply, boolInt(ok))
		}

		return reply

	case "FLUSH":
		s.mu.Lock()
		s.scripts = make(map[string]ScriptFunc)
		s.mu.Unlock()

		return protocol.OkTerminal

	default:
		return unknownSubcommand(args)
	}
}

func (s *Server) cmdEvalSHA(ctx context.Context, sess *session, args [][]byte) []byte {
	s.mu.Lock()
	fn, ok := s.scripts[strings.ToLower(string(args[1]))]
	s.mu.Unlock()

	if !ok {
		return protocol.AppendError(nil, "NOSCRIPT No matching script. Please use EVAL.")
	}

	numKeys, err := strconv.Atoi(string(args[2]))
	switch {
	case err != nil:
		return notInteger()
	case numKeys < 0:
		return protocol.AppendError(nil, "ERR Number of keys can't be negative")
	case numKeys > len(args)-3:
		return protocol.AppendError(nil, "ERR Number of keys can't be greater than number of args")
	}

	keys := keyStrings(args[3 : 3+numKeys])
	return protocol.AppendReply(nil, fn(ctx, s.Store(sess.db), keys, args[3+numKeys:]))
}

// cmdDebug only knows SLEEP, which stalls the connection like a slow server.
func (s *Server) cmdDebug(ctx context.Context, sess *session, args [][]byte) []byte {
	if !strings.EqualFold(string(args[1]), "SLEEP") || len(args) != 3 {
		return unknownSubcommand(args)
	}

	seconds, err := strconv.ParseFloat(string(args[2]), 64)
	if err != nil {
		return protocol.AppendError(nil, storage.ErrNotFloat.Error())
	}

	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	return protocol.OkTerminal
}

func storeError(err error) []byte {
	if errors.Is(err, storage.ErrClosed) {
		return protocol.AppendError(nil, "ERR "+err.Error())
	}

	return protocol.AppendError(nil, err.Error())
}

func errorf(format string, args ...interface{}) []byte {
	return protocol.AppendError(nil, fmt.Sprintf(format, args...))
}

func wrongArity(name string) []byte {
	return errorf("ERR wrong number of arguments for '%s' command", strings.ToLower(name))
}

func notInteger() []byte {
	return protocol.AppendError(nil, storage.ErrNotInteger.Error())
}

func unknownSubcommand(args [][]byte) []byte {
	return errorf("ERR unknown subcommand '%s'. Try %s HELP.", args[1], strings.ToUpper(string(args[0])))
}

func quoteArgs(args [][]byte) string {
	quoted := make([]string, 0, len(args))
	for _, arg := range args {
		quoted = append(quoted, "'"+string(arg)+"'")
	}

	return strings.Join(quoted, " ")
}

func keyStrings(args [][]byte) []string {
	keys := make([]string, len(args))
	for i, arg := range args {
		keys[i] = string(arg)
	}

	return keys
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}

	return 0
}

func portOf(addr string) string {
	if i := strings.LastIndexByte(addr, ':'); i >= 0 {
		return addr[i+1:]
	}

	return addr
}
