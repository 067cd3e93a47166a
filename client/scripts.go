package client

// Scripts behind the multi-key commands that must apply atomically.
const (
	// MSetExScript sets KEYS[i] to ARGV[i] and expires every key after
	// ARGV[#KEYS+1] milliseconds.
	MSetExScript = `local ttl = ARGV[#KEYS + 1]
for i = 1, #KEYS do
	redis.call('SET', KEYS[i], ARGV[i], 'PX', ttl)
end
return #KEYS`

	// ExpireMultiScript expires every key after ARGV[1] milliseconds and
	// returns how many keys exist.
	ExpireMultiScript = `local n = 0
for i = 1, #KEYS do
	n = n + redis.call('PEXPIRE', KEYS[i], ARGV[1])
end
return n`

	// ExpireAtMultiScript expires every key at the unix time ARGV[1], in
	// milliseconds, and returns how many keys exist.
	ExpireAtMultiScript = `local n = 0
for i = 1, #KEYS do
	n = n + redis.call('PEXPIREAT', KEYS[i], ARGV[1])
end
return n`
)
