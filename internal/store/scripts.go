package store

import "github.com/redis/go-redis/v9"

// Every script receives the key prefix as ARGV[1] and derives its keys from
// it; turn keys are only known once the queue has been read. The prefix is
// a hash tag, so all of them share one slot, and KEYS[1] names a key in
// that slot for cluster routing.

const releaseFn = `
local function release(p, id)
	redis.call('ZREM', p .. 'active', id)
	redis.call('ZREM', p .. 'started', id)
	if tonumber(redis.call('GET', p .. 'inflight') or '0') > 0 then
		redis.call('DECR', p .. 'inflight')
	end
end
`

// guardFn returns -1 when the turn is missing and -2 when token does not own
// an active lease on it.
const guardFn = `
local function guard(key, token)
	local f = redis.call('HMGET', key, 'status', 'lease_token')
	if not f[1] then return -1 end
	if (f[1] ~= 'running' and f[1] ~= 'streaming') or f[2] ~= token then return -2 end
	return 0
end
`

const clearLeaseLua = `'lease_owner', '', 'lease_token', '', 'lease_expiry', 0`

var enqueueScript = redis.NewScript(`
local p = ARGV[1]
local id = ARGV[2]
local key = p .. 'turn:' .. id
local max = tonumber(ARGV[3])
if max > 0 and redis.call('ZCARD', p .. 'queue') >= max then return -1 end
if redis.call('EXISTS', key) == 1 then return -2 end
local seq = redis.call('INCR', p .. 'seq')
redis.call('HSET', key, 'seq', seq, 'status', 'queued', 'attempts', 0, unpack(ARGV, 4))
redis.call('ZADD', p .. 'queue', seq, id)
return seq
`)

// leaseScript ARGV: prefix, now, ceiling, ttl, spacing, owner, token, scan limit, dispatch ttl.
var leaseScript = redis.NewScript(`
local p = ARGV[1]
local now = tonumber(ARGV[2])
local ceiling = tonumber(ARGV[3])
local spacing = tonumber(ARGV[5])
if ceiling > 0 and tonumber(redis.call('GET', p .. 'inflight') or '0') >= ceiling then
	return {-1}
end
local ids = redis.call('ZRANGE', p .. 'queue', 0, tonumber(ARGV[8]) - 1)
for _, id in ipairs(ids) do
	local key = p .. 'turn:' .. id
	local f = redis.call('HMGET', key, 'next_eligible_at', 'user_id')
	if (tonumber(f[1] or '0') or 0) <= now then
		local dkey = p .. 'dispatch:' .. (f[2] or '')
		local last = redis.call('GET', dkey)
		if spacing <= 0 or not last or tonumber(last) <= now - spacing then
			local expiry = now + tonumber(ARGV[4])
			redis.call('HSET', key, 'status', 'running', 'started_at', now,
				'lease_owner', ARGV[6], 'lease_token', ARGV[7], 'lease_expiry', expiry)
			redis.call('HINCRBY', key, 'attempts', 1)
			redis.call('ZREM', p .. 'queue', id)
			redis.call('ZADD', p .. 'active', expiry, id)
			redis.call('ZADD', p .. 'started', now, id)
			redis.call('INCR', p .. 'inflight')
			redis.call('SET', dkey, now, 'PX', ARGV[9])
			return {1, id}
		end
	end
end
return {0}
`)

var extendScript = redis.NewScript(guardFn + `
local p = ARGV[1]
local key = p .. 'turn:' .. ARGV[2]
local g = guard(key, ARGV[3])
if g ~= 0 then return g end
redis.call('HSET', key, 'lease_expiry', ARGV[4])
redis.call('ZADD', p .. 'active', ARGV[4], ARGV[2])
return 0
`)

var streamingScript = redis.NewScript(guardFn + `
local key = ARGV[1] .. 'turn:' .. ARGV[2]
local g = guard(key, ARGV[3])
if g ~= 0 then return g end
redis.call('HSET', key, 'status', 'streaming')
return 0
`)

// completeScript ARGV: prefix, id, token, now, result, truncated.
var completeScript = redis.NewScript(guardFn + releaseFn + `
local p = ARGV[1]
local key = p .. 'turn:' .. ARGV[2]
local g = guard(key, ARGV[3])
if g ~= 0 then return g end
redis.call('HSET', key, 'status', 'complete', 'completed_at', ARGV[4], 'result', ARGV[5],
	'truncated', ARGV[6], 'incomplete', 0, 'last_error_kind', '', 'last_error', '', ` + clearLeaseLua + `)
release(p, ARGV[2])
redis.call('ZADD', p .. 'done', ARGV[4], ARGV[2])
return 0
`)

// failScript ARGV: prefix, id, token, now, kind, msg, partial.
var failScript = redis.NewScript(guardFn + releaseFn + `
local p = ARGV[1]
local key = p .. 'turn:' .. ARGV[2]
local g = guard(key, ARGV[3])
if g ~= 0 then return g end
local incomplete = 0
if ARGV[7] ~= '' then incomplete = 1 end
redis.call('HSET', key, 'status', 'failed', 'completed_at', ARGV[4], 'last_error_kind', ARGV[5],
	'last_error', ARGV[6], 'result', ARGV[7], 'incomplete', incomplete, ` + clearLeaseLua + `)
release(p, ARGV[2])
redis.call('ZADD', p .. 'done', ARGV[4], ARGV[2])
return 0
`)

// retryScript ARGV: prefix, id, token, eligible at, kind, msg, partial.
var retryScript = redis.NewScript(guardFn + releaseFn + `
local p = ARGV[1]
local key = p .. 'turn:' .. ARGV[2]
local g = guard(key, ARGV[3])
if g ~= 0 then return g end
local incomplete = 0
if ARGV[7] ~= '' then incomplete = 1 end
redis.call('HSET', key, 'status', 'queued', 'next_eligible_at', ARGV[4], 'last_error_kind', ARGV[5],
	'last_error', ARGV[6], 'result', ARGV[7], 'incomplete', incomplete, ` + clearLeaseLua + `)
release(p, ARGV[2])
redis.call('ZADD', p .. 'queue', redis.call('HGET', key, 'seq'), ARGV[2])
return 0
`)

// cancelScript ARGV: prefix, id, now, kind.
var cancelScript = redis.NewScript(`
local p = ARGV[1]
local key = p .. 'turn:' .. ARGV[2]
local status = redis.call('HGET', key, 'status')
if not status then return -1 end
if status ~= 'queued' then return -3 end
redis.call('HSET', key, 'status', 'cancelled', 'completed_at', ARGV[3],
	'last_error_kind', ARGV[4], 'last_error', 'turn cancelled')
redis.call('ZREM', p .. 'queue', ARGV[2])
redis.call('ZADD', p .. 'done', ARGV[3], ARGV[2])
return 0
`)

// reapScript ARGV: prefix, now, max retries, started-before (0 disables).
// Returns a flat list of id, requeued(1|0) pairs.
var reapScript = redis.NewScript(releaseFn + `
local p = ARGV[1]
local now = tonumber(ARGV[2])
local maxRetries = tonumber(ARGV[3])
local startedBefore = tonumber(ARGV[4])
local candidates = {}
local timedOut = {}
for _, id in ipairs(redis.call('ZRANGEBYSCORE', p .. 'active', '-inf', '(' .. now)) do
	candidates[#candidates + 1] = id
end
if startedBefore > 0 then
	for _, id in ipairs(redis.call('ZRANGEBYSCORE', p .. 'started', '-inf', '(' .. startedBefore)) do
		if not timedOut[id] then
			timedOut[id] = true
			local dup = false
			for _, c in ipairs(candidates) do
				if c == id then dup = true end
			end
			if not dup then candidates[#candidates + 1] = id end
		end
	end
end
local out = {}
for _, id in ipairs(candidates) do
	local key = p .. 'turn:' .. id
	local f = redis.call('HMGET', key, 'status', 'attempts', 'seq', 'incomplete')
	if f[1] == 'running' or f[1] == 'streaming' then
		local streamed = 0
		if f[1] == 'streaming' or f[4] == '1' then streamed = 1 end
		if timedOut[id] then
			redis.call('HSET', key, 'status', 'failed', 'completed_at', now, 'last_error_kind', 'turn_timeout',
				'last_error', 'turn exceeded maximum duration', 'incomplete', streamed, ` + clearLeaseLua + `)
			redis.call('ZADD', p .. 'done', now, id)
			out[#out + 1] = id
			out[#out + 1] = 0
		elseif tonumber(f[2]) > maxRetries then
			redis.call('HSET', key, 'status', 'failed', 'completed_at', now, 'last_error_kind', 'lease_expired',
				'last_error', 'lease expired', 'incomplete', streamed, ` + clearLeaseLua + `)
			redis.call('ZADD', p .. 'done', now, id)
			out[#out + 1] = id
			out[#out + 1] = 0
		else
			redis.call('HSET', key, 'status', 'queued', 'next_eligible_at', now, 'last_error_kind', 'lease_expired',
				'last_error', 'lease expired', 'incomplete', streamed, ` + clearLeaseLua + `)
			redis.call('ZADD', p .. 'queue', f[3], id)
			out[#out + 1] = id
			out[#out + 1] = 1
		end
		release(p, id)
	else
		redis.call('ZREM', p .. 'active', id)
		redis.call('ZREM', p .. 'started', id)
	end
end
return out
`)

// bucketScript ARGV: prefix, user, capacity, refill per second, now, ttl, delta.
// delta -1 takes a token (returns 1 on success), +1 refunds one.
var bucketScript = redis.NewScript(`
local key = ARGV[1] .. 'bucket:' .. ARGV[2]
local cap = tonumber(ARGV[3])
local rate = tonumber(ARGV[4])
local now = tonumber(ARGV[5])
local f = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(f[1])
local ts = tonumber(f[2])
if not tokens then
	tokens = cap
	ts = now
end
local elapsed = (now - ts) / 1000
if elapsed > 0 then tokens = tokens + elapsed * rate end
if tokens > cap then tokens = cap end
local ok = 0
if tonumber(ARGV[7]) < 0 then
	if tokens >= 1 then
		tokens = tokens - 1
		ok = 1
	end
else
	tokens = math.min(cap, tokens + 1)
end
redis.call('HSET', key, 'tokens', tostring(tokens), 'ts', now)
redis.call('PEXPIRE', key, ARGV[6])
return ok
`)

var statsScript = redis.NewScript(`
local p = ARGV[1]
local counts = {queued = redis.call('ZCARD', p .. 'queue'), running = 0, streaming = 0, complete = 0, failed = 0, cancelled = 0}
for _, set in ipairs({'active', 'done'}) do
	for _, id in ipairs(redis.call('ZRANGE', p .. set, 0, -1)) do
		local s = redis.call('HGET', p .. 'turn:' .. id, 'status')
		if s and counts[s] ~= nil and s ~= 'queued' then counts[s] = counts[s] + 1 end
	end
end
return {counts.queued, counts.running, counts.streaming, counts.complete, counts.failed, counts.cancelled,
	tonumber(redis.call('GET', p .. 'inflight') or '0')}
`)

// purgeScript ARGV: prefix, cutoff.
var purgeScript = redis.NewScript(`
local p = ARGV[1]
local ids = redis.call('ZRANGEBYSCORE', p .. 'done', '-inf', '(' .. ARGV[2])
for _, id in ipairs(ids) do
	redis.call('DEL', p .. 'turn:' .. id)
end
redis.call('ZREMRANGEBYSCORE', p .. 'done', '-inf', '(' .. ARGV[2])
return #ids
`)
