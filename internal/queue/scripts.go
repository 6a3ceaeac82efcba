package queue

import "github.com/redis/go-redis/v9"

// queueKeys holds the Redis keys of one queue. The hash tag keeps every key
// of a queue in the same cluster slot so scripts can touch all of them.
type queueKeys struct {
	Pending  string
	Active   string
	Delayed  string
	Dead     string
	Jobs     string
	Leases   string
	Attempts string
	Unique   string
}

func keysFor(queue string) queueKeys {
	prefix := "jyotish:{" + queue + "}:"
	return queueKeys{
		Pending:  prefix + "pending",
		Active:   prefix + "active",
		Delayed:  prefix + "delayed",
		Dead:     prefix + "dead",
		Jobs:     prefix + "jobs",
		Leases:   prefix + "leases",
		Attempts: prefix + "attempts",
		Unique:   prefix + "unique",
	}
}

// KEYS: jobs, pending, delayed, unique
// ARGV: id, job json, unique key, due ms (0 = immediately)
var enqueueScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
  return {0, ARGV[1]}
end
if ARGV[3] ~= '' then
  local holder = redis.call('HGET', KEYS[4], ARGV[3])
  if holder then return {0, holder} end
  redis.call('HSET', KEYS[4], ARGV[3], ARGV[1])
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
if tonumber(ARGV[4]) > 0 then
  redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
else
  redis.call('LPUSH', KEYS[2], ARGV[1])
end
return {1, ARGV[1]}
`)

// KEYS: pending, active, jobs, leases, attempts
// ARGV: lease deadline ms, token
// Returns {id, job json, attempt}; job json is empty for orphaned ids.
var leaseScript = redis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then return false end
local raw = redis.call('HGET', KEYS[3], id)
if not raw then return {id, '', 0} end
redis.call('ZADD', KEYS[2], ARGV[1], id)
redis.call('HSET', KEYS[4], id, ARGV[2])
local attempt = redis.call('HINCRBY', KEYS[5], id, 1)
return {id, raw, attempt}
`)

// KEYS: active, leases
// ARGV: id, token, lease deadline ms
var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then return 0 end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// KEYS: active, leases, jobs, attempts, unique
// ARGV: id, token, unique key
var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then return 0 end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
if ARGV[3] ~= '' and redis.call('HGET', KEYS[5], ARGV[3]) == ARGV[1] then
  redis.call('HDEL', KEYS[5], ARGV[3])
end
return 1
`)

// KEYS: active, leases, jobs, delayed
// ARGV: id, token, job json, due ms
var retryScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then return 0 end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
return 1
`)

// KEYS: active, leases, jobs, dead, unique
// ARGV: id, token, job json, unique key
var buryScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then return 0 end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
redis.call('LPUSH', KEYS[4], ARGV[1])
if ARGV[4] ~= '' and redis.call('HGET', KEYS[5], ARGV[4]) == ARGV[1] then
  redis.call('HDEL', KEYS[5], ARGV[4])
end
return 1
`)

// KEYS: active, leases, attempts, pending
// ARGV: id, token
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then return 0 end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HINCRBY', KEYS[3], ARGV[1], -1)
redis.call('RPUSH', KEYS[4], ARGV[1])
return 1
`)

// KEYS: delayed, pending
// ARGV: now ms
var promoteOneScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #items == 0 then return false end
local id = items[1]
if redis.call('ZREM', KEYS[1], id) == 1 then
  redis.call('LPUSH', KEYS[2], id)
  return id
end
return false
`)

// KEYS: active, pending, leases
// ARGV: now ms
// The attempt counter is left as is: the crashed attempt counts.
var reclaimOneScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #items == 0 then return false end
local id = items[1]
if redis.call('ZREM', KEYS[1], id) == 1 then
  redis.call('HDEL', KEYS[3], id)
  redis.call('RPUSH', KEYS[2], id)
  return id
end
return false
`)

// KEYS: dead, pending, attempts, jobs, unique
// ARGV: id, job json, unique key
var requeueScript = redis.NewScript(`
if ARGV[3] ~= '' then
  local holder = redis.call('HGET', KEYS[5], ARGV[3])
  if holder and holder ~= ARGV[1] then return -1 end
end
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then return 0 end
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[4], ARGV[1], ARGV[2])
if ARGV[3] ~= '' then
  redis.call('HSET', KEYS[5], ARGV[3], ARGV[1])
end
redis.call('LPUSH', KEYS[2], ARGV[1])
return 1
`)
