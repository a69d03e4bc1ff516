package queue

import "github.com/redis/go-redis/v9"

// KEYS: job hash, conversation sequence, conversation pending set, ready tier, scheduled set
// ARGV: id, payload, priority, conversation, now ms, run-at ms (0 = now), status, sequence ttl ms
var addScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return -1
end
local seq = redis.call('INCR', KEYS[2])
redis.call('PEXPIRE', KEYS[2], ARGV[8])
redis.call('HMSET', KEYS[1],
  'payload', ARGV[2],
  'priority', ARGV[3],
  'conversation', ARGV[4],
  'seq', seq,
  'status', ARGV[7],
  'attempts', 0,
  'enqueued_at', ARGV[5])
redis.call('ZADD', KEYS[3], seq, ARGV[1])
redis.call('PEXPIRE', KEYS[3], ARGV[8])
if tonumber(ARGV[6]) > 0 then
  redis.call('ZADD', KEYS[5], ARGV[6], ARGV[1])
else
  redis.call('RPUSH', KEYS[4], ARGV[1])
end
return seq
`)

// KEYS: ready tiers in priority order..., inflight, paused flag
// ARGV: lease deadline ms, scan window, job key prefix, pending key prefix
var dequeueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[#KEYS]) == 1 then
  return false
end
local inflight = KEYS[#KEYS-1]
local window = tonumber(ARGV[2])
for i=1,#KEYS-2 do
  local ids = redis.call('LRANGE', KEYS[i], 0, window - 1)
  for _, id in ipairs(ids) do
    local conv = redis.call('HGET', ARGV[3] .. id, 'conversation')
    local eligible = true
    if conv then
      local head = redis.call('ZRANGE', ARGV[4] .. conv, 0, 0)
      if head[1] and head[1] ~= id then
        eligible = false
      end
    end
    if eligible then
      redis.call('LREM', KEYS[i], 1, id)
      redis.call('ZADD', inflight, ARGV[1], id)
      if conv then
        redis.call('HSET', ARGV[3] .. id, 'status', 'active')
      end
      return id
    end
  end
end
return false
`)

// KEYS: scheduled set
// ARGV: now ms, batch size, job key prefix, ready key prefix
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local moved = 0
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  local prio = redis.call('HGET', ARGV[3] .. id, 'priority')
  if prio then
    redis.call('RPUSH', ARGV[4] .. prio, id)
    redis.call('HSET', ARGV[3] .. id, 'status', 'queued')
    moved = moved + 1
  end
end
return moved
`)

// KEYS: inflight set
// ARGV: now ms, batch size, job key prefix, ready key prefix
var reclaimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local out = {}
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  local prio = redis.call('HGET', ARGV[3] .. id, 'priority')
  if prio then
    redis.call('LPUSH', ARGV[4] .. prio, id)
    redis.call('HSET', ARGV[3] .. id, 'status', 'queued')
    table.insert(out, id)
  end
end
return out
`)

// KEYS: ready tiers..., scheduled set
// ARGV: job key prefix, pending key prefix
var drainScript = redis.NewScript(`
local removed = 0
local function drop(id)
  local conv = redis.call('HGET', ARGV[1] .. id, 'conversation')
  if conv then
    redis.call('ZREM', ARGV[2] .. conv, id)
  end
  redis.call('DEL', ARGV[1] .. id)
  removed = removed + 1
end
for i=1,#KEYS-1 do
  for _, id in ipairs(redis.call('LRANGE', KEYS[i], 0, -1)) do
    drop(id)
  end
  redis.call('DEL', KEYS[i])
end
for _, id in ipairs(redis.call('ZRANGE', KEYS[#KEYS], 0, -1)) do
  drop(id)
end
redis.call('DEL', KEYS[#KEYS])
return removed
`)
