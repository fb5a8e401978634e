package redisbroker

import "github.com/redis/go-redis/v9"

// dequeueScript pops the oldest message of the highest non-empty band and
// leases it in the active ZSET with the visibility deadline as score.
// KEYS: pending high, normal, low, active. ARGV: deadline ms.
var dequeueScript = redis.NewScript(
	// language=Lua
	`
	for i = 1, 3 do
		local v = redis.call('RPOP', KEYS[i])
		if v then
			redis.call('ZADD', KEYS[4], ARGV[1], v)
			return v
		end
	end
	return false
	`,
)

// moveScript atomically moves one member from a ZSET (active or delayed) to
// a pending LIST. With ARGV[2] == 'front' the member becomes the next one
// popped; otherwise it queues behind the existing members.
// KEYS: source zset, pending list. ARGV: member, position.
var moveScript = redis.NewScript(
	// language=Lua
	`
	if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
		if ARGV[2] == 'front' then
			redis.call('RPUSH', KEYS[2], ARGV[1])
		else
			redis.call('LPUSH', KEYS[2], ARGV[1])
		end
		return 1
	end
	return 0
	`,
)

// deadScript resolves an active member negatively. When ARGV[3] is '1' the
// member is kept in the dead LIST and, if ARGV[2] > 0, indexed for purging.
// KEYS: active, dead, dead expiry. ARGV: member, expire ms, keep.
var deadScript = redis.NewScript(
	// language=Lua
	`
	if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
		return 0
	end
	if ARGV[3] == '1' then
		redis.call('LPUSH', KEYS[2], ARGV[1])
		if tonumber(ARGV[2]) > 0 then
			redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
		end
	end
	return 1
	`,
)
