package cache

import "github.com/redis/go-redis/v9"

// 开关：同一个脚本内完成成员翻转和计数增减，同一用户的并发请求不会重复计数
// KEYS[1] = toggleKey, KEYS[2] = counterKey, KEYS[3] = clockKey
// ARGV[1] = userId, ARGV[2] = ttl(ms)
// 返回 {active, cnt, clamped, at(us)}；计数键不存在返回 {-1, 0, 0, 0}
// at 取 Redis TIME，同一内容上严格递增，持久层按它判断先后
var toggleScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 0 then
	return {-1, 0, 0, 0}
end
local active = 1
local cnt
if redis.call("SADD", KEYS[1], ARGV[1]) == 1 then
	cnt = redis.call("INCR", KEYS[2])
else
	redis.call("SREM", KEYS[1], ARGV[1])
	cnt = redis.call("DECR", KEYS[2])
	active = 0
end
-- 兜底：不让变成负数
local clamped = 0
if cnt < 0 then
	redis.call("SET", KEYS[2], 0)
	cnt = 0
	clamped = 1
end
local now = redis.call("TIME")
local at = tonumber(now[1]) * 1000000 + tonumber(now[2])
local last = tonumber(redis.call("GET", KEYS[3]) or "0")
if at <= last then
	at = last + 1
end
redis.call("SET", KEYS[3], string.format("%d", at))
if tonumber(ARGV[2]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	redis.call("PEXPIRE", KEYS[2], ARGV[2])
	redis.call("PEXPIRE", KEYS[3], ARGV[2])
end
return {active, cnt, clamped, at}
`)

// 带冷启动检查的增减
// KEYS[1] = counterKey; ARGV[1] = delta, ARGV[2] = ttl(ms)
// 返回 {clamped, cnt}；计数键不存在返回 {-1, 0}
var incrFieldScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
	return {-1, 0}
end
local cnt = redis.call("INCRBY", KEYS[1], ARGV[1])
local clamped = 0
if cnt < 0 then
	redis.call("SET", KEYS[1], 0)
	cnt = 0
	clamped = 1
end
if tonumber(ARGV[2]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return {clamped, cnt}
`)

// 原始增减，不检查键是否存在，保留原有 TTL
// KEYS[1] = key; ARGV[1] = delta
// 返回 {clamped, cnt}
var incrScript = redis.NewScript(`
local cnt = redis.call("INCRBY", KEYS[1], ARGV[1])
local clamped = 0
if cnt < 0 then
	local ttl = redis.call("PTTL", KEYS[1])
	redis.call("SET", KEYS[1], 0)
	if ttl > 0 then
		redis.call("PEXPIRE", KEYS[1], ttl)
	end
	cnt = 0
	clamped = 1
end
return {clamped, cnt}
`)

// 成员翻转：存在则移除，不存在则加入。返回 1 表示本次加入
var flipScript = redis.NewScript(`
if redis.call("SADD", KEYS[1], ARGV[1]) == 1 then
	return 1
end
redis.call("SREM", KEYS[1], ARGV[1])
return 0
`)

// 观看去重：只有去重标记创建成功才计数
// KEYS[1] = dedupKey, KEYS[2] = counterKey(views)
// ARGV[1] = 窗口长度(ms)，0 表示永不过期; ARGV[2] = 计数 ttl(ms)
// 返回 {newly, cnt}；计数键不存在返回 {-1, 0}
var viewScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[2]) == 0 then
	return {-1, 0}
end
local ok
if tonumber(ARGV[1]) > 0 then
	ok = redis.call("SET", KEYS[1], "1", "NX", "PX", ARGV[1])
else
	ok = redis.call("SET", KEYS[1], "1", "NX")
end
if ok then
	local cnt = redis.call("INCR", KEYS[2])
	if tonumber(ARGV[2]) > 0 then
		redis.call("PEXPIRE", KEYS[2], ARGV[2])
	end
	return {1, cnt}
end
local v = redis.call("GET", KEYS[2])
if not v then v = 0 else v = tonumber(v) end
return {0, v}
`)

// 开关回填：计数键不存在时（或 force=1），原子地写入计数并重建成员集合
// KEYS[1] = counterKey, KEYS[2] = toggleKey
// ARGV[1] = count, ARGV[2] = ttl(ms), ARGV[3] = force, ARGV[4..] = members
var seedToggleScript = redis.NewScript(`
if ARGV[3] ~= "1" and redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("DEL", KEYS[2])
for i = 4, #ARGV do
	redis.call("SADD", KEYS[2], ARGV[i])
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
if #ARGV >= 4 then
	redis.call("PEXPIRE", KEYS[2], ARGV[2])
end
return 1
`)

// 只释放自己持有的租约
var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
