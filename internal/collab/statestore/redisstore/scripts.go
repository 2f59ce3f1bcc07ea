package redisstore

import "github.com/redis/go-redis/v9"

// Lua-скрипты выполняются в Redis атомарно: проверка и изменение состояния
// сессии происходят за один шаг, без окна для гонок между процессами.

// createScript KEYS[1]=session; ARGV: doc, master, owner, fileId, filePath, participants, now
var createScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state then
  if state == 'live' then return 'exists' end
  return 'draining'
end
redis.call('HSET', KEYS[1],
  'doc', ARGV[1], 'version', '0',
  'masterConnectionId', ARGV[2], 'masterOwnerId', ARGV[3],
  'fileId', ARGV[4], 'filePath', ARGV[5],
  'participants', ARGV[6], 'pendingUpdates', '[]',
  'state', 'live', 'drainOwner', '', 'drainDeadline', '0',
  'createdAt', ARGV[7], 'updatedAt', ARGV[7])
return 'ok'
`)

// joinScript KEYS[1]=session; ARGV: connId, participant json, now
var joinScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return {'missing'} end
if state ~= 'live' then return {'draining'} end
local parts = cjson.decode(redis.call('HGET', KEYS[1], 'participants'))
local member = false
for _, p in ipairs(parts) do
  if p.connection_id == ARGV[1] then member = true break end
end
if not member then
  table.insert(parts, cjson.decode(ARGV[2]))
  redis.call('HSET', KEYS[1], 'participants', cjson.encode(parts), 'updatedAt', ARGV[3])
end
local res = redis.call('HGETALL', KEYS[1])
table.insert(res, 1, 'ok')
return res
`)

// leaveScript KEYS[1]=session; ARGV: connId, drainTTL ms, now, drainDeadline
var leaveScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then return {'missing'} end
local status = 'notmember'
if state == 'live' then
  local parts = cjson.decode(redis.call('HGET', KEYS[1], 'participants'))
  local idx = nil
  for i, p in ipairs(parts) do
    if p.connection_id == ARGV[1] then idx = i break end
  end
  if idx then
    table.remove(parts, idx)
    local master = redis.call('HGET', KEYS[1], 'masterConnectionId')
    if #parts == 0 then
      redis.call('HSET', KEYS[1], 'participants', '[]', 'masterConnectionId', '',
        'state', 'draining', 'drainOwner', ARGV[1], 'drainDeadline', ARGV[4], 'updatedAt', ARGV[3])
      redis.call('PEXPIRE', KEYS[1], ARGV[2])
      status = 'drained'
    elseif master == ARGV[1] then
      redis.call('HSET', KEYS[1], 'participants', cjson.encode(parts),
        'masterConnectionId', parts[1].connection_id, 'updatedAt', ARGV[3])
      status = 'handoff'
    else
      redis.call('HSET', KEYS[1], 'participants', cjson.encode(parts), 'updatedAt', ARGV[3])
      status = 'left'
    end
  end
end
local res = redis.call('HGETALL', KEYS[1])
table.insert(res, 1, status)
return res
`)

// finishDrainScript KEYS[1]=session; ARGV: connId
var finishDrainScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') == 'draining'
  and redis.call('HGET', KEYS[1], 'drainOwner') == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

// refreshLockScript KEYS[1]=lock; ARGV: owner, ttl ms
var refreshLockScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)
