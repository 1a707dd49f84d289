/*
Package transport provides append-only streams with consumer groups.

Two backends implement Transport: MemoryTransport, an in-process stream
store for tests and single-process runs, and RedisTransport, which maps each
operation onto the Redis Streams commands through go-redis.

# Model

A stream is an ordered log of Messages. Each Message has a strictly
increasing ID of the form "<unixMillis>-<seq>" and a flat string field map.
A consumer group keeps a cursor (the last delivered ID) and a pending
entries list. Reading from a group with NewOnly set hands out messages past
the cursor and records them as pending for the reading consumer, so sibling
consumers never see them. Pending entries stay until acknowledged; reading
with NewOnly unset replays the consumer's own pending entries.

# Blocking

ReadGroup and Read block up to ReadOptions.Block when nothing is available
and then return nil, nil. A non-positive Block returns immediately.
*/
package transport
