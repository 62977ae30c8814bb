// Package redis provides a crunch.Persistence and a crunch.Transport backed
// by Redis.
//
// The persistence keeps the outbox queue in a LIST, each message in a HASH
// and popped-but-unpublished ids in a ZSET scored by claim time. Queue moves
// run as Lua scripts so several relays can share one Redis. Keys are written
// as "{prefix}:..." so they share a Cluster slot.
package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/oagudo/crunch"
	"github.com/oagudo/crunch/envelope"
)

// DefaultPrefix namespaces every key written by Persistence. It is used as a
// hash tag, so keys look like "{crunch}:queue".
const DefaultPrefix = "crunch"

const (
	statePending   = "0"
	statePublished = "1"
)

// KEYS[1] queue, KEYS[2] inflight, ARGV[1] claim time, ARGV[2] message key prefix
var nextScript = goredis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
redis.call('HINCRBY', ARGV[2] .. id, 'attempts', 1)
return id
`)

// KEYS[1] inflight, KEYS[2] message, KEYS[3] queue, ARGV[1] id
var requeueScript = goredis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
if redis.call('HGET', KEYS[2], 'state') ~= '0' then
	return 0
end
redis.call('LPUSH', KEYS[3], ARGV[1])
return 1
`)

// KEYS[1] inflight, KEYS[2] queue, ARGV[1] cutoff, ARGV[2] message key prefix
var reclaimScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local n = 0
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	if redis.call('HGET', ARGV[2] .. id, 'state') == '0' then
		redis.call('RPUSH', KEYS[2], id)
		n = n + 1
	end
end
return n
`)

// Persistence stores outbox messages in Redis.
type Persistence struct {
	client goredis.UniversalClient
	prefix string
	codec  envelope.Codec
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Persistence.
type Option func(*Persistence)

// WithPrefix sets the key prefix. Default is DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(p *Persistence) {
		if prefix != "" {
			p.prefix = prefix
		}
	}
}

// WithCodec sets the envelope codec used to store content.
// Default is envelope.Default.
func WithCodec(codec envelope.Codec) Option {
	return func(p *Persistence) {
		if codec != nil {
			p.codec = codec
		}
	}
}

// WithLogger sets the logger. Default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Persistence) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPersistence creates a Persistence on client. The client is not closed by
// the Persistence.
func NewPersistence(client goredis.UniversalClient, opts ...Option) *Persistence {
	p := &Persistence{
		client: client,
		prefix: DefaultPrefix,
		codec:  envelope.Default,
		logger: zap.NewNop(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Every key carries the prefix as a hash tag so a Redis Cluster keeps them in
// one slot, which the scripts need.
func (p *Persistence) tag() string         { return "{" + p.prefix + "}" }
func (p *Persistence) queueKey() string    { return p.tag() + ":queue" }
func (p *Persistence) inFlightKey() string { return p.tag() + ":inflight" }
func (p *Persistence) msgPrefix() string   { return p.tag() + ":msg:" }
func (p *Persistence) msgKey(id string) string {
	return p.msgPrefix() + id
}

func (p *Persistence) Insert(ctx context.Context, info crunch.EventInfo, content []byte) error {
	env, err := p.codec.Encode(info.Domain, info.EntityType, content)
	if err != nil {
		return &crunch.PersistenceError{Op: crunch.OpInsert, Err: err}
	}

	id := uuid.NewString()
	_, err = p.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, p.msgKey(id), map[string]any{
			"domain":      info.Domain,
			"entity_type": info.EntityType,
			"event_name":  info.EventName,
			"envelope":    env,
			"state":       statePending,
			"attempts":    0,
			"created_at":  p.now().UTC().UnixMicro(),
		})
		pipe.RPush(ctx, p.queueKey(), id)
		return nil
	})
	if err != nil {
		return &crunch.PersistenceError{Op: crunch.OpInsert, ID: id, Err: err}
	}

	p.logger.Debug("inserted event",
		zap.String("event_id", id),
		zap.Stringer("event_info", info),
		zap.Int("content_len", len(content)))

	return nil
}

func (p *Persistence) Next(ctx context.Context) (string, crunch.Tx, bool, error) {
	id, err := nextScript.Run(ctx, p.client,
		[]string{p.queueKey(), p.inFlightKey()},
		p.now().UnixMilli(), p.msgPrefix()).Text()
	if errors.Is(err, goredis.Nil) {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, &crunch.PersistenceError{Op: crunch.OpNext, Err: err}
	}
	return id, crunch.NopTx{}, true, nil
}

func (p *Persistence) Get(ctx context.Context, id string) (crunch.EventInfo, []byte, bool, error) {
	fields, err := p.client.HGetAll(ctx, p.msgKey(id)).Result()
	if err != nil {
		return crunch.EventInfo{}, nil, false, &crunch.PersistenceError{Op: crunch.OpGet, ID: id, Err: err}
	}
	if len(fields) == 0 || fields["state"] != statePending {
		return crunch.EventInfo{}, nil, false, nil
	}

	content, _, err := p.codec.Decode([]byte(fields["envelope"]))
	if err != nil {
		return crunch.EventInfo{}, nil, false, &crunch.PersistenceError{Op: crunch.OpGet, ID: id, Err: err}
	}

	info := crunch.EventInfo{
		Domain:     fields["domain"],
		EntityType: fields["entity_type"],
		EventName:  fields["event_name"],
	}
	return info, content, true, nil
}

func (p *Persistence) UpdatePublished(ctx context.Context, id string) error {
	key := p.msgKey(id)

	n, err := p.client.Exists(ctx, key).Result()
	if err != nil {
		return &crunch.PersistenceError{Op: crunch.OpUpdatePublished, ID: id, Err: err}
	}
	if n == 0 {
		return &crunch.PersistenceError{Op: crunch.OpUpdatePublished, ID: id, Err: crunch.ErrNotFound}
	}

	_, err = p.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "published_at", p.now().UTC().UnixMicro())
		pipe.HSet(ctx, key, "state", statePublished)
		pipe.ZRem(ctx, p.inFlightKey(), id)
		return nil
	})
	if err != nil {
		return &crunch.PersistenceError{Op: crunch.OpUpdatePublished, ID: id, Err: err}
	}
	return nil
}

// Requeue puts a popped, still Pending message back at the head of the queue.
// Ids that are not in flight are ignored.
func (p *Persistence) Requeue(ctx context.Context, id string) error {
	err := requeueScript.Run(ctx, p.client,
		[]string{p.inFlightKey(), p.msgKey(id), p.queueKey()}, id).Err()
	if err != nil {
		return &crunch.PersistenceError{Op: crunch.OpRequeue, ID: id, Err: err}
	}
	return nil
}

// ReclaimStale re-enqueues, at the tail, Pending messages popped more than
// olderThan ago.
func (p *Persistence) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := p.now().Add(-olderThan).UnixMilli()

	n, err := reclaimScript.Run(ctx, p.client,
		[]string{p.inFlightKey(), p.queueKey()},
		strconv.FormatInt(cutoff, 10), p.msgPrefix()).Int()
	if err != nil {
		return 0, &crunch.PersistenceError{Op: crunch.OpReclaim, Err: err}
	}

	if n > 0 {
		p.logger.Info("reclaimed stale events", zap.Int("count", n))
	}
	return n, nil
}

// Stats is a point-in-time snapshot of the queue.
type Stats struct {
	Queued   int64
	InFlight int64
}

// Stats returns the queue length and the number of messages in flight.
func (p *Persistence) Stats(ctx context.Context) (Stats, error) {
	var queued, inFlight *goredis.IntCmd
	_, err := p.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		queued = pipe.LLen(ctx, p.queueKey())
		inFlight = pipe.ZCard(ctx, p.inFlightKey())
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	return Stats{Queued: queued.Val(), InFlight: inFlight.Val()}, nil
}
