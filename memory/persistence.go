// Package memory provides the in-process reference Persistence and Transport.
//
// Nothing is durable: a process restart loses every message. Use it for tests,
// examples and single-process deployments that only need the outbox shape.
package memory

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oagudo/crunch"
	"github.com/oagudo/crunch/envelope"
)

// MsgState is the lifecycle state of a stored message.
type MsgState int

// Message states. A message only ever moves from Pending to Published.
const (
	Pending MsgState = iota
	Published
)

func (s MsgState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Published:
		return "published"
	default:
		return "unknown"
	}
}

// Msg is a stored outbox record.
type Msg struct {
	ID       string
	Info     crunch.EventInfo
	Envelope []byte
	State    MsgState
	Attempts int
}

// Stats is a point-in-time snapshot of a Persistence.
type Stats struct {
	Queued    int
	InFlight  int
	Pending   int
	Published int
}

// Persistence keeps the outbox queue and the message store in memory.
// A single RWMutex guards both so Insert is atomic with respect to Next.
type Persistence struct {
	mu       sync.RWMutex
	queue    *list.List // of string ids, Pending only
	msgs     map[string]*Msg
	inFlight map[string]time.Time

	codec  envelope.Codec
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Persistence.
type Option func(*Persistence)

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

// NewPersistence creates an empty in-memory Persistence.
func NewPersistence(opts ...Option) *Persistence {
	p := &Persistence{
		queue:    list.New(),
		msgs:     make(map[string]*Msg),
		inFlight: make(map[string]time.Time),
		codec:    envelope.Default,
		logger:   zap.NewNop(),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

func (p *Persistence) Insert(_ context.Context, info crunch.EventInfo, content []byte) error {
	env, err := p.codec.Encode(info.Domain, info.EntityType, content)
	if err != nil {
		return &crunch.PersistenceError{Op: crunch.OpInsert, Err: err}
	}

	msg := &Msg{
		ID:       uuid.NewString(),
		Info:     info,
		Envelope: env,
		State:    Pending,
	}

	p.mu.Lock()
	p.queue.PushBack(msg.ID)
	p.msgs[msg.ID] = msg
	p.mu.Unlock()

	p.logger.Debug("inserted event",
		zap.String("event_id", msg.ID),
		zap.Stringer("event_info", info),
		zap.Int("content_len", len(content)))

	return nil
}

func (p *Persistence) Next(_ context.Context) (string, crunch.Tx, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	front := p.queue.Front()
	if front == nil {
		return "", nil, false, nil
	}
	id := p.queue.Remove(front).(string)

	p.inFlight[id] = p.now()
	if msg, ok := p.msgs[id]; ok {
		msg.Attempts++
	}

	return id, crunch.NopTx{}, true, nil
}

func (p *Persistence) Get(_ context.Context, id string) (crunch.EventInfo, []byte, bool, error) {
	p.mu.RLock()
	msg, ok := p.msgs[id]
	if !ok || msg.State != Pending {
		p.mu.RUnlock()
		return crunch.EventInfo{}, nil, false, nil
	}
	info, env := msg.Info, msg.Envelope
	p.mu.RUnlock()

	content, _, err := p.codec.Decode(env)
	if err != nil {
		return crunch.EventInfo{}, nil, false, &crunch.PersistenceError{Op: crunch.OpGet, ID: id, Err: err}
	}

	return info, content, true, nil
}

func (p *Persistence) UpdatePublished(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	msg, ok := p.msgs[id]
	if !ok {
		return &crunch.PersistenceError{Op: crunch.OpUpdatePublished, ID: id, Err: crunch.ErrNotFound}
	}

	msg.State = Published
	delete(p.inFlight, id)

	return nil
}

// Requeue puts a popped, still Pending message back at the head of the queue.
// Unknown, published or already queued ids are ignored.
func (p *Persistence) Requeue(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, claimed := p.inFlight[id]; !claimed {
		return nil
	}
	delete(p.inFlight, id)

	msg, ok := p.msgs[id]
	if !ok || msg.State != Pending {
		return nil
	}
	p.queue.PushFront(id)

	return nil
}

// ReclaimStale re-enqueues, at the tail, every message popped more than
// olderThan ago that is still Pending.
func (p *Persistence) ReclaimStale(_ context.Context, olderThan time.Duration) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-olderThan)
	var n int
	for id, claimedAt := range p.inFlight {
		if claimedAt.After(cutoff) {
			continue
		}
		delete(p.inFlight, id)

		msg, ok := p.msgs[id]
		if !ok || msg.State != Pending {
			continue
		}
		p.queue.PushBack(id)
		n++
	}

	if n > 0 {
		p.logger.Info("reclaimed stale events", zap.Int("count", n))
	}

	return n, nil
}

// Msg returns a copy of the stored message with the given id.
func (p *Persistence) Msg(id string) (Msg, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	msg, ok := p.msgs[id]
	if !ok {
		return Msg{}, false
	}
	return *msg, true
}

// Stats returns counters over the current contents.
func (p *Persistence) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Stats{
		Queued:   p.queue.Len(),
		InFlight: len(p.inFlight),
	}
	for _, msg := range p.msgs {
		if msg.State == Published {
			s.Published++
		} else {
			s.Pending++
		}
	}
	return s
}
