// Package sqlstore is a crunch.Persistence backed by a database/sql table.
//
// The outbox queue is the set of Pending rows ordered by created_at. Next
// claims a row by setting claimed_at with a conditional update, so several
// relays may poll the same table and each row is claimed by one of them.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oagudo/crunch"
	"github.com/oagudo/crunch/envelope"
)

// DefaultTableName is the outbox table used when WithTableName is not given.
const DefaultTableName = "crunch_outbox"

const (
	statePending   = 0
	statePublished = 1

	// claim attempts per Next call before reporting an empty queue
	maxClaimRetries = 5
)

// Persistence stores outbox events in a SQL table.
type Persistence struct {
	db        DB
	dialect   Dialect
	tableName string
	codec     envelope.Codec
	logger    *zap.Logger
	now       func() time.Time

	mu          sync.Mutex
	lastCreated time.Time
}

// Option is a function that configures a Persistence instance.
type Option func(*Persistence)

// WithTableName sets a custom table name for the outbox table.
// Default is "crunch_outbox".
// The table name must be a valid SQL identifier matching the pattern [a-zA-Z_][a-zA-Z0-9_]*.
// An invalid table name will cause a panic when creating the Persistence.
func WithTableName(tableName string) Option {
	return func(p *Persistence) {
		p.tableName = tableName
	}
}

// WithCodec sets the envelope codec of stored events. Default is envelope.Default.
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

// New creates a Persistence from a standard *sql.DB.
func New(db *sql.DB, dialect Dialect, opts ...Option) *Persistence {
	return NewWithDB(&dbAdapter{db: db}, dialect, opts...)
}

// NewWithDB creates a Persistence with a custom DB implementation.
// This is useful for users who want to provide their own database abstraction or for testing.
func NewWithDB(db DB, dialect Dialect, opts ...Option) *Persistence {
	p := &Persistence{
		db:        db,
		dialect:   dialect,
		tableName: DefaultTableName,
		codec:     envelope.Default,
		logger:    zap.NewNop(),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	if err := validateTableName(p.tableName); err != nil {
		panic(err)
	}

	return p
}

var sqlIdentifierRegexp = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func validateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("table name cannot be empty")
	}
	if !sqlIdentifierRegexp.MatchString(name) {
		return fmt.Errorf(
			"invalid table name %q: must match [a-zA-Z_][a-zA-Z0-9_]*",
			name,
		)
	}
	return nil
}

// CreateSchema creates the outbox table and its index if they do not exist.
func (p *Persistence) CreateSchema(ctx context.Context) error {
	stmts, err := Schema(p.dialect, p.tableName)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating outbox schema: %w", err)
		}
	}
	return nil
}

// Insert stores a Pending event outside of any user transaction.
// Use Write or Store to record events atomically with business changes.
func (p *Persistence) Insert(ctx context.Context, info crunch.EventInfo, content []byte) error {
	_, err := p.insert(ctx, p.db, info, content)
	return err
}

func (p *Persistence) insert(ctx context.Context, q Queryer, info crunch.EventInfo, content []byte) (uuid.UUID, error) {
	env, err := p.codec.Encode(info.Domain, info.EntityType, content)
	if err != nil {
		return uuid.Nil, &crunch.PersistenceError{Op: crunch.OpInsert, Err: err}
	}

	id := uuid.New()
	ph := p.dialect.placeholders(1, 8)
	// nolint:gosec
	query := fmt.Sprintf(
		"INSERT INTO %s (id, domain, entity_type, event_name, envelope, state, attempts, created_at) VALUES (%s, %s, %s, %s, %s, %s, %s, %s)",
		append([]any{p.tableName}, ph...)...)

	_, err = q.ExecContext(ctx, query,
		p.dialect.formatID(id), info.Domain, info.EntityType, info.EventName, env,
		statePending, 0, p.nextCreatedAt())
	if err != nil {
		return uuid.Nil, &crunch.PersistenceError{Op: crunch.OpInsert, ID: id.String(), Err: err}
	}

	p.logger.Debug("inserted event",
		zap.String("event_id", id.String()),
		zap.Stringer("event_info", info),
		zap.Int("content_len", len(content)))

	return id, nil
}

// nextCreatedAt returns a strictly increasing UTC timestamp with microsecond
// precision so that events inserted by this process keep their order.
func (p *Persistence) nextCreatedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	ts := p.now().UTC().Truncate(time.Microsecond)
	if !ts.After(p.lastCreated) {
		ts = p.lastCreated.Add(time.Microsecond)
	}
	p.lastCreated = ts
	return ts
}

// Next claims the oldest unclaimed Pending event. The claim is committed
// immediately; the returned Tx is a no-op.
func (p *Persistence) Next(ctx context.Context) (string, crunch.Tx, bool, error) {
	selectQuery := p.dialect.selectOldestPending(p.tableName)
	// nolint:gosec
	claimQuery := fmt.Sprintf(
		"UPDATE %s SET claimed_at = %s, attempts = attempts + 1 WHERE id = %s AND state = %d AND claimed_at IS NULL",
		p.tableName, p.dialect.placeholder(1), p.dialect.placeholder(2), statePending)

	for i := 0; i < maxClaimRetries; i++ {
		id, ok, err := p.oldestPending(ctx, selectQuery)
		if err != nil {
			return "", nil, false, &crunch.PersistenceError{Op: crunch.OpNext, Err: err}
		}
		if !ok {
			return "", nil, false, nil
		}

		res, err := p.db.ExecContext(ctx, claimQuery, p.now().UTC(), p.dialect.formatID(id))
		if err != nil {
			return "", nil, false, &crunch.PersistenceError{Op: crunch.OpNext, ID: id.String(), Err: err}
		}
		n, err := res.RowsAffected()
		if err != nil {
			return "", nil, false, &crunch.PersistenceError{Op: crunch.OpNext, ID: id.String(), Err: err}
		}
		if n == 1 {
			return id.String(), crunch.NopTx{}, true, nil
		}

		// claimed by another relay in between
		p.logger.Debug("lost claim race", zap.String("event_id", id.String()))
	}

	return "", nil, false, nil
}

func (p *Persistence) oldestPending(ctx context.Context, query string) (uuid.UUID, bool, error) {
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("querying oldest pending event: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	if !rows.Next() {
		return uuid.Nil, false, rows.Err()
	}

	var raw []byte
	if err := rows.Scan(&raw); err != nil {
		return uuid.Nil, false, fmt.Errorf("scanning event id: %w", err)
	}
	id, err := parseID(raw)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("parsing event id: %w", err)
	}
	return id, true, rows.Err()
}

func (p *Persistence) Get(ctx context.Context, id string) (crunch.EventInfo, []byte, bool, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return crunch.EventInfo{}, nil, false, nil
	}

	// nolint:gosec
	query := fmt.Sprintf(
		"SELECT domain, entity_type, event_name, envelope FROM %s WHERE id = %s AND state = %d",
		p.tableName, p.dialect.placeholder(1), statePending)

	rows, err := p.db.QueryContext(ctx, query, p.dialect.formatID(uid))
	if err != nil {
		return crunch.EventInfo{}, nil, false, &crunch.PersistenceError{Op: crunch.OpGet, ID: id, Err: err}
	}
	defer func() {
		_ = rows.Close()
	}()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return crunch.EventInfo{}, nil, false, &crunch.PersistenceError{Op: crunch.OpGet, ID: id, Err: err}
		}
		return crunch.EventInfo{}, nil, false, nil
	}

	var (
		info crunch.EventInfo
		env  []byte
	)
	if err := rows.Scan(&info.Domain, &info.EntityType, &info.EventName, &env); err != nil {
		return crunch.EventInfo{}, nil, false, &crunch.PersistenceError{Op: crunch.OpGet, ID: id, Err: err}
	}

	content, _, err := p.codec.Decode(env)
	if err != nil {
		return crunch.EventInfo{}, nil, false, &crunch.PersistenceError{Op: crunch.OpGet, ID: id, Err: err}
	}

	return info, content, true, nil
}

func (p *Persistence) UpdatePublished(ctx context.Context, id string) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return &crunch.PersistenceError{Op: crunch.OpUpdatePublished, ID: id, Err: crunch.ErrNotFound}
	}

	// nolint:gosec
	query := fmt.Sprintf(
		"UPDATE %s SET state = %d, published_at = %s, claimed_at = NULL WHERE id = %s AND state = %d",
		p.tableName, statePublished, p.dialect.placeholder(1), p.dialect.placeholder(2), statePending)

	res, err := p.db.ExecContext(ctx, query, p.now().UTC(), p.dialect.formatID(uid))
	if err != nil {
		return &crunch.PersistenceError{Op: crunch.OpUpdatePublished, ID: id, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &crunch.PersistenceError{Op: crunch.OpUpdatePublished, ID: id, Err: err}
	}
	if n > 0 {
		return nil
	}

	// nothing updated: either already published or unknown
	exists, err := p.exists(ctx, uid)
	if err != nil {
		return &crunch.PersistenceError{Op: crunch.OpUpdatePublished, ID: id, Err: err}
	}
	if !exists {
		return &crunch.PersistenceError{Op: crunch.OpUpdatePublished, ID: id, Err: crunch.ErrNotFound}
	}
	return nil
}

func (p *Persistence) exists(ctx context.Context, id uuid.UUID) (bool, error) {
	// nolint:gosec
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE id = %s", p.tableName, p.dialect.placeholder(1))

	rows, err := p.db.QueryContext(ctx, query, p.dialect.formatID(id))
	if err != nil {
		return false, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var count int
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return false, err
		}
	}
	return count > 0, rows.Err()
}

// Requeue releases the claim on a Pending event. Since the queue is ordered
// by created_at the event is served again before any younger one.
func (p *Persistence) Requeue(ctx context.Context, id string) error {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil
	}

	// nolint:gosec
	query := fmt.Sprintf("UPDATE %s SET claimed_at = NULL WHERE id = %s AND state = %d",
		p.tableName, p.dialect.placeholder(1), statePending)

	if _, err := p.db.ExecContext(ctx, query, p.dialect.formatID(uid)); err != nil {
		return &crunch.PersistenceError{Op: crunch.OpRequeue, ID: id, Err: err}
	}
	return nil
}

// ReclaimStale releases every claim older than olderThan on Pending events.
func (p *Persistence) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	// nolint:gosec
	query := fmt.Sprintf("UPDATE %s SET claimed_at = NULL WHERE state = %d AND claimed_at IS NOT NULL AND claimed_at < %s",
		p.tableName, statePending, p.dialect.placeholder(1))

	res, err := p.db.ExecContext(ctx, query, p.now().UTC().Add(-olderThan))
	if err != nil {
		return 0, &crunch.PersistenceError{Op: crunch.OpReclaim, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &crunch.PersistenceError{Op: crunch.OpReclaim, Err: err}
	}

	if n > 0 {
		p.logger.Info("reclaimed stale events", zap.Int64("count", n))
	}
	return int(n), nil
}

// Counts returns the number of Pending and Published events in the table.
func (p *Persistence) Counts(ctx context.Context) (pending, published int, err error) {
	// nolint:gosec
	query := fmt.Sprintf("SELECT state, COUNT(*) FROM %s GROUP BY state", p.tableName)

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var state, count int
		if err := rows.Scan(&state, &count); err != nil {
			return 0, 0, err
		}
		switch state {
		case statePending:
			pending = count
		case statePublished:
			published = count
		}
	}
	return pending, published, rows.Err()
}
