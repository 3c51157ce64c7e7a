// Package postgres provides a PostgreSQL implementation of deadletter.Store.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/rbaliyan/mailbus/codec"
	"github.com/rbaliyan/mailbus/deadletter"
	"github.com/rbaliyan/mailbus/event"
)

// Compile-time check
var _ deadletter.Store = (*Store)(nil)

// Store implements deadletter.Store using PostgreSQL. Events are stored in
// codec form, one row per entry.
type Store struct {
	db         *sqlx.DB
	serializer codec.Serializer
	opts       *options
	table      string
	connected  int32
	logger     *slog.Logger
}

// New creates a new PostgreSQL store with the provided database connection.
// Call Connect() to initialize the schema.
func New(db *sqlx.DB, serializer codec.Serializer, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		db:         db,
		serializer: serializer,
		opts:       o,
		table:      pq.QuoteIdentifier(o.table),
		logger:     o.logger,
	}
}

// NewFromDB creates a new PostgreSQL store from a standard sql.DB connection.
func NewFromDB(db *sql.DB, serializer codec.Serializer, opts ...Option) *Store {
	return New(sqlx.NewDb(db, "postgres"), serializer, opts...)
}

// Open connects to dsn with the lib/pq driver.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	return db, nil
}

// Connect initializes the schema.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return deadletter.ErrAlreadyConnected
	}

	if s.db == nil || s.serializer == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres: db and serializer are required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres ping: %w", err)
	}

	if err := s.ensureSchema(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure schema: %w", err)
	}

	s.logger.Info("connected to PostgreSQL", "table", s.opts.table)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the database connection.
func (s *Store) Close(context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			seq BIGSERIAL PRIMARY KEY,
			group_name TEXT NOT NULL,
			insertion_id UUID NOT NULL,
			event_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (group_name, insertion_id)
		)
	`, s.table)
	if _, err := s.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s(group_name, seq)`,
		pq.QuoteIdentifier("idx_"+s.opts.table+"_group_seq"), s.table)
	if _, err := s.db.ExecContext(ctx, idx); err != nil {
		s.logger.Warn("failed to create index", "error", err, "sql", idx)
	}
	return nil
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return deadletter.ErrNotConnected
	}
	return nil
}

func (s *Store) Store(ctx context.Context, group event.Group, ev event.Event) (deadletter.InsertionID, error) {
	if err := s.checkConnected(); err != nil {
		return "", err
	}
	if group == "" {
		return "", event.ErrInvalidGroup
	}
	payload, err := s.serializer.Serialize(ev)
	if err != nil {
		return "", fmt.Errorf("serialize event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	id := deadletter.NewInsertionID()
	query := fmt.Sprintf(`INSERT INTO %s (group_name, insertion_id, event_id, payload) VALUES ($1, $2, $3, $4)`, s.table)
	if _, err := s.db.ExecContext(ctx, query, group.AsString(), id.String(), ev.EventID().String(), string(payload)); err != nil {
		return "", fmt.Errorf("insert dead letter: %w", err)
	}
	return id, nil
}

func (s *Store) Failed(ctx context.Context, group event.Group, id deadletter.InsertionID) (event.Event, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if _, err := deadletter.ParseInsertionID(id.String()); err != nil {
		return nil, deadletter.ErrNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var payload string
	query := fmt.Sprintf(`SELECT payload FROM %s WHERE group_name = $1 AND insertion_id = $2`, s.table)
	if err := s.db.GetContext(ctx, &payload, query, group.AsString(), id.String()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, deadletter.ErrNotFound
		}
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	ev, err := s.serializer.Deserialize([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("deserialize dead letter %s: %w", id, err)
	}
	return ev, nil
}

func (s *Store) FailedIDs(ctx context.Context, group event.Group) ([]deadletter.InsertionID, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var rows []string
	query := fmt.Sprintf(`SELECT insertion_id::text FROM %s WHERE group_name = $1 ORDER BY seq`, s.table)
	if err := s.db.SelectContext(ctx, &rows, query, group.AsString()); err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	ids := make([]deadletter.InsertionID, len(rows))
	for i, r := range rows {
		ids[i] = deadletter.InsertionID(r)
	}
	return ids, nil
}

func (s *Store) GroupsWithFailedEvents(ctx context.Context) ([]event.Group, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var rows []string
	query := fmt.Sprintf(`SELECT DISTINCT group_name FROM %s ORDER BY group_name`, s.table)
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	groups := make([]event.Group, 0, len(rows))
	for _, r := range rows {
		g, err := event.ParseGroup(r)
		if err != nil {
			s.logger.Warn("skipping invalid group", "group", r, "error", err)
			continue
		}
		groups = append(groups, g)
	}
	return groups, nil
}

func (s *Store) Remove(ctx context.Context, group event.Group, id deadletter.InsertionID) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if _, err := deadletter.ParseInsertionID(id.String()); err != nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE group_name = $1 AND insertion_id = $2`, s.table)
	if _, err := s.db.ExecContext(ctx, query, group.AsString(), id.String()); err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	return nil
}

func (s *Store) RemoveGroup(ctx context.Context, group event.Group) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE group_name = $1`, s.table)
	res, err := s.db.ExecContext(ctx, query, group.AsString())
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		s.logger.Debug("purged dead letters", "group", group.AsString(), "count", n)
	}
	return nil
}

func (s *Store) ContainEvents(ctx context.Context) (bool, error) {
	if err := s.checkConnected(); err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s)`, s.table)
	if err := s.db.GetContext(ctx, &exists, query); err != nil {
		return false, fmt.Errorf("count dead letters: %w", err)
	}
	return exists, nil
}
