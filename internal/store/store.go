// Package store keeps captured items: one representation file per item in
// the directory of its current stage, plus a SQLite index row used for
// queries and optimistic concurrency.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/config"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/db"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/errors"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/item"
)

// listPageSize is the number of rows fetched per page by List.
const listPageSize = 100

// Store is the item store. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	cfg    *config.Config
	logger *slog.Logger
	codec  *codec
	locks  *keyedMutex
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New opens a store over an initialized index database. Stage directories
// are created if missing. The database stays owned by the caller.
func New(database *sql.DB, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Store, error) {
	s := &Store{
		db:     database,
		cfg:    cfg,
		logger: logger,
		locks:  newKeyedMutex(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, stage := range item.Stages {
		if err := os.MkdirAll(s.dir(stage), 0700); err != nil {
			return nil, fmt.Errorf("create %s directory: %w", stage, err)
		}
	}

	c, err := newCodec()
	if err != nil {
		return nil, err
	}
	s.codec = c
	return s, nil
}

// Close releases the compression codec.
func (s *Store) Close() error {
	s.codec.close()
	return nil
}

// DB returns the index database.
func (s *Store) DB() *sql.DB { return s.db }

// Now returns the store's current time.
func (s *Store) Now() time.Time { return s.now() }

func (s *Store) dir(stage item.Stage) string {
	return s.cfg.StageDir(string(stage))
}

func (s *Store) path(id string, stage item.Stage) string {
	return filepath.Join(s.dir(stage), reprName(id, stage))
}

// Create stores a newly captured item. New items start at incoming without
// a transcript. The id must not exist yet at any stage; otherwise
// ALREADY_EXISTS is returned and nothing changes.
func (s *Store) Create(ctx context.Context, it *item.Item) (*item.Item, error) {
	if err := validateNew(it); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(it.ID)
	defer unlock()

	return s.create(ctx, it)
}

// create publishes a new item. Caller holds the item lock.
func (s *Store) create(ctx context.Context, it *item.Item) (*item.Item, error) {
	if it.Stage != item.StageIncoming {
		return nil, errors.NewInvalidRequest("new items must start at stage incoming")
	}
	if err := checkTranscript(&item.Item{ID: it.ID, Stage: it.Stage}, it, false); err != nil {
		return nil, err
	}
	if _, err := db.GetByID(ctx, s.db, it.ID); err == nil {
		return nil, errors.NewAlreadyExists(it.ID)
	} else if !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}

	now := s.now().Unix()
	c := it.Clone()
	c.Version = 1
	if c.CreatedAt == 0 {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.StageChangedAt = now
	c.Attempts = 0
	c.LastError, c.LastAttemptAt, c.DeliveredAt = nil, nil, nil

	data, err := s.codec.encode(c)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	path := s.path(c.ID, c.Stage)
	if err := publish(path, data); err != nil {
		if err == errPublished {
			return nil, errors.NewAlreadyExists(c.ID)
		}
		return nil, errors.NewIO("write representation", err)
	}

	if err := db.InsertItem(ctx, s.db, c); err != nil {
		os.Remove(path)
		return nil, err
	}

	s.logger.Info("item stored", "id", c.ID, "kind", c.Kind, "stage", c.Stage)
	return c, nil
}

// Put creates or fully overwrites an item's content at its current stage.
// Creation follows the same rules as Create.
// Stage changes go through Advance: if the indexed stage differs from
// it.Stage, Put fails with STALE_STAGE. Bookkeeping (attempts, delivery) and
// timestamps are kept from the index.
func (s *Store) Put(ctx context.Context, it *item.Item) (*item.Item, error) {
	if err := validateNew(it); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(it.ID)
	defer unlock()

	cur, err := db.GetByID(ctx, s.db, it.ID)
	if errors.Is(err, errors.ErrNotFound) {
		return s.create(ctx, it)
	}
	if err != nil {
		return nil, err
	}
	if cur.Stage != it.Stage {
		return nil, errors.NewStaleStage(it.ID, string(it.Stage), string(cur.Stage))
	}
	if err := checkTranscript(cur, it, false); err != nil {
		return nil, err
	}

	next := it.Clone()
	next.Kind = cur.Kind
	next.CreatedAt = cur.CreatedAt
	next.StageChangedAt = cur.StageChangedAt
	next.UpdatedAt = s.now().Unix()
	next.Version = cur.Version + 1
	next.Attempts, next.LastError, next.LastAttemptAt, next.DeliveredAt =
		cur.Attempts, cur.LastError, cur.LastAttemptAt, cur.DeliveredAt

	data, err := s.codec.encode(next)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	if err := writeAtomic(s.path(next.ID, next.Stage), data); err != nil {
		return nil, errors.NewIO("write representation", err)
	}

	ok, err := db.UpdateItem(ctx, s.db, next, cur.Version)
	if err == nil && !ok {
		err = s.staleError(ctx, next.ID, next.Stage)
	}
	if err != nil {
		// Another writer won; put its version back on disk.
		s.restoreRepresentation(ctx, next.ID)
		return nil, err
	}
	return next, nil
}

// Get returns an item by id, or NOT_FOUND.
func (s *Store) Get(ctx context.Context, id string) (*item.Item, error) {
	if id == "" {
		return nil, errors.NewInvalidRequest("id is required")
	}
	return db.GetByID(ctx, s.db, id)
}

// List iterates over the items at stage (optionally of one kind), oldest
// first by created_at then id. Rows are fetched lazily in pages; every range
// over the returned sequence starts again from the beginning.
func (s *Store) List(ctx context.Context, stage item.Stage, kind item.Kind) iter.Seq2[*item.Item, error] {
	return func(yield func(*item.Item, error) bool) {
		if !stage.Valid() {
			yield(nil, errors.NewInvalidRequest(fmt.Sprintf("unknown stage %q", stage)))
			return
		}

		var (
			afterCreated int64
			afterID      string
		)
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, errors.NewCancelled("list"))
				return
			}
			page, err := db.ListAfter(ctx, s.db, stage, kind, afterCreated, afterID, listPageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, it := range page {
				if !yield(it, nil) {
					return
				}
			}
			if len(page) < listPageSize {
				return
			}
			last := page[len(page)-1]
			afterCreated, afterID = last.CreatedAt, last.ID
		}
	}
}

// Page returns one offset-paginated page of items plus the total count.
func (s *Store) Page(ctx context.Context, f db.PageFilter) ([]*item.Item, int, error) {
	return db.Page(ctx, s.db, f)
}

// ReadyBefore returns ready items that reached ready at or before cutoff.
func (s *Store) ReadyBefore(ctx context.Context, cutoff time.Time) ([]*item.Item, error) {
	return db.ReadyBefore(ctx, s.db, cutoff.Unix())
}

// RecordAttempt counts a failed processing attempt on an item that is still
// at expected and returns the new count.
func (s *Store) RecordAttempt(ctx context.Context, id string, expected item.Stage, errMsg string) (int, error) {
	n, ok, err := db.RecordAttempt(ctx, s.db, id, expected, errMsg, s.now().Unix())
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, s.staleError(ctx, id, expected)
	}
	return n, nil
}

// MarkDelivered records that the item's document reached the sink.
func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	return db.MarkDelivered(ctx, s.db, id, s.now().Unix())
}

// CountByCreated groups items created in [start, end).
func (s *Store) CountByCreated(ctx context.Context, start, end time.Time) ([]db.CountRow, error) {
	return db.CountByCreated(ctx, s.db, start.Unix(), end.Unix())
}

// CountByDay groups items created on the calendar day of day, in day's
// location.
func (s *Store) CountByDay(ctx context.Context, day time.Time) ([]db.CountRow, error) {
	y, m, d := day.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, day.Location())
	return s.CountByCreated(ctx, start, start.AddDate(0, 0, 1))
}

// AppendEvent adds an entry to the audit log. Failures are logged, not
// returned: the log must never block the pipeline.
func (s *Store) AppendEvent(ctx context.Context, itemID, eventType, level, message string) {
	ev := &item.Event{
		ItemID:    itemID,
		Type:      eventType,
		Level:     level,
		Message:   message,
		CreatedAt: s.now().Unix(),
	}
	if err := db.InsertEvent(ctx, s.db, ev); err != nil {
		s.logger.Warn("append event failed", "id", itemID, "type", eventType, "err", err)
	}
}

// Events lists audit log entries, newest first.
func (s *Store) Events(ctx context.Context, f db.EventFilter) ([]item.Event, error) {
	return db.ListEvents(ctx, s.db, f)
}

// staleError explains why a guarded write on id at expected matched nothing.
func (s *Store) staleError(ctx context.Context, id string, expected item.Stage) error {
	cur, err := db.GetByID(ctx, s.db, id)
	if err != nil {
		return err
	}
	return errors.NewStaleStage(id, string(expected), string(cur.Stage))
}

// restoreRepresentation rewrites the representation of id from its index
// row. Best-effort; Recover repairs what this cannot.
func (s *Store) restoreRepresentation(ctx context.Context, id string) {
	cur, err := db.GetByID(ctx, s.db, id)
	if err != nil {
		s.logger.Warn("restore representation: read index", "id", id, "err", err)
		return
	}
	data, err := s.codec.encode(cur)
	if err == nil {
		err = writeAtomic(s.path(id, cur.Stage), data)
	}
	if err != nil {
		s.logger.Warn("restore representation failed", "id", id, "err", err)
	}
}

// load reads the representation of id at stage.
func (s *Store) load(id string, stage item.Stage) (*item.Item, error) {
	return s.codec.decode(s.path(id, stage))
}

func validateNew(it *item.Item) error {
	if it == nil || it.ID == "" {
		return errors.NewInvalidRequest("item id is required")
	}
	if !it.Kind.Valid() {
		return errors.NewInvalidRequest(fmt.Sprintf("unknown kind %q", it.Kind))
	}
	if !it.Stage.Valid() {
		return errors.NewInvalidRequest(fmt.Sprintf("unknown stage %q", it.Stage))
	}
	if it.Kind == item.KindVoice && it.ContentRef == "" {
		return errors.NewInvalidRequest("voice items need a content_ref")
	}
	return nil
}
