// Package postgres implements docstore.Store on a documents table with
// JSONB fields. Merge writes use jsonb concatenation so unnamed fields are
// preserved; live queries re-run when a change notification arrives over
// the messaging broker.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/medipass/sync-api/pkg/docstore"
	"github.com/medipass/sync-api/pkg/messaging"
)

const changeChannel = "docstore:changes"

type Config struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

// NewDB opens and pings the documents database.
func NewDB(cfg Config) (*sqlx.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Name,
		cfg.SSLMode,
	)

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

type watcher struct {
	mu         sync.Mutex
	closed     bool
	collection string
	orderField string
	descending bool
	fn         docstore.SnapshotFunc
}

func (w *watcher) deliver(docs []docstore.Document, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.fn(docs, err)
}

func (w *watcher) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// Store is the JSONB-backed document store.
type Store struct {
	db     *sqlx.DB
	broker messaging.Broker
	logger *zerolog.Logger

	mu       sync.Mutex
	watchers map[int64]*watcher
	nextID   int64
	cancel   context.CancelFunc
}

func NewStore(db *sqlx.DB, broker messaging.Broker, logger *zerolog.Logger) (*Store, error) {
	s := &Store{
		db:       db,
		broker:   broker,
		logger:   logger,
		watchers: make(map[int64]*watcher),
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	events, err := broker.Subscribe(ctx, changeChannel)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe change feed: %w", err)
	}
	go s.changeLoop(ctx, events)

	return s, nil
}

// Close stops the change feed. Open watchers stop receiving updates but
// stay registered until their unsubscribe runs.
func (s *Store) Close() error {
	s.cancel()
	return nil
}

// Migrate creates the documents table. Called by the daemon at boot.
func (s *Store) Migrate(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS documents (
			collection  TEXT NOT NULL,
			key         TEXT NOT NULL,
			fields      JSONB NOT NULL DEFAULT '{}'::jsonb,
			server_time TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (collection, key)
		);
		CREATE INDEX IF NOT EXISTS documents_collection_time_idx
			ON documents (collection, server_time DESC);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed creating documents table: %w", err)
	}
	return nil
}

func splitPath(path string) (collection, key string, err error) {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			if i == 0 || i == len(path)-1 {
				break
			}
			return path[:i], path[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("invalid document path %q", path)
}

// encodeFields marshals a field set, replacing ServerTimestamp sentinels
// with a marker the SQL swaps for the database clock.
func encodeFields(fields docstore.Fields) ([]byte, []string, error) {
	plain := make(map[string]interface{}, len(fields))
	var serverFields []string
	for k, v := range fields {
		if _, ok := v.(docstore.ServerTimestamp); ok {
			serverFields = append(serverFields, k)
			continue
		}
		plain[k] = v
	}
	payload, err := json.Marshal(plain)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal fields: %w", err)
	}
	return payload, serverFields, nil
}

// serverTimePatch builds a jsonb object assigning now() to each field that
// carried a ServerTimestamp sentinel.
func serverTimePatch(serverFields []string) (string, []interface{}) {
	if len(serverFields) == 0 {
		return "'{}'::jsonb", nil
	}
	patch := "jsonb_build_object("
	args := make([]interface{}, 0, len(serverFields))
	for i, f := range serverFields {
		if i > 0 {
			patch += ", "
		}
		patch += fmt.Sprintf("$%d::text, now()", i+3)
		args = append(args, f)
	}
	patch += ")"
	return patch, args
}

func (s *Store) GetDocument(ctx context.Context, path string) (docstore.Fields, error) {
	collection, key, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	var raw []byte
	query := `SELECT fields FROM documents WHERE collection = $1 AND key = $2`
	if err := s.db.GetContext(ctx, &raw, query, collection, key); err != nil {
		if err == sql.ErrNoRows {
			return nil, docstore.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	var fields docstore.Fields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return fields, nil
}

func (s *Store) MergeWrite(ctx context.Context, path string, fields docstore.Fields) error {
	collection, key, err := splitPath(path)
	if err != nil {
		return err
	}

	payload, serverFields, err := encodeFields(fields)
	if err != nil {
		return err
	}
	patch, patchArgs := serverTimePatch(serverFields)

	query := fmt.Sprintf(`
		INSERT INTO documents (collection, key, fields)
		VALUES ($1, $2, $%d::jsonb || %s)
		ON CONFLICT (collection, key)
		DO UPDATE SET fields = documents.fields || EXCLUDED.fields,
		              server_time = now()
	`, len(patchArgs)+3, patch)

	args := append([]interface{}{collection, key}, patchArgs...)
	args = append(args, payload)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to merge document: %w", err)
	}

	s.publishChange(ctx, collection, key, "merge")
	return nil
}

func (s *Store) AddDocument(ctx context.Context, collectionPath string, fields docstore.Fields) (string, error) {
	key := uuid.NewString()

	payload, serverFields, err := encodeFields(fields)
	if err != nil {
		return "", err
	}
	patch, patchArgs := serverTimePatch(serverFields)

	query := fmt.Sprintf(`
		INSERT INTO documents (collection, key, fields)
		VALUES ($1, $2, $%d::jsonb || %s)
	`, len(patchArgs)+3, patch)

	args := append([]interface{}{collectionPath, key}, patchArgs...)
	args = append(args, payload)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return "", fmt.Errorf("failed to add document: %w", err)
	}

	s.publishChange(ctx, collectionPath, key, "add")
	return key, nil
}

func (s *Store) publishChange(ctx context.Context, collection, key, op string) {
	event := messaging.ChangeEvent{Collection: collection, Key: key, Op: op}
	if err := s.broker.Publish(ctx, changeChannel, event); err != nil {
		// Watchers on other nodes miss this write until the next change;
		// local watchers are refreshed directly below.
		s.logger.Warn().Err(err).Str("collection", collection).Msg("change publish failed")
	}
	s.refresh(collection)
}

func (s *Store) Subscribe(ctx context.Context, collectionPath, orderField string, descending bool, fn docstore.SnapshotFunc) (docstore.UnsubscribeFunc, error) {
	w := &watcher{
		collection: collectionPath,
		orderField: orderField,
		descending: descending,
		fn:         fn,
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = w
	s.mu.Unlock()

	docs, err := s.query(ctx, collectionPath, orderField, descending)
	if err != nil {
		w.deliver(nil, err)
	} else {
		w.deliver(docs, nil)
	}

	unsubscribe := func() {
		w.close()
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
	return unsubscribe, nil
}

func (s *Store) changeLoop(ctx context.Context, events <-chan []byte) {
	for payload := range events {
		var event messaging.ChangeEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			s.logger.Warn().Err(err).Msg("bad change event payload")
			continue
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.refresh(event.Collection)
	}
}

// refresh re-runs every live query on the collection and fans out fresh
// snapshots. Query failures reach listeners as stream errors; the watcher
// stays registered and recovers on the next change.
func (s *Store) refresh(collection string) {
	s.mu.Lock()
	matched := make([]*watcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		if w.collection == collection {
			matched = append(matched, w)
		}
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, w := range matched {
		docs, err := s.query(ctx, w.collection, w.orderField, w.descending)
		if err != nil {
			w.deliver(nil, err)
			continue
		}
		w.deliver(docs, nil)
	}
}

func (s *Store) query(ctx context.Context, collection, orderField string, descending bool) ([]docstore.Document, error) {
	dir := "ASC"
	if descending {
		dir = "DESC"
	}
	// orderField lives inside jsonb; the server_time column breaks ties so
	// the base order is stable regardless of field type.
	query := fmt.Sprintf(`
		SELECT key, fields
		FROM documents
		WHERE collection = $1
		ORDER BY fields->>$2 %s NULLS LAST, server_time %s, key ASC
	`, dir, dir)

	rows, err := s.db.QueryxContext(ctx, query, collection, orderField)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection: %w", err)
	}
	defer rows.Close()

	var docs []docstore.Document
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		var fields docstore.Fields
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("decode document %s: %w", key, err)
		}
		docs = append(docs, docstore.Document{Key: key, Fields: fields})
	}
	return docs, rows.Err()
}
