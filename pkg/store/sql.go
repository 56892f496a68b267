package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"           // PostgreSQL driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/consortium/pkg/errs"
)

var sqlTracer = otel.Tracer("consortium/store/sql")

// Supported SQL dialects
const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "postgres"
)

const recordsSchema = `
CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	seq BIGINT NOT NULL,
	version BIGINT NOT NULL,
	data TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	PRIMARY KEY (collection, id)
)`

// SQLStore persists documents in a single records table
type SQLStore struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

// OpenSQLStore opens a database, verifies the connection and creates the schema
func OpenSQLStore(ctx context.Context, dialect, dsn string) (*SQLStore, error) {
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("unsupported sql dialect %q", dialect)
	}

	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// serialize access to a single sqlite file
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errs.Transport("store.ping", err)
	}

	s := NewSQLStore(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an existing connection
func NewSQLStore(db *sql.DB, dialect string) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

// Migrate creates the records table if it does not exist
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, recordsSchema); err != nil {
		return fmt.Errorf("failed to create records table: %w", err)
	}
	return nil
}

// Close closes the underlying database
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// DB exposes the connection for components sharing the database
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// rebind rewrites ? placeholders for postgres
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) startSpan(ctx context.Context, op, collection string) (context.Context, trace.Span) {
	return sqlTracer.Start(ctx, op,
		trace.WithAttributes(
			attribute.String("db.system", s.dialect),
			attribute.String("store.collection", collection),
		),
	)
}

func failSpan(span trace.Span, err error, msg string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
}

// List implements Store
func (s *SQLStore) List(ctx context.Context, collection string) ([]Document, error) {
	ctx, span := s.startSpan(ctx, "List", collection)
	defer span.End()

	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, version, data FROM records WHERE collection = ? ORDER BY seq, id`),
		collection)
	if err != nil {
		failSpan(span, err, "failed to list records")
		return nil, errs.Transport("store.list", err)
	}
	defer rows.Close()

	docs := make([]Document, 0)
	for rows.Next() {
		var doc Document
		var data string
		if err := rows.Scan(&doc.ID, &doc.Version, &data); err != nil {
			failSpan(span, err, "failed to scan record")
			return nil, errs.Transport("store.list", err)
		}
		doc.Data = json.RawMessage(data)
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		failSpan(span, err, "failed to iterate records")
		return nil, errs.Transport("store.list", err)
	}

	span.SetAttributes(attribute.Int("store.count", len(docs)))
	return docs, nil
}

// Get implements Store
func (s *SQLStore) Get(ctx context.Context, collection, id string) (Document, error) {
	ctx, span := s.startSpan(ctx, "Get", collection)
	defer span.End()

	doc, err := s.get(ctx, s.db, collection, id)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		failSpan(span, err, "failed to get record")
	}
	return doc, err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLStore) get(ctx context.Context, q queryer, collection, id string) (Document, error) {
	var doc Document
	var data string
	err := q.QueryRowContext(ctx, s.rebind(
		`SELECT id, version, data FROM records WHERE collection = ? AND id = ?`),
		collection, id).Scan(&doc.ID, &doc.Version, &data)
	if err == sql.ErrNoRows {
		return Document{}, errs.NotFound(collection, id)
	}
	if err != nil {
		return Document{}, errs.Transport("store.get", err)
	}
	doc.Data = json.RawMessage(data)
	return doc, nil
}

// Create implements Store
func (s *SQLStore) Create(ctx context.Context, collection string, doc Document) (Document, error) {
	ctx, span := s.startSpan(ctx, "Create", collection)
	defer span.End()

	data, err := prepareCreate(collection, doc)
	if err != nil {
		return Document{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		failSpan(span, err, "failed to begin transaction")
		return Document{}, errs.Transport("store.create", err)
	}
	defer tx.Rollback()

	if _, err := s.get(ctx, tx, collection, doc.ID); err == nil {
		return Document{}, errs.Conflict(collection, doc.ID)
	} else if !errors.Is(err, errs.ErrNotFound) {
		failSpan(span, err, "failed to check existing record")
		return Document{}, err
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM records`).Scan(&seq); err != nil {
		failSpan(span, err, "failed to allocate sequence")
		return Document{}, errs.Transport("store.create", err)
	}

	now := s.now().UnixNano()
	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO records (collection, id, seq, version, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		collection, doc.ID, seq+1, 1, string(data), now, now); err != nil {
		failSpan(span, err, "failed to insert record")
		return Document{}, errs.Transport("store.create", err)
	}

	if err := tx.Commit(); err != nil {
		failSpan(span, err, "failed to commit record")
		return Document{}, errs.Transport("store.create", err)
	}

	return Document{ID: doc.ID, Version: 1, Data: data}, nil
}

// Update implements Store. The write is guarded by the version read in the same
// transaction, so a concurrent writer turns into errs.ErrConflict.
func (s *SQLStore) Update(ctx context.Context, collection, id string, patch Patch) (Document, error) {
	ctx, span := s.startSpan(ctx, "Update", collection)
	defer span.End()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		failSpan(span, err, "failed to begin transaction")
		return Document{}, errs.Transport("store.update", err)
	}
	defer tx.Rollback()

	current, err := s.get(ctx, tx, collection, id)
	if err != nil {
		return Document{}, err
	}

	data, err := applyPatch(collection, id, current.Version, current.Data, patch)
	if err != nil {
		return Document{}, err
	}

	res, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE records SET data = ?, version = version + 1, updated_at = ? WHERE collection = ? AND id = ? AND version = ?`),
		string(data), s.now().UnixNano(), collection, id, current.Version)
	if err != nil {
		failSpan(span, err, "failed to update record")
		return Document{}, errs.Transport("store.update", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		failSpan(span, err, "failed to read affected rows")
		return Document{}, errs.Transport("store.update", err)
	}
	if affected == 0 {
		return Document{}, errs.Conflict(collection, id)
	}

	if err := tx.Commit(); err != nil {
		failSpan(span, err, "failed to commit update")
		return Document{}, errs.Transport("store.update", err)
	}

	return Document{ID: id, Version: current.Version + 1, Data: data}, nil
}

// Delete implements Store
func (s *SQLStore) Delete(ctx context.Context, collection, id string) error {
	ctx, span := s.startSpan(ctx, "Delete", collection)
	defer span.End()

	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM records WHERE collection = ? AND id = ?`), collection, id)
	if err != nil {
		failSpan(span, err, "failed to delete record")
		return errs.Transport("store.delete", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		failSpan(span, err, "failed to read affected rows")
		return errs.Transport("store.delete", err)
	}
	if affected == 0 {
		return errs.NotFound(collection, id)
	}
	return nil
}
