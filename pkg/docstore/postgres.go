package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/carewell/compliance-core/pkg/logger"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// collectionNamePattern guards against table-name injection: collection
// names are logical identifiers, never user input, but the constraint is
// enforced anyway.
var collectionNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// PostgresStore implements Store on PostgreSQL, one JSONB-document table
// per logical collection.
type PostgresStore struct {
	db     *sql.DB
	logger *logger.Logger
	tables map[string]bool
}

// PostgresConfig holds connection settings for the Postgres store
type PostgresConfig struct {
	Host            string
	Port            int
	Name            string
	User            string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int
}

// NewPostgresStore opens a connection pool and verifies connectivity
func NewPostgresStore(cfg *PostgresConfig, log *logger.Logger) (*PostgresStore, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Second)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("Document store connection established")

	return &PostgresStore{
		db:     db,
		logger: log,
		tables: make(map[string]bool),
	}, nil
}

// NewPostgresStoreWithDB wraps an existing connection, used by tests
func NewPostgresStoreWithDB(db *sql.DB, log *logger.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: log,
		tables: map[string]bool{},
	}
}

// Close closes the underlying connection pool
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Health checks the database connection health
func (s *PostgresStore) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

// EnsureCollections creates the document tables for the given collections
func (s *PostgresStore) EnsureCollections(ctx context.Context, collections ...string) error {
	for _, collection := range collections {
		if err := s.ensureTable(ctx, collection); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) ensureTable(ctx context.Context, collection string) error {
	if s.tables[collection] {
		return nil
	}
	if !collectionNamePattern.MatchString(collection) {
		return fmt.Errorf("invalid collection name: %q", collection)
	}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(100) PRIMARY KEY,
			doc JSONB NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`, collection)

	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create collection table %s: %w", collection, err)
	}

	s.tables[collection] = true
	return nil
}

// Get retrieves a single document by id
func (s *PostgresStore) Get(ctx context.Context, collection, id string) (Document, error) {
	if !collectionNamePattern.MatchString(collection) {
		return nil, fmt.Errorf("invalid collection name: %q", collection)
	}

	query := fmt.Sprintf("SELECT doc FROM %s WHERE id = $1", collection)

	var raw []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s/%s: %w", collection, id, err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document %s/%s: %w", collection, id, err)
	}

	return doc, nil
}

// Put upserts a single document
func (s *PostgresStore) Put(ctx context.Context, collection, id string, doc Document) error {
	if !collectionNamePattern.MatchString(collection) {
		return fmt.Errorf("invalid collection name: %q", collection)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, doc, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()`,
		collection)

	if _, err := s.db.ExecContext(ctx, query, id, raw); err != nil {
		return fmt.Errorf("failed to put document %s/%s: %w", collection, id, err)
	}

	return nil
}

// PutBatch writes all documents inside one transaction
func (s *PostgresStore) PutBatch(ctx context.Context, collection string, docs map[string]Document) error {
	if len(docs) == 0 {
		return nil
	}
	if !collectionNamePattern.MatchString(collection) {
		return fmt.Errorf("invalid collection name: %q", collection)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, doc, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()`,
		collection)

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare batch statement: %w", err)
	}
	defer stmt.Close()

	for id, doc := range docs {
		raw, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to encode document %s: %w", id, err)
		}
		if _, err := stmt.ExecContext(ctx, id, raw); err != nil {
			return fmt.Errorf("failed to write document %s in batch: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	return nil
}

// Delete removes a document; deleting a missing document returns ErrNotFound
func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	if !collectionNamePattern.MatchString(collection) {
		return fmt.Errorf("invalid collection name: %q", collection)
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", collection)
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete document %s/%s: %w", collection, id, err)
	}

	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return ErrNotFound
	}

	return nil
}

// Query runs a filtered scan over a collection
func (s *PostgresStore) Query(ctx context.Context, collection string, q Query) ([]Document, error) {
	if !collectionNamePattern.MatchString(collection) {
		return nil, fmt.Errorf("invalid collection name: %q", collection)
	}

	query := fmt.Sprintf("SELECT doc FROM %s WHERE 1=1", collection)
	args := []interface{}{}
	argIndex := 1

	for _, f := range q.Filters {
		op, err := sqlOp(f.Op)
		if err != nil {
			return nil, err
		}
		query += fmt.Sprintf(" AND doc->>'%s' %s $%d", jsonField(f.Field), op, argIndex)
		args = append(args, fmt.Sprintf("%v", f.Value))
		argIndex++
	}

	if q.OrderBy != "" {
		direction := "ASC"
		if q.Descending {
			direction = "DESC"
		}
		query += fmt.Sprintf(" ORDER BY doc->>'%s' %s", jsonField(q.OrderBy), direction)
	}

	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}

		var doc Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode document: %w", err)
		}
		docs = append(docs, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate query result: %w", err)
	}

	return docs, nil
}

func sqlOp(op Op) (string, error) {
	switch op {
	case OpEq:
		return "=", nil
	case OpGt, OpGte, OpLt, OpLte:
		return string(op), nil
	default:
		return "", fmt.Errorf("unsupported query operator: %q", op)
	}
}

// jsonField strips characters that could break out of the JSON path literal
func jsonField(field string) string {
	return strings.Map(func(r rune) rune {
		if r == '\'' || r == '"' || r == '\\' {
			return -1
		}
		return r
	}, field)
}
