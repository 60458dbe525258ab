// Package knowledge provides the user-partitioned document store backing
// local retrieval. It uses SQLite FTS5 via modernc.org/sqlite for a pure-Go,
// CGO-free full-text index. Every read and write carries a user id; the
// store never answers a query without a partition key.
package knowledge

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/normanking/scholar/internal/conversation"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_documents_user ON documents(user_id);

CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
	title, content,
	content='documents',
	content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS documents_ai AFTER INSERT ON documents BEGIN
	INSERT INTO documents_fts(rowid, title, content)
	VALUES (new.rowid, new.title, new.content);
END;

CREATE TRIGGER IF NOT EXISTS documents_ad AFTER DELETE ON documents BEGIN
	INSERT INTO documents_fts(documents_fts, rowid, title, content)
	VALUES ('delete', old.rowid, old.title, old.content);
END;

CREATE TRIGGER IF NOT EXISTS documents_au AFTER UPDATE ON documents BEGIN
	INSERT INTO documents_fts(documents_fts, rowid, title, content)
	VALUES ('delete', old.rowid, old.title, old.content);
	INSERT INTO documents_fts(rowid, title, content)
	VALUES (new.rowid, new.title, new.content);
END;

CREATE TABLE IF NOT EXISTS thread_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	thread_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_thread_log_key ON thread_log(user_id, thread_id, id);
`

// Store is the SQLite-backed document and thread store.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the database at dataDir/scholar.db and applies the
// schema.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "scholar.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows one writer; serialize access through a single
	// connection to avoid SQLITE_BUSY under concurrent turns.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens an in-memory store, used by tests.
func OpenInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open in-memory database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert stores a document under the given user partition. A zero ID is
// assigned one.
func (s *Store) Upsert(ctx context.Context, userID string, doc conversation.Document) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: upsert without user id", conversation.ErrIsolation)
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO documents (id, user_id, title, content)
VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET title = excluded.title, content = excluded.content`,
		doc.ID, userID, doc.Title, doc.Content)
	if err != nil {
		return "", fmt.Errorf("upsert document: %w", err)
	}
	return doc.ID, nil
}

// Query runs a full-text search scoped to one user partition. Results carry
// scores normalized to 0-1 (higher is better) and are capped at topK.
func (s *Store) Query(ctx context.Context, userID, text string, topK int) ([]conversation.Document, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: query without user id", conversation.ErrIsolation)
	}
	if topK <= 0 {
		topK = 5
	}

	ftsQuery := prepareFTSQuery(text)
	if ftsQuery == "" {
		return nil, nil
	}

	// BM25 scores are negative, lower is better, so negate for ranking.
	rows, err := s.db.QueryContext(ctx, `
SELECT d.id, d.title, d.content, bm25(documents_fts) AS rank
FROM documents_fts f
JOIN documents d ON d.rowid = f.rowid
WHERE documents_fts MATCH ? AND d.user_id = ?
ORDER BY -bm25(documents_fts) DESC
LIMIT ?`, ftsQuery, userID, topK)
	if err != nil {
		return nil, fmt.Errorf("search query failed: %w", err)
	}
	defer rows.Close()

	var docs []conversation.Document
	for rows.Next() {
		var doc conversation.Document
		var rank float64
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.Content, &rank); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		doc.Source = conversation.SourceLocal
		doc.Score = normalizeRank(rank)
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return docs, nil
}

// AppendTurn persists one message of the durable thread log.
func (s *Store) AppendTurn(ctx context.Context, key conversation.Key, msg conversation.Message) error {
	if err := key.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO thread_log (user_id, thread_id, role, content)
VALUES (?, ?, ?, ?)`, key.UserID, key.ThreadID, string(msg.Role), msg.Content)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// History loads the persisted message log for one thread, oldest first,
// capped at limit (0 means all).
func (s *Store) History(ctx context.Context, key conversation.Key, limit int) ([]conversation.Message, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	query := `
SELECT role, content, created_at FROM thread_log
WHERE user_id = ? AND thread_id = ?
ORDER BY id`
	args := []any{key.UserID, key.ThreadID}
	if limit > 0 {
		// Keep the most recent messages while preserving order.
		query = `
SELECT role, content, created_at FROM (
	SELECT id, role, content, created_at FROM thread_log
	WHERE user_id = ? AND thread_id = ?
	ORDER BY id DESC LIMIT ?
) ORDER BY id`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var msgs []conversation.Message
	for rows.Next() {
		var msg conversation.Message
		var role string
		var createdAt time.Time
		if err := rows.Scan(&role, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		msg.Role = conversation.Role(role)
		msg.CreatedAt = createdAt
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// prepareFTSQuery quotes each term so user text cannot inject FTS5 query
// syntax.
func prepareFTSQuery(text string) string {
	fields := strings.Fields(text)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}

// normalizeRank maps a BM25 rank (negative, lower is better) into 0-1.
func normalizeRank(rank float64) float64 {
	score := -rank
	if score < 0 {
		score = 0
	}
	return score / (1 + score)
}
