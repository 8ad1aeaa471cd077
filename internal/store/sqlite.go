package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/docchat/internal/domain"
	"github.com/ashureev/docchat/internal/shared"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db    *sqlx.DB
	retry shared.RetryPolicy
	now   func() time.Time
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; foreign keys are per connection so they go in the DSN.
	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy, now: time.Now}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS owners (
		owner_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		document_text TEXT NOT NULL DEFAULT '',
		document_path TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id, created_at);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

type ownerRow struct {
	OwnerID    string `db:"owner_id"`
	Username   string `db:"username"`
	LastSeenAt int64  `db:"last_seen_at"`
	CreatedAt  int64  `db:"created_at"`
}

type sessionRow struct {
	ID           string `db:"id"`
	OwnerID      string `db:"owner_id"`
	Name         string `db:"name"`
	DocumentText string `db:"document_text"`
	DocumentPath string `db:"document_path"`
	CreatedAt    int64  `db:"created_at"`
}

func (r sessionRow) toDomain() *domain.Session {
	return &domain.Session{
		ID:           r.ID,
		OwnerID:      r.OwnerID,
		Name:         r.Name,
		DocumentText: r.DocumentText,
		DocumentPath: r.DocumentPath,
		CreatedAt:    time.UnixMilli(r.CreatedAt),
	}
}

type messageRow struct {
	ID        int64  `db:"id"`
	SessionID string `db:"session_id"`
	Role      string `db:"role"`
	Text      string `db:"text"`
	CreatedAt int64  `db:"created_at"`
}

func (r messageRow) toDomain() domain.Message {
	return domain.Message{
		ID:        r.ID,
		SessionID: r.SessionID,
		Role:      domain.Role(r.Role),
		Text:      r.Text,
		CreatedAt: time.UnixMilli(r.CreatedAt),
	}
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, retrying the whole transaction on SQLITE_BUSY.
func (s *SQLiteStore) withTx(ctx context.Context, name string, fn func(tx *sqlx.Tx) error) error {
	return shared.RetryOnConflict(ctx, s.retry, name, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin %s: %w", name, err)
		}
		if err := fn(tx); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("Rollback failed", "op", name, "error", rbErr)
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", name, err)
		}
		return nil
	})
}

// GetOwner retrieves an owner by id.
func (s *SQLiteStore) GetOwner(ctx context.Context, ownerID string) (*domain.Owner, error) {
	var row ownerRow
	err := s.db.GetContext(ctx, &row,
		`SELECT owner_id, username, last_seen_at, created_at FROM owners WHERE owner_id = ?`, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get owner: %w", err)
	}

	return &domain.Owner{
		OwnerID:    row.OwnerID,
		Username:   row.Username,
		LastSeenAt: time.UnixMilli(row.LastSeenAt),
		CreatedAt:  time.UnixMilli(row.CreatedAt),
	}, nil
}

// UpsertOwner creates or updates an owner record.
func (s *SQLiteStore) UpsertOwner(ctx context.Context, owner *domain.Owner) error {
	query := `
	INSERT INTO owners (owner_id, username, last_seen_at, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(owner_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at`

	return shared.RetryOnConflict(ctx, s.retry, "upsert owner", func() error {
		_, err := s.db.ExecContext(ctx, query,
			owner.OwnerID, owner.Username, owner.LastSeenAt.UnixMilli(), owner.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("upsert owner: %w", err)
		}
		return nil
	})
}

// TouchOwner updates the last_seen_at timestamp for an owner.
func (s *SQLiteStore) TouchOwner(ctx context.Context, ownerID string, seen time.Time) error {
	return shared.RetryOnConflict(ctx, s.retry, "touch owner", func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE owners SET last_seen_at = ? WHERE owner_id = ?`, seen.UnixMilli(), ownerID)
		if err != nil {
			return fmt.Errorf("update last_seen: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			slog.Warn("TouchOwner affected 0 rows", "owner_id", ownerID)
		}
		return nil
	})
}

// CreateSession creates an empty session named "Chat N", N being the owner's session count plus one.
func (s *SQLiteStore) CreateSession(ctx context.Context, ownerID, sessionID string) (*domain.Session, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	var created sessionRow
	err := s.withTx(ctx, "create session", func(tx *sqlx.Tx) error {
		var exists int
		if err := tx.GetContext(ctx, &exists, `SELECT COUNT(*) FROM sessions WHERE id = ?`, sessionID); err != nil {
			return fmt.Errorf("check session id: %w", err)
		}
		if exists > 0 {
			return ErrSessionExists
		}

		var count int
		if err := tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM sessions WHERE owner_id = ?`, ownerID); err != nil {
			return fmt.Errorf("count sessions: %w", err)
		}

		created = sessionRow{
			ID:        sessionID,
			OwnerID:   ownerID,
			Name:      fmt.Sprintf("Chat %d", count+1),
			CreatedAt: s.now().UnixMilli(),
		}
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO sessions (id, owner_id, name, document_text, document_path, created_at)
			VALUES (:id, :owner_id, :name, :document_text, :document_path, :created_at)`, created)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return ErrSessionExists
			}
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Debug("session created", "session_id", created.ID, "owner_id", ownerID, "name", created.Name)
	return created.toDomain(), nil
}

func getSession(ctx context.Context, q sqlx.QueryerContext, sessionID, ownerID string) (*sessionRow, error) {
	var row sessionRow
	err := sqlx.GetContext(ctx, q, &row, `
		SELECT id, owner_id, name, document_text, document_path, created_at
		FROM sessions WHERE id = ? AND owner_id = ?`, sessionID, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &row, nil
}

// GetSession retrieves a session owned by ownerID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID, ownerID string) (*domain.Session, error) {
	row, err := getSession(ctx, s.db, sessionID, ownerID)
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

// ListSessions returns the owner's sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, ownerID string) ([]domain.SessionSummary, error) {
	sessions := []domain.SessionSummary{}
	err := s.db.SelectContext(ctx, &sessions, `
		SELECT id, name FROM sessions
		WHERE owner_id = ?
		ORDER BY created_at DESC, rowid DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// AppendMessage appends a message in a single statement that only inserts when the session is owned by ownerID.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID, ownerID string, role domain.Role, text string) (*domain.Message, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("append message: invalid role %q", role)
	}

	createdAt := s.now()
	var id int64
	err := shared.RetryOnConflict(ctx, s.retry, "append message", func() error {
		result, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (session_id, role, text, created_at)
			SELECT id, ?, ?, ? FROM sessions WHERE id = ? AND owner_id = ?`,
			string(role), text, createdAt.UnixMilli(), sessionID, ownerID)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrNotFound
		}
		id, err = result.LastInsertId()
		if err != nil {
			return fmt.Errorf("get message id: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Debug("message appended", "session_id", sessionID, "role", string(role), "message_id", id)
	return &domain.Message{
		ID:        id,
		SessionID: sessionID,
		Role:      role,
		Text:      text,
		CreatedAt: time.UnixMilli(createdAt.UnixMilli()),
	}, nil
}

// History returns the session's messages in arrival order.
func (s *SQLiteStore) History(ctx context.Context, sessionID, ownerID string) ([]domain.Message, error) {
	var rows []messageRow
	err := s.withTx(ctx, "history", func(tx *sqlx.Tx) error {
		if _, err := getSession(ctx, tx, sessionID, ownerID); err != nil {
			return err
		}
		rows = nil
		if err := tx.SelectContext(ctx, &rows, `
			SELECT id, session_id, role, text, created_at FROM messages
			WHERE session_id = ? ORDER BY id ASC`, sessionID); err != nil {
			return fmt.Errorf("select messages: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	messages := make([]domain.Message, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, row.toDomain())
	}
	return messages, nil
}

// AttachDocument replaces the session's document and returns the replaced file path.
func (s *SQLiteStore) AttachDocument(ctx context.Context, sessionID, ownerID, text, path string) (string, error) {
	return s.swapDocument(ctx, "attach document", sessionID, ownerID, text, path)
}

// ClearDocument empties the session's document and returns the released file path.
func (s *SQLiteStore) ClearDocument(ctx context.Context, sessionID, ownerID string) (string, error) {
	return s.swapDocument(ctx, "clear document", sessionID, ownerID, "", "")
}

func (s *SQLiteStore) swapDocument(ctx context.Context, name, sessionID, ownerID, text, path string) (string, error) {
	var previous string
	err := s.withTx(ctx, name, func(tx *sqlx.Tx) error {
		row, err := getSession(ctx, tx, sessionID, ownerID)
		if err != nil {
			return err
		}
		previous = row.DocumentPath

		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET document_text = ?, document_path = ?
			WHERE id = ? AND owner_id = ?`, text, path, sessionID, ownerID); err != nil {
			return fmt.Errorf("update document: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	slog.Debug("session document updated", "op", name, "session_id", sessionID, "chars", len(text))
	return previous, nil
}

// DeleteSession removes the session with its messages and returns its file path.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID, ownerID string) (string, error) {
	var path string
	err := s.withTx(ctx, "delete session", func(tx *sqlx.Tx) error {
		row, err := getSession(ctx, tx, sessionID, ownerID)
		if err != nil {
			return err
		}
		path = row.DocumentPath

		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ? AND owner_id = ?`, sessionID, ownerID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	slog.Debug("session deleted", "session_id", sessionID, "owner_id", ownerID)
	return path, nil
}
