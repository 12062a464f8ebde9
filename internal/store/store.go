// Package store persists a replica's durable state: the user table, the
// per-recipient message queues, and the replica's last known role.  State
// lives in a SQLite database inside the replica's data directory, so every
// operation is atomic and the whole surface is safe for concurrent use.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// Role is a replica's persisted cluster role.
type Role string

const (
	RolePrimary   Role = "PRIMARY"
	RoleBackup    Role = "BACKUP"
	RoleCandidate Role = "CANDIDATE"
)

// Errors surfaced to command handlers.
var (
	ErrDuplicateUser = errors.New("username already exists")
	ErrUnknownUser   = errors.New("unknown user")
)

// QueuedMessage is one entry in a recipient's queue.
type QueuedMessage struct {
	ID     string
	Sender string
	Body   string
}

// Store wraps the SQLite database.  All methods are safe for concurrent use;
// SQLite serialises the individual statements and multi-statement operations
// run inside transactions.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens (or creates) the database under dataDir and runs migrations.
// On the very first start the persisted role is initialised to PRIMARY when
// bootstrapPrimary is set, BACKUP otherwise; on every later start the role
// row already exists and the flag is ignored.
func Open(dataDir string, bootstrapPrimary bool, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "chat.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite database: %w", err)
	}
	// A single connection sidesteps SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: logger}
	if err := s.migrate(bootstrapPrimary); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("sqlite store opened", zap.String("path", path))
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(bootstrapPrimary bool) error {
	const schema = `
CREATE TABLE IF NOT EXISTS users (
	username TEXT PRIMARY KEY,
	password TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	id        TEXT NOT NULL UNIQUE,
	recipient TEXT NOT NULL,
	sender    TEXT NOT NULL,
	body      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient, seq);
CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: run migrations: %w", err)
	}

	role := RoleBackup
	if bootstrapPrimary {
		role = RolePrimary
	}
	if _, err := s.db.Exec(
		`INSERT OR IGNORE INTO meta(key, value) VALUES('role', ?)`, string(role),
	); err != nil {
		return fmt.Errorf("store: initialise role: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// AddUser creates a user account.  Returns ErrDuplicateUser when the username
// is already taken.
func (s *Store) AddUser(username, password string) error {
	_, err := s.db.Exec(`INSERT INTO users(username, password) VALUES(?, ?)`, username, password)
	if err != nil {
		var exists bool
		if qErr := s.db.QueryRow(
			`SELECT EXISTS(SELECT 1 FROM users WHERE username = ?)`, username,
		).Scan(&exists); qErr == nil && exists {
			return ErrDuplicateUser
		}
		return fmt.Errorf("store: add user: %w", err)
	}
	return nil
}

// DeleteUser removes the account, its queued messages, and every queued
// message anywhere whose sender is this user.  The cascade runs in one
// transaction.  Returns ErrUnknownUser when the account does not exist.
func (s *Store) DeleteUser(username string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: delete user: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.Exec(`DELETE FROM users WHERE username = ?`, username)
	if err != nil {
		return fmt.Errorf("store: delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownUser
	}
	if _, err := tx.Exec(
		`DELETE FROM messages WHERE recipient = ? OR sender = ?`, username, username,
	); err != nil {
		return fmt.Errorf("store: cascade delete messages: %w", err)
	}
	return tx.Commit()
}

// UserExists reports whether username has an account.
func (s *Store) UserExists(username string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM users WHERE username = ?)`, username,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: user exists: %w", err)
	}
	return exists, nil
}

// Users returns the full user table as username → password.
func (s *Store) Users() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT username, password FROM users`)
	if err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	defer rows.Close()

	users := make(map[string]string)
	for rows.Next() {
		var u, pw string
		if err := rows.Scan(&u, &pw); err != nil {
			return nil, fmt.Errorf("store: scan user: %w", err)
		}
		users[u] = pw
	}
	return users, rows.Err()
}

// Password returns the stored password for username.
func (s *Store) Password(username string) (string, error) {
	var pw string
	err := s.db.QueryRow(`SELECT password FROM users WHERE username = ?`, username).Scan(&pw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUnknownUser
	}
	if err != nil {
		return "", fmt.Errorf("store: lookup password: %w", err)
	}
	return pw, nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// Messages returns username's queue in arrival order.
func (s *Store) Messages(username string) ([]QueuedMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, sender, body FROM messages WHERE recipient = ? ORDER BY seq`, username,
	)
	if err != nil {
		return nil, fmt.Errorf("store: read queue: %w", err)
	}
	defer rows.Close()

	var out []QueuedMessage
	for rows.Next() {
		var m QueuedMessage
		if err := rows.Scan(&m.ID, &m.Sender, &m.Body); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddMessage appends a message with a freshly assigned id to the recipient's
// queue and returns the id.
func (s *Store) AddMessage(to, from, body string) (string, error) {
	id := uuid.NewString()
	if _, err := s.db.Exec(
		`INSERT INTO messages(id, recipient, sender, body) VALUES(?, ?, ?, ?)`,
		id, to, from, body,
	); err != nil {
		return "", fmt.Errorf("store: append message: %w", err)
	}
	return id, nil
}

// PutMessage appends a message that already carries an id, keeping it.  Used
// when applying replicated updates and bulk sync; inserting an id that is
// already present is a no-op, which makes sync application idempotent.
func (s *Store) PutMessage(to string, m QueuedMessage) error {
	if _, err := s.db.Exec(
		`INSERT OR IGNORE INTO messages(id, recipient, sender, body) VALUES(?, ?, ?, ?)`,
		m.ID, to, m.Sender, m.Body,
	); err != nil {
		return fmt.Errorf("store: put message: %w", err)
	}
	return nil
}

// DeleteMessages removes the given ids from username's queue.  Ids that do
// not match anything are silently skipped.
func (s *Store) DeleteMessages(username string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: delete messages: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`DELETE FROM messages WHERE recipient = ? AND id = ?`)
	if err != nil {
		return fmt.Errorf("store: delete messages: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(username, id); err != nil {
			return fmt.Errorf("store: delete message %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Role
// ---------------------------------------------------------------------------

// Role returns the persisted replica role.
func (s *Store) Role() (Role, error) {
	var v string
	if err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'role'`).Scan(&v); err != nil {
		return "", fmt.Errorf("store: read role: %w", err)
	}
	return Role(v), nil
}

// SetRole persists the replica role so it survives restart.
func (s *Store) SetRole(r Role) error {
	if _, err := s.db.Exec(
		`INSERT INTO meta(key, value) VALUES('role', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, string(r),
	); err != nil {
		return fmt.Errorf("store: persist role: %w", err)
	}
	s.log.Debug("role persisted", zap.String("role", string(r)))
	return nil
}
