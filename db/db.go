package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatrelay/models"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

var ErrNotFound = errors.New("not found")

type DB struct {
	conn     *sql.DB
	hashCost int
	now      func() time.Time
}

// Open connects to the sqlite file at path without touching the schema.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	// sqlite has a single writer; one pooled connection keeps concurrent
	// sessions from tripping over SQLITE_BUSY.
	conn.SetMaxOpenConns(1)

	return &DB{
		conn:     conn,
		hashCost: bcrypt.DefaultCost,
		now:      time.Now,
	}, nil
}

// New opens the database and applies pending migrations.
func New(path string) (*DB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// SetHashCost changes the bcrypt cost used for new passwords.
// Costs outside bcrypt's range fall back to bcrypt.DefaultCost.
func (db *DB) SetHashCost(cost int) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	db.hashCost = cost
}

// User methods

// AddUser stores a new user with a bcrypt hash of password.
// It returns false when the username is already taken.
func (db *DB) AddUser(username, password string) (bool, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), db.hashCost)
	if err != nil {
		return false, fmt.Errorf("hash password: %w", err)
	}

	_, err = db.conn.Exec(
		"INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)",
		username, string(hashed), db.now().UTC().UnixMilli(),
	)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert user: %w", err)
	}
	return true, nil
}

func (db *DB) Authenticate(username, password string) (bool, error) {
	var hashed string
	err := db.conn.QueryRow("SELECT password_hash FROM users WHERE username = ?", username).Scan(&hashed)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load user: %w", err)
	}

	err = bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("compare password: %w", err)
	}
	return true, nil
}

func (db *DB) UserExists(username string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE username = ?", username).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count users: %w", err)
	}
	return count > 0, nil
}

// User loads a user record by name.
func (db *DB) User(username string) (*models.User, error) {
	var (
		u        models.User
		presence sql.NullString
	)
	err := db.conn.QueryRow(
		"SELECT username, password_hash, presence_status FROM users WHERE username = ?",
		username,
	).Scan(&u.Username, &u.PasswordHash, &presence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	u.PresenceStatus = presence.String
	return &u, nil
}

// UpdatePresence records the latest status of username. An empty status is
// stored as NULL. Unknown users are ignored.
func (db *DB) UpdatePresence(username, status string) error {
	_, err := db.conn.Exec(
		"UPDATE users SET presence_status = ?, presence_updated_at = ? WHERE username = ?",
		sql.NullString{String: status, Valid: status != ""}, db.now().UTC().UnixMilli(), username,
	)
	if err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	return nil
}

// Message methods

func (db *DB) SaveMessage(from, to, body string) error {
	_, err := db.conn.Exec(
		"INSERT INTO messages (sender, recipient, body, created_at) VALUES (?, ?, ?, ?)",
		from, to, body, db.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ChatHistory returns every message exchanged between username and contact,
// oldest first.
func (db *DB) ChatHistory(username, contact string) ([]models.Message, error) {
	rows, err := db.conn.Query(`
		SELECT id, sender, recipient, body, created_at
		FROM messages
		WHERE (sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)
		ORDER BY created_at, id`,
		username, contact, contact, username,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			m  models.Message
			ts int64
		)
		if err := rows.Scan(&m.ID, &m.From, &m.To, &m.Body, &ts); err != nil {
			return nil, err
		}
		m.Timestamp = time.UnixMilli(ts).UTC()
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// ContactsOf returns everyone username has exchanged a message with, sorted.
func (db *DB) ContactsOf(username string) ([]string, error) {
	rows, err := db.conn.Query(`
		SELECT DISTINCT CASE WHEN sender = ? THEN recipient ELSE sender END AS contact
		FROM messages
		WHERE sender = ? OR recipient = ?
		ORDER BY contact`,
		username, username, username,
	)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	var contacts []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
