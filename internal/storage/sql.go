package storage

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/lib/pq" // postgres driver
	_ "modernc.org/sqlite" // cgo-free sqlite driver

	"github.com/commonaid/realtime/pkg/models"
)

// SQLConfig tunes the database/sql pool.
type SQLConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultSQLConfig returns pool settings suitable for a single gateway
// process.
func DefaultSQLConfig() *SQLConfig {
	return &SQLConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// NewSQLStores creates a StoreSet backed by postgres or sqlite.
// driver must be "postgres" or "sqlite".
func NewSQLStores(driver, dsn string, config *SQLConfig) (StoreSet, error) {
	if strings.TrimSpace(dsn) == "" {
		return StoreSet{}, fmt.Errorf("dsn is required")
	}
	if driver != "postgres" && driver != "sqlite" {
		return StoreSet{}, fmt.Errorf("unsupported driver %q", driver)
	}
	if config == nil {
		config = DefaultSQLConfig()
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return StoreSet{}, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return StoreSet{}, fmt.Errorf("ping database: %w", err)
	}

	if err := EnsureSchema(ctx, db, driver); err != nil {
		_ = db.Close()
		return StoreSet{}, err
	}

	return newSQLStores(db, driver), nil
}

// NewSQLStoresFromDB wraps an existing postgres-dialect handle. The
// caller keeps ownership of schema management; used by tests with
// sqlmock.
func NewSQLStoresFromDB(db *sql.DB) StoreSet {
	return newSQLStores(db, "postgres")
}

func newSQLStores(db *sql.DB, driver string) StoreSet {
	q := newQuoter(driver)
	return StoreSet{
		Users:     &sqlUserStore{db: db, q: q},
		Presences: &sqlPresenceStore{db: db, q: q},
		Messages:  &sqlMessageStore{db: db, q: q},
		closer:    db.Close,
	}
}

var placeholderPattern = regexp.MustCompile(`\$\d+`)

// newQuoter returns a query rewriter for the driver's placeholder
// dialect. Queries are written in postgres form ($1, $2, ...) and
// rewritten to ? for sqlite.
func newQuoter(driver string) func(string) string {
	if driver != "sqlite" {
		return func(query string) string { return query }
	}
	return func(query string) string {
		return placeholderPattern.ReplaceAllString(query, "?")
	}
}

// EnsureSchema creates the tables the gateway owns. The users and
// help_requests tables belong to the CRUD service and are not created
// here; presences and messages reference them by id only.
func EnsureSchema(ctx context.Context, db *sql.DB, driver string) error {
	serial := "BIGSERIAL PRIMARY KEY"
	if driver == "sqlite" {
		serial = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS presences (
			connection_id TEXT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			connected_at TIMESTAMP NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS messages (
			id %s,
			help_request_id BIGINT NOT NULL,
			sender_id BIGINT NOT NULL,
			body TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`, serial),
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

type sqlUserStore struct {
	db *sql.DB
	q  func(string) string
}

func (s *sqlUserStore) FindByID(ctx context.Context, id int64) (*models.User, error) {
	if id <= 0 {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT id, username, COALESCE(avatar_url, '') FROM users WHERE id = $1`), id)

	var user models.User
	if err := row.Scan(&user.ID, &user.Username, &user.AvatarURL); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &user, nil
}

type sqlPresenceStore struct {
	db *sql.DB
	q  func(string) string
}

func (s *sqlPresenceStore) Insert(ctx context.Context, connectionID string, userID int64) error {
	if connectionID == "" {
		return fmt.Errorf("connection id is required")
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO presences (connection_id, user_id, connected_at) VALUES ($1, $2, $3)`),
		connectionID, userID, time.Now().UTC())
	if err != nil {
		if strings.Contains(err.Error(), "duplicate") || strings.Contains(err.Error(), "UNIQUE") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert presence: %w", err)
	}
	return nil
}

func (s *sqlPresenceStore) Delete(ctx context.Context, connectionID string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM presences WHERE connection_id = $1`), connectionID)
	if err != nil {
		return fmt.Errorf("delete presence: %w", err)
	}
	return nil
}

func (s *sqlPresenceStore) ListAll(ctx context.Context) ([]models.Presence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT connection_id, user_id, connected_at FROM presences`)
	if err != nil {
		return nil, fmt.Errorf("list presences: %w", err)
	}
	defer rows.Close()

	var out []models.Presence
	for rows.Next() {
		var p models.Presence
		if err := rows.Scan(&p.ConnectionID, &p.UserID, &p.ConnectedAt); err != nil {
			return nil, fmt.Errorf("scan presence: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list presences: %w", err)
	}
	return out, nil
}

type sqlMessageStore struct {
	db *sql.DB
	q  func(string) string
}

func (s *sqlMessageStore) Insert(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	createdAt := time.Now().UTC()
	row := s.db.QueryRowContext(ctx,
		s.q(`INSERT INTO messages (help_request_id, sender_id, body, created_at)
		 VALUES ($1, $2, $3, $4) RETURNING id`),
		msg.HelpRequestID, msg.SenderID, msg.Body, createdAt)
	if err := row.Scan(&msg.ID); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	msg.CreatedAt = createdAt
	return nil
}
