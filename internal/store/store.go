package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/inboxd/mailsync/internal/provider"
)

//go:embed schema.sql
var schemaSQL string

// ErrLastConnection is returned when a delete would remove an account's
// last remaining connection.
var ErrLastConnection = errors.New("cannot delete the last connection of an account")

// Connection is one linked mailbox: identity, credentials, and
// subscription bookkeeping.
type Connection struct {
	ID             string
	AccountID      string
	Provider       provider.ID
	Email          string
	AccessToken    string
	RefreshToken   string
	Scope          string
	TokenExpiresAt time.Time
	SubscriptionID string
	Cursor         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// HasTokens reports whether both halves of the token pair are present.
// Absence is a terminal configuration error for the connection, not a
// retryable one.
func (c *Connection) HasTokens() bool {
	return c.AccessToken != "" && c.RefreshToken != ""
}

// SubscriptionAge is one row of the renewal pair's age index.
type SubscriptionAge struct {
	ConnectionID     string
	Provider         provider.ID
	LastSubscribedAt time.Time
}

// Store is the durable connection store, backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens or creates the store at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertConnection inserts a connection or replaces its mutable fields.
func (s *Store) UpsertConnection(ctx context.Context, c *Connection) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connections
		(id, account_id, provider, email, access_token, refresh_token, scope,
		 token_expires_at, subscription_id, cursor, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			scope = excluded.scope,
			token_expires_at = excluded.token_expires_at,
			updated_at = excluded.updated_at
	`, c.ID, c.AccountID, string(c.Provider), c.Email, c.AccessToken, c.RefreshToken,
		c.Scope, c.TokenExpiresAt.Unix(), c.SubscriptionID, c.Cursor,
		c.CreatedAt.Unix(), c.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert connection %s: %w", c.ID, err)
	}
	return nil
}

const connectionColumns = `id, account_id, provider, email, access_token, refresh_token,
	scope, token_expires_at, subscription_id, cursor, created_at, updated_at`

func scanConnection(row interface{ Scan(...any) error }) (*Connection, error) {
	var c Connection
	var prov string
	var tokenExp, created, updated int64
	err := row.Scan(&c.ID, &c.AccountID, &prov, &c.Email, &c.AccessToken,
		&c.RefreshToken, &c.Scope, &tokenExp, &c.SubscriptionID, &c.Cursor,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	c.Provider = provider.ID(prov)
	c.TokenExpiresAt = time.Unix(tokenExp, 0)
	c.CreatedAt = time.Unix(created, 0)
	c.UpdatedAt = time.Unix(updated, 0)
	return &c, nil
}

// GetConnection loads one connection by id. Returns (nil, nil) when absent.
func (s *Store) GetConnection(ctx context.Context, id string) (*Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE id = ?`, id)
	c, err := scanConnection(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get connection %s: %w", id, err)
	}
	return c, nil
}

// FindBySubscription maps a subscription id back to its connection.
// Returns (nil, nil) when no connection owns the subscription, which is
// normal after a user disconnects while a notification is in flight.
func (s *Store) FindBySubscription(ctx context.Context, subscriptionID string) (*Connection, error) {
	if subscriptionID == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections WHERE subscription_id = ?`, subscriptionID)
	c, err := scanConnection(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find connection by subscription %s: %w", subscriptionID, err)
	}
	return c, nil
}

// FindConnection locates an account's connection for one provider and
// mailbox address, for re-linking. Returns (nil, nil) when absent.
func (s *Store) FindConnection(ctx context.Context, accountID string, prov provider.ID, email string) (*Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM connections
		 WHERE account_id = ? AND provider = ? AND email = ?`,
		accountID, string(prov), email)
	c, err := scanConnection(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find connection for %s/%s: %w", accountID, email, err)
	}
	return c, nil
}

// ListConnections returns all connections, oldest first.
func (s *Store) ListConnections(ctx context.Context) ([]*Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+connectionColumns+` FROM connections ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var out []*Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveCursor persists the connection's delta cursor. The runner writes it
// before downstream dispatch so a crash mid-dispatch cannot replay the
// same delta on the next notification.
func (s *Store) SaveCursor(ctx context.Context, id, cursor string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE connections SET cursor = ?, updated_at = ? WHERE id = ?
	`, cursor, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("save cursor for %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("save cursor: connection %s not found", id)
	}
	return nil
}

// UpdateTokens persists a refreshed token pair.
func (s *Store) UpdateTokens(ctx context.Context, id string, tokens provider.TokenPair) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE connections
		SET access_token = ?, refresh_token = ?, token_expires_at = ?, updated_at = ?
		WHERE id = ?
	`, tokens.AccessToken, tokens.RefreshToken, tokens.Expiry.Unix(), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update tokens for %s: %w", id, err)
	}
	return nil
}

// MarkSubscribed records a successful push-subscription establishment: the
// connection's subscription id and the age-index timestamp move together
// in one transaction.
func (s *Store) MarkSubscribed(ctx context.Context, id string, prov provider.ID, subscriptionID string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark subscribed: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE connections SET subscription_id = ?, updated_at = ? WHERE id = ?
	`, subscriptionID, at.Unix(), id)
	if err == nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO subscription_age (connection_id, provider, last_subscribed_at)
			VALUES (?, ?, ?)
			ON CONFLICT(connection_id, provider) DO UPDATE SET
				last_subscribed_at = excluded.last_subscribed_at
		`, id, string(prov), at.Unix())
	}
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("mark subscribed for %s: %w", id, err)
	}
	return tx.Commit()
}

// EnsureSubscriptionAge seeds an age-index row without overwriting an
// existing timestamp. Linking seeds with the zero time so a connection
// whose eager establishment failed is picked up by the very next scan.
func (s *Store) EnsureSubscriptionAge(ctx context.Context, id string, prov provider.ID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO subscription_age (connection_id, provider, last_subscribed_at)
		VALUES (?, ?, ?)
	`, id, string(prov), at.Unix())
	if err != nil {
		return fmt.Errorf("ensure subscription age for %s: %w", id, err)
	}
	return nil
}

// ListSubscriptionAges returns the full age index for the renewal scan.
func (s *Store) ListSubscriptionAges(ctx context.Context) ([]SubscriptionAge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT connection_id, provider, last_subscribed_at FROM subscription_age
	`)
	if err != nil {
		return nil, fmt.Errorf("list subscription ages: %w", err)
	}
	defer rows.Close()

	var out []SubscriptionAge
	for rows.Next() {
		var a SubscriptionAge
		var prov string
		var at int64
		if err := rows.Scan(&a.ConnectionID, &prov, &at); err != nil {
			return nil, fmt.Errorf("scan subscription age: %w", err)
		}
		a.Provider = provider.ID(prov)
		a.LastSubscribedAt = time.Unix(at, 0)
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteConnection removes a connection and its age-index row. An
// account's last remaining connection may never be deleted; that returns
// ErrLastConnection.
func (s *Store) DeleteConnection(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	var accountID string
	err = tx.QueryRowContext(ctx,
		`SELECT account_id FROM connections WHERE id = ?`, id).Scan(&accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("delete connection: %s not found", id)
		}
		return fmt.Errorf("delete connection %s: %w", id, err)
	}

	var siblings int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM connections WHERE account_id = ?`, accountID).Scan(&siblings)
	if err != nil {
		return fmt.Errorf("delete connection %s: %w", id, err)
	}
	if siblings <= 1 {
		return ErrLastConnection
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete connection %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM subscription_age WHERE connection_id = ?`, id); err != nil {
		return fmt.Errorf("delete subscription age for %s: %w", id, err)
	}
	return tx.Commit()
}
