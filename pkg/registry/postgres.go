// Package registry is the Postgres-backed identity registry: the external
// lookup a Transport's GetPublicKeyForID callback consults to resolve a
// peer id to its framed signing public key.
package registry

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRegistry stores peer id -> framed signing public key rows.
type PostgresRegistry struct {
	db *sql.DB
}

// Config holds connection parameters for a PostgresRegistry.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Open connects to Postgres and ensures the registry schema exists.
func Open(cfg Config) (*PostgresRegistry, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to registry database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping registry database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	r := &PostgresRegistry{db: db}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize registry schema: %w", err)
	}
	return r, nil
}

func (r *PostgresRegistry) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS peer_identities (
		peer_id        VARCHAR(128) PRIMARY KEY,
		signing_pubkey BYTEA NOT NULL,
		registered_at  TIMESTAMP DEFAULT NOW(),
		revoked        BOOLEAN DEFAULT false
	);
	CREATE INDEX IF NOT EXISTS idx_peer_identities_revoked ON peer_identities(revoked);
	`
	_, err := r.db.Exec(schema)
	return err
}

// Register stores (or replaces) the framed signing public key for id.
func (r *PostgresRegistry) Register(id string, framedSigningPubKey []byte) error {
	const query = `
		INSERT INTO peer_identities (peer_id, signing_pubkey)
		VALUES ($1, $2)
		ON CONFLICT (peer_id) DO UPDATE SET
			signing_pubkey = EXCLUDED.signing_pubkey,
			revoked = false
	`
	_, err := r.db.Exec(query, id, framedSigningPubKey)
	return err
}

// GetPublicKeyForID implements the securesession.Transport collaborator's
// key-resolution callback: given a peer id, return its framed signing
// public key, or an error if the id is unknown or revoked.
func (r *PostgresRegistry) GetPublicKeyForID(id []byte) ([]byte, error) {
	const query = `
		SELECT signing_pubkey FROM peer_identities
		WHERE peer_id = $1 AND revoked = false
	`
	var key []byte
	err := r.db.QueryRow(query, string(id)).Scan(&key)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no registered signing key for peer %q", id)
	}
	if err != nil {
		return nil, fmt.Errorf("look up peer %q: %w", id, err)
	}
	return key, nil
}

// Revoke marks id's identity as no longer usable; subsequent
// GetPublicKeyForID calls for it fail.
func (r *PostgresRegistry) Revoke(id string) error {
	_, err := r.db.Exec(`UPDATE peer_identities SET revoked = true WHERE peer_id = $1`, id)
	return err
}

// Close releases the underlying database connection pool.
func (r *PostgresRegistry) Close() error {
	return r.db.Close()
}
