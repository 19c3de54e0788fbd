package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/sirupsen/logrus"
)

// migration is one versioned schema step. Statements are applied in
// order inside a single transaction per version.
type migration struct {
	version    int
	name       string
	statements []string
}

// migrations is append-only. Never edit an applied entry: each
// version's checksum is recorded on first apply and verified on every
// startup, and a mismatch terminates the process.
var migrations = []migration{
	{
		version: 1,
		name:    "accounts",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS accounts (
				id_generated BIGSERIAL PRIMARY KEY,
				account_id TEXT NOT NULL UNIQUE,
				tokens JSONB NOT NULL DEFAULT '{}'::jsonb,
				valid_until TIMESTAMPTZ,
				created_on TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
		},
	},
	{
		version: 2,
		name:    "post_descriptors",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS post_descriptors (
				id_generated BIGSERIAL PRIMARY KEY,
				site_name TEXT NOT NULL,
				board_code TEXT NOT NULL,
				thread_no BIGINT NOT NULL,
				post_no BIGINT NOT NULL,
				post_sub_no BIGINT NOT NULL DEFAULT 0,
				UNIQUE (site_name, board_code, thread_no, post_no, post_sub_no)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_post_descriptors_thread
				ON post_descriptors (site_name, board_code, thread_no)`,
		},
	},
	{
		version: 3,
		name:    "posts",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS posts (
				id_generated BIGSERIAL PRIMARY KEY,
				owner_post_descriptor_id BIGINT NOT NULL UNIQUE
					REFERENCES post_descriptors (id_generated),
				is_dead BOOLEAN NOT NULL DEFAULT FALSE,
				created_on TIMESTAMPTZ NOT NULL DEFAULT now(),
				deleted_on TIMESTAMPTZ
			)`,
		},
	},
	{
		version: 4,
		name:    "post_watches",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS post_watches (
				id_generated BIGSERIAL PRIMARY KEY,
				owner_post_id BIGINT NOT NULL REFERENCES posts (id_generated),
				owner_account_id BIGINT NOT NULL REFERENCES accounts (id_generated),
				created_on TIMESTAMPTZ NOT NULL DEFAULT now(),
				UNIQUE (owner_post_id, owner_account_id)
			)`,
		},
	},
	{
		version: 5,
		name:    "post_replies",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS post_replies (
				id_generated BIGSERIAL PRIMARY KEY,
				owner_post_descriptor_id BIGINT NOT NULL
					REFERENCES post_descriptors (id_generated),
				owner_account_id BIGINT NOT NULL REFERENCES accounts (id_generated),
				created_on TIMESTAMPTZ NOT NULL DEFAULT now(),
				notified_on TIMESTAMPTZ,
				deleted_on TIMESTAMPTZ,
				UNIQUE (owner_post_descriptor_id, owner_account_id)
			)`,
		},
	},
	{
		version: 6,
		name:    "threads",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS threads (
				id_generated BIGSERIAL PRIMARY KEY,
				site_name TEXT NOT NULL,
				board_code TEXT NOT NULL,
				thread_no BIGINT NOT NULL,
				last_processed_post_no BIGINT NOT NULL DEFAULT 0,
				last_processed_post_sub_no BIGINT NOT NULL DEFAULT 0,
				last_modified TIMESTAMPTZ,
				UNIQUE (site_name, board_code, thread_no)
			)`,
		},
	},
	{
		version: 7,
		name:    "invites",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS invites (
				id_generated BIGSERIAL PRIMARY KEY,
				invite TEXT NOT NULL UNIQUE,
				accepted BOOLEAN NOT NULL DEFAULT FALSE,
				created_on TIMESTAMPTZ NOT NULL DEFAULT now(),
				expires_on TIMESTAMPTZ NOT NULL
			)`,
		},
	},
	{
		version: 8,
		name:    "logs",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS logs (
				id_generated BIGSERIAL PRIMARY KEY,
				log_time TIMESTAMPTZ NOT NULL,
				log_level TEXT NOT NULL,
				message TEXT NOT NULL
			)`,
		},
	},
}

// Migrate applies all pending migrations and verifies the checksum of
// every already-applied one. A checksum mismatch means the embedded
// sequence diverged from what built this database; that is fatal and
// the caller must terminate the process.
func (d *Database) Migrate(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		checksum TEXT NOT NULL,
		applied_on TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, m := range migrations {
		checksum := m.checksum()

		var applied string
		err := d.db.QueryRowContext(ctx,
			`SELECT checksum FROM migrations WHERE version = $1`, m.version).Scan(&applied)
		switch {
		case err == nil:
			if applied != checksum {
				return fmt.Errorf("migration %d (%s) checksum mismatch: db=%s embedded=%s",
					m.version, m.name, applied, checksum)
			}
			continue
		case err != sql.ErrNoRows:
			return fmt.Errorf("failed to read migration %d: %w", m.version, err)
		}

		err = d.InTransaction(ctx, func(tx *Tx) error {
			for _, stmt := range m.statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
				}
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO migrations (version, name, checksum) VALUES ($1, $2, $3)`,
				m.version, m.name, checksum)
			return err
		})
		if err != nil {
			return err
		}

		logrus.WithFields(logrus.Fields{
			"version": m.version,
			"name":    m.name,
		}).Info("applied migration")
	}

	return nil
}

func (m migration) checksum() string {
	h := sha256.New()
	for _, stmt := range m.statements {
		h.Write([]byte(stmt))
	}
	return hex.EncodeToString(h.Sum(nil))
}
