// Package invites implements the invite-based account lifecycle:
// opaque one-shot invite codes that, once accepted, produce a fresh
// user id and its account.
package invites

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/chanwatch/backend/internal/accounts"
	"github.com/chanwatch/backend/internal/database"
)

const (
	// InviteLength is the length of a minted invite code.
	InviteLength = 256
	// UserIDLength is the length of a derived raw user id.
	UserIDLength = 128

	inviteTTL       = 24 * time.Hour
	accountValidity = 7 * 24 * time.Hour
	cleanupInterval = 30 * time.Minute

	maxMintAttempts = 10
)

const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// ErrInviteNotAvailable covers absent, already accepted and expired
// invites alike; callers need not distinguish.
var ErrInviteNotAvailable = errors.New("invite is not available")

// Store manages invite rows and the accounts accepted invites create.
type Store struct {
	db       *database.Database
	accounts *accounts.Store

	working atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

func NewStore(db *database.Database, accountStore *accounts.Store) *Store {
	return &Store{
		db:       db,
		accounts: accountStore,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Generate mints n invite codes with a one-day TTL. Collisions with
// existing codes are re-rolled.
func (s *Store) Generate(ctx context.Context, n int) ([]string, error) {
	out := make([]string, 0, n)
	expiresOn := time.Now().Add(inviteTTL)

	for len(out) < n {
		code, err := randomAlphanumeric(InviteLength)
		if err != nil {
			return nil, err
		}

		var id int64
		err = s.db.DB().QueryRowContext(ctx,
			`INSERT INTO invites (invite, expires_on) VALUES ($1, $2)
			 ON CONFLICT (invite) DO NOTHING
			 RETURNING id_generated`,
			code, expiresOn).Scan(&id)
		if err == sql.ErrNoRows {
			// Astronomically unlikely collision; roll again.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to insert invite: %w", err)
		}
		out = append(out, code)
	}
	return out, nil
}

// Accept consumes the invite and creates the resulting account with
// a seven-day validity window. Returns the fresh raw user id; the
// caller shows it to the user exactly once, as only its hash is
// stored.
func (s *Store) Accept(ctx context.Context, invite string) (string, error) {
	err := s.db.InTransaction(ctx, func(tx *database.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx,
			`UPDATE invites SET accepted = TRUE
			 WHERE invite = $1 AND NOT accepted AND expires_on > now()
			 RETURNING id_generated`,
			invite).Scan(&id)
		if err == sql.ErrNoRows {
			return ErrInviteNotAvailable
		}
		if err != nil {
			return fmt.Errorf("failed to accept invite: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	// Derive a user id whose hash collides with no existing account.
	for attempt := 0; attempt < maxMintAttempts; attempt++ {
		userID := MintUserID()
		accountID := accounts.HashUserID(userID)

		exists, err := s.accounts.Exists(ctx, accountID)
		if err != nil {
			return "", err
		}
		if exists {
			continue
		}

		validUntil := time.Now().Add(accountValidity)
		if _, err := s.accounts.Create(ctx, accountID, &validUntil); err != nil {
			if err == accounts.ErrAccountAlreadyExists {
				continue
			}
			return "", err
		}
		return userID, nil
	}
	return "", errors.New("failed to mint a unique user id")
}

// StartCleanup deletes expired unaccepted invites every half hour.
func (s *Store) StartCleanup(ctx context.Context) {
	s.working.Store(true)
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()

		for s.working.Load() {
			select {
			case <-ticker.C:
				res, err := s.db.DB().ExecContext(ctx,
					`DELETE FROM invites WHERE expires_on < now() AND NOT accepted`)
				if err != nil {
					logrus.WithError(err).Error("invite cleanup failed")
					continue
				}
				if n, _ := res.RowsAffected(); n > 0 {
					logrus.WithField("deleted", n).Info("cleaned up expired invites")
				}
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Store) Stop() {
	if s.working.CompareAndSwap(true, false) {
		close(s.stop)
	}
	<-s.done
}

// MintUserID builds a 128-character user id from four UUIDs' hex
// digits.
func MintUserID() string {
	var sb strings.Builder
	sb.Grow(UserIDLength)
	for i := 0; i < 4; i++ {
		sb.WriteString(strings.ReplaceAll(uuid.New().String(), "-", ""))
	}
	return sb.String()
}

func randomAlphanumeric(length int) (string, error) {
	var sb strings.Builder
	sb.Grow(length)
	max := big.NewInt(int64(len(alphanumeric)))
	for i := 0; i < length; i++ {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to draw random byte: %w", err)
		}
		sb.WriteByte(alphanumeric[idx.Int64()])
	}
	return sb.String(), nil
}
