package accounts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chanwatch/backend/internal/database"
)

var (
	ErrAccountAlreadyExists = errors.New("account already exists")
	ErrAccountDoesNotExist  = errors.New("account does not exist")
	ErrAccountIsNotValid    = errors.New("account is not valid")
)

// Store is the write-through cached account store. The cache is
// monotonic: entries are added or mutated in place, never evicted,
// and a cache write happens only after the transaction that performed
// the matching database write has committed.
type Store struct {
	db *database.Database

	mu    sync.RWMutex
	cache map[string]*Account
}

func NewStore(db *database.Database) *Store {
	return &Store{
		db:    db,
		cache: make(map[string]*Account),
	}
}

// Get returns a snapshot of the account for the hashed account id,
// checking the cache first and promoting database hits into the
// cache. Callers get a copy: concurrent committed updates mutate the
// cached entry under the store's lock and must not race with reads.
func (s *Store) Get(ctx context.Context, accountID string) (*Account, error) {
	s.mu.RLock()
	cached, ok := s.cache[accountID]
	if ok {
		snapshot := cached.clone()
		s.mu.RUnlock()
		return snapshot, nil
	}
	s.mu.RUnlock()

	account, err := s.fetch(ctx, s.db.DB(), accountID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	// Another goroutine may have promoted it meanwhile; keep the
	// first entry so updates land on one instance.
	if existing, ok := s.cache[accountID]; ok {
		account = existing
	} else {
		s.cache[accountID] = account
	}
	snapshot := account.clone()
	s.mu.Unlock()

	return snapshot, nil
}

// GetInTx loads a snapshot of the account inside the caller's
// transaction, cache first. Used by the watch store so its validity
// check and insert see one snapshot.
func (s *Store) GetInTx(ctx context.Context, tx *database.Tx, accountID string) (*Account, error) {
	s.mu.RLock()
	cached, ok := s.cache[accountID]
	if ok {
		snapshot := cached.clone()
		s.mu.RUnlock()
		return snapshot, nil
	}
	s.mu.RUnlock()

	account, err := s.fetch(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}

	tx.OnCommit(func() { s.promote(account) })
	return account.clone(), nil
}

// Create inserts a new account with the given validity window.
func (s *Store) Create(ctx context.Context, accountID string, validUntil *time.Time) (*Account, error) {
	s.mu.RLock()
	_, exists := s.cache[accountID]
	s.mu.RUnlock()
	if exists {
		return nil, ErrAccountAlreadyExists
	}

	var account *Account
	err := s.db.InTransaction(ctx, func(tx *database.Tx) error {
		var id int64
		var createdOn time.Time
		err := tx.QueryRowContext(ctx,
			`INSERT INTO accounts (account_id, valid_until) VALUES ($1, $2)
			 ON CONFLICT (account_id) DO NOTHING
			 RETURNING id_generated, created_on`,
			accountID, validUntil).Scan(&id, &createdOn)
		if err == sql.ErrNoRows {
			return ErrAccountAlreadyExists
		}
		if err != nil {
			return fmt.Errorf("failed to insert account: %w", err)
		}

		account = &Account{
			ID:         id,
			AccountID:  accountID,
			Tokens:     make(map[string]string),
			ValidUntil: validUntil,
			CreatedOn:  createdOn,
		}
		tx.OnCommit(func() { s.promote(account) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	return account.clone(), nil
}

// UpdateToken stores the FCM token for one application type,
// preserving tokens of other flavors.
func (s *Store) UpdateToken(ctx context.Context, accountID, applicationType, token string) error {
	return s.db.InTransaction(ctx, func(tx *database.Tx) error {
		account, err := s.GetInTx(ctx, tx, accountID)
		if err != nil {
			return err
		}

		tokens := make(map[string]string, len(account.Tokens)+1)
		for k, v := range account.Tokens {
			tokens[k] = v
		}
		tokens[applicationType] = token

		encoded, err := json.Marshal(tokens)
		if err != nil {
			return fmt.Errorf("failed to encode tokens: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET tokens = $1 WHERE account_id = $2`,
			encoded, accountID); err != nil {
			return fmt.Errorf("failed to update account token: %w", err)
		}

		tx.OnCommit(func() {
			s.mutate(accountID, func(cached *Account) { cached.Tokens = tokens })
		})
		return nil
	})
}

// UpdateExpiry moves the account's validity window.
func (s *Store) UpdateExpiry(ctx context.Context, accountID string, validUntil time.Time) error {
	return s.db.InTransaction(ctx, func(tx *database.Tx) error {
		// Existence check; the update itself is by account_id.
		if _, err := s.GetInTx(ctx, tx, accountID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET valid_until = $1 WHERE account_id = $2`,
			validUntil, accountID); err != nil {
			return fmt.Errorf("failed to update account expiry: %w", err)
		}

		tx.OnCommit(func() {
			s.mutate(accountID, func(cached *Account) {
				until := validUntil
				cached.ValidUntil = &until
			})
		})
		return nil
	})
}

// Exists reports whether the account id is known, cache or database.
func (s *Store) Exists(ctx context.Context, accountID string) (bool, error) {
	_, err := s.Get(ctx, accountID)
	if err == ErrAccountDoesNotExist {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) fetch(ctx context.Context, q database.Queryer, accountID string) (*Account, error) {
	var account Account
	var tokens []byte
	var validUntil sql.NullTime
	err := q.QueryRowContext(ctx,
		`SELECT id_generated, account_id, tokens, valid_until, created_on
		 FROM accounts WHERE account_id = $1`,
		accountID).Scan(&account.ID, &account.AccountID, &tokens, &validUntil, &account.CreatedOn)
	if err == sql.ErrNoRows {
		return nil, ErrAccountDoesNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	if validUntil.Valid {
		t := validUntil.Time
		account.ValidUntil = &t
	}
	account.Tokens = make(map[string]string)
	if len(tokens) > 0 {
		if err := json.Unmarshal(tokens, &account.Tokens); err != nil {
			return nil, fmt.Errorf("failed to decode tokens for %s: %w", accountID, err)
		}
	}
	return &account, nil
}

func (s *Store) promote(account *Account) {
	s.mu.Lock()
	if _, ok := s.cache[account.AccountID]; !ok {
		s.cache[account.AccountID] = account
	}
	s.mu.Unlock()
}

// mutate applies fn to the cached entry, if any, under the write
// lock. All post-commit cache updates go through here so readers of
// Get snapshots never observe a torn account.
func (s *Store) mutate(accountID string, fn func(*Account)) {
	s.mu.Lock()
	if account, ok := s.cache[accountID]; ok {
		fn(account)
	}
	s.mu.Unlock()
}

// Reset drops the cache. Test harness hook.
func (s *Store) Reset() {
	s.mu.Lock()
	s.cache = make(map[string]*Account)
	s.mu.Unlock()
}
