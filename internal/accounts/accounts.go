// Package accounts stores reader-app accounts: a one-way hashed user
// id, the FCM token per application flavor and a validity window. A
// process-wide write-through cache fronts the accounts table.
package accounts

import (
	"encoding/hex"
	"time"

	"golang.org/x/crypto/sha3"
)

// hashIterations is fixed; changing it would orphan every stored
// account id.
const hashIterations = 1024

// AccountIDLength is the hex length of a derived account id
// (SHA3-512 digest).
const AccountIDLength = 128

// Account is one reader-app account. Tokens maps application type
// (build flavor) to the FCM registration token last reported for it.
type Account struct {
	ID         int64
	AccountID  string
	Tokens     map[string]string
	ValidUntil *time.Time
	CreatedOn  time.Time
}

// IsValid reports whether the account's validity window is open.
func (a *Account) IsValid() bool {
	return a.ValidUntil != nil && a.ValidUntil.After(time.Now())
}

// Token returns the FCM token stored for the application type.
func (a *Account) Token(applicationType string) (string, bool) {
	token, ok := a.Tokens[applicationType]
	return token, ok && token != ""
}

// clone deep-copies the account so callers can read it without
// holding the store's lock.
func (a *Account) clone() *Account {
	out := *a
	out.Tokens = make(map[string]string, len(a.Tokens))
	for k, v := range a.Tokens {
		out.Tokens[k] = v
	}
	if a.ValidUntil != nil {
		until := *a.ValidUntil
		out.ValidUntil = &until
	}
	return &out
}

// HashUserID derives the stored account id from a raw user id:
// SHA3-512 applied hashIterations times, hex encoded. One-way and
// deterministic; raw user ids are never persisted.
func HashUserID(userID string) string {
	sum := []byte(userID)
	for i := 0; i < hashIterations; i++ {
		digest := sha3.Sum512(sum)
		sum = digest[:]
	}
	return hex.EncodeToString(sum)
}
