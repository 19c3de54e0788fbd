package watches_test

// Database-backed tests. They run only when DATABASE_CONNECTION_STRING
// points at a Postgres instance; the schema is migrated in place and
// every test uses freshly minted identifiers, so a shared database is
// fine.

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanwatch/backend/internal/accounts"
	"github.com/chanwatch/backend/internal/database"
	"github.com/chanwatch/backend/internal/descriptor"
	"github.com/chanwatch/backend/internal/idcache"
	"github.com/chanwatch/backend/internal/invites"
	"github.com/chanwatch/backend/internal/replies"
	"github.com/chanwatch/backend/internal/watches"
)

type dbFixture struct {
	db       *database.Database
	ids      *idcache.Cache
	accounts *accounts.Store
	watches  *watches.Store
	replies  *replies.Store
}

func databaseConnString() string {
	return os.Getenv("DATABASE_CONNECTION_STRING")
}

func setupDB(t *testing.T) *dbFixture {
	t.Helper()

	connString := databaseConnString()
	if connString == "" {
		t.Skip("DATABASE_CONNECTION_STRING is not set")
	}

	db, err := database.Connect(connString)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, db.Ping(ctx))
	require.NoError(t, db.Migrate(ctx))

	ids := idcache.New()
	require.NoError(t, ids.WarmUp(ctx, db.DB()))

	accountStore := accounts.NewStore(db)
	return &dbFixture{
		db:       db,
		ids:      ids,
		accounts: accountStore,
		watches:  watches.NewStore(db, ids, accountStore),
		replies:  replies.NewStore(db, ids),
	}
}

// newAccount creates an account with an hour of validity.
func (f *dbFixture) newAccount(t *testing.T) *accounts.Account {
	t.Helper()
	accountID := accounts.HashUserID(invites.MintUserID())
	validUntil := time.Now().Add(time.Hour)
	account, err := f.accounts.Create(context.Background(), accountID, &validUntil)
	require.NoError(t, err)
	return account
}

// freshDescriptor mints a descriptor no other run can collide with.
func freshDescriptor() descriptor.PostDescriptor {
	board := "it" + uuid.NewString()[:8]
	no := uint64(time.Now().UnixNano() & 0x7fffffff)
	return descriptor.NewPostDescriptor("4chan", board, no, no+5, 0)
}

func TestDuplicateWatchKeepsOneRow(t *testing.T) {
	f := setupDB(t)
	ctx := context.Background()

	account := f.newAccount(t)
	pd := freshDescriptor()

	require.NoError(t, f.watches.StartWatching(ctx, account.AccountID, pd))
	err := f.watches.StartWatching(ctx, account.AccountID, pd)
	assert.ErrorIs(t, err, watches.ErrPostWatchAlreadyExists)

	pdID, ok := f.ids.GetDBID(pd)
	require.True(t, ok)

	var count int
	require.NoError(t, f.db.DB().QueryRowContext(ctx,
		`SELECT count(*) FROM post_watches pw
		 JOIN posts p ON p.id_generated = pw.owner_post_id
		 WHERE p.owner_post_descriptor_id = $1 AND pw.owner_account_id = $2`,
		pdID, account.ID).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestNotifiedRepliesLeaveTheUnsentSet(t *testing.T) {
	f := setupDB(t)
	ctx := context.Background()

	account := f.newAccount(t)
	// A unique application type isolates this run's unsent query.
	appType := "itest-" + uuid.NewString()[:8]
	token := "token-" + uuid.NewString()
	require.NoError(t, f.accounts.UpdateToken(ctx, account.AccountID, appType, token))

	pd := freshDescriptor()
	err := f.db.InTransaction(ctx, func(tx *database.Tx) error {
		pdID, err := f.ids.ResolveOrInsert(ctx, tx, pd)
		if err != nil {
			return err
		}
		return f.replies.StoreReplies(ctx, tx, []replies.Reply{
			{PostDescriptorID: pdID, AccountID: account.ID},
		})
	})
	require.NoError(t, err)

	groups, err := f.replies.UnsentByToken(ctx, appType)
	require.NoError(t, err)
	require.Len(t, groups[token], 1)
	assert.Equal(t, pd, groups[token][0].PostDescriptor)

	require.NoError(t, f.replies.MarkAsNotified(ctx, []int64{groups[token][0].ID}))

	groups, err = f.replies.UnsentByToken(ctx, appType)
	require.NoError(t, err)
	assert.Empty(t, groups[token])
}

func TestRolledBackDescriptorsStayInvisible(t *testing.T) {
	f := setupDB(t)
	ctx := context.Background()

	pd := freshDescriptor()
	boom := errors.New("boom")
	err := f.db.InTransaction(ctx, func(tx *database.Tx) error {
		resolved, err := f.ids.BatchResolveOrInsert(ctx, tx, []descriptor.PostDescriptor{pd})
		require.NoError(t, err)
		require.Contains(t, resolved, pd)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// The staged entry must not have been promoted.
	_, ok := f.ids.GetDBID(pd)
	assert.False(t, ok)

	// Committing does promote it.
	err = f.db.InTransaction(ctx, func(tx *database.Tx) error {
		_, err := f.ids.BatchResolveOrInsert(ctx, tx, []descriptor.PostDescriptor{pd})
		return err
	})
	require.NoError(t, err)
	_, ok = f.ids.GetDBID(pd)
	assert.True(t, ok)
}
