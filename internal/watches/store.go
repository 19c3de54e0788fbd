// Package watches implements post watches: a subscription of one
// account to one post, requesting notification when new posts quote
// it. All writes are transactional and idempotent on conflict.
package watches

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/chanwatch/backend/internal/accounts"
	"github.com/chanwatch/backend/internal/database"
	"github.com/chanwatch/backend/internal/descriptor"
	"github.com/chanwatch/backend/internal/idcache"
)

// ErrPostWatchAlreadyExists signals a duplicate (account, post) watch.
// Callers treat it as idempotent success.
var ErrPostWatchAlreadyExists = errors.New("post watch already exists")

// Store persists post watches on top of the identity cache and the
// account store.
type Store struct {
	db       *database.Database
	ids      *idcache.Cache
	accounts *accounts.Store
}

func NewStore(db *database.Database, ids *idcache.Cache, accountStore *accounts.Store) *Store {
	return &Store{db: db, ids: ids, accounts: accountStore}
}

// StartWatching creates the (account, post) watch in one transaction:
// descriptor id, posts row and post_watches row all commit together,
// and the descriptor enters the identity cache only afterwards.
func (s *Store) StartWatching(ctx context.Context, accountID string, pd descriptor.PostDescriptor) error {
	return s.db.InTransaction(ctx, func(tx *database.Tx) error {
		account, err := s.accounts.GetInTx(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if !account.IsValid() {
			return accounts.ErrAccountIsNotValid
		}

		pdID, err := s.ids.ResolveOrInsert(ctx, tx, pd)
		if err != nil {
			return err
		}

		postID, err := upsertPost(ctx, tx, pdID)
		if err != nil {
			return err
		}

		var watchID int64
		err = tx.QueryRowContext(ctx,
			`INSERT INTO post_watches (owner_post_id, owner_account_id) VALUES ($1, $2)
			 ON CONFLICT (owner_post_id, owner_account_id) DO NOTHING
			 RETURNING id_generated`,
			postID, account.ID).Scan(&watchID)
		if err == sql.ErrNoRows {
			return ErrPostWatchAlreadyExists
		}
		if err != nil {
			return fmt.Errorf("failed to insert post watch: %w", err)
		}
		return nil
	})
}

// StopWatching removes the (account, post) watch. Removing a watch
// that does not exist is a no-op.
func (s *Store) StopWatching(ctx context.Context, accountID string, pd descriptor.PostDescriptor) error {
	return s.db.InTransaction(ctx, func(tx *database.Tx) error {
		account, err := s.accounts.GetInTx(ctx, tx, accountID)
		if err != nil {
			return err
		}

		pdID, ok := s.ids.GetDBID(pd)
		if !ok {
			// Descriptor never stored means no watch to remove.
			return nil
		}

		_, err = tx.ExecContext(ctx,
			`DELETE FROM post_watches pw
			 USING posts p
			 WHERE pw.owner_post_id = p.id_generated
			   AND p.owner_post_descriptor_id = $1
			   AND pw.owner_account_id = $2`,
			pdID, account.ID)
		if err != nil {
			return fmt.Errorf("failed to delete post watch: %w", err)
		}
		return nil
	})
}

// AllWatchedThreads returns the deduplicated thread descriptors of
// every live watched post: posts rows join to descriptor ids, the
// identity cache resolves them back to descriptors.
func (s *Store) AllWatchedThreads(ctx context.Context) ([]descriptor.ThreadDescriptor, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		`SELECT DISTINCT p.owner_post_descriptor_id
		 FROM posts p
		 JOIN post_watches pw ON pw.owner_post_id = p.id_generated
		 WHERE NOT p.is_dead AND p.deleted_on IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to query watched posts: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan watched post id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	seen := make(map[descriptor.ThreadDescriptor]struct{})
	var threads []descriptor.ThreadDescriptor
	for _, pd := range s.ids.ByDBIDs(ids) {
		td := pd.Thread
		if _, dup := seen[td]; dup {
			continue
		}
		seen[td] = struct{}{}
		threads = append(threads, td)
	}
	return threads, nil
}

// WatchedTarget is one active watch hit: a watched descriptor id and
// the watching account's database id.
type WatchedTarget struct {
	PostDescriptorID int64
	AccountID        int64
}

// FindWatchedTargets intersects candidate descriptor ids with the
// active watches in one batch query. Watches on dead posts and
// watches of expired accounts are excluded.
func (s *Store) FindWatchedTargets(ctx context.Context, q database.Queryer, pdIDs []int64) ([]WatchedTarget, error) {
	if len(pdIDs) == 0 {
		return nil, nil
	}

	rows, err := q.QueryContext(ctx,
		`SELECT p.owner_post_descriptor_id, pw.owner_account_id
		 FROM posts p
		 JOIN post_watches pw ON pw.owner_post_id = p.id_generated
		 JOIN accounts a ON a.id_generated = pw.owner_account_id
		 WHERE p.owner_post_descriptor_id = ANY($1)
		   AND NOT p.is_dead AND p.deleted_on IS NULL
		   AND a.valid_until IS NOT NULL AND a.valid_until > now()`,
		pq.Array(pdIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to query watched targets: %w", err)
	}
	defer rows.Close()

	var targets []WatchedTarget
	for rows.Next() {
		var t WatchedTarget
		if err := rows.Scan(&t.PostDescriptorID, &t.AccountID); err != nil {
			return nil, fmt.Errorf("failed to scan watched target: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// MarkPostsDead flags every post belonging to the given descriptor
// ids; subsequent AllWatchedThreads calls exclude them.
func (s *Store) MarkPostsDead(ctx context.Context, pdIDs []int64) error {
	if len(pdIDs) == 0 {
		return nil
	}
	_, err := s.db.DB().ExecContext(ctx,
		`UPDATE posts SET is_dead = TRUE WHERE owner_post_descriptor_id = ANY($1)`,
		pq.Array(pdIDs))
	if err != nil {
		return fmt.Errorf("failed to mark posts dead: %w", err)
	}
	return nil
}

// upsertPost inserts the posts row for a descriptor id, or finds the
// existing one. ON CONFLICT DO NOTHING returns no row for the
// existing case, so a follow-up select resolves it.
func upsertPost(ctx context.Context, tx *database.Tx, pdID int64) (int64, error) {
	var postID int64
	err := tx.QueryRowContext(ctx,
		`INSERT INTO posts (owner_post_descriptor_id, is_dead) VALUES ($1, FALSE)
		 ON CONFLICT (owner_post_descriptor_id) DO NOTHING
		 RETURNING id_generated`,
		pdID).Scan(&postID)
	if err == nil {
		return postID, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to upsert post: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		`SELECT id_generated FROM posts WHERE owner_post_descriptor_id = $1`,
		pdID).Scan(&postID)
	if err != nil {
		return 0, fmt.Errorf("failed to find post after upsert: %w", err)
	}
	return postID, nil
}
