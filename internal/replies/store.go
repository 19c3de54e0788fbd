// Package replies stores the notification state of observed replies
// to watched posts. Rows are created pending, move to sent exactly
// once, and may end deleted (terminal) after a delivery ack.
package replies

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/chanwatch/backend/internal/database"
	"github.com/chanwatch/backend/internal/descriptor"
	"github.com/chanwatch/backend/internal/idcache"
)

// Reply is one (watched post, watcher account) pair to record.
type Reply struct {
	PostDescriptorID int64
	AccountID        int64
}

// UnsentReply is a pending reply ready for FCM dispatch.
type UnsentReply struct {
	ID             int64
	PostDescriptor descriptor.PostDescriptor
}

// Store persists post_replies.
type Store struct {
	db  *database.Database
	ids *idcache.Cache
}

func NewStore(db *database.Database, ids *idcache.Cache) *Store {
	return &Store{db: db, ids: ids}
}

// StoreReplies inserts the batch within the caller's transaction.
// Duplicates of (watched post, account) are silent no-ops, which is
// what makes re-observing a quote across cycles harmless.
func (s *Store) StoreReplies(ctx context.Context, tx *database.Tx, rows []Reply) error {
	if len(rows) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO post_replies (owner_post_descriptor_id, owner_account_id) VALUES `)
	args := make([]interface{}, 0, len(rows)*2)
	for i, r := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d, $%d)", i*2+1, i*2+2)
		args = append(args, r.PostDescriptorID, r.AccountID)
	}
	sb.WriteString(` ON CONFLICT (owner_post_descriptor_id, owner_account_id) DO NOTHING`)

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to store replies: %w", err)
	}
	return nil
}

// MarkAsNotified transitions the rows pending -> sent. Rows already
// sent keep their original notified_on, so the transition happens at
// most once.
func (s *Store) MarkAsNotified(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.InTransaction(ctx, func(tx *database.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE post_replies SET notified_on = now()
			 WHERE id_generated = ANY($1) AND notified_on IS NULL`,
			pq.Array(ids))
		if err != nil {
			return fmt.Errorf("failed to mark replies notified: %w", err)
		}
		return nil
	})
}

// UnsentByToken groups pending replies by the FCM token their account
// stored for the given application type. Accounts without a token for
// this flavor are skipped; expired accounts still receive what they
// accrued.
func (s *Store) UnsentByToken(ctx context.Context, applicationType string) (map[string][]UnsentReply, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		`SELECT pr.id_generated, pr.owner_post_descriptor_id, a.tokens->>$1
		 FROM post_replies pr
		 JOIN accounts a ON a.id_generated = pr.owner_account_id
		 WHERE pr.notified_on IS NULL AND pr.deleted_on IS NULL
		   AND COALESCE(a.tokens->>$1, '') <> ''`,
		applicationType)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsent replies: %w", err)
	}
	defer rows.Close()

	type pendingRow struct {
		id    int64
		pdID  int64
		token string
	}
	var pending []pendingRow
	var pdIDs []int64
	for rows.Next() {
		var r pendingRow
		if err := rows.Scan(&r.id, &r.pdID, &r.token); err != nil {
			return nil, fmt.Errorf("failed to scan unsent reply: %w", err)
		}
		pending = append(pending, r)
		pdIDs = append(pdIDs, r.pdID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	descriptors := s.ids.ByDBIDs(pdIDs)
	out := make(map[string][]UnsentReply)
	for _, r := range pending {
		pd, ok := descriptors[r.pdID]
		if !ok {
			// Descriptor missing from the warm cache would mean the
			// invariant broke; skip rather than notify garbage.
			continue
		}
		out[r.token] = append(out[r.token], UnsentReply{ID: r.id, PostDescriptor: pd})
	}
	return out, nil
}

// MarkDelivered terminally deletes the given reply rows, restricted
// to rows owned by the acking account.
func (s *Store) MarkDelivered(ctx context.Context, accountDBID int64, replyIDs []int64) error {
	if len(replyIDs) == 0 {
		return nil
	}
	return s.db.InTransaction(ctx, func(tx *database.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE post_replies SET deleted_on = now()
			 WHERE id_generated = ANY($1) AND owner_account_id = $2 AND deleted_on IS NULL`,
			pq.Array(replyIDs), accountDBID)
		if err != nil {
			return fmt.Errorf("failed to mark replies delivered: %w", err)
		}
		return nil
	})
}
