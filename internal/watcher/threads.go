package watcher

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/chanwatch/backend/internal/database"
	"github.com/chanwatch/backend/internal/descriptor"
)

// ThreadStore persists the per-thread polling cursor: the last
// processed post and the remote Last-Modified we saw for it.
type ThreadStore struct {
	db *database.Database
}

func NewThreadStore(db *database.Database) *ThreadStore {
	return &ThreadStore{db: db}
}

// Cursor returns the stored cursor for the thread. Both values are
// nil when the thread has never been polled.
func (s *ThreadStore) Cursor(ctx context.Context, td descriptor.ThreadDescriptor) (*descriptor.PostDescriptor, *time.Time, error) {
	var postNo, subNo uint64
	var lastModified sql.NullTime
	err := s.db.DB().QueryRowContext(ctx,
		`SELECT last_processed_post_no, last_processed_post_sub_no, last_modified
		 FROM threads WHERE site_name = $1 AND board_code = $2 AND thread_no = $3`,
		td.SiteName(), td.BoardCode(), int64(td.ThreadNo)).Scan(&postNo, &subNo, &lastModified)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load thread cursor: %w", err)
	}

	var lastProcessed *descriptor.PostDescriptor
	if postNo > 0 {
		pd := descriptor.NewPostDescriptor(td.SiteName(), td.BoardCode(), td.ThreadNo, postNo, subNo)
		lastProcessed = &pd
	}
	var lm *time.Time
	if lastModified.Valid {
		t := lastModified.Time
		lm = &t
	}
	return lastProcessed, lm, nil
}

// AdvanceCursor upserts the thread row within the caller's
// transaction. The post cursor never moves backwards in the canonical
// order; last_modified always takes the new value.
func (s *ThreadStore) AdvanceCursor(ctx context.Context, tx *database.Tx,
	td descriptor.ThreadDescriptor, lastProcessed descriptor.PostDescriptor, lastModified *time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO threads
			(site_name, board_code, thread_no,
			 last_processed_post_no, last_processed_post_sub_no, last_modified)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (site_name, board_code, thread_no) DO UPDATE SET
			last_processed_post_no = CASE
				WHEN (EXCLUDED.last_processed_post_no, EXCLUDED.last_processed_post_sub_no)
					> (threads.last_processed_post_no, threads.last_processed_post_sub_no)
				THEN EXCLUDED.last_processed_post_no
				ELSE threads.last_processed_post_no END,
			last_processed_post_sub_no = CASE
				WHEN (EXCLUDED.last_processed_post_no, EXCLUDED.last_processed_post_sub_no)
					> (threads.last_processed_post_no, threads.last_processed_post_sub_no)
				THEN EXCLUDED.last_processed_post_sub_no
				ELSE threads.last_processed_post_sub_no END,
			last_modified = EXCLUDED.last_modified`,
		td.SiteName(), td.BoardCode(), int64(td.ThreadNo),
		int64(lastProcessed.PostNo), int64(lastProcessed.SubNo), lastModified)
	if err != nil {
		return fmt.Errorf("failed to advance thread cursor: %w", err)
	}
	return nil
}
