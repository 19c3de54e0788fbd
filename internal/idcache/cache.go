// Package idcache maintains the process-wide bidirectional mapping
// between post descriptors and their database ids, plus a per-thread
// index of known descriptors. The cache is monotonic for the process
// lifetime: entries are only ever added, and an entry is promoted
// into the maps only after the transaction that inserted its row has
// committed, so cache and database always agree.
package idcache

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/chanwatch/backend/internal/database"
	"github.com/chanwatch/backend/internal/descriptor"
)

// Cache is the identity cache. Readers dominate; every map has its
// own RW lock and writers always take the locks in the fixed order
// pdToID -> idToPD -> threadPDs.
type Cache struct {
	pdToIDMu sync.RWMutex
	pdToID   map[descriptor.PostDescriptor]int64

	idToPDMu sync.RWMutex
	idToPD   map[int64]descriptor.PostDescriptor

	threadPDsMu sync.RWMutex
	threadPDs   map[descriptor.ThreadDescriptor]map[descriptor.PostDescriptor]struct{}
}

func New() *Cache {
	return &Cache{
		pdToID:    make(map[descriptor.PostDescriptor]int64),
		idToPD:    make(map[int64]descriptor.PostDescriptor),
		threadPDs: make(map[descriptor.ThreadDescriptor]map[descriptor.PostDescriptor]struct{}),
	}
}

// normalize lower-cases the site name so cache keys honour the
// case-insensitive site equality of the descriptor model.
func normalize(pd descriptor.PostDescriptor) descriptor.PostDescriptor {
	pd.Thread.Catalog.Site.SiteName = strings.ToLower(pd.Thread.Catalog.Site.SiteName)
	return pd
}

func normalizeThread(td descriptor.ThreadDescriptor) descriptor.ThreadDescriptor {
	td.Catalog.Site.SiteName = strings.ToLower(td.Catalog.Site.SiteName)
	return td
}

// WarmUp populates the cache with a single full scan of the
// post_descriptors table. Called once at startup before any store
// is used.
func (c *Cache) WarmUp(ctx context.Context, q database.Queryer) error {
	rows, err := q.QueryContext(ctx,
		`SELECT id_generated, site_name, board_code, thread_no, post_no, post_sub_no
		 FROM post_descriptors`)
	if err != nil {
		return fmt.Errorf("failed to scan post_descriptors: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var id int64
		var site, board string
		var threadNo, postNo, subNo uint64
		if err := rows.Scan(&id, &site, &board, &threadNo, &postNo, &subNo); err != nil {
			return fmt.Errorf("failed to scan descriptor row: %w", err)
		}
		c.promote(descriptor.NewPostDescriptor(site, board, threadNo, postNo, subNo), id)
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("descriptor scan aborted: %w", err)
	}

	logrus.WithField("descriptors", count).Info("identity cache warmed up")
	return nil
}

// GetDBID returns the cached id for pd, if any.
func (c *Cache) GetDBID(pd descriptor.PostDescriptor) (int64, bool) {
	pd = normalize(pd)
	c.pdToIDMu.RLock()
	defer c.pdToIDMu.RUnlock()
	id, ok := c.pdToID[pd]
	return id, ok
}

// ResolveOrInsert returns the database id for pd, inserting a
// descriptor row within the caller's transaction when the descriptor
// is new. The cache entry becomes visible only after the transaction
// commits.
func (c *Cache) ResolveOrInsert(ctx context.Context, tx *database.Tx, pd descriptor.PostDescriptor) (int64, error) {
	ids, err := c.BatchResolveOrInsert(ctx, tx, []descriptor.PostDescriptor{pd})
	if err != nil {
		return 0, err
	}
	return ids[normalize(pd)], nil
}

// BatchResolveOrInsert resolves many descriptors in at most two
// round-trips: one multi-row insert for the cache misses and one
// follow-up select for rows that lost an insert race. The returned
// map is keyed by normalized descriptor.
func (c *Cache) BatchResolveOrInsert(ctx context.Context, tx *database.Tx, pds []descriptor.PostDescriptor) (map[descriptor.PostDescriptor]int64, error) {
	result := make(map[descriptor.PostDescriptor]int64, len(pds))

	var misses []descriptor.PostDescriptor
	c.pdToIDMu.RLock()
	for _, pd := range pds {
		pd = normalize(pd)
		if _, dup := result[pd]; dup {
			continue
		}
		if id, ok := c.pdToID[pd]; ok {
			result[pd] = id
		} else {
			misses = append(misses, pd)
		}
	}
	c.pdToIDMu.RUnlock()

	if len(misses) == 0 {
		return result, nil
	}

	inserted, err := c.insertBatch(ctx, tx, misses)
	if err != nil {
		return nil, err
	}

	// Rows that conflicted with a concurrently committed insert are
	// not returned by ON CONFLICT DO NOTHING; fetch them explicitly.
	var leftovers []descriptor.PostDescriptor
	for _, pd := range misses {
		if _, ok := inserted[pd]; !ok {
			leftovers = append(leftovers, pd)
		}
	}
	if len(leftovers) > 0 {
		selected, err := c.selectBatch(ctx, tx, leftovers)
		if err != nil {
			return nil, err
		}
		for pd, id := range selected {
			inserted[pd] = id
		}
	}

	for pd, id := range inserted {
		result[pd] = id
	}

	// Stage the new entries; they become visible on commit.
	staged := inserted
	tx.OnCommit(func() {
		for pd, id := range staged {
			c.promote(pd, id)
		}
	})

	return result, nil
}

func (c *Cache) insertBatch(ctx context.Context, tx *database.Tx, pds []descriptor.PostDescriptor) (map[descriptor.PostDescriptor]int64, error) {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO post_descriptors
		(site_name, board_code, thread_no, post_no, post_sub_no) VALUES `)

	args := make([]interface{}, 0, len(pds)*5)
	for i, pd := range pds {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 5
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5)
		args = append(args, pd.SiteName(), pd.BoardCode(),
			int64(pd.ThreadNo()), int64(pd.PostNo), int64(pd.SubNo))
	}
	sb.WriteString(` ON CONFLICT (site_name, board_code, thread_no, post_no, post_sub_no)
		DO NOTHING
		RETURNING id_generated, site_name, board_code, thread_no, post_no, post_sub_no`)

	return scanDescriptorIDs(ctx, tx, sb.String(), args)
}

func (c *Cache) selectBatch(ctx context.Context, tx *database.Tx, pds []descriptor.PostDescriptor) (map[descriptor.PostDescriptor]int64, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT id_generated, site_name, board_code, thread_no, post_no, post_sub_no
		FROM post_descriptors
		WHERE (site_name, board_code, thread_no, post_no, post_sub_no) IN (`)

	args := make([]interface{}, 0, len(pds)*5)
	for i, pd := range pds {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 5
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5)
		args = append(args, pd.SiteName(), pd.BoardCode(),
			int64(pd.ThreadNo()), int64(pd.PostNo), int64(pd.SubNo))
	}
	sb.WriteString(")")

	return scanDescriptorIDs(ctx, tx, sb.String(), args)
}

func scanDescriptorIDs(ctx context.Context, q database.Queryer, query string, args []interface{}) (map[descriptor.PostDescriptor]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("descriptor id query failed: %w", err)
	}
	defer rows.Close()

	out := make(map[descriptor.PostDescriptor]int64)
	for rows.Next() {
		var id int64
		var site, board string
		var threadNo, postNo, subNo uint64
		if err := rows.Scan(&id, &site, &board, &threadNo, &postNo, &subNo); err != nil {
			return nil, fmt.Errorf("failed to scan descriptor id row: %w", err)
		}
		out[normalize(descriptor.NewPostDescriptor(site, board, threadNo, postNo, subNo))] = id
	}
	return out, rows.Err()
}

// promote inserts one entry into all three maps, taking the write
// locks in the fixed order.
func (c *Cache) promote(pd descriptor.PostDescriptor, id int64) {
	pd = normalize(pd)

	c.pdToIDMu.Lock()
	c.pdToID[pd] = id
	c.pdToIDMu.Unlock()

	c.idToPDMu.Lock()
	c.idToPD[id] = pd
	c.idToPDMu.Unlock()

	td := pd.Thread
	c.threadPDsMu.Lock()
	set, ok := c.threadPDs[td]
	if !ok {
		set = make(map[descriptor.PostDescriptor]struct{})
		c.threadPDs[td] = set
	}
	set[pd] = struct{}{}
	c.threadPDsMu.Unlock()
}

// ByDBIDs is a read-only reverse lookup. Unknown ids are omitted.
func (c *Cache) ByDBIDs(ids []int64) map[int64]descriptor.PostDescriptor {
	c.idToPDMu.RLock()
	defer c.idToPDMu.RUnlock()

	out := make(map[int64]descriptor.PostDescriptor, len(ids))
	for _, id := range ids {
		if pd, ok := c.idToPD[id]; ok {
			out[id] = pd
		}
	}
	return out
}

// DescriptorsOfThread returns every known descriptor of the thread.
func (c *Cache) DescriptorsOfThread(td descriptor.ThreadDescriptor) []descriptor.PostDescriptor {
	td = normalizeThread(td)
	c.threadPDsMu.RLock()
	defer c.threadPDsMu.RUnlock()

	set := c.threadPDs[td]
	out := make([]descriptor.PostDescriptor, 0, len(set))
	for pd := range set {
		out = append(out, pd)
	}
	return out
}

// DBIDsOfThread returns the database ids of every known descriptor of
// the thread.
func (c *Cache) DBIDsOfThread(td descriptor.ThreadDescriptor) []int64 {
	pds := c.DescriptorsOfThread(td)

	c.pdToIDMu.RLock()
	defer c.pdToIDMu.RUnlock()

	out := make([]int64, 0, len(pds))
	for _, pd := range pds {
		if id, ok := c.pdToID[pd]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Reset drops every entry. Test harness hook; production code never
// evicts.
func (c *Cache) Reset() {
	c.pdToIDMu.Lock()
	c.pdToID = make(map[descriptor.PostDescriptor]int64)
	c.pdToIDMu.Unlock()

	c.idToPDMu.Lock()
	c.idToPD = make(map[int64]descriptor.PostDescriptor)
	c.idToPDMu.Unlock()

	c.threadPDsMu.Lock()
	c.threadPDs = make(map[descriptor.ThreadDescriptor]map[descriptor.PostDescriptor]struct{})
	c.threadPDsMu.Unlock()
}
