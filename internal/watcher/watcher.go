// Package watcher runs the polling loop that turns watched threads
// into reply rows: fetch each thread's JSON, extract quotes, match
// them against active watches and record the hits.
package watcher

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/chanwatch/backend/internal/database"
	"github.com/chanwatch/backend/internal/descriptor"
	"github.com/chanwatch/backend/internal/idcache"
	"github.com/chanwatch/backend/internal/monitoring"
	"github.com/chanwatch/backend/internal/replies"
	"github.com/chanwatch/backend/internal/sites"
	"github.com/chanwatch/backend/internal/watches"
)

// Watcher is the single-instance thread polling loop.
type Watcher struct {
	db       *database.Database
	ids      *idcache.Cache
	watches  *watches.Store
	replies  *replies.Store
	threads  *ThreadStore
	registry *sites.Registry

	interval time.Duration
	working  atomic.Bool
	stop     chan struct{}
	done     chan struct{}
}

func New(db *database.Database, ids *idcache.Cache, watchStore *watches.Store,
	replyStore *replies.Store, threadStore *ThreadStore, registry *sites.Registry,
	interval time.Duration) *Watcher {
	return &Watcher{
		db:       db,
		ids:      ids,
		watches:  watchStore,
		replies:  replyStore,
		threads:  threadStore,
		registry: registry,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// ChunkSize bounds per-cycle fan-out: clamp(NumCPU*4, 8, 128).
func ChunkSize() int {
	n := runtime.NumCPU() * 4
	if n < 8 {
		return 8
	}
	if n > 128 {
		return 128
	}
	return n
}

// Start launches the loop. Stop ends it at the next sleep boundary;
// per-thread workers of the running cycle are allowed to complete.
func (w *Watcher) Start(ctx context.Context) {
	w.working.Store(true)
	go w.run(ctx)
	logrus.WithField("interval", w.interval).Info("thread watcher started")
}

func (w *Watcher) Stop() {
	if w.working.CompareAndSwap(true, false) {
		close(w.stop)
	}
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	for w.working.Load() {
		w.RunCycle(ctx)

		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case <-time.After(w.interval):
		}
	}
}

// RunCycle polls every watched thread once, in chunks of bounded
// parallel workers.
func (w *Watcher) RunCycle(ctx context.Context) {
	started := time.Now()

	threads, err := w.watches.AllWatchedThreads(ctx)
	if err != nil {
		logrus.WithError(err).Error("failed to list watched threads")
		return
	}
	if len(threads) == 0 {
		return
	}

	chunkSize := ChunkSize()
	for start := 0; start < len(threads); start += chunkSize {
		end := start + chunkSize
		if end > len(threads) {
			end = len(threads)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, td := range threads[start:end] {
			td := td
			g.Go(func() error {
				w.processThread(gctx, td)
				// Worker failures never abort the chunk.
				return nil
			})
		}
		g.Wait()
	}

	monitoring.WatcherCycles.Inc()
	monitoring.WatcherCycleDuration.Observe(time.Since(started).Seconds())
	logrus.WithFields(logrus.Fields{
		"threads":  len(threads),
		"duration": time.Since(started),
	}).Debug("watcher cycle done")
}

func (w *Watcher) processThread(ctx context.Context, td descriptor.ThreadDescriptor) {
	log := logrus.WithField("thread", td.String())

	site, ok := w.registry.ByDescriptor(td.Catalog.Site)
	if !ok {
		log.Warn("no site adapter for watched thread, marking dead")
		w.markThreadDead(ctx, td)
		return
	}

	lastProcessed, lastModifiedLocal, err := w.threads.Cursor(ctx, td)
	if err != nil {
		log.WithError(err).Error("failed to load thread cursor")
		monitoring.WatcherThreadsProcessed.WithLabelValues("error").Inc()
		return
	}

	result := site.LoadThread(ctx, td, lastProcessed, lastModifiedLocal)
	switch result.Kind {
	case sites.LoadNotModified:
		monitoring.WatcherThreadsProcessed.WithLabelValues("not_modified").Inc()
		return
	case sites.LoadSuccess:
		// Handled below.
	default:
		if result.Terminal() {
			log.WithFields(logrus.Fields{
				"result":  result.Kind.String(),
				"status":  result.StatusCode,
				"preview": result.Preview,
			}).Warn("thread gone, marking dead")
			w.markThreadDead(ctx, td)
			monitoring.WatcherThreadsProcessed.WithLabelValues("dead").Inc()
			return
		}
		log.WithFields(logrus.Fields{
			"result": result.Kind.String(),
			"status": result.StatusCode,
		}).Warn("thread load failed, retrying next cycle")
		monitoring.WatcherThreadsProcessed.WithLabelValues("error").Inc()
		return
	}

	if result.Thread.IsDead() {
		w.markThreadDead(ctx, td)
		monitoring.WatcherThreadsProcessed.WithLabelValues("dead").Inc()
		return
	}

	if err := w.storeThreadReplies(ctx, site, result); err != nil {
		log.WithError(err).Error("failed to store thread replies")
		monitoring.WatcherThreadsProcessed.WithLabelValues("error").Inc()
		return
	}
	monitoring.WatcherThreadsProcessed.WithLabelValues("success").Inc()
}

// storeThreadReplies matches quotes against active watches and, in a
// single transaction, records the reply rows and advances the thread
// cursor. All-or-nothing: a failed commit leaves both untouched.
func (w *Watcher) storeThreadReplies(ctx context.Context, site sites.Site, result sites.ThreadLoadResult) error {
	thread := result.Thread
	td := thread.Descriptor

	found := FindPostReplies(thread, site.QuoteRegex())

	// Resolve quote targets through the cache only: a post that was
	// never watched has no descriptor row and cannot match.
	targetIDs := make([]int64, 0, len(found))
	targetByID := make(map[int64]descriptor.PostDescriptor)
	for _, f := range found {
		if id, ok := w.ids.GetDBID(f.RepliesTo); ok {
			if _, dup := targetByID[id]; !dup {
				targetByID[id] = f.RepliesTo
				targetIDs = append(targetIDs, id)
			}
		}
	}

	lastProcessed := maxPostDescriptor(thread)

	return w.db.InTransaction(ctx, func(tx *database.Tx) error {
		targets, err := w.watches.FindWatchedTargets(ctx, tx, targetIDs)
		if err != nil {
			return err
		}

		if len(targets) > 0 {
			// Register the origin descriptors of matched quotes so the
			// thread's descriptor set stays complete.
			var origins []descriptor.PostDescriptor
			matched := make(map[int64]struct{}, len(targets))
			for _, t := range targets {
				matched[t.PostDescriptorID] = struct{}{}
			}
			for _, f := range found {
				if id, ok := w.ids.GetDBID(f.RepliesTo); ok {
					if _, hit := matched[id]; hit {
						origins = append(origins, f.Origin)
					}
				}
			}
			if _, err := w.ids.BatchResolveOrInsert(ctx, tx, origins); err != nil {
				return err
			}

			rows := make([]replies.Reply, 0, len(targets))
			for _, t := range targets {
				rows = append(rows, replies.Reply{
					PostDescriptorID: t.PostDescriptorID,
					AccountID:        t.AccountID,
				})
			}
			if err := w.replies.StoreReplies(ctx, tx, rows); err != nil {
				return err
			}
			monitoring.WatcherRepliesFound.Add(float64(len(rows)))
		}

		return w.threads.AdvanceCursor(ctx, tx, td, lastProcessed, result.LastModified)
	})
}

func (w *Watcher) markThreadDead(ctx context.Context, td descriptor.ThreadDescriptor) {
	ids := w.ids.DBIDsOfThread(td)
	if err := w.watches.MarkPostsDead(ctx, ids); err != nil {
		logrus.WithError(err).WithField("thread", td.String()).Error("failed to mark thread dead")
	}
}

// maxPostDescriptor returns the greatest post of the thread in the
// canonical order.
func maxPostDescriptor(thread *sites.ChanThread) descriptor.PostDescriptor {
	max := thread.Posts[0].Descriptor
	for _, p := range thread.Posts[1:] {
		if descriptor.Compare(p.Descriptor, max) > 0 {
			max = p.Descriptor
		}
	}
	return max
}
