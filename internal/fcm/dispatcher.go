package fcm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/chanwatch/backend/internal/monitoring"
	"github.com/chanwatch/backend/internal/replies"
	"github.com/chanwatch/backend/internal/sites"
)

// replySource is the slice of the reply store the dispatcher needs.
type replySource interface {
	UnsentByToken(ctx context.Context, applicationType string) (map[string][]replies.UnsentReply, error)
	MarkAsNotified(ctx context.Context, ids []int64) error
}

// Dispatcher periodically drains pending replies: group by token,
// send with bounded concurrency, then mark the sent set notified in
// one transaction. A reply whose worker dies before recording an
// outcome lands in neither set and is retried next cycle; the
// notification payload is idempotent, so the occasional duplicate
// push is accepted.
type Dispatcher struct {
	source          replySource
	registry        *sites.Registry
	sender          Sender
	applicationType string
	chunkSize       int64
	interval        time.Duration

	working atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

func NewDispatcher(source replySource, registry *sites.Registry, sender Sender,
	applicationType string, chunkSize int64, interval time.Duration) *Dispatcher {
	if chunkSize < 1 {
		chunkSize = 1
	}
	return &Dispatcher{
		source:          source,
		registry:        registry,
		sender:          sender,
		applicationType: applicationType,
		chunkSize:       chunkSize,
		interval:        interval,
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.working.Store(true)
	go d.run(ctx)
	logrus.WithFields(logrus.Fields{
		"interval":         d.interval,
		"chunk_size":       d.chunkSize,
		"application_type": d.applicationType,
	}).Info("FCM dispatcher started")
}

func (d *Dispatcher) Stop() {
	if d.working.CompareAndSwap(true, false) {
		close(d.stop)
	}
	<-d.done
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	for d.working.Load() {
		d.RunCycle(ctx)

		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		case <-time.After(d.interval):
		}
	}
}

// RunCycle performs one full drain of the pending reply queue.
func (d *Dispatcher) RunCycle(ctx context.Context) {
	groups, err := d.source.UnsentByToken(ctx, d.applicationType)
	if err != nil {
		logrus.WithError(err).Error("failed to load unsent replies")
		return
	}
	if len(groups) == 0 {
		return
	}

	sem := semaphore.NewWeighted(d.chunkSize)
	var wg sync.WaitGroup

	var mu sync.Mutex
	var sent, failed []int64

	for token, group := range groups {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)

		token, group := token, group
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			started := time.Now()
			err := d.sender.Send(ctx, token, d.buildPayload(group))
			monitoring.FCMSendDuration.Observe(time.Since(started).Seconds())

			ids := make([]int64, len(group))
			for i, r := range group {
				ids[i] = r.ID
			}

			mu.Lock()
			if err != nil {
				failed = append(failed, ids...)
			} else {
				sent = append(sent, ids...)
			}
			mu.Unlock()

			if err != nil {
				logrus.WithError(err).WithField("replies", len(ids)).Warn("FCM send failed")
				monitoring.FCMSends.WithLabelValues("failed").Inc()
			} else {
				monitoring.FCMSends.WithLabelValues("sent").Inc()
			}
		}()
	}
	wg.Wait()

	if len(sent) > 0 {
		if err := d.source.MarkAsNotified(ctx, sent); err != nil {
			// Not marked means re-sent next cycle; at-least-once.
			logrus.WithError(err).Error("failed to mark replies notified")
			return
		}
	}

	logrus.WithFields(logrus.Fields{
		"sent":   len(sent),
		"failed": len(failed),
	}).Debug("FCM dispatch cycle done")
}

// SendTestPush delivers a synthetic payload to one token, outside the
// reply pipeline.
func (d *Dispatcher) SendTestPush(ctx context.Context, token string) error {
	return d.sender.Send(ctx, token, Payload{NewReplyURLs: []string{}})
}

func (d *Dispatcher) buildPayload(group []replies.UnsentReply) Payload {
	urls := make([]string, 0, len(group))
	for _, r := range group {
		site, ok := d.registry.ByDescriptor(r.PostDescriptor.Thread.Catalog.Site)
		if !ok {
			continue
		}
		urls = append(urls, site.DescriptorToURL(r.PostDescriptor))
	}
	return Payload{NewReplyURLs: urls}
}
