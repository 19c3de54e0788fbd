package fcm

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanwatch/backend/internal/descriptor"
	"github.com/chanwatch/backend/internal/replies"
	"github.com/chanwatch/backend/internal/sites"
)

type fakeSource struct {
	groups map[string][]replies.UnsentReply

	mu       sync.Mutex
	notified []int64
}

func (f *fakeSource) UnsentByToken(ctx context.Context, applicationType string) (map[string][]replies.UnsentReply, error) {
	return f.groups, nil
}

func (f *fakeSource) MarkAsNotified(ctx context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, ids...)
	return nil
}

type fakeSender struct {
	mu       sync.Mutex
	sent     map[string]Payload
	failFor  map[string]bool
	inflight int
	maxSeen  int
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(map[string]Payload), failFor: make(map[string]bool)}
}

func (f *fakeSender) Send(ctx context.Context, token string, payload Payload) error {
	f.mu.Lock()
	f.inflight++
	if f.inflight > f.maxSeen {
		f.maxSeen = f.inflight
	}
	f.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inflight--
	if f.failFor[token] {
		return errors.New("unregistered token")
	}
	f.sent[token] = payload
	return nil
}

func unsent(id int64, postNo uint64) replies.UnsentReply {
	return replies.UnsentReply{
		ID:             id,
		PostDescriptor: descriptor.NewPostDescriptor("4chan", "a", 1, postNo, 0),
	}
}

func TestDispatcherMarksSentReplies(t *testing.T) {
	source := &fakeSource{groups: map[string][]replies.UnsentReply{
		"tok-1": {unsent(1, 1), unsent(2, 5)},
		"tok-2": {unsent(3, 7)},
	}}
	sender := newFakeSender()

	d := NewDispatcher(source, sites.DefaultRegistry(http.DefaultClient), sender,
		"release", 4, time.Minute)
	d.RunCycle(context.Background())

	assert.ElementsMatch(t, []int64{1, 2, 3}, source.notified)

	payload := sender.sent["tok-1"]
	require.Len(t, payload.NewReplyURLs, 2)
	assert.Contains(t, payload.NewReplyURLs, "https://boards.4chan.org/a/thread/1#p1")
	assert.Contains(t, payload.NewReplyURLs, "https://boards.4chan.org/a/thread/1#p5")
}

func TestDispatcherKeepsFailedRepliesPending(t *testing.T) {
	source := &fakeSource{groups: map[string][]replies.UnsentReply{
		"tok-good": {unsent(1, 1)},
		"tok-bad":  {unsent(2, 2)},
	}}
	sender := newFakeSender()
	sender.failFor["tok-bad"] = true

	d := NewDispatcher(source, sites.DefaultRegistry(http.DefaultClient), sender,
		"release", 4, time.Minute)
	d.RunCycle(context.Background())

	assert.Equal(t, []int64{1}, source.notified)
}

func TestDispatcherBoundsConcurrency(t *testing.T) {
	groups := make(map[string][]replies.UnsentReply)
	for i := int64(0); i < 20; i++ {
		groups[string(rune('a'+i))] = []replies.UnsentReply{unsent(i, uint64(i+1))}
	}
	source := &fakeSource{groups: groups}
	sender := newFakeSender()

	d := NewDispatcher(source, sites.DefaultRegistry(http.DefaultClient), sender,
		"release", 3, time.Minute)
	d.RunCycle(context.Background())

	assert.LessOrEqual(t, sender.maxSeen, 3)
	assert.Len(t, source.notified, 20)
}

func TestDispatcherEmptyQueueIsNoop(t *testing.T) {
	source := &fakeSource{groups: map[string][]replies.UnsentReply{}}
	sender := newFakeSender()

	d := NewDispatcher(source, sites.DefaultRegistry(http.DefaultClient), sender,
		"release", 4, time.Minute)
	d.RunCycle(context.Background())

	assert.Empty(t, source.notified)
	assert.Empty(t, sender.sent)
}
