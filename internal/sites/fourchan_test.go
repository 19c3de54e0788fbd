package sites

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanwatch/backend/internal/descriptor"
)

func TestFourChanPostURLRoundTrip(t *testing.T) {
	f := NewFourChan(http.DefaultClient)

	urls := []string{
		"https://boards.4chan.org/a/thread/100#p105",
		"https://boards.4channel.org/vg/thread/123456789#p123456790",
	}
	for _, rawURL := range urls {
		pd, ok := f.PostURLToDescriptor(rawURL)
		require.True(t, ok, rawURL)

		back, ok := f.PostURLToDescriptor(f.DescriptorToURL(pd))
		require.True(t, ok)
		assert.True(t, pd.Equals(back), rawURL)
	}
}

func TestFourChanOPURLDefaultsToThreadNo(t *testing.T) {
	f := NewFourChan(http.DefaultClient)
	pd, ok := f.PostURLToDescriptor("https://boards.4chan.org/a/thread/100")
	require.True(t, ok)
	assert.Equal(t, uint64(100), pd.PostNo)
	assert.Equal(t, uint64(0), pd.SubNo)
}

func TestFourChanURLMatches(t *testing.T) {
	f := NewFourChan(http.DefaultClient)
	assert.True(t, f.URLMatches("https://boards.4chan.org/a/thread/1#p2"))
	assert.False(t, f.URLMatches("https://imageboard.com/vg/thread/1#p2"))
	assert.False(t, f.URLMatches("https://2ch.hk/b/res/1.html#2"))
}

func TestFourChanQuoteRegex(t *testing.T) {
	f := NewFourChan(http.DefaultClient)
	html := `Reply text <a href="#p1" class="quotelink">&gt;&gt;1</a> and ` +
		`<a href="#p105" class="quotelink">&gt;&gt;105</a>`

	matches := f.QuoteRegex().FindAllStringSubmatch(html, -1)
	require.Len(t, matches, 2)
	assert.Equal(t, "1", matches[0][1])
	assert.Equal(t, "105", matches[1][1])
}

func TestFourChanThreadJSONEndpoint(t *testing.T) {
	f := NewFourChan(http.DefaultClient)
	td := descriptor.NewThreadDescriptor("4chan", "a", 100)

	assert.Equal(t, "https://a.4cdn.org/a/thread/100.json", f.ThreadJSONEndpoint(td, nil))

	lp := descriptor.NewPostDescriptor("4chan", "a", 100, 105, 0)
	assert.Equal(t, "https://a.4cdn.org/a/thread/100-tail.json", f.ThreadJSONEndpoint(td, &lp))
}

func TestFourChanParseFull(t *testing.T) {
	f := NewFourChan(http.DefaultClient)
	td := descriptor.NewThreadDescriptor("4chan", "a", 100)

	body := []byte(`{"posts":[
		{"no":100,"com":"OP","closed":0,"archived":0},
		{"no":105,"com":"<a href=\"#p100\" class=\"quotelink\">&gt;&gt;100</a>"}
	]}`)

	thread, err := f.parseFull(td, body)
	require.NoError(t, err)
	require.Len(t, thread.Posts, 2)
	assert.False(t, thread.IsDead())
	assert.Equal(t, uint64(105), thread.Posts[1].Descriptor.PostNo)
	assert.Contains(t, thread.Posts[1].Comment, "quotelink")
}

func TestFourChanParseFullArchivedIsDead(t *testing.T) {
	f := NewFourChan(http.DefaultClient)
	td := descriptor.NewThreadDescriptor("4chan", "a", 100)

	thread, err := f.parseFull(td, []byte(`{"posts":[{"no":100,"archived":1}]}`))
	require.NoError(t, err)
	assert.True(t, thread.IsDead())
}

func TestFourChanParseTail(t *testing.T) {
	f := NewFourChan(http.DefaultClient)
	td := descriptor.NewThreadDescriptor("4chan", "a", 100)
	lp := descriptor.NewPostDescriptor("4chan", "a", 100, 110, 0)

	body := []byte(`{"posts":[
		{"no":100,"tail_size":2,"tail_id":108},
		{"no":110,"com":"a"},
		{"no":111,"com":"b"}
	]}`)

	thread, err := f.parseTail(td, body, &lp)
	require.NoError(t, err)
	require.Len(t, thread.Posts, 3)
	assert.Equal(t, uint64(111), thread.Posts[2].Descriptor.PostNo)
}

func TestFourChanParseTailGapFails(t *testing.T) {
	f := NewFourChan(http.DefaultClient)
	td := descriptor.NewThreadDescriptor("4chan", "a", 100)

	// Cursor at 105, tail window starts at 108: posts 106..107 would
	// be lost, so the partial parse must fail.
	lp := descriptor.NewPostDescriptor("4chan", "a", 100, 105, 0)
	body := []byte(`{"posts":[{"no":100,"tail_id":108},{"no":110,"com":"a"}]}`)

	_, err := f.parseTail(td, body, &lp)
	assert.ErrorIs(t, err, errPartialParseFailed)
}

func TestFourChanParseTailWithoutHeaderFails(t *testing.T) {
	f := NewFourChan(http.DefaultClient)
	td := descriptor.NewThreadDescriptor("4chan", "a", 100)
	lp := descriptor.NewPostDescriptor("4chan", "a", 100, 110, 0)

	_, err := f.parseTail(td, []byte(`{"posts":[{"no":110,"com":"a"}]}`), &lp)
	assert.ErrorIs(t, err, errPartialParseFailed)
}

// loadThread protocol tests run a site against a local server by
// rewriting the endpoint resolver.

func newTestFourChan(t *testing.T, handler http.Handler) (*FourChan, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	f := NewFourChan(srv.Client())
	realEndpoint := f.loader.endpoint
	f.loader.endpoint = func(td descriptor.ThreadDescriptor, lp *descriptor.PostDescriptor) string {
		u := realEndpoint(td, lp)
		return srv.URL + u[len("https://a.4cdn.org"):]
	}
	return f, srv
}

func TestLoadThreadNotModified(t *testing.T) {
	lastModified := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	f, _ := newTestFourChan(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Last-Modified", lastModified.Format(http.TimeFormat))
		if r.Method == http.MethodGet {
			t.Error("GET must not run when HEAD says not modified")
		}
	}))

	td := descriptor.NewThreadDescriptor("4chan", "a", 100)
	local := lastModified.Add(time.Hour)
	result := f.LoadThread(context.Background(), td, nil, &local)
	assert.Equal(t, LoadNotModified, result.Kind)
}

func TestLoadThreadSuccess(t *testing.T) {
	lastModified := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	f, _ := newTestFourChan(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Last-Modified", lastModified.Format(http.TimeFormat))
		if r.Method == http.MethodGet {
			w.Write([]byte(`{"posts":[{"no":100,"com":"OP"},{"no":105,"com":"x"}]}`))
		}
	}))

	td := descriptor.NewThreadDescriptor("4chan", "a", 100)
	result := f.LoadThread(context.Background(), td, nil, nil)
	require.Equal(t, LoadSuccess, result.Kind)
	require.NotNil(t, result.Thread)
	assert.Len(t, result.Thread.Posts, 2)
	require.NotNil(t, result.LastModified)
	assert.True(t, result.LastModified.Equal(lastModified))
}

func TestLoadThreadTail404FallsBackToFull(t *testing.T) {
	var fullLoads int

	f, _ := newTestFourChan(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(r.URL.Path) > len("-tail.json") &&
			r.URL.Path[len(r.URL.Path)-len("-tail.json"):] == "-tail.json" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Method == http.MethodGet {
			fullLoads++
			w.Write([]byte(`{"posts":[{"no":100,"com":"OP"}]}`))
		}
	}))

	td := descriptor.NewThreadDescriptor("4chan", "a", 100)
	lp := descriptor.NewPostDescriptor("4chan", "a", 100, 105, 0)
	result := f.LoadThread(context.Background(), td, &lp, nil)
	require.Equal(t, LoadSuccess, result.Kind)
	assert.Equal(t, 1, fullLoads)
}

func TestLoadThreadTailGapFallsBackToFull(t *testing.T) {
	f, _ := newTestFourChan(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			return
		}
		if len(r.URL.Path) > len("-tail.json") &&
			r.URL.Path[len(r.URL.Path)-len("-tail.json"):] == "-tail.json" {
			// tail_id newer than the cursor below: a gap.
			w.Write([]byte(`{"posts":[{"no":100,"tail_id":10},{"no":12,"com":"x"}]}`))
			return
		}
		w.Write([]byte(`{"posts":[{"no":100,"com":"OP"},{"no":12,"com":"x"}]}`))
	}))

	td := descriptor.NewThreadDescriptor("4chan", "a", 100)
	lp := descriptor.NewPostDescriptor("4chan", "a", 100, 1, 0)
	result := f.LoadThread(context.Background(), td, &lp, nil)
	require.Equal(t, LoadSuccess, result.Kind)
	assert.Len(t, result.Thread.Posts, 2)
}

func TestLoadThreadPermanent404(t *testing.T) {
	f, _ := newTestFourChan(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	td := descriptor.NewThreadDescriptor("4chan", "a", 100)
	result := f.LoadThread(context.Background(), td, nil, nil)
	assert.Equal(t, LoadHeadBadStatus, result.Kind)
	assert.Equal(t, http.StatusNotFound, result.StatusCode)
	assert.True(t, result.Terminal())
}

func TestLoadThreadUnparseableBodyKeepsPreview(t *testing.T) {
	f, _ := newTestFourChan(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(`<html>cloudflare says no</html>`))
		}
	}))

	td := descriptor.NewThreadDescriptor("4chan", "a", 100)
	result := f.LoadThread(context.Background(), td, nil, nil)
	assert.Equal(t, LoadFailedToRead, result.Kind)
	assert.Contains(t, result.Preview, "cloudflare")
	assert.LessOrEqual(t, len(result.Preview), 512)
}
