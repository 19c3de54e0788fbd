package sites

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/chanwatch/backend/internal/descriptor"
)

const fourChanName = "4chan"

var (
	fourChanPostURLRe = regexp.MustCompile(
		`^https?://boards\.4chan(?:nel)?\.org/(\w+)/thread/(\d+)(?:/[\w-]*)?(?:#p(\d+))?$`)
	fourChanQuoteRe = regexp.MustCompile(`class="quotelink">&gt;&gt;(\d+)</a>`)
)

// FourChan is the 4chan adapter. It supports the bandwidth-saving
// tail endpoint for threads we already have a cursor into.
type FourChan struct {
	loader threadLoader
}

func NewFourChan(client *http.Client) *FourChan {
	f := &FourChan{}
	f.loader = threadLoader{
		client:   client,
		endpoint: f.ThreadJSONEndpoint,
		parse:    f.parseThread,
	}
	return f
}

func (f *FourChan) Name() string { return fourChanName }

func (f *FourChan) Matches(sd descriptor.SiteDescriptor) bool {
	return sd.Equals(descriptor.NewSiteDescriptor(fourChanName))
}

func (f *FourChan) URLMatches(rawURL string) bool {
	return fourChanPostURLRe.MatchString(rawURL)
}

func (f *FourChan) PostURLToDescriptor(rawURL string) (descriptor.PostDescriptor, bool) {
	m := fourChanPostURLRe.FindStringSubmatch(rawURL)
	if m == nil {
		return descriptor.PostDescriptor{}, false
	}

	board := m[1]
	threadNo, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return descriptor.PostDescriptor{}, false
	}

	// Without a #p fragment the URL addresses the OP.
	postNo := threadNo
	if m[3] != "" {
		postNo, err = strconv.ParseUint(m[3], 10, 64)
		if err != nil {
			return descriptor.PostDescriptor{}, false
		}
	}

	return descriptor.NewPostDescriptor(fourChanName, board, threadNo, postNo, 0), true
}

func (f *FourChan) DescriptorToURL(pd descriptor.PostDescriptor) string {
	return fmt.Sprintf("https://boards.4chan.org/%s/thread/%d#p%d",
		pd.BoardCode(), pd.ThreadNo(), pd.PostNo)
}

func (f *FourChan) ThreadJSONEndpoint(td descriptor.ThreadDescriptor, lastProcessed *descriptor.PostDescriptor) string {
	if lastProcessed != nil {
		return fmt.Sprintf("https://a.4cdn.org/%s/thread/%d-tail.json", td.BoardCode(), td.ThreadNo)
	}
	return fmt.Sprintf("https://a.4cdn.org/%s/thread/%d.json", td.BoardCode(), td.ThreadNo)
}

func (f *FourChan) QuoteRegex() *regexp.Regexp { return fourChanQuoteRe }

func (f *FourChan) LoadThread(ctx context.Context, td descriptor.ThreadDescriptor,
	lastProcessed *descriptor.PostDescriptor, lastModifiedLocal *time.Time) ThreadLoadResult {
	return f.loader.load(ctx, td, lastProcessed, lastModifiedLocal)
}

// fourChanPost is the wire form shared by full and tail responses. In
// a tail response the first entry is a header pseudo-post carrying
// TailID and TailSize instead of a comment.
type fourChanPost struct {
	No       uint64 `json:"no"`
	Com      string `json:"com"`
	Closed   int    `json:"closed"`
	Archived int    `json:"archived"`
	TailID   uint64 `json:"tail_id"`
	TailSize int    `json:"tail_size"`
}

type fourChanThread struct {
	Posts []fourChanPost `json:"posts"`
}

func (f *FourChan) parseThread(td descriptor.ThreadDescriptor, body []byte,
	lastProcessed *descriptor.PostDescriptor) (*ChanThread, error) {
	if lastProcessed != nil {
		return f.parseTail(td, body, lastProcessed)
	}
	return f.parseFull(td, body)
}

// parseFull emits every post; the first one carries the thread's
// closed/archived flags.
func (f *FourChan) parseFull(td descriptor.ThreadDescriptor, body []byte) (*ChanThread, error) {
	var wire fourChanThread
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode 4chan thread: %w", err)
	}
	if len(wire.Posts) == 0 {
		return nil, fmt.Errorf("4chan thread %s has no posts", td)
	}

	thread := &ChanThread{Descriptor: td}
	for _, p := range wire.Posts {
		thread.Posts = append(thread.Posts, ChanPost{
			Descriptor: descriptor.NewPostDescriptor(fourChanName, td.BoardCode(), td.ThreadNo, p.No, 0),
			Comment:    p.Com,
			Closed:     p.Closed != 0,
			Archived:   p.Archived != 0,
		})
	}
	return thread, nil
}

// parseTail handles the truncated tail response. The tail window
// starts at the header's tail_id; when our cursor is older than that
// we have missed posts and the caller must fall back to a full load.
func (f *FourChan) parseTail(td descriptor.ThreadDescriptor, body []byte,
	lastProcessed *descriptor.PostDescriptor) (*ChanThread, error) {
	var wire fourChanThread
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, errPartialParseFailed
	}
	if len(wire.Posts) == 0 || wire.Posts[0].TailID == 0 {
		// No TailInfo header: malformed tail response.
		return nil, errPartialParseFailed
	}

	header := wire.Posts[0]
	if lastProcessed.PostNo < header.TailID {
		return nil, errPartialParseFailed
	}

	thread := &ChanThread{Descriptor: td}
	// The header pseudo-post still carries the OP's flags.
	thread.Posts = append(thread.Posts, ChanPost{
		Descriptor: descriptor.NewPostDescriptor(fourChanName, td.BoardCode(), td.ThreadNo, header.No, 0),
		Closed:     header.Closed != 0,
		Archived:   header.Archived != 0,
	})
	for _, p := range wire.Posts[1:] {
		thread.Posts = append(thread.Posts, ChanPost{
			Descriptor: descriptor.NewPostDescriptor(fourChanName, td.BoardCode(), td.ThreadNo, p.No, 0),
			Comment:    p.Com,
		})
	}
	return thread, nil
}
