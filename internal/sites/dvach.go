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

const dvachName = "2ch"

var (
	dvachPostURLRe = regexp.MustCompile(
		`^https?://2ch\.hk/(\w+)/res/(\d+)\.html(?:#(\d+))?$`)
	dvachQuoteRe = regexp.MustCompile(`class="post-reply-link"[^>]*data-num="(\d+)"`)
)

// Dvach is the 2ch.hk adapter. The site has no tail endpoint, so
// every poll is a full load.
type Dvach struct {
	loader threadLoader
}

func NewDvach(client *http.Client) *Dvach {
	d := &Dvach{}
	d.loader = threadLoader{
		client:   client,
		endpoint: d.ThreadJSONEndpoint,
		parse:    d.parseThread,
	}
	return d
}

func (d *Dvach) Name() string { return dvachName }

func (d *Dvach) Matches(sd descriptor.SiteDescriptor) bool {
	return sd.Equals(descriptor.NewSiteDescriptor(dvachName))
}

func (d *Dvach) URLMatches(rawURL string) bool {
	return dvachPostURLRe.MatchString(rawURL)
}

func (d *Dvach) PostURLToDescriptor(rawURL string) (descriptor.PostDescriptor, bool) {
	m := dvachPostURLRe.FindStringSubmatch(rawURL)
	if m == nil {
		return descriptor.PostDescriptor{}, false
	}

	board := m[1]
	threadNo, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return descriptor.PostDescriptor{}, false
	}

	postNo := threadNo
	if m[3] != "" {
		postNo, err = strconv.ParseUint(m[3], 10, 64)
		if err != nil {
			return descriptor.PostDescriptor{}, false
		}
	}

	return descriptor.NewPostDescriptor(dvachName, board, threadNo, postNo, 0), true
}

func (d *Dvach) DescriptorToURL(pd descriptor.PostDescriptor) string {
	return fmt.Sprintf("https://2ch.hk/%s/res/%d.html#%d",
		pd.BoardCode(), pd.ThreadNo(), pd.PostNo)
}

// ThreadJSONEndpoint always returns the full endpoint; 2ch has no
// tail variant.
func (d *Dvach) ThreadJSONEndpoint(td descriptor.ThreadDescriptor, lastProcessed *descriptor.PostDescriptor) string {
	return fmt.Sprintf("https://2ch.hk/%s/res/%d.json", td.BoardCode(), td.ThreadNo)
}

func (d *Dvach) QuoteRegex() *regexp.Regexp { return dvachQuoteRe }

func (d *Dvach) LoadThread(ctx context.Context, td descriptor.ThreadDescriptor,
	lastProcessed *descriptor.PostDescriptor, lastModifiedLocal *time.Time) ThreadLoadResult {
	// lastProcessed is ignored for endpoint selection but forwarded so
	// the 404 fallback logic stays uniform.
	return d.loader.load(ctx, td, lastProcessed, lastModifiedLocal)
}

type dvachPost struct {
	Num     uint64 `json:"num"`
	Comment string `json:"comment"`
	Closed  int    `json:"closed"`
}

type dvachThread struct {
	Posts []dvachPost `json:"posts"`
}

type dvachResponse struct {
	Threads []dvachThread `json:"threads"`
}

func (d *Dvach) parseThread(td descriptor.ThreadDescriptor, body []byte,
	lastProcessed *descriptor.PostDescriptor) (*ChanThread, error) {
	var wire dvachResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("failed to decode 2ch thread: %w", err)
	}
	if len(wire.Threads) == 0 || len(wire.Threads[0].Posts) == 0 {
		return nil, fmt.Errorf("2ch thread %s has no posts", td)
	}

	thread := &ChanThread{Descriptor: td}
	for _, p := range wire.Threads[0].Posts {
		thread.Posts = append(thread.Posts, ChanPost{
			Descriptor: descriptor.NewPostDescriptor(dvachName, td.BoardCode(), td.ThreadNo, p.Num, 0),
			Comment:    p.Comment,
			Closed:     p.Closed != 0,
		})
	}
	return thread, nil
}
