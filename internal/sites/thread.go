package sites

import (
	"time"

	"github.com/chanwatch/backend/internal/descriptor"
)

// ChanPost is one parsed post in site-independent form. Comment holds
// the HTML body as served; quote extraction runs over it unmodified.
type ChanPost struct {
	Descriptor descriptor.PostDescriptor
	Comment    string
	Closed     bool
	Archived   bool
}

// ChanThread is a parsed thread, full or partial.
type ChanThread struct {
	Descriptor descriptor.ThreadDescriptor
	Posts      []ChanPost
}

// IsDead reports whether the thread is closed or archived. Only the
// first post of a full load carries the flags; a partial load never
// reports dead.
func (t *ChanThread) IsDead() bool {
	if len(t.Posts) == 0 {
		return false
	}
	op := t.Posts[0]
	return op.Closed || op.Archived
}

// LoadResultKind enumerates the ThreadLoadResult variants.
type LoadResultKind int

const (
	// LoadSuccess carries a parsed thread and the remote Last-Modified.
	LoadSuccess LoadResultKind = iota
	// LoadNotModified means the remote Last-Modified is not newer than
	// the stored one; the body was never fetched.
	LoadNotModified
	// LoadSiteNotSupported means no JSON endpoint exists for the thread.
	LoadSiteNotSupported
	// LoadHeadBadStatus / LoadGetBadStatus carry the HTTP status code.
	LoadHeadBadStatus
	LoadGetBadStatus
	// LoadFailedToRead means the body could not be parsed; Preview
	// holds up to 512 characters of it for diagnostics.
	LoadFailedToRead
)

func (k LoadResultKind) String() string {
	switch k {
	case LoadSuccess:
		return "Success"
	case LoadNotModified:
		return "NotModifiedSinceLastCheck"
	case LoadSiteNotSupported:
		return "SiteNotSupported"
	case LoadHeadBadStatus:
		return "HeadBadStatus"
	case LoadGetBadStatus:
		return "GetBadStatus"
	case LoadFailedToRead:
		return "FailedToReadChanThread"
	default:
		return "Unknown"
	}
}

// ThreadLoadResult is the outcome of one LoadThread call.
type ThreadLoadResult struct {
	Kind         LoadResultKind
	Thread       *ChanThread
	LastModified *time.Time
	StatusCode   int
	Preview      string
}

// Terminal reports whether the thread should be marked dead: the site
// has no endpoint or the full endpoint is permanently gone.
func (r ThreadLoadResult) Terminal() bool {
	switch r.Kind {
	case LoadSiteNotSupported:
		return true
	case LoadHeadBadStatus, LoadGetBadStatus:
		return r.StatusCode == 404
	case LoadFailedToRead:
		return true
	default:
		return false
	}
}
