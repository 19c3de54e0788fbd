// Package descriptor defines the canonical identity scheme for
// imageboard posts: site → board → thread → post (+ sub-post for
// sites that support multi-posts). Descriptors are pure values with a
// total order; all storage and matching layers key on them.
package descriptor

import (
	"fmt"
	"net/url"
	"strings"
)

// SiteDescriptor identifies an imageboard. Site names compare
// case-insensitively.
type SiteDescriptor struct {
	SiteName string
}

func NewSiteDescriptor(siteName string) SiteDescriptor {
	return SiteDescriptor{SiteName: siteName}
}

func (sd SiteDescriptor) Equals(other SiteDescriptor) bool {
	return strings.EqualFold(sd.SiteName, other.SiteName)
}

func (sd SiteDescriptor) String() string {
	return sd.SiteName
}

// CatalogDescriptor identifies a board on a site.
type CatalogDescriptor struct {
	Site      SiteDescriptor
	BoardCode string
}

func NewCatalogDescriptor(siteName, boardCode string) CatalogDescriptor {
	return CatalogDescriptor{Site: NewSiteDescriptor(siteName), BoardCode: boardCode}
}

func (cd CatalogDescriptor) String() string {
	return fmt.Sprintf("%s/%s", cd.Site.SiteName, cd.BoardCode)
}

// ThreadDescriptor identifies a thread on a board.
type ThreadDescriptor struct {
	Catalog  CatalogDescriptor
	ThreadNo uint64
}

func NewThreadDescriptor(siteName, boardCode string, threadNo uint64) ThreadDescriptor {
	return ThreadDescriptor{Catalog: NewCatalogDescriptor(siteName, boardCode), ThreadNo: threadNo}
}

func (td ThreadDescriptor) SiteName() string  { return td.Catalog.Site.SiteName }
func (td ThreadDescriptor) BoardCode() string { return td.Catalog.BoardCode }

func (td ThreadDescriptor) String() string {
	return fmt.Sprintf("%s/%s/%d", td.SiteName(), td.BoardCode(), td.ThreadNo)
}

// PostDescriptor is the five-tuple identity of a single post. SubNo
// is zero on sites without multi-posts.
type PostDescriptor struct {
	Thread ThreadDescriptor
	PostNo uint64
	SubNo  uint64
}

func NewPostDescriptor(siteName, boardCode string, threadNo, postNo, subNo uint64) PostDescriptor {
	return PostDescriptor{
		Thread: NewThreadDescriptor(siteName, boardCode, threadNo),
		PostNo: postNo,
		SubNo:  subNo,
	}
}

func (pd PostDescriptor) SiteName() string  { return pd.Thread.SiteName() }
func (pd PostDescriptor) BoardCode() string { return pd.Thread.BoardCode() }
func (pd PostDescriptor) ThreadNo() uint64  { return pd.Thread.ThreadNo }

// String renders the canonical form site/board/thread/post/sub.
func (pd PostDescriptor) String() string {
	return fmt.Sprintf("%s/%s/%d/%d/%d",
		pd.SiteName(), pd.BoardCode(), pd.ThreadNo(), pd.PostNo, pd.SubNo)
}

// URLSafeString renders a form safe to embed in a query parameter.
func (pd PostDescriptor) URLSafeString() string {
	return url.PathEscape(pd.String())
}

func (pd PostDescriptor) Equals(other PostDescriptor) bool {
	return Compare(pd, other) == 0
}

// Compare is the canonical total order: lexicographic over
// (site, board, thread, post, sub). Site names compare
// case-insensitively, matching SiteDescriptor equality.
func Compare(a, b PostDescriptor) int {
	if c := compareFold(a.SiteName(), b.SiteName()); c != 0 {
		return c
	}
	if c := strings.Compare(a.BoardCode(), b.BoardCode()); c != 0 {
		return c
	}
	if c := compareUint64(a.ThreadNo(), b.ThreadNo()); c != 0 {
		return c
	}
	if c := compareUint64(a.PostNo, b.PostNo); c != 0 {
		return c
	}
	return compareUint64(a.SubNo, b.SubNo)
}

func compareFold(a, b string) int {
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}

func compareUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
