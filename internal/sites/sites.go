// Package sites implements the per-imageboard adapters: URL
// recognition, descriptor/URL conversion, quote extraction and the
// thread JSON load protocol with full and tail (partial) variants.
package sites

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/chanwatch/backend/internal/descriptor"
)

// Site is the capability set every supported imageboard provides.
type Site interface {
	// Name is the stable site key, e.g. "4chan".
	Name() string

	// Matches reports whether the site descriptor refers to this site.
	Matches(sd descriptor.SiteDescriptor) bool

	// URLMatches reports whether a user-supplied post URL belongs to
	// this site.
	URLMatches(rawURL string) bool

	// PostURLToDescriptor parses a user-supplied post URL.
	PostURLToDescriptor(rawURL string) (descriptor.PostDescriptor, bool)

	// DescriptorToURL renders the canonical post URL; the inverse of
	// PostURLToDescriptor.
	DescriptorToURL(pd descriptor.PostDescriptor) string

	// ThreadJSONEndpoint returns the thread JSON URL. When
	// lastProcessed is non-nil and the site has a tail endpoint, the
	// tail variant is returned.
	ThreadJSONEndpoint(td descriptor.ThreadDescriptor, lastProcessed *descriptor.PostDescriptor) string

	// QuoteRegex matches the HTML form of a ">>N" quote; capture
	// group 1 is the quoted post number.
	QuoteRegex() *regexp.Regexp

	// LoadThread runs the HEAD/Last-Modified/GET protocol against the
	// thread endpoint and parses the body.
	LoadThread(ctx context.Context, td descriptor.ThreadDescriptor,
		lastProcessed *descriptor.PostDescriptor, lastModifiedLocal *time.Time) ThreadLoadResult
}

// Registry holds the supported sites in registration order. The site
// list is small and static; it is populated once at init time and
// never mutated afterwards, so lookups need no locking.
type Registry struct {
	order []Site
	byKey map[string]Site
}

func NewRegistry(sites ...Site) *Registry {
	r := &Registry{byKey: make(map[string]Site, len(sites))}
	for _, s := range sites {
		r.order = append(r.order, s)
		r.byKey[strings.ToLower(s.Name())] = s
	}
	return r
}

// DefaultRegistry wires the production site list against the given
// HTTP client.
func DefaultRegistry(client *http.Client) *Registry {
	return NewRegistry(NewFourChan(client), NewDvach(client))
}

func (r *Registry) ByName(name string) (Site, bool) {
	s, ok := r.byKey[strings.ToLower(name)]
	return s, ok
}

func (r *Registry) ByDescriptor(sd descriptor.SiteDescriptor) (Site, bool) {
	return r.ByName(sd.SiteName)
}

// ByURL finds the site that recognizes a user-supplied post URL.
func (r *Registry) ByURL(rawURL string) (Site, bool) {
	for _, s := range r.order {
		if s.URLMatches(rawURL) {
			return s, true
		}
	}
	return nil, false
}

// PostURLToDescriptor resolves a post URL across all sites.
func (r *Registry) PostURLToDescriptor(rawURL string) (descriptor.PostDescriptor, bool) {
	s, ok := r.ByURL(rawURL)
	if !ok {
		return descriptor.PostDescriptor{}, false
	}
	return s.PostURLToDescriptor(rawURL)
}

// All returns the sites in registration order.
func (r *Registry) All() []Site {
	return r.order
}
