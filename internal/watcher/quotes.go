package watcher

import (
	"regexp"
	"strconv"

	"github.com/chanwatch/backend/internal/descriptor"
	"github.com/chanwatch/backend/internal/sites"
)

// FoundPostReply records that Origin's body quotes RepliesTo.
type FoundPostReply struct {
	Origin    descriptor.PostDescriptor
	RepliesTo descriptor.PostDescriptor
}

// FindPostReplies runs the site's quote regex over every post of the
// thread and reconstructs the quoted descriptors. Quotes resolve
// within the same thread. The result is deduplicated: a post quoting
// the same target twice yields one entry, and self-quotes are
// dropped.
func FindPostReplies(thread *sites.ChanThread, quoteRe *regexp.Regexp) []FoundPostReply {
	seen := make(map[FoundPostReply]struct{})
	var found []FoundPostReply

	td := thread.Descriptor
	for _, post := range thread.Posts {
		if post.Comment == "" {
			continue
		}
		for _, m := range quoteRe.FindAllStringSubmatch(post.Comment, -1) {
			quotedNo, err := strconv.ParseUint(m[1], 10, 64)
			if err != nil {
				continue
			}

			reply := FoundPostReply{
				Origin: post.Descriptor,
				RepliesTo: descriptor.NewPostDescriptor(
					td.SiteName(), td.BoardCode(), td.ThreadNo, quotedNo, 0),
			}
			if reply.Origin.Equals(reply.RepliesTo) {
				continue
			}
			if _, dup := seen[reply]; dup {
				continue
			}
			seen[reply] = struct{}{}
			found = append(found, reply)
		}
	}
	return found
}
