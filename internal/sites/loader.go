package sites

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chanwatch/backend/internal/descriptor"
)

// errPartialParseFailed is returned by tail parsers when the tail
// window does not cover the stored cursor (or the tail response is
// malformed); the loader falls back to a full load.
var errPartialParseFailed = errors.New("partial thread parse failed")

const previewLength = 512

// threadLoader runs the shared HEAD / Last-Modified / GET protocol.
// Sites plug in their endpoint resolver and body parser.
type threadLoader struct {
	client   *http.Client
	endpoint func(td descriptor.ThreadDescriptor, lastProcessed *descriptor.PostDescriptor) string
	parse    func(td descriptor.ThreadDescriptor, body []byte, lastProcessed *descriptor.PostDescriptor) (*ChanThread, error)
}

func (l *threadLoader) load(ctx context.Context, td descriptor.ThreadDescriptor,
	lastProcessed *descriptor.PostDescriptor, lastModifiedLocal *time.Time) ThreadLoadResult {

	endpoint := l.endpoint(td, lastProcessed)
	if endpoint == "" {
		return ThreadLoadResult{Kind: LoadSiteNotSupported}
	}

	headStatus, lastModified, err := l.head(ctx, endpoint)
	if err != nil {
		// Network-level failure; retried next cycle.
		logrus.WithError(err).WithField("endpoint", endpoint).Warn("thread HEAD failed")
		return ThreadLoadResult{Kind: LoadHeadBadStatus}
	}
	if headStatus == http.StatusNotFound && lastProcessed != nil {
		// The tail endpoint has scrolled past; retry as a full load.
		return l.load(ctx, td, nil, lastModifiedLocal)
	}
	if headStatus != http.StatusOK {
		return ThreadLoadResult{Kind: LoadHeadBadStatus, StatusCode: headStatus}
	}

	if lastModified != nil && lastModifiedLocal != nil && !lastModified.After(*lastModifiedLocal) {
		return ThreadLoadResult{Kind: LoadNotModified}
	}

	getStatus, body, err := l.get(ctx, endpoint)
	if err != nil {
		logrus.WithError(err).WithField("endpoint", endpoint).Warn("thread GET failed")
		return ThreadLoadResult{Kind: LoadGetBadStatus}
	}
	if getStatus == http.StatusNotFound && lastProcessed != nil {
		return l.load(ctx, td, nil, lastModifiedLocal)
	}
	if getStatus != http.StatusOK {
		return ThreadLoadResult{Kind: LoadGetBadStatus, StatusCode: getStatus}
	}

	thread, err := l.parse(td, body, lastProcessed)
	if err != nil {
		if errors.Is(err, errPartialParseFailed) && lastProcessed != nil {
			// Posts fell between the tail window and our cursor; a
			// full load closes the gap.
			return l.load(ctx, td, nil, lastModifiedLocal)
		}
		return ThreadLoadResult{Kind: LoadFailedToRead, Preview: preview(body)}
	}

	return ThreadLoadResult{Kind: LoadSuccess, Thread: thread, LastModified: lastModified}
}

func (l *threadLoader) head(ctx context.Context, endpoint string) (int, *time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build HEAD request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	var lastModified *time.Time
	if raw := resp.Header.Get("Last-Modified"); raw != "" {
		if t, err := http.ParseTime(raw); err == nil {
			lastModified = &t
		}
		// Unparseable Last-Modified is treated as unknown.
	}
	return resp.StatusCode, lastModified, nil
}

func (l *threadLoader) get(ctx context.Context, endpoint string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build GET request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read thread body: %w", err)
	}
	return resp.StatusCode, body, nil
}

func preview(body []byte) string {
	if len(body) > previewLength {
		body = body[:previewLength]
	}
	return string(body)
}
