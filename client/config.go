package client

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/famomatic/bilicrawl/internal/download"
)

// Credential carries the bilibili session cookies. All fields are optional;
// anonymous access works for search and most metadata, logged-in sessions
// unlock higher stream qualities.
type Credential struct {
	SESSDATA string
	BiliJCT  string
	Buvid3   string
}

// Empty reports whether no cookie is set.
func (c Credential) Empty() bool {
	return c.SESSDATA == "" && c.BiliJCT == "" && c.Buvid3 == ""
}

// Option customizes a Client at construction.
type Option func(*Client)

// WithLogger sets the logger for the client and every component under it.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithHTTPClient sets the HTTP client used for API calls and transfers.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithCredential sets the session cookies sent on API calls.
func WithCredential(cred Credential) Option {
	return func(c *Client) { c.cred = cred }
}

// WithSearcher replaces the keyword search collaborator.
func WithSearcher(s Searcher) Option {
	return func(c *Client) { c.searcher = s }
}

// WithInfoFetcher replaces the metadata fetch collaborator.
func WithInfoFetcher(f InfoFetcher) Option {
	return func(c *Client) { c.info = f }
}

// WithStreamResolver replaces the stream resolution collaborator.
func WithStreamResolver(r download.StreamSource) Option {
	return func(c *Client) { c.resolver = r }
}

// WithAPIBase points the built-in collaborators at a different API origin.
// Tests use it to aim at a local server.
func WithAPIBase(base string) Option {
	return func(c *Client) { c.apiBase = base }
}
