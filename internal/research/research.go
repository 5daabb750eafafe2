// Package research defines the narrow external-dependency contracts the
// tool layer dispatches against (web scraping, web/academic/patent search,
// video transcripts) plus a default net/http-backed implementation of
// each, adapted from the teacher's REST executor retry/backoff idiom.
package research

import (
	"context"
	"time"
)

// Page is the normalized result of fetching and extracting a URL.
type Page struct {
	URL         string
	ContentType string
	Title       string
	Content     string
	Metadata    map[string]any
	FetchedAt   time.Time
}

// SearchResult is one hit from a SearchClient/AcademicSearchClient/
// PatentSearchClient query.
type SearchResult struct {
	URL         string
	Title       string
	Snippet     string
	PublishedAt *time.Time
	Source      string // e.g. domain, journal name, assignee
}

// Scraper fetches a URL and extracts readable content from it. Callers are
// responsible for passing the URL through a URL validator first; Scraper
// implementations perform no SSRF checking of their own.
type Scraper interface {
	Fetch(ctx context.Context, url string, maxLength int) (*Page, error)
}

// DocumentParser extracts a title and plain-text body from a content-typed
// payload (HTML, PDF, or plain text).
type DocumentParser interface {
	Extract(contentType string, body []byte) (title, text string, err error)
}

// TranscriptErrorKind enumerates the typed YouTube transcript failures of
// spec §7's error-kind table.
type TranscriptErrorKind string

const (
	TranscriptDisabled   TranscriptErrorKind = "TRANSCRIPT_DISABLED"
	VideoUnavailable     TranscriptErrorKind = "VIDEO_UNAVAILABLE"
	VideoNotFound        TranscriptErrorKind = "VIDEO_NOT_FOUND"
	TranscriptNetwork    TranscriptErrorKind = "NETWORK_ERROR"
	TranscriptRateLimit  TranscriptErrorKind = "RATE_LIMITED"
	TranscriptTimeout    TranscriptErrorKind = "TIMEOUT"
	TranscriptParsing    TranscriptErrorKind = "PARSING_ERROR"
	TranscriptRegionLock TranscriptErrorKind = "REGION_BLOCKED"
	TranscriptPrivate    TranscriptErrorKind = "PRIVATE_VIDEO"
	TranscriptUnknown    TranscriptErrorKind = "UNKNOWN"
)

// TranscriptError is the typed error returned by a TranscriptFetcher.
type TranscriptError struct {
	Kind    TranscriptErrorKind
	Message string
}

func (e *TranscriptError) Error() string { return string(e.Kind) + ": " + e.Message }

// TranscriptFetcher retrieves the transcript text for a video id.
type TranscriptFetcher interface {
	FetchTranscript(ctx context.Context, videoID string) (string, error)
}

// SearchClient performs a general web search.
type SearchClient interface {
	Search(ctx context.Context, query string, numResults int) ([]SearchResult, error)
}

// AcademicSearchClient performs a scholarly-literature search.
type AcademicSearchClient interface {
	SearchAcademic(ctx context.Context, query string, numResults int) ([]SearchResult, error)
}

// PatentSearchClient performs a patent-filing search.
type PatentSearchClient interface {
	SearchPatents(ctx context.Context, query string, numResults int) ([]SearchResult, error)
}
