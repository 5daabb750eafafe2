package tools

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/zoharbabin/google-research-mcp/internal/research"
)

var youtubeHostPattern = regexp.MustCompile(`(?i)^(www\.)?(youtube\.com|youtu\.be|m\.youtube\.com)$`)

// ScrapePageResult is scrape_page's output shape (spec §4.6).
type ScrapePageResult struct {
	URL            string         `json:"url"`
	ContentType    string         `json:"contentType"`
	Content        string         `json:"content,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Citation       string         `json:"citation,omitempty"`
	Truncated      bool           `json:"truncated"`
	OriginalLength int            `json:"originalLength,omitempty"`
}

// NewScrapePageSpec builds the scrape_page ToolSpec: single-URL content
// extraction, with YouTube URLs routed to the transcript fetcher instead of
// the generic HTML scraper.
func NewScrapePageSpec(scraper research.Scraper, transcripts research.TranscriptFetcher) *ToolSpec {
	handler := func(ctx context.Context, tc Context, args map[string]any) (any, error) {
		rawURL, _ := args["url"].(string)
		mode, _ := args["mode"].(string)
		if mode == "" {
			mode = "full"
		}
		maxLength := intArg(args, "max_length", 50_000)

		if videoID, ok := youtubeVideoID(rawURL); ok {
			return scrapeYouTube(ctx, transcripts, rawURL, videoID, mode, maxLength)
		}

		page, err := scraper.Fetch(ctx, rawURL, maxLength)
		if err != nil {
			return nil, fmt.Errorf("scrape %s: %w", rawURL, err)
		}

		content := page.Content
		truncated := false
		if mode == "preview" && len(content) > 500 {
			content = content[:500]
			truncated = true
		}

		return &ScrapePageResult{
			URL:         page.URL,
			ContentType: page.ContentType,
			Content:     content,
			Metadata:    page.Metadata,
			Citation:    fmt.Sprintf("%s. %s. Retrieved %s.", page.Title, page.URL, page.FetchedAt.Format("2006-01-02")),
			Truncated:   truncated || len(page.Content) > maxLength,
		}, nil
	}

	return &ToolSpec{
		Name:          "scrape_page",
		Description:   "Fetch a single URL and extract its readable content, or a YouTube transcript if the URL is a video.",
		RequiredScope: "mcp:tool:scrape_page:execute",
		DefaultTTL:    30 * time.Minute,
		Timeout:       20 * time.Second,
		Cacheable:     true,
		Annotations:   Annotations{ReadOnlyHint: true, OpenWorldHint: true},
		Handler:       handler,
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"url"},
			"properties": map[string]any{
				"url":        map[string]any{"type": "string", "format": "uri"},
				"mode":       map[string]any{"type": "string", "enum": []string{"full", "preview"}, "default": "full"},
				"max_length": map[string]any{"type": "integer", "minimum": 1, "default": 50000},
			},
		},
	}
}

func scrapeYouTube(ctx context.Context, transcripts research.TranscriptFetcher, rawURL, videoID, mode string, maxLength int) (any, error) {
	if transcripts == nil {
		return nil, errUpstreamFailure("transcript fetching is not configured")
	}
	text, err := transcripts.FetchTranscript(ctx, videoID)
	if err != nil {
		var terr *research.TranscriptError
		if errors.As(err, &terr) {
			return nil, &Error{Code: codeUpstreamFailure, Kind: string(terr.Kind), Message: terr.Message}
		}
		return nil, err
	}

	truncated := false
	if mode == "preview" && len(text) > 500 {
		text = text[:500]
		truncated = true
	} else if len(text) > maxLength {
		text = text[:maxLength]
		truncated = true
	}

	return &ScrapePageResult{
		URL:         rawURL,
		ContentType: "text/plain",
		Content:     text,
		Metadata:    map[string]any{"videoId": videoID, "source": "youtube_transcript"},
		Citation:    fmt.Sprintf("YouTube video %s. %s.", videoID, rawURL),
		Truncated:   truncated,
	}, nil
}

// youtubeVideoID extracts a video id from youtube.com/watch?v=, youtu.be/,
// and /shorts/ URL shapes; ok is false for anything else.
func youtubeVideoID(rawURL string) (id string, ok bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	if !youtubeHostPattern.MatchString(u.Hostname()) {
		return "", false
	}
	if u.Hostname() == "youtu.be" {
		id = strings.Trim(u.Path, "/")
		return id, id != ""
	}
	if strings.HasPrefix(u.Path, "/shorts/") {
		id = strings.TrimPrefix(u.Path, "/shorts/")
		id = strings.SplitN(id, "/", 2)[0]
		return id, id != ""
	}
	id = u.Query().Get("v")
	return id, id != ""
}
