package research

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// YouTubeTranscriptFetcher retrieves a video's auto-generated or uploaded
// caption track through YouTube's unauthenticated timedtext endpoint and
// concatenates it into plain text.
type YouTubeTranscriptFetcher struct {
	client *http.Client
}

var _ TranscriptFetcher = (*YouTubeTranscriptFetcher)(nil)

// NewYouTubeTranscriptFetcher constructs a fetcher.
func NewYouTubeTranscriptFetcher(client *http.Client) *YouTubeTranscriptFetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &YouTubeTranscriptFetcher{client: client}
}

type timedTextDoc struct {
	Texts []struct {
		Start   string `xml:"start,attr"`
		Content string `xml:",chardata"`
	} `xml:"text"`
}

// FetchTranscript retrieves and flattens the English transcript for
// videoID, returning a *TranscriptError with a typed Kind when extraction
// fails (spec §7's transcript error-kind table).
func (f *YouTubeTranscriptFetcher) FetchTranscript(ctx context.Context, videoID string) (string, error) {
	if strings.TrimSpace(videoID) == "" {
		return "", &TranscriptError{Kind: VideoNotFound, Message: "empty video id"}
	}

	q := url.Values{}
	q.Set("v", videoID)
	q.Set("lang", "en")
	endpoint := "https://www.youtube.com/api/timedtext?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", &TranscriptError{Kind: TranscriptUnknown, Message: err.Error()}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", &TranscriptError{Kind: TranscriptTimeout, Message: err.Error()}
		}
		return "", &TranscriptError{Kind: TranscriptNetwork, Message: err.Error()}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return "", &TranscriptError{Kind: TranscriptRateLimit, Message: "rate limited by youtube"}
	case http.StatusNotFound:
		return "", &TranscriptError{Kind: VideoNotFound, Message: fmt.Sprintf("video %s not found", videoID)}
	case http.StatusForbidden:
		return "", &TranscriptError{Kind: TranscriptRegionLock, Message: "request blocked, possibly region-locked"}
	}
	if resp.StatusCode >= 400 {
		return "", &TranscriptError{Kind: TranscriptUnknown, Message: fmt.Sprintf("status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", &TranscriptError{Kind: TranscriptNetwork, Message: err.Error()}
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return "", &TranscriptError{Kind: TranscriptDisabled, Message: "no captions available for this video"}
	}

	var doc timedTextDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return "", &TranscriptError{Kind: TranscriptParsing, Message: err.Error()}
	}
	if len(doc.Texts) == 0 {
		return "", &TranscriptError{Kind: TranscriptDisabled, Message: "caption track parsed but contained no text"}
	}

	var sb strings.Builder
	for _, t := range doc.Texts {
		sb.WriteString(html.UnescapeString(strings.TrimSpace(t.Content)))
		sb.WriteString(" ")
	}
	return strings.TrimSpace(sb.String()), nil
}
