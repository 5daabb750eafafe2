package research

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/zoharbabin/google-research-mcp/internal/urlvalidator"
)

const maxFetchBytes = 10 << 20 // 10 MB, bounds memory for any single fetched page.

// HTTPScraper fetches URLs over HTTP, validating each one against a
// urlvalidator.Validator to close the SSRF hole the teacher's codebase
// never had to think about (its executor only ever dialed
// operator-configured base URLs), then extracts readable text via parser.
type HTTPScraper struct {
	client    *http.Client
	validator *urlvalidator.Validator
	parser    DocumentParser
	logger    *slog.Logger
}

var _ Scraper = (*HTTPScraper)(nil)

// NewHTTPScraper constructs an HTTPScraper. If client is nil a default
// client with a 30s timeout is used.
func NewHTTPScraper(client *http.Client, validator *urlvalidator.Validator, parser DocumentParser, logger *slog.Logger) *HTTPScraper {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if parser == nil {
		parser = HTMLParser{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPScraper{client: client, validator: validator, parser: parser, logger: logger.With("component", "research-scraper")}
}

// Fetch retrieves url, applies the configured URL validator, and extracts
// up to maxLength runes of readable content. Transient upstream failures
// are retried with exponential backoff per retry.go.
func (s *HTTPScraper) Fetch(ctx context.Context, rawURL string, maxLength int) (*Page, error) {
	if s.validator != nil {
		if err := s.validator.Validate(ctx, rawURL); err != nil {
			return nil, err
		}
	}

	var lastErr error
	var retryAfter time.Duration
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay(attempt-1, retryAfter)):
			}
		}

		page, nextRetryAfter, status, err := s.fetchOnce(ctx, rawURL, maxLength)
		if err == nil {
			return page, nil
		}
		lastErr = err
		retryAfter = nextRetryAfter
		if !isRetryableStatus(status, status == 0) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("fetch %s: exhausted retries: %w", rawURL, lastErr)
}

func (s *HTTPScraper) fetchOnce(ctx context.Context, rawURL string, maxLength int) (*Page, time.Duration, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, 0, err
	}
	req.Header.Set("User-Agent", "research-mcp-server/1.0 (+https://modelcontextprotocol.io)")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
	if resp.StatusCode >= 400 {
		return nil, retryAfter, resp.StatusCode, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, 0, resp.StatusCode, fmt.Errorf("read body of %s: %w", rawURL, err)
	}

	contentType := resp.Header.Get("Content-Type")
	title, text, err := s.parser.Extract(contentType, body)
	if err != nil {
		return nil, 0, resp.StatusCode, fmt.Errorf("extract content from %s: %w", rawURL, err)
	}
	originalLength := len(text)
	truncated := false
	if maxLength > 0 && originalLength > maxLength {
		text = truncateAtBoundary(text, maxLength)
		truncated = true
	}

	return &Page{
		URL:         rawURL,
		ContentType: contentType,
		Title:       title,
		Content:     text,
		FetchedAt:   time.Now(),
		Metadata: map[string]any{
			"originalLength": originalLength,
			"truncated":      truncated,
			"statusCode":     resp.StatusCode,
		},
	}, 0, resp.StatusCode, nil
}

// truncateAtBoundary cuts s to at most maxLength runes, backing off to the
// nearest preceding paragraph or sentence boundary so content isn't sheared
// mid-word.
func truncateAtBoundary(s string, maxLength int) string {
	runes := []rune(s)
	if len(runes) <= maxLength {
		return s
	}
	cut := string(runes[:maxLength])
	if idx := lastIndexAny(cut, "\n\n"); idx > maxLength/2 {
		return cut[:idx]
	}
	if idx := lastIndexAny(cut, ". "); idx > maxLength/2 {
		return cut[:idx+1]
	}
	return cut
}

func lastIndexAny(s, sep string) int {
	idx := -1
	for i := 0; i+len(sep) <= len(s); i++ {
		if s[i:i+len(sep)] == sep {
			idx = i
		}
	}
	return idx
}
