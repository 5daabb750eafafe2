package research

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// GoogleSearchClient implements SearchClient against the Google Custom
// Search JSON API (https://developers.google.com/custom-search/v1/overview).
type GoogleSearchClient struct {
	apiKey         string
	searchEngineID string
	client         *http.Client
	endpoint       string
}

var _ SearchClient = (*GoogleSearchClient)(nil)

// NewGoogleSearchClient constructs a client. apiKey and searchEngineID
// correspond to GOOGLE_CUSTOM_SEARCH_API_KEY / GOOGLE_CUSTOM_SEARCH_ID.
func NewGoogleSearchClient(apiKey, searchEngineID string, client *http.Client) *GoogleSearchClient {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &GoogleSearchClient{
		apiKey:         apiKey,
		searchEngineID: searchEngineID,
		client:         client,
		endpoint:       "https://www.googleapis.com/customsearch/v1",
	}
}

type googleSearchResponse struct {
	Items []struct {
		Title       string `json:"title"`
		Link        string `json:"link"`
		Snippet     string `json:"snippet"`
		DisplayLink string `json:"displayLink"`
		Pagemap     struct {
			Metatags []map[string]string `json:"metatags"`
		} `json:"pagemap"`
	} `json:"items"`
}

// Search queries the Google Custom Search API for up to numResults hits.
func (c *GoogleSearchClient) Search(ctx context.Context, query string, numResults int) ([]SearchResult, error) {
	if numResults <= 0 {
		numResults = 3
	}
	if numResults > 10 {
		numResults = 10 // Custom Search API caps a single request at 10.
	}

	q := url.Values{}
	q.Set("key", c.apiKey)
	q.Set("cx", c.searchEngineID)
	q.Set("q", query)
	q.Set("num", strconv.Itoa(numResults))

	reqURL := c.endpoint + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
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

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			retryAfter = 0
			continue
		}
		body := resp.Body
		defer body.Close()

		retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		if resp.StatusCode >= 400 {
			lastErr = fmt.Errorf("google custom search: status %d", resp.StatusCode)
			if !isRetryableStatus(resp.StatusCode, false) {
				return nil, lastErr
			}
			continue
		}

		var parsed googleSearchResponse
		if err := json.NewDecoder(body).Decode(&parsed); err != nil {
			return nil, fmt.Errorf("decode google custom search response: %w", err)
		}

		results := make([]SearchResult, 0, len(parsed.Items))
		for _, item := range parsed.Items {
			results = append(results, SearchResult{
				URL:     item.Link,
				Title:   item.Title,
				Snippet: item.Snippet,
				Source:  item.DisplayLink,
			})
		}
		return results, nil
	}
	return nil, fmt.Errorf("google custom search: exhausted retries: %w", lastErr)
}
