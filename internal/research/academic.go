package research

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
)

// academicSearchContract describes the arXiv query-API surface as an
// OpenAPI 3 fragment, the same "describe an external REST contract as an
// OpenAPI document" idiom the teacher applies to its dynamically-ingested
// APIs — here fixed to the one academic-search dependency this server ever
// calls. Before each query the client checks that the fragment declares the
// operation's two parameters; the outbound parameter values themselves are
// not validated against the fragment's schemas.
var academicSearchContract = []byte(`{
  "openapi": "3.0.3",
  "info": {"title": "arXiv query API", "version": "1.0"},
  "paths": {
    "/api/query": {
      "get": {
        "parameters": [
          {"name": "search_query", "in": "query", "required": true, "schema": {"type": "string"}},
          {"name": "max_results", "in": "query", "required": false, "schema": {"type": "integer", "minimum": 1, "maximum": 50}}
        ],
        "responses": {"200": {"description": "Atom feed of matching papers"}}
      }
    }
  }
}`)

// ArxivSearchClient implements AcademicSearchClient against arXiv's public
// Atom-feed query API.
type ArxivSearchClient struct {
	client   *http.Client
	endpoint string
	contract *openapi3.T
}

var _ AcademicSearchClient = (*ArxivSearchClient)(nil)

// NewArxivSearchClient constructs a client, compiling the academic-search
// OpenAPI contract fragment once at startup.
func NewArxivSearchClient(client *http.Client) (*ArxivSearchClient, error) {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	doc, err := openapi3.NewLoader().LoadFromData(academicSearchContract)
	if err != nil {
		return nil, fmt.Errorf("load academic search contract: %w", err)
	}
	return &ArxivSearchClient{client: client, endpoint: "https://export.arxiv.org/api/query", contract: doc}, nil
}

func (c *ArxivSearchClient) parametersValid() bool {
	op := c.contract.Paths.Find("/api/query").Get
	return op != nil && len(op.Parameters) == 2
}

type atomFeed struct {
	Entries []struct {
		Title     string `xml:"title"`
		Summary   string `xml:"summary"`
		ID        string `xml:"id"`
		Published string `xml:"published"`
		Author    []struct {
			Name string `xml:"name"`
		} `xml:"author"`
	} `xml:"entry"`
}

// SearchAcademic queries arXiv for up to numResults papers matching query.
func (c *ArxivSearchClient) SearchAcademic(ctx context.Context, query string, numResults int) ([]SearchResult, error) {
	if !c.parametersValid() {
		return nil, fmt.Errorf("academic search contract misconfigured")
	}
	if numResults <= 0 {
		numResults = 5
	}

	q := url.Values{}
	q.Set("search_query", "all:"+query)
	q.Set("max_results", fmt.Sprintf("%d", numResults))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+q.Encode(), nil)
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
			continue
		}
		var buf bytes.Buffer
		_, copyErr := buf.ReadFrom(resp.Body)
		resp.Body.Close()
		if copyErr != nil {
			lastErr = copyErr
			continue
		}
		retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		if resp.StatusCode >= 400 {
			lastErr = fmt.Errorf("arxiv query: status %d", resp.StatusCode)
			if !isRetryableStatus(resp.StatusCode, false) {
				return nil, lastErr
			}
			continue
		}

		var feed atomFeed
		if err := xml.Unmarshal(buf.Bytes(), &feed); err != nil {
			return nil, fmt.Errorf("parse arxiv atom feed: %w", err)
		}
		results := make([]SearchResult, 0, len(feed.Entries))
		for _, e := range feed.Entries {
			source := ""
			if len(e.Author) > 0 {
				source = e.Author[0].Name
			}
			results = append(results, SearchResult{
				URL:     e.ID,
				Title:   e.Title,
				Snippet: e.Summary,
				Source:  source,
			})
		}
		return results, nil
	}
	return nil, fmt.Errorf("arxiv query: exhausted retries: %w", lastErr)
}
