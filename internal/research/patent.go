package research

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
)

// patentSearchContract mirrors academicSearchContract's approach, fixed to
// the PatentsView search API's single query endpoint.
var patentSearchContract = []byte(`{
  "openapi": "3.0.3",
  "info": {"title": "PatentsView search API", "version": "1.0"},
  "paths": {
    "/patents/query": {
      "get": {
        "parameters": [
          {"name": "q", "in": "query", "required": true, "schema": {"type": "string"}}
        ],
        "responses": {"200": {"description": "Matching patent filings"}}
      }
    }
  }
}`)

// PatentsViewClient implements PatentSearchClient against the PatentsView
// search API.
type PatentsViewClient struct {
	client   *http.Client
	endpoint string
	contract *openapi3.T
}

var _ PatentSearchClient = (*PatentsViewClient)(nil)

// NewPatentsViewClient constructs a client, compiling the patent-search
// OpenAPI contract fragment once at startup.
func NewPatentsViewClient(client *http.Client) (*PatentsViewClient, error) {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	doc, err := openapi3.NewLoader().LoadFromData(patentSearchContract)
	if err != nil {
		return nil, fmt.Errorf("load patent search contract: %w", err)
	}
	return &PatentsViewClient{client: client, endpoint: "https://search.patentsview.org/api/v1/patent", contract: doc}, nil
}

func (c *PatentsViewClient) parametersValid() bool {
	op := c.contract.Paths.Find("/patents/query").Get
	return op != nil && len(op.Parameters) == 1
}

type patentsViewResponse struct {
	Patents []struct {
		PatentID    string `json:"patent_id"`
		PatentTitle string `json:"patent_title"`
		PatentDate  string `json:"patent_date"`
		Assignees   []struct {
			AssigneeOrganization string `json:"assignee_organization"`
		} `json:"assignees"`
	} `json:"patents"`
}

// SearchPatents queries PatentsView for up to numResults filings matching
// query.
func (c *PatentsViewClient) SearchPatents(ctx context.Context, query string, numResults int) ([]SearchResult, error) {
	if !c.parametersValid() {
		return nil, fmt.Errorf("patent search contract misconfigured")
	}
	if numResults <= 0 {
		numResults = 5
	}

	criteria, err := json.Marshal(map[string]any{"_text_any": map[string]string{"patent_title": query}})
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("q", string(criteria))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/?"+q.Encode(), nil)
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
		var parsed patentsViewResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&parsed)
		retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		status := resp.StatusCode
		resp.Body.Close()

		if status >= 400 {
			lastErr = fmt.Errorf("patentsview query: status %d", status)
			if !isRetryableStatus(status, false) {
				return nil, lastErr
			}
			continue
		}
		if decodeErr != nil {
			return nil, fmt.Errorf("decode patentsview response: %w", decodeErr)
		}

		results := make([]SearchResult, 0, len(parsed.Patents))
		for i, p := range parsed.Patents {
			if i >= numResults {
				break
			}
			source := ""
			if len(p.Assignees) > 0 {
				source = p.Assignees[0].AssigneeOrganization
			}
			results = append(results, SearchResult{
				URL:     "https://patents.google.com/patent/" + p.PatentID,
				Title:   p.PatentTitle,
				Snippet: p.PatentDate,
				Source:  source,
			})
		}
		return results, nil
	}
	return nil, fmt.Errorf("patentsview query: exhausted retries: %w", lastErr)
}
