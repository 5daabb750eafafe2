package tools

import (
	"context"
	"time"

	"github.com/zoharbabin/google-research-mcp/internal/research"
)

// SearchResultView is the content shape returned for each search hit
// across google_search/academic_search/patent_search.
type SearchResultView struct {
	URL         string  `json:"url"`
	Title       string  `json:"title"`
	Snippet     string  `json:"snippet,omitempty"`
	PublishedAt *string `json:"publishedAt,omitempty"`
	Source      string  `json:"source,omitempty"`
}

// SearchToolResult is the common output shape of the three search tools.
type SearchToolResult struct {
	Query   string              `json:"query"`
	Results []SearchResultView  `json:"results"`
}

func toSearchResultViews(results []research.SearchResult) []SearchResultView {
	views := make([]SearchResultView, len(results))
	for i, r := range results {
		var published *string
		if r.PublishedAt != nil {
			s := r.PublishedAt.Format(time.RFC3339)
			published = &s
		}
		views[i] = SearchResultView{
			URL:         r.URL,
			Title:       r.Title,
			Snippet:     r.Snippet,
			PublishedAt: published,
			Source:      r.Source,
		}
	}
	return views
}

// NewGoogleSearchSpec builds the google_search ToolSpec wrapping a
// research.SearchClient.
func NewGoogleSearchSpec(client research.SearchClient) *ToolSpec {
	handler := func(ctx context.Context, tc Context, args map[string]any) (any, error) {
		query, _ := args["query"].(string)
		numResults := intArg(args, "num_results", 5)
		results, err := client.Search(ctx, query, numResults)
		if err != nil {
			return nil, err
		}
		return &SearchToolResult{Query: query, Results: toSearchResultViews(results)}, nil
	}
	return &ToolSpec{
		Name:          "google_search",
		Description:   "Search the web via Google Custom Search.",
		RequiredScope: "mcp:tool:google_search:execute",
		DefaultTTL:    15 * time.Minute,
		Timeout:       15 * time.Second,
		Cacheable:     true,
		Annotations:   Annotations{ReadOnlyHint: true, OpenWorldHint: true},
		Handler:       handler,
		InputSchema:   searchInputSchema(),
	}
}

// NewAcademicSearchSpec builds the academic_search ToolSpec wrapping a
// research.AcademicSearchClient (arXiv).
func NewAcademicSearchSpec(client research.AcademicSearchClient) *ToolSpec {
	handler := func(ctx context.Context, tc Context, args map[string]any) (any, error) {
		query, _ := args["query"].(string)
		numResults := intArg(args, "num_results", 5)
		results, err := client.SearchAcademic(ctx, query, numResults)
		if err != nil {
			return nil, err
		}
		return &SearchToolResult{Query: query, Results: toSearchResultViews(results)}, nil
	}
	return &ToolSpec{
		Name:          "academic_search",
		Description:   "Search scholarly literature via arXiv.",
		RequiredScope: "mcp:tool:academic_search:execute",
		DefaultTTL:    30 * time.Minute,
		Timeout:       15 * time.Second,
		Cacheable:     true,
		Annotations:   Annotations{ReadOnlyHint: true, OpenWorldHint: true},
		Handler:       handler,
		InputSchema:   searchInputSchema(),
	}
}

// NewPatentSearchSpec builds the patent_search ToolSpec wrapping a
// research.PatentSearchClient (PatentsView).
func NewPatentSearchSpec(client research.PatentSearchClient) *ToolSpec {
	handler := func(ctx context.Context, tc Context, args map[string]any) (any, error) {
		query, _ := args["query"].(string)
		numResults := intArg(args, "num_results", 5)
		results, err := client.SearchPatents(ctx, query, numResults)
		if err != nil {
			return nil, err
		}
		return &SearchToolResult{Query: query, Results: toSearchResultViews(results)}, nil
	}
	return &ToolSpec{
		Name:          "patent_search",
		Description:   "Search granted and published patents via PatentsView.",
		RequiredScope: "mcp:tool:patent_search:execute",
		DefaultTTL:    30 * time.Minute,
		Timeout:       15 * time.Second,
		Cacheable:     true,
		Annotations:   Annotations{ReadOnlyHint: true, OpenWorldHint: true},
		Handler:       handler,
		InputSchema:   searchInputSchema(),
	}
}

func searchInputSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"query"},
		"properties": map[string]any{
			"query":       map[string]any{"type": "string", "minLength": 1},
			"num_results": map[string]any{"type": "integer", "minimum": 1, "maximum": 20, "default": 5},
		},
	}
}
