package tools

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zoharbabin/google-research-mcp/internal/circuitbreaker"
	"github.com/zoharbabin/google-research-mcp/internal/research"
)

// compositeParallelism bounds concurrent scrape fan-out for search_and_scrape,
// grounded in the teacher's executeRESTComposite sub-action concurrency cap.
const compositeParallelism = 5

// SourceResult is one entry of search_and_scrape's sources[] output.
type SourceResult struct {
	URL      string  `json:"url"`
	Title    string  `json:"title"`
	Content  string  `json:"content,omitempty"`
	Quality  float64 `json:"quality"`
	Citation string  `json:"citation,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// SearchAndScrapeStats is search_and_scrape's stats{} output.
type SearchAndScrapeStats struct {
	Requested       int  `json:"requested"`
	Succeeded       int  `json:"succeeded"`
	Failed          int  `json:"failed"`
	EstimatedTokens int  `json:"estimatedTokens"`
	Truncated       bool `json:"truncated"`
}

// SearchAndScrapeResult is search_and_scrape's full output.
type SearchAndScrapeResult struct {
	Sources  []SourceResult       `json:"sources"`
	Combined string               `json:"combined"`
	Stats    SearchAndScrapeStats `json:"stats"`
}

// NewSearchAndScrapeSpec builds the search_and_scrape composite ToolSpec:
// search, then bounded-concurrent scrape fan-out, with per-source quality
// scoring, dedup, and content-size shaping (spec §4.6).
func NewSearchAndScrapeSpec(search research.SearchClient, scraper research.Scraper, breakers *circuitbreaker.Registry) *ToolSpec {
	handler := func(ctx context.Context, tc Context, args map[string]any) (any, error) {
		query, _ := args["query"].(string)
		numResults := intArg(args, "num_results", 3)
		deduplicate := boolArg(args, "deduplicate", true)
		maxPerSource := intArg(args, "max_length_per_source", 50_000)
		totalMax := intArg(args, "total_max_length", 300_000)

		results, err := search.Search(ctx, query, numResults)
		if err != nil {
			return nil, fmt.Errorf("search: %w", err)
		}

		sources := make([]SourceResult, len(results))
		var wg sync.WaitGroup
		sem := make(chan struct{}, compositeParallelism)

		for i, r := range results {
			i, r := i, r
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				sources[i] = scrapeOneSource(ctx, scraper, breakers, r, query, maxPerSource)
			}()
		}
		wg.Wait()

		seenParagraphs := map[string]bool{}
		succeeded, failed := 0, 0
		for i := range sources {
			if sources[i].Error != "" {
				failed++
				continue
			}
			succeeded++
			if deduplicate {
				sources[i].Content = research.DeduplicateParagraphs(sources[i].Content, seenParagraphs)
			}
		}

		sort.SliceStable(sources, func(i, j int) bool { return sources[i].Quality > sources[j].Quality })

		combined, truncated := combineSources(sources, totalMax)

		if succeeded == 0 && len(results) > 0 {
			return nil, errUpstreamFailure("all sources failed to scrape")
		}

		return &SearchAndScrapeResult{
			Sources: sources,
			Combined: combined,
			Stats: SearchAndScrapeStats{
				Requested:       len(results),
				Succeeded:       succeeded,
				Failed:          failed,
				EstimatedTokens: len(combined) / 4,
				Truncated:       truncated,
			},
		}, nil
	}

	return &ToolSpec{
		Name:          "search_and_scrape",
		Description:   "Search the web and scrape the top results, returning deduplicated, quality-ranked source content.",
		RequiredScope: "mcp:tool:search_and_scrape:execute",
		DefaultTTL:    15 * time.Minute,
		Timeout:       45 * time.Second,
		Cacheable:     true,
		Annotations:   Annotations{ReadOnlyHint: true, OpenWorldHint: true},
		Handler:       handler,
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"query"},
			"properties": map[string]any{
				"query":                  map[string]any{"type": "string", "minLength": 1},
				"num_results":            map[string]any{"type": "integer", "minimum": 1, "maximum": 10, "default": 3},
				"include_sources":        map[string]any{"type": "boolean", "default": true},
				"deduplicate":            map[string]any{"type": "boolean", "default": true},
				"max_length_per_source":  map[string]any{"type": "integer", "minimum": 1, "default": 50000},
				"total_max_length":       map[string]any{"type": "integer", "minimum": 1, "default": 300000},
				"filter_by_query":        map[string]any{"type": "boolean", "default": false},
			},
		},
	}
}

func scrapeOneSource(ctx context.Context, scraper research.Scraper, breakers *circuitbreaker.Registry, r research.SearchResult, query string, maxLength int) SourceResult {
	host := hostOf(r.URL)
	dependency := "scrape:" + host

	sourceCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var page *research.Page
	fetch := func(ctx context.Context) error {
		p, err := scraper.Fetch(ctx, r.URL, maxLength)
		if err != nil {
			return err
		}
		page = p
		return nil
	}

	var err error
	if breakers != nil {
		err = breakers.Get(dependency).Wrap(sourceCtx, fetch)
	} else {
		err = fetch(sourceCtx)
	}
	if err != nil {
		return SourceResult{URL: r.URL, Title: r.Title, Error: err.Error()}
	}

	now := time.Now()
	quality := research.QualityInputs{
		Relevance:      research.RelevanceScore(query, page.Title, page.Content),
		Freshness:      research.FreshnessScore(r.PublishedAt, now, 365*24*time.Hour),
		Authority:      research.AuthorityScore(r.URL),
		ContentQuality: research.ContentQualityScore(page.Content),
	}

	title := page.Title
	if title == "" {
		title = r.Title
	}

	return SourceResult{
		URL:      r.URL,
		Title:    title,
		Content:  page.Content,
		Quality:  quality.Score(),
		Citation: fmt.Sprintf("%s. %s. Retrieved %s.", title, r.URL, now.Format("2006-01-02")),
	}
}

func combineSources(sources []SourceResult, totalMax int) (string, bool) {
	var sb strings.Builder
	truncated := false
	for _, s := range sources {
		if s.Content == "" {
			continue
		}
		remaining := totalMax - sb.Len()
		if remaining <= 0 {
			truncated = true
			break
		}
		chunk := s.Content
		if len(chunk) > remaining {
			chunk = chunk[:remaining]
			truncated = true
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n---\n\n")
		}
		sb.WriteString(fmt.Sprintf("# %s\n\n%s", s.Title, chunk))
	}
	return sb.String(), truncated
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Hostname()
}

func intArg(args map[string]any, key string, def int) int {
	v, ok := args[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}

func boolArg(args map[string]any, key string, def bool) bool {
	v, ok := args[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}
