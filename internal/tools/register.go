package tools

import (
	"time"

	"github.com/zoharbabin/google-research-mcp/internal/circuitbreaker"
	"github.com/zoharbabin/google-research-mcp/internal/research"
)

// Clients bundles the research-layer dependencies Register wires into
// ToolSpecs. Any field may be nil, in which case the corresponding tool is
// skipped (e.g. google_search when no API credentials are configured).
type Clients struct {
	Scraper     research.Scraper
	Search      research.SearchClient
	Academic    research.AcademicSearchClient
	Patent      research.PatentSearchClient
	Transcripts research.TranscriptFetcher
	Tracker     *SequentialTracker
	Breakers    *circuitbreaker.Registry
}

// Register builds every available tool from clients and adds it to reg.
// It is the single place that knows the full fixed tool set (spec §4.6).
func Register(reg *Registry, clients Clients) error {
	if clients.Scraper != nil {
		if err := reg.Register(NewScrapePageSpec(clients.Scraper, clients.Transcripts)); err != nil {
			return err
		}
	}
	if clients.Search != nil {
		if err := reg.Register(NewGoogleSearchSpec(clients.Search)); err != nil {
			return err
		}
	}
	if clients.Academic != nil {
		if err := reg.Register(NewAcademicSearchSpec(clients.Academic)); err != nil {
			return err
		}
	}
	if clients.Patent != nil {
		if err := reg.Register(NewPatentSearchSpec(clients.Patent)); err != nil {
			return err
		}
	}
	if clients.Scraper != nil && clients.Search != nil {
		if err := reg.Register(NewSearchAndScrapeSpec(clients.Search, clients.Scraper, clients.Breakers)); err != nil {
			return err
		}
	}
	if clients.Tracker != nil {
		if err := reg.Register(NewSequentialSearchSpec(clients.Tracker, time.Now)); err != nil {
			return err
		}
	}
	return nil
}
