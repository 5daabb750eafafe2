package research

import (
	"net/url"
	"strings"
	"time"
)

// Quality weights per spec §4.6: relevance 0.35, freshness 0.20,
// authority 0.25, content quality 0.20.
const (
	weightRelevance      = 0.35
	weightFreshness      = 0.20
	weightAuthority      = 0.25
	weightContentQuality = 0.20
)

// QualityInputs are the four normalized-to-[0,1] signals combined into a
// single source quality score.
type QualityInputs struct {
	Relevance      float64
	Freshness      float64
	Authority      float64
	ContentQuality float64
}

// Score computes the weighted quality score for a page.
func (q QualityInputs) Score() float64 {
	return clamp01(q.Relevance)*weightRelevance +
		clamp01(q.Freshness)*weightFreshness +
		clamp01(q.Authority)*weightAuthority +
		clamp01(q.ContentQuality)*weightContentQuality
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// RelevanceScore approximates relevance by the fraction of the query's
// distinct terms that appear in the page's title or content.
func RelevanceScore(query, title, content string) float64 {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return 0
	}
	haystack := strings.ToLower(title + " " + content)
	matched := 0
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

// FreshnessScore decays linearly from 1.0 (published today) to 0.0 at or
// beyond maxAge. A nil publishedAt yields a neutral 0.5 (unknown age).
func FreshnessScore(publishedAt *time.Time, now time.Time, maxAge time.Duration) float64 {
	if publishedAt == nil {
		return 0.5
	}
	age := now.Sub(*publishedAt)
	if age <= 0 {
		return 1
	}
	if age >= maxAge {
		return 0
	}
	return 1 - float64(age)/float64(maxAge)
}

// authorityTLDs get a bump reflecting institutional/governmental/academic
// sources tending to be more authoritative than arbitrary blogs.
var authorityTLDs = map[string]float64{
	".gov": 1.0, ".edu": 0.9, ".org": 0.7, ".mil": 1.0,
}

// AuthorityScore approximates source authority from the host's TLD and
// whether it is served over HTTPS.
func AuthorityScore(rawURL string) float64 {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return 0.3
	}
	score := 0.5
	for tld, bump := range authorityTLDs {
		if strings.HasSuffix(u.Hostname(), tld) {
			score = bump
			break
		}
	}
	if u.Scheme == "https" {
		score = clamp01(score + 0.05)
	}
	return score
}

// ContentQualityScore approximates content quality from length (too short
// is thin, very long is diminishing returns) and paragraph structure.
func ContentQualityScore(content string) float64 {
	length := len(content)
	switch {
	case length < 200:
		return 0.2
	case length < 1000:
		return 0.6
	case length < 20000:
		return 1.0
	default:
		return 0.8
	}
}
