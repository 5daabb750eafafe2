package research

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DeduplicateParagraphs removes paragraphs from content that are
// near-duplicates (by exact-match hash) of a paragraph already seen in an
// earlier source, keeping only the first occurrence, per spec §4.6's
// "content deduplication across sources by paragraph hash".
func DeduplicateParagraphs(content string, seen map[string]bool) string {
	paragraphs := strings.Split(content, "\n\n")
	kept := make([]string, 0, len(paragraphs))
	for _, p := range paragraphs {
		norm := normalizeParagraph(p)
		if norm == "" {
			continue
		}
		hash := paragraphHash(norm)
		if seen[hash] {
			continue
		}
		seen[hash] = true
		kept = append(kept, p)
	}
	return strings.Join(kept, "\n\n")
}

func normalizeParagraph(p string) string {
	fields := strings.Fields(strings.ToLower(p))
	return strings.Join(fields, " ")
}

func paragraphHash(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
