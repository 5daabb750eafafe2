package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// canonicalize produces a deterministic JSON encoding of v: object keys are
// sorted, so that two structurally-equal argument objects with differently
// ordered keys (or produced by different marshalers) hash identically. This
// grounds the spec's `hash(canonical(args)) == hash(canonical(shuffle(args)))`
// property (§8).
func canonicalize(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// normalize round-trips v through encoding/json to obtain plain Go values
// (map[string]any, []any, float64, string, bool, nil), then returns a value
// whose map keys will marshal in sorted order via orderedMap.
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return sortValue(decoded), nil
}

func sortValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return orderedMap(val)
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = sortValue(child)
		}
		return out
	default:
		return val
	}
}

// orderedMap marshals to a JSON object with lexicographically sorted keys.
type orderedMap map[string]any

func (m orderedMap) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, 256)
	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		vb, err := json.Marshal(sortValue(m[k]))
		if err != nil {
			return nil, err
		}
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// KeyHash derives the deterministic cache key for (namespace, args): a
// SHA-256 hex digest of the canonical JSON encoding of args. namespace is
// not folded into the hash itself — it is carried as a separate partition —
// so the same args hash identically across namespaces while the on-disk and
// in-memory keyspaces remain namespace-partitioned.
func KeyHash(args any) (string, error) {
	canon, err := canonicalize(args)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}
