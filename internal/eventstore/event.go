package eventstore

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Event is a single stored JSON-RPC message within a stream (spec §3).
type Event struct {
	EventID   string          `json:"eventId"`
	StreamID  string          `json:"streamId"`
	Message   json.RawMessage `json:"message"`
	Timestamp int64           `json:"timestamp"` // ms since epoch at store time
	Metadata  map[string]any  `json:"metadata,omitempty"`

	// seq breaks ties within a stream when two events share a millisecond
	// timestamp: insertion order is preserved even though eventId encodes
	// only millisecond resolution (spec §3 invariant: "ties break by
	// original insertion order").
	seq uint64
}

// sentinelEncryptedMethod marks an event whose message field is an envelope
// rather than plaintext JSON-RPC (spec §4.2).
const sentinelEncryptedMethod = "__encrypted"

// newEventID builds `{streamId}_{unixMillis}_{random}` (spec §3). The random
// suffix is 4 bytes from crypto/rand, hex-encoded to 8 characters, so
// neither it nor the decimal timestamp ever contains an underscore, and
// later splitting on "_" is unambiguous as long as streamId itself excludes
// underscores (enforced at session issuance, see internal/session).
func newEventID(streamID string, millis int64) (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("eventstore: generate random suffix: %w", err)
	}
	rand8 := hex.EncodeToString(buf)
	return fmt.Sprintf("%s_%d_%s", streamID, millis, rand8), nil
}

// streamIDOf extracts the streamId component of an eventId in O(1) by
// splitting on the first "_" (spec §3/§8: "∀ eventId, streamIdOf(eventId)
// == parts(eventId)[0]").
func streamIDOf(eventID string) (string, bool) {
	idx := strings.IndexByte(eventID, '_')
	if idx < 0 {
		return "", false
	}
	return eventID[:idx], true
}
