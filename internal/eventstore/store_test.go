package eventstore

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/zoharbabin/google-research-mcp/internal/logging"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	s := New(cfg, logging.Discard())
	t.Cleanup(s.Close)
	return s
}

func msg(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestStoreEventIDEncodesStreamID(t *testing.T) {
	s := newTestStore(t, Config{})
	id, err := s.StoreEvent("session-abc", msg(t, map[string]any{"method": "ping"}), "")
	if err != nil {
		t.Fatal(err)
	}
	got, ok := streamIDOf(id)
	if !ok || got != "session-abc" {
		t.Fatalf("expected streamId session-abc, got %q (ok=%v)", got, ok)
	}
}

func TestReplayAfterYieldsOnlyLaterEvents(t *testing.T) {
	s := newTestStore(t, Config{})
	stream := "S1"

	e1, _ := s.StoreEvent(stream, msg(t, map[string]any{"n": 1}), "")
	e2, _ := s.StoreEvent(stream, msg(t, map[string]any{"n": 2}), "")
	e3, _ := s.StoreEvent(stream, msg(t, map[string]any{"n": 3}), "")

	var replayed []string
	gotStream, err := s.ReplayEventsAfter(context.Background(), e2, func(id string, m json.RawMessage) error {
		replayed = append(replayed, id)
		return nil
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if gotStream != stream {
		t.Fatalf("expected stream %s, got %s", stream, gotStream)
	}
	if len(replayed) != 1 || replayed[0] != e3 {
		t.Fatalf("expected only e3 replayed, got %v (e1=%s e2=%s e3=%s)", replayed, e1, e2, e3)
	}
}

func TestReplayUnknownLastEventIDReturnsEmptyStream(t *testing.T) {
	s := newTestStore(t, Config{})
	got, err := s.ReplayEventsAfter(context.Background(), "nosuchstream_1_abc", func(string, json.RawMessage) error { return nil }, "")
	if err != nil {
		t.Fatal(err)
	}
	if got != "" {
		t.Fatalf("expected empty stream id for unknown lastEventId, got %q", got)
	}
}

func TestPerStreamCapEvictsOldest(t *testing.T) {
	s := newTestStore(t, Config{PerStreamMaxEvents: 3})
	stream := "S1"
	var ids []string
	for i := 0; i < 5; i++ {
		id, err := s.StoreEvent(stream, msg(t, map[string]any{"n": i}), "")
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	sl := s.streamLogFor(stream, false)
	sl.mu.Lock()
	n := len(sl.events)
	first := ""
	if n > 0 {
		first = sl.events[0].EventID
	}
	sl.mu.Unlock()

	if n != 3 {
		t.Fatalf("expected cap of 3 events retained, got %d", n)
	}
	if first != ids[2] {
		t.Fatalf("expected oldest surviving event to be ids[2]=%s, got %s", ids[2], first)
	}
}

func TestShortTTLReapsEverythingOnSweep(t *testing.T) {
	s := New(Config{TTL: time.Millisecond}, logging.Discard())
	defer s.Close()

	stream := "S1"
	_, err := s.StoreEvent(stream, msg(t, map[string]any{"n": 1}), "")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	s.sweepExpired()

	stats := s.Stats()
	if stats.TotalEvents != 0 {
		t.Fatalf("expected all events reaped under TTL, got %d remaining", stats.TotalEvents)
	}
}

// TestExplicitZeroTTLReapsImmediately exercises spec §8's boundary case: a
// configured TTL of exactly 0 means every stored event is already expired
// as of its own storage, so the very next sweep reaps it — zero must not
// be silently substituted with the default TTL.
func TestExplicitZeroTTLReapsImmediately(t *testing.T) {
	s := New(Config{TTL: 0}, logging.Discard())
	defer s.Close()

	if _, err := s.StoreEvent("S1", msg(t, map[string]any{"n": 1}), ""); err != nil {
		t.Fatal(err)
	}
	s.sweepExpired()

	stats := s.Stats()
	if stats.TotalEvents != 0 {
		t.Fatalf("expected TTL=0 to reap the event immediately, got %d remaining", stats.TotalEvents)
	}
}

func TestApplyDefaultsDoesNotCoerceZeroTTL(t *testing.T) {
	cfg := Config{TTL: 0}
	cfg.applyDefaults()
	if cfg.TTL != 0 {
		t.Fatalf("expected explicit TTL=0 to survive applyDefaults, got %v", cfg.TTL)
	}
}

func TestApplyDefaultsFloorsNegativeTTLToZero(t *testing.T) {
	cfg := Config{TTL: -time.Second}
	cfg.applyDefaults()
	if cfg.TTL != 0 {
		t.Fatalf("expected negative TTL to floor to 0, got %v", cfg.TTL)
	}
}

func TestSanitizesSensitiveFieldsBeforeStorage(t *testing.T) {
	s := newTestStore(t, Config{})
	stream := "S1"
	id, err := s.StoreEvent(stream, msg(t, map[string]any{
		"method": "tools/call",
		"params": map[string]any{"apiKey": "sk-secret", "query": "weather"},
	}), "")
	if err != nil {
		t.Fatal(err)
	}

	captured := storedMessage(t, s, stream, id)
	if strings.Contains(string(captured), "sk-secret") {
		t.Fatalf("expected apiKey to be redacted, got %s", captured)
	}
	if !strings.Contains(string(captured), "[REDACTED]") {
		t.Fatalf("expected redaction marker present, got %s", captured)
	}
}

// storedMessage reads an event's raw stored Message directly out of the
// in-memory stream log, bypassing ReplayEventsAfter's "strictly after a
// located lastEventId" semantics so tests can inspect exactly what a given
// StoreEvent call persisted.
func storedMessage(t *testing.T, s *Store, streamID, eventID string) json.RawMessage {
	t.Helper()
	sl := s.streamLogFor(streamID, false)
	if sl == nil {
		t.Fatalf("no such stream %s", streamID)
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	for _, e := range sl.events {
		if e.EventID == eventID {
			return e.Message
		}
	}
	t.Fatalf("event %s not found in stream %s", eventID, streamID)
	return nil
}

func TestDeleteUserEventsRemovesOnlyMatching(t *testing.T) {
	s := newTestStore(t, Config{})
	stream := "S1"
	_, _ = s.StoreEvent(stream, msg(t, map[string]any{"n": 1}), "user-a")
	_, _ = s.StoreEvent(stream, msg(t, map[string]any{"n": 2}), "user-b")
	_, _ = s.StoreEvent(stream, msg(t, map[string]any{"n": 3}), "user-a")

	count := s.DeleteUserEvents("user-a")
	if count != 2 {
		t.Fatalf("expected 2 deleted for user-a, got %d", count)
	}
	if s.Stats().TotalEvents != 1 {
		t.Fatalf("expected 1 remaining event, got %d", s.Stats().TotalEvents)
	}
}

func TestEncryptionRoundTripAndWrongKeyFails(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	s := newTestStore(t, Config{EncryptionKey: key})
	stream := "S1"

	anchor, err := s.StoreEvent(stream, msg(t, map[string]any{"n": 0}), "")
	if err != nil {
		t.Fatal(err)
	}
	payloadID, err := s.StoreEvent(stream, msg(t, map[string]any{"secret": "value"}), "")
	if err != nil {
		t.Fatal(err)
	}

	var captured json.RawMessage
	_, err = s.ReplayEventsAfter(context.Background(), anchor, func(eid string, m json.RawMessage) error {
		if eid == payloadID {
			captured = m
		}
		return nil
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(captured), `"value"`) {
		t.Fatalf("expected decrypted plaintext round-trip, got %s", captured)
	}

	// Wrong key: swap store's key and confirm it surfaces a synthetic error
	// event rather than silently returning plaintext or garbage.
	wrongKey := make([]byte, 32)
	for i := range wrongKey {
		wrongKey[i] = byte(255 - i)
	}
	s.cfg.EncryptionKey = wrongKey

	var failureMsg json.RawMessage
	_, err = s.ReplayEventsAfter(context.Background(), anchor, func(eid string, m json.RawMessage) error {
		if eid == payloadID {
			failureMsg = m
		}
		return nil
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(failureMsg), "-32603") {
		t.Fatalf("expected synthetic InternalError for undecryptable event, got %s", failureMsg)
	}
}

func TestPersistAndReloadFromDisk(t *testing.T) {
	dir := t.TempDir()
	s1 := newTestStore(t, Config{StoragePath: dir, CriticalStreams: map[string]bool{"S1": true}})
	anchor, err := s1.StoreEvent("S1", msg(t, map[string]any{"n": 0}), "")
	if err != nil {
		t.Fatal(err)
	}
	id, err := s1.StoreEvent("S1", msg(t, map[string]any{"n": 1}), "")
	if err != nil {
		t.Fatal(err)
	}

	s2 := newTestStore(t, Config{StoragePath: dir})
	var replayed []string
	_, err = s2.ReplayEventsAfter(context.Background(), anchor, func(eid string, m json.RawMessage) error {
		replayed = append(replayed, eid)
		return nil
	}, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(replayed) != 1 || replayed[0] != id {
		t.Fatalf("expected to replay event reloaded from disk, got %v", replayed)
	}
}
