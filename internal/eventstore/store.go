// Package eventstore implements the append-only, per-stream ordered event
// log described in spec §4.2 (C2): in-memory index with disk persistence,
// TTL/cap enforcement, optional authenticated encryption, and sanitization
// of sensitive fields before storage.
package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zoharbabin/google-research-mcp/internal/redact"
)

// AuditSink receives a notification for every stored/replayed/evicted event;
// the audit package implements this to log activity without EventStore
// depending on audit's storage details.
type AuditSink interface {
	Notify(kind, streamID, eventID string, detail string)
}

type noopAudit struct{}

func (noopAudit) Notify(string, string, string, string) {}

// Authorizer gates replay access to a stream for a given user, used when
// access control is enabled (spec §4.2 replay algorithm step 2).
type Authorizer interface {
	Allow(streamID, userID string) bool
}

type allowAllAuthorizer struct{}

func (allowAllAuthorizer) Allow(string, string) bool { return true }

// Config controls store-wide limits and persistence.
type Config struct {
	StoragePath       string        // root dir for on-disk persistence; "" disables disk tier
	PerStreamMaxEvents int          // default 1000
	GlobalMaxEvents    int          // default 10000
	// TTL is how long a stored event survives before the sweeper reaps it.
	// Zero is a valid, explicit setting meaning "reap every event at the
	// next cleanup pass" (spec §8's TTL=0 boundary) — it is NOT treated as
	// "unset". Callers that want the 24h convenience default must set TTL
	// themselves (see config.Config.ApplyDefaults); a negative value is
	// floored to zero.
	TTL                time.Duration
	CriticalStreams    map[string]bool // persisted synchronously on store
	EncryptionKey      []byte        // nil disables encryption
}

func (c *Config) applyDefaults() {
	if c.PerStreamMaxEvents <= 0 {
		c.PerStreamMaxEvents = 1000
	}
	if c.GlobalMaxEvents <= 0 {
		c.GlobalMaxEvents = 10000
	}
	if c.TTL < 0 {
		c.TTL = 0
	}
}

// Stats is the shape returned by Stats() (spec §4.2).
type Stats struct {
	TotalEvents     int    `json:"totalEvents"`
	Streams         int    `json:"streams"`
	BytesOnDisk     int64  `json:"bytesOnDisk"`
	ReplayHits      int64  `json:"replayHits"`
	ReplayMisses    int64  `json:"replayMisses"`
	OldestTimestamp int64  `json:"oldestTimestamp,omitempty"`
	NewestTimestamp int64  `json:"newestTimestamp,omitempty"`
}

// Store is the process-wide EventStore singleton (spec §5).
type Store struct {
	cfg    Config
	logger *slog.Logger
	audit  AuditSink
	authz  Authorizer

	mu       sync.RWMutex // guards streams map structure (add/remove stream)
	streams  map[string]*streamLog
	seqCount uint64

	replayHits   int64
	replayMisses int64
	statsMu      sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// streamLog holds one stream's events plus its own mutex, so that
// concurrent operations on different streams never contend (spec §5:
// "fine-grained locks ... per-namespace for eviction bookkeeping").
type streamLog struct {
	mu     sync.Mutex
	events []*Event // sorted by (timestamp, seq)
}

// Option configures New.
type Option func(*Store)

// WithAuditSink attaches an observer notified of store/replay/evict events.
func WithAuditSink(sink AuditSink) Option {
	return func(s *Store) { s.audit = sink }
}

// WithAuthorizer attaches a replay access-control check.
func WithAuthorizer(authz Authorizer) Option {
	return func(s *Store) { s.authz = authz }
}

// New constructs a Store and starts its background TTL sweeper.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Store {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		cfg:     cfg,
		logger:  logger.With("component", "eventstore"),
		audit:   noopAudit{},
		authz:   allowAllAuthorizer{},
		streams: make(map[string]*streamLog),
		stopCh:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	interval := cfg.TTL / 4
	if interval > time.Hour {
		interval = time.Hour
	}
	if interval <= 0 {
		interval = time.Minute
	}
	s.wg.Add(1)
	go s.ttlSweepLoop(interval)

	return s
}

// Close stops the background sweeper.
func (s *Store) Close() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Store) streamLogFor(streamID string, createIfMissing bool) *streamLog {
	s.mu.RLock()
	sl, ok := s.streams[streamID]
	s.mu.RUnlock()
	if ok || !createIfMissing {
		return sl
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok = s.streams[streamID]; ok {
		return sl
	}
	sl = &streamLog{}
	s.streams[streamID] = sl
	return sl
}

// StoreEvent appends message to streamID's log and returns the new eventId
// (spec §4.2). Storage never fails the calling tool: persistence errors are
// logged and audited as "store_error" (they are not counted in Stats), and
// StoreEvent itself fails only when the message cannot be sanitized,
// encrypted or given an id.
func (s *Store) StoreEvent(streamID string, message json.RawMessage, userID string) (string, error) {
	sanitized, err := sanitizeMessage(message)
	if err != nil {
		return "", fmt.Errorf("eventstore: sanitize message: %w", err)
	}

	now := time.Now()
	millis := now.UnixMilli()
	eventID, err := newEventID(streamID, millis)
	if err != nil {
		return "", err
	}

	finalMessage := sanitized
	if s.cfg.EncryptionKey != nil {
		env, err := encryptMessage(sanitized, s.cfg.EncryptionKey)
		if err != nil {
			return "", fmt.Errorf("eventstore: encrypt message: %w", err)
		}
		wrapped, err := json.Marshal(map[string]any{
			"method": sentinelEncryptedMethod,
			"params": env,
		})
		if err != nil {
			return "", fmt.Errorf("eventstore: marshal encrypted envelope: %w", err)
		}
		finalMessage = wrapped
	}

	s.mu.Lock()
	s.seqCount++
	seq := s.seqCount
	s.mu.Unlock()

	var meta map[string]any
	if userID != "" {
		meta = map[string]any{"userId": userID}
	}
	e := &Event{
		EventID:   eventID,
		StreamID:  streamID,
		Message:   finalMessage,
		Timestamp: millis,
		Metadata:  meta,
		seq:       seq,
	}

	sl := s.streamLogFor(streamID, true)
	sl.mu.Lock()
	sl.events = append(sl.events, e)
	s.enforcePerStreamCapLocked(sl)
	sl.mu.Unlock()

	s.enforceGlobalCap()

	if s.cfg.StoragePath != "" {
		if s.cfg.CriticalStreams[streamID] {
			if err := s.persistEvent(e); err != nil {
				s.logger.Error("eventstore: synchronous persist failed", "stream", streamID, "error", err)
				s.audit.Notify("store_error", streamID, eventID, err.Error())
			}
		} else {
			go func() {
				if err := s.persistEvent(e); err != nil {
					s.logger.Error("eventstore: async persist failed", "stream", streamID, "error", err)
					s.audit.Notify("store_error", streamID, eventID, err.Error())
				}
			}()
		}
	}

	s.audit.Notify("store", streamID, eventID, "")
	return eventID, nil
}

func sanitizeMessage(message json.RawMessage) (json.RawMessage, error) {
	if len(message) == 0 {
		return message, nil
	}
	var decoded any
	if err := json.Unmarshal(message, &decoded); err != nil {
		// Not a JSON object/array we can sanitize structurally (shouldn't
		// happen for well-formed JSON-RPC); store as-is rather than fail.
		return message, nil
	}
	sanitized := redact.SanitizeValue(decoded)
	return json.Marshal(sanitized)
}

// enforcePerStreamCapLocked drops the oldest events (by timestamp, then
// insertion order) until the stream is within its per-stream cap. Caller
// holds sl.mu.
func (s *Store) enforcePerStreamCapLocked(sl *streamLog) {
	overflow := len(sl.events) - s.cfg.PerStreamMaxEvents
	if overflow <= 0 {
		return
	}
	dropped := sl.events[:overflow]
	sl.events = sl.events[overflow:]
	for _, e := range dropped {
		s.audit.Notify("evict_cap", e.StreamID, e.EventID, "per-stream cap")
		if s.cfg.StoragePath != "" {
			go s.removePersisted(e)
		}
	}
}

// enforceGlobalCap drops the globally-oldest events across all streams when
// the total exceeds GlobalMaxEvents (spec §4.2 "apply per-stream cap ...
// then global cap").
func (s *Store) enforceGlobalCap() {
	s.mu.RLock()
	total := 0
	for _, sl := range s.streams {
		sl.mu.Lock()
		total += len(sl.events)
		sl.mu.Unlock()
	}
	overflow := total - s.cfg.GlobalMaxEvents
	streams := make([]*streamLog, 0, len(s.streams))
	for _, sl := range s.streams {
		streams = append(streams, sl)
	}
	s.mu.RUnlock()

	if overflow <= 0 {
		return
	}

	for overflow > 0 {
		var oldestStream *streamLog
		var oldestIdx int = -1
		var oldestTs int64
		for _, sl := range streams {
			sl.mu.Lock()
			if len(sl.events) > 0 {
				ts := sl.events[0].Timestamp
				if oldestStream == nil || ts < oldestTs {
					oldestStream = sl
					oldestTs = ts
					oldestIdx = 0
				}
			}
			sl.mu.Unlock()
		}
		if oldestStream == nil {
			break
		}
		oldestStream.mu.Lock()
		if len(oldestStream.events) > oldestIdx {
			e := oldestStream.events[oldestIdx]
			oldestStream.events = append(oldestStream.events[:oldestIdx], oldestStream.events[oldestIdx+1:]...)
			oldestStream.mu.Unlock()
			s.audit.Notify("evict_cap", e.StreamID, e.EventID, "global cap")
			if s.cfg.StoragePath != "" {
				go s.removePersisted(e)
			}
		} else {
			oldestStream.mu.Unlock()
		}
		overflow--
	}
}

// SendFunc is called in order for every replayed event.
type SendFunc func(eventID string, message json.RawMessage) error

// ReplayEventsAfter emits, via send, every event strictly after lastEventID
// within its stream, in (timestamp, insertion-order) order (spec §4.2).
// Returns the resolved streamId, or "" if lastEventID cannot be located
// anywhere (in memory or on disk).
func (s *Store) ReplayEventsAfter(ctx context.Context, lastEventID string, send SendFunc, userID string) (string, error) {
	streamID, ok := streamIDOf(lastEventID)
	if !ok {
		s.recordReplayMiss()
		return "", nil
	}

	sl := s.streamLogFor(streamID, false)
	if sl == nil && s.cfg.StoragePath != "" {
		if loaded, err := s.loadStreamFromDisk(streamID); err == nil && loaded != nil {
			s.mu.Lock()
			s.streams[streamID] = loaded
			s.mu.Unlock()
			sl = loaded
		}
	}
	if sl == nil {
		s.recordReplayMiss()
		return "", nil
	}

	if !s.authz.Allow(streamID, userID) {
		s.audit.Notify("replay_denied", streamID, lastEventID, "authorization denied")
		s.recordReplayMiss()
		return "", nil
	}

	sl.mu.Lock()
	events := make([]*Event, len(sl.events))
	copy(events, sl.events)
	sl.mu.Unlock()

	idx := -1
	for i, e := range events {
		if e.EventID == lastEventID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.recordReplayMiss()
		return "", nil
	}
	s.recordReplayHit()

	for _, e := range events[idx+1:] {
		select {
		case <-ctx.Done():
			return streamID, ctx.Err()
		default:
		}
		message, err := s.decryptIfNeeded(e.Message)
		if err != nil {
			// Per spec §4.2/§7: decryption failure surfaces as a synthetic
			// JSON-RPC error for that event and MUST NOT abort the replay.
			synthetic, _ := json.Marshal(map[string]any{
				"jsonrpc": "2.0",
				"error":   map[string]any{"code": -32603, "message": "failed to decrypt event", "data": map[string]any{"kind": "InternalError"}},
				"id":      nil,
			})
			if sendErr := send(e.EventID, synthetic); sendErr != nil {
				return streamID, sendErr
			}
			s.logger.Error("eventstore: decrypt failed during replay", "stream", streamID, "event", e.EventID, "error", err)
			continue
		}
		if err := send(e.EventID, message); err != nil {
			return streamID, err
		}
	}
	return streamID, nil
}

func (s *Store) decryptIfNeeded(message json.RawMessage) (json.RawMessage, error) {
	var probe struct {
		Method string   `json:"method"`
		Params envelope `json:"params"`
	}
	if err := json.Unmarshal(message, &probe); err != nil || probe.Method != sentinelEncryptedMethod {
		return message, nil
	}
	if s.cfg.EncryptionKey == nil {
		return nil, fmt.Errorf("eventstore: encrypted event but no decryption key configured")
	}
	return decryptMessage(probe.Params, s.cfg.EncryptionKey)
}

func (s *Store) recordReplayHit() {
	s.statsMu.Lock()
	s.replayHits++
	s.statsMu.Unlock()
}

func (s *Store) recordReplayMiss() {
	s.statsMu.Lock()
	s.replayMisses++
	s.statsMu.Unlock()
}

// DeleteUserEvents removes every event whose metadata.userId matches userID
// across all streams, returning the number removed (GDPR-style delete,
// spec §3 "metadata.userId? used for audit/GDPR delete").
func (s *Store) DeleteUserEvents(userID string) int {
	if userID == "" {
		return 0
	}
	s.mu.RLock()
	streams := make([]*streamLog, 0, len(s.streams))
	for _, sl := range s.streams {
		streams = append(streams, sl)
	}
	s.mu.RUnlock()

	count := 0
	for _, sl := range streams {
		sl.mu.Lock()
		kept := sl.events[:0]
		for _, e := range sl.events {
			if e.Metadata != nil && e.Metadata["userId"] == userID {
				count++
				if s.cfg.StoragePath != "" {
					go s.removePersisted(e)
				}
				continue
			}
			kept = append(kept, e)
		}
		sl.events = kept
		sl.mu.Unlock()
	}
	return count
}

// Stats returns event store observability data (spec §4.2).
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int
	var oldest, newest int64
	for _, sl := range s.streams {
		sl.mu.Lock()
		total += len(sl.events)
		for _, e := range sl.events {
			if oldest == 0 || e.Timestamp < oldest {
				oldest = e.Timestamp
			}
			if e.Timestamp > newest {
				newest = e.Timestamp
			}
		}
		sl.mu.Unlock()
	}

	s.statsMu.Lock()
	hits, misses := s.replayHits, s.replayMisses
	s.statsMu.Unlock()

	return Stats{
		TotalEvents:     total,
		Streams:         len(s.streams),
		ReplayHits:      hits,
		ReplayMisses:    misses,
		OldestTimestamp: oldest,
		NewestTimestamp: newest,
	}
}

func (s *Store) ttlSweepLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepExpired()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) sweepExpired() {
	cutoff := time.Now().Add(-s.cfg.TTL).UnixMilli()
	s.mu.RLock()
	streams := make([]*streamLog, 0, len(s.streams))
	for _, sl := range s.streams {
		streams = append(streams, sl)
	}
	s.mu.RUnlock()

	for _, sl := range streams {
		sl.mu.Lock()
		i := 0
		for i < len(sl.events) && sl.events[i].Timestamp <= cutoff {
			i++
		}
		expired := sl.events[:i]
		sl.events = sl.events[i:]
		sl.mu.Unlock()

		for _, e := range expired {
			s.audit.Notify("evict_ttl", e.StreamID, e.EventID, "")
			if s.cfg.StoragePath != "" {
				go s.removePersisted(e)
			}
		}
	}
}
