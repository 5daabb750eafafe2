package httpsse

import (
	"encoding/json"
	"net/http"
	"runtime"

	"github.com/zoharbabin/google-research-mcp/internal/cache"
)

func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func (s *Server) cacheStats() cache.Stats {
	if s.cache == nil {
		return cache.Stats{}
	}
	return s.cache.Stats()
}

// runtimeMemStats is a thin wrapper over runtime.MemStats so the admin
// cache-stats handler can report heap usage without importing runtime in
// multiple files.
type runtimeMemStats struct {
	HeapAlloc uint64
}

func (m *runtimeMemStats) read() {
	var rt runtime.MemStats
	runtime.ReadMemStats(&rt)
	m.HeapAlloc = rt.HeapAlloc
}
