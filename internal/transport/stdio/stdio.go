// Package stdio implements the newline-delimited JSON-RPC framing of
// spec.md §4.8 (C8), grounded in the teacher's internal/mcp/server.go
// Serve loop, generalized to explicit batch/empty-batch handling and
// concurrent per-line processing.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/zoharbabin/google-research-mcp/internal/jsonrpc"
	"github.com/zoharbabin/google-research-mcp/internal/mcpserver"
	"github.com/zoharbabin/google-research-mcp/internal/tools"
)

// maxLineBytes bounds a single JSON-RPC line, mirroring the HTTP
// transport's body size cap (spec §4.9) for the stdio side.
const maxLineBytes = 10 * 1024 * 1024

// Server serves one implicit session for the stdio process lifetime
// (spec §4.7: "On stdio, one implicit session for the process lifetime").
type Server struct {
	handler   *mcpserver.Handler
	sessionID string
	logger    *slog.Logger

	mu sync.Mutex // serializes writes so responses land as atomic, complete lines
}

// New constructs a stdio Server bound to a single session id for its
// entire run.
func New(handler *mcpserver.Handler, sessionID string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{handler: handler, sessionID: sessionID, logger: logger.With("component", "stdio")}
}

// Serve reads newline-delimited JSON-RPC messages from in and writes
// responses to out until in reaches EOF or a read error. ctx is passed to
// each request's handler; cancelling it does not stop the read loop. No other
// writer may touch out concurrently — stdout logging must be redirected
// elsewhere, per spec §4.8's "no interleaved stdout logging".
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var wg sync.WaitGroup
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lineCopy := append([]byte(nil), line...)

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.processLine(ctx, lineCopy, out)
		}()
	}
	wg.Wait()

	if err := scanner.Err(); err != nil {
		return err
	}
	return nil
}

func (s *Server) processLine(ctx context.Context, line []byte, out io.Writer) {
	batch, isBatch, emptyBatch, err := jsonrpc.ParseBody(line)
	if err != nil {
		s.writeResponse(out, jsonrpc.Fail(jsonrpc.NullID, jsonrpc.CodeParseError, "parse error", err.Error()))
		return
	}
	if emptyBatch {
		s.writeResponse(out, jsonrpc.Fail(jsonrpc.NullID, jsonrpc.CodeInvalidRequest, "Invalid Request: Empty batch", nil))
		return
	}

	tc := tools.Context{SessionID: s.sessionID}

	if !isBatch {
		resp := s.handler.Handle(ctx, tc, &batch[0])
		if resp != nil {
			s.writeResponse(out, resp)
		}
		return
	}

	responses := make([]*jsonrpc.Response, 0, len(batch))
	for i := range batch {
		if resp := s.handler.Handle(ctx, tc, &batch[i]); resp != nil {
			responses = append(responses, resp)
		}
	}
	if len(responses) > 0 {
		s.writeBatch(out, responses)
	}
}

func (s *Server) writeResponse(out io.Writer, resp *jsonrpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("encode response", "error", err)
		return
	}
	s.writeLine(out, data)
}

func (s *Server) writeBatch(out io.Writer, responses []*jsonrpc.Response) {
	data, err := json.Marshal(responses)
	if err != nil {
		s.logger.Error("encode batch response", "error", err)
		return
	}
	s.writeLine(out, data)
}

func (s *Server) writeLine(out io.Writer, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out.Write(data)
	out.Write([]byte("\n"))
}
