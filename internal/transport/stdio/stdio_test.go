package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/zoharbabin/google-research-mcp/internal/jsonrpc"
	"github.com/zoharbabin/google-research-mcp/internal/mcpserver"
	"github.com/zoharbabin/google-research-mcp/internal/tools"
)

func newTestHandler(t *testing.T) *mcpserver.Handler {
	t.Helper()
	reg := tools.NewRegistry()
	dispatcher := tools.NewDispatcher(reg, nil, nil, nil)
	return mcpserver.New(reg, dispatcher, "test-server", "0.0.1", false, nil, nil, nil, nil, nil)
}

func readLines(t *testing.T, out *bytes.Buffer) []string {
	t.Helper()
	scanner := bufio.NewScanner(strings.NewReader(out.String()))
	var lines []string
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func TestServeSingleRequestWritesOneLine(t *testing.T) {
	srv := New(newTestHandler(t), "sess-1", nil)
	in := strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n")
	var out bytes.Buffer

	if err := srv.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("serve: %v", err)
	}

	lines := readLines(t, &out)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %v", len(lines), lines)
	}
	var resp jsonrpc.Response
	if err := json.Unmarshal([]byte(lines[0]), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestServeNotificationWritesNothing(t *testing.T) {
	srv := New(newTestHandler(t), "sess-1", nil)
	in := strings.NewReader(`{"jsonrpc":"2.0","method":"ping"}` + "\n")
	var out bytes.Buffer

	if err := srv.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected no output for notification, got %q", out.String())
	}
}

func TestServeParseErrorReturnsNullID(t *testing.T) {
	srv := New(newTestHandler(t), "sess-1", nil)
	in := strings.NewReader(`{not json` + "\n")
	var out bytes.Buffer

	if err := srv.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("serve: %v", err)
	}

	lines := readLines(t, &out)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	var resp jsonrpc.Response
	if err := json.Unmarshal([]byte(lines[0]), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != jsonrpc.CodeParseError {
		t.Fatalf("expected parse error, got %+v", resp.Error)
	}
	if string(resp.ID) != "null" {
		t.Fatalf("expected null id, got %s", resp.ID)
	}
}

func TestServeEmptyBatchIsInvalidRequest(t *testing.T) {
	srv := New(newTestHandler(t), "sess-1", nil)
	in := strings.NewReader(`[]` + "\n")
	var out bytes.Buffer

	if err := srv.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("serve: %v", err)
	}

	lines := readLines(t, &out)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	var resp jsonrpc.Response
	if err := json.Unmarshal([]byte(lines[0]), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != jsonrpc.CodeInvalidRequest {
		t.Fatalf("expected invalid request error, got %+v", resp.Error)
	}
}

func TestServeBatchReturnsOneLineWithAllResponses(t *testing.T) {
	srv := New(newTestHandler(t), "sess-1", nil)
	batch := `[{"jsonrpc":"2.0","id":1,"method":"ping"},{"jsonrpc":"2.0","id":2,"method":"ping"}]`
	in := strings.NewReader(batch + "\n")
	var out bytes.Buffer

	if err := srv.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("serve: %v", err)
	}

	lines := readLines(t, &out)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line for the batch, got %d: %v", len(lines), lines)
	}
	var resps []jsonrpc.Response
	if err := json.Unmarshal([]byte(lines[0]), &resps); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if len(resps) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(resps))
	}
}

func TestServeMultipleLinesEachProduceAResponse(t *testing.T) {
	srv := New(newTestHandler(t), "sess-1", nil)
	in := strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n" +
			`{"jsonrpc":"2.0","id":2,"method":"ping"}` + "\n",
	)
	var out bytes.Buffer

	if err := srv.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("serve: %v", err)
	}

	lines := readLines(t, &out)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %v", len(lines), lines)
	}
}
