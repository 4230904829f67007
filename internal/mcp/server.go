package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const maxLineBytes = 1024 * 1024

// Server implements an MCP stdio server that delegates to the HTTP memory server.
type Server struct {
	serverURL string
	apiKey    string
	version   string
	client    *http.Client
	logger    *slog.Logger

	mu  sync.Mutex
	out io.Writer
}

// Options configures a Server.
type Options struct {
	APIKey  string
	Version string
	Timeout time.Duration
	Logger  *slog.Logger
}

// NewServer creates a new MCP server.
func NewServer(serverURL string, opts Options) *Server {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Server{
		serverURL: strings.TrimRight(serverURL, "/"),
		apiKey:    opts.APIKey,
		version:   opts.Version,
		client:    &http.Client{Timeout: opts.Timeout},
		logger:    opts.Logger,
	}
}

// Run reads requests from in and writes responses to out until in is
// exhausted or ctx ends.
func (s *Server) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	s.out = out

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := bytes.Clone(scanner.Bytes())
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			s.handleLine(ctx, line)
		}
	}
}

func (s *Server) handleLine(ctx context.Context, line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.write(errorResponse(nil, codeParseError, "parse error: "+err.Error()))
		return
	}
	if req.JSONRPC != jsonrpcVersion || req.Method == "" {
		s.write(errorResponse(req.ID, codeInvalidRequest, "invalid request"))
		return
	}

	resp := s.handleRequest(ctx, &req)
	if resp == nil || req.isNotification() {
		return
	}
	s.write(resp)
}

func (s *Server) handleRequest(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return result(req.ID, InitializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities:    ServerCapabilities{Tools: &ToolCapabilities{}},
			ServerInfo:      ServerInfo{Name: "harness-mem", Version: s.version},
		})
	case "notifications/initialized", "initialized":
		return nil
	case "tools/list":
		return result(req.ID, ToolsListResult{Tools: ToolDefinitions()})
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "ping":
		return result(req.ID, map[string]string{})
	default:
		return errorResponse(req.ID, codeMethodNotFound, "method not found: "+req.Method)
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, codeInvalidParams, "invalid params: "+err.Error())
	}
	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}

	text, isError := s.dispatchTool(ctx, params.Name, params.Arguments)
	if isError {
		s.logger.Warn("tool call failed", "tool", params.Name, "error", text)
	}
	return result(req.ID, CallToolResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
		IsError: isError,
	})
}

func (s *Server) dispatchTool(ctx context.Context, name string, args map[string]any) (string, bool) {
	switch name {
	case "memory_record":
		return s.toolRecord(ctx, args)
	case "memory_search":
		return s.toolSearch(ctx, args)
	case "memory_feed":
		return s.toolFeed(ctx, args)
	case "memory_timeline":
		return s.toolTimeline(ctx, args)
	case "memory_get":
		return s.toolGet(ctx, args)
	case "memory_finalize_session":
		return s.toolFinalize(ctx, args)
	default:
		return fmt.Sprintf("unknown tool: %s", name), true
	}
}

// --- Tool implementations (HTTP delegation) ---

func (s *Server) toolRecord(ctx context.Context, args map[string]any) (string, bool) {
	payload := map[string]any{}
	for _, key := range []string{"title", "content"} {
		if v := getString(args, key); v != "" {
			payload[key] = v
		}
	}
	body := map[string]any{
		"platform":     args["platform"],
		"project":      args["project"],
		"session_id":   args["session_id"],
		"event_type":   args["event_type"],
		"timestamp":    args["timestamp"],
		"payload":      payload,
		"tags":         args["tags"],
		"privacy_tags": args["privacy_tags"],
	}
	return s.send(ctx, http.MethodPost, "/v1/events", body)
}

func (s *Server) toolSearch(ctx context.Context, args map[string]any) (string, bool) {
	body := map[string]any{
		"query":           args["query"],
		"project":         args["project"],
		"session_id":      args["session_id"],
		"limit":           getFloat(args, "limit", 20),
		"include_private": getBool(args, "include_private", false),
	}
	return s.send(ctx, http.MethodPost, "/v1/search", body)
}

func (s *Server) toolFeed(ctx context.Context, args map[string]any) (string, bool) {
	q := url.Values{}
	for _, key := range []string{"project", "session_id", "event_type", "cursor"} {
		if v := getString(args, key); v != "" {
			q.Set(key, v)
		}
	}
	q.Set("limit", strconv.Itoa(int(getFloat(args, "limit", 20))))
	return s.send(ctx, http.MethodGet, "/v1/feed?"+q.Encode(), nil)
}

func (s *Server) toolTimeline(ctx context.Context, args map[string]any) (string, bool) {
	id := getString(args, "id")
	if id == "" {
		return "id is required", true
	}
	q := url.Values{}
	q.Set("before", strconv.Itoa(int(getFloat(args, "before", 5))))
	q.Set("after", strconv.Itoa(int(getFloat(args, "after", 5))))
	return s.send(ctx, http.MethodGet, "/v1/observations/"+url.PathEscape(id)+"/timeline?"+q.Encode(), nil)
}

func (s *Server) toolGet(ctx context.Context, args map[string]any) (string, bool) {
	body := map[string]any{
		"ids":             args["ids"],
		"include_private": getBool(args, "include_private", false),
	}
	return s.send(ctx, http.MethodPost, "/v1/observations/batch", body)
}

func (s *Server) toolFinalize(ctx context.Context, args map[string]any) (string, bool) {
	id := getString(args, "session_id")
	if id == "" {
		return "session_id is required", true
	}
	body := map[string]any{"summary": getString(args, "summary")}
	return s.send(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/finalize", body)
}

// --- HTTP helpers ---

// send returns the response body and whether the call failed.
func (s *Server) send(ctx context.Context, method, path string, body any) (string, bool) {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Sprintf("marshal error: %s", err), true
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.serverURL+path, reader)
	if err != nil {
		return fmt.Sprintf("request error: %s", err), true
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Sprintf("HTTP error: %s", err), true
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxLineBytes))
	if err != nil {
		return fmt.Sprintf("read error: %s", err), true
	}

	// 429 from intake still carries ok=true; the agent decides whether to retry.
	return string(respBody), resp.StatusCode >= 400 && resp.StatusCode != http.StatusTooManyRequests
}

// --- Response helpers ---

func (s *Server) write(resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("encode response", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, "%s\n", data)
}

func result(id json.RawMessage, v any) *Response {
	return &Response{JSONRPC: jsonrpcVersion, ID: id, Result: v}
}

func errorResponse(id json.RawMessage, code int, message string) *Response {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Response{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
}

// --- Argument helpers ---

func getString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

func getFloat(args map[string]any, key string, fallback float64) float64 {
	if v, ok := args[key]; ok {
		switch val := v.(type) {
		case float64:
			return val
		case int:
			return float64(val)
		}
	}
	return fallback
}

func getBool(args map[string]any, key string, fallback bool) bool {
	if v, ok := args[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}
