// Package mcp serves the retrieval tools over the Model Context Protocol:
// newline-delimited JSON-RPC 2.0 on a reader/writer pair, usually stdio.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ChamsBouzaiene/coderag/internal/tools"
)

// ProtocolVersion is the MCP revision this server speaks.
const ProtocolVersion = "2024-11-05"

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request is a JSON-RPC 2.0 request or notification. Notifications have
// no ID.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (r *Request) isNotification() bool {
	return len(r.ID) == 0 || bytes.Equal(r.ID, []byte("null"))
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Tool is an entry of a tools/list result.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
	Annotations *Annotations    `json:"annotations,omitempty"`
}

// Annotations are behavior hints for clients.
type Annotations struct {
	ReadOnlyHint   bool `json:"readOnlyHint"`
	IdempotentHint bool `json:"idempotentHint"`
}

// Content is one item of a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallResult is the result of tools/call. Tool failures are reported with
// IsError set rather than as JSON-RPC errors.
type CallResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// ServerInfo identifies the server in the initialize result.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Server dispatches requests to a tool registry. Requests are handled
// concurrently; responses are written one line at a time.
type Server struct {
	tools tools.Registry
	info  ServerInfo

	writeMu sync.Mutex
	writer  *bufio.Writer

	inflightMu sync.Mutex
	inflight   map[string]context.CancelFunc
	wg         sync.WaitGroup
}

// NewServer creates a server exposing reg.
func NewServer(reg tools.Registry, info ServerInfo) *Server {
	if info.Name == "" {
		info.Name = "coderag"
	}
	return &Server{
		tools:    reg,
		info:     info,
		inflight: make(map[string]context.CancelFunc),
	}
}

// Serve reads requests from in until EOF or ctx is done and writes
// responses to out. It returns after every in-flight request has been
// answered.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.writer = bufio.NewWriter(out)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	log.Println("🔌 MCP server ready on stdio")
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleLine(ctx, line)
			}()
		}
	}

	s.wg.Wait()
	select {
	case sErr := <-scanErr:
		if sErr != nil && !errors.Is(sErr, io.EOF) {
			err = fmt.Errorf("stdin error: %w", sErr)
		}
	default:
	}
	return err
}

func (s *Server) handleLine(ctx context.Context, line string) {
	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		s.write(Response{ID: json.RawMessage("null"), Error: &RPCError{Code: CodeParseError, Message: "parse error"}})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !req.isNotification() {
			s.write(Response{ID: req.ID, Error: &RPCError{Code: CodeInvalidRequest, Message: "invalid request"}})
		}
		return
	}

	if req.isNotification() {
		s.handleNotification(req)
		return
	}

	reqCtx, cancel := context.WithCancel(ctx)
	key := string(req.ID)
	s.inflightMu.Lock()
	s.inflight[key] = cancel
	s.inflightMu.Unlock()
	defer func() {
		s.inflightMu.Lock()
		delete(s.inflight, key)
		s.inflightMu.Unlock()
		cancel()
	}()

	result, rpcErr := s.dispatch(reqCtx, req)
	resp := Response{ID: req.ID, Result: result, Error: rpcErr}
	if rpcErr != nil {
		resp.Result = nil
	}
	s.write(resp)
}

func (s *Server) dispatch(ctx context.Context, req Request) (any, *RPCError) {
	switch req.Method {
	case "initialize":
		return map[string]any{
			"protocolVersion": ProtocolVersion,
			"serverInfo":      s.info,
			"capabilities": map[string]any{
				"tools": map[string]bool{"listChanged": false},
			},
		}, nil
	case "ping":
		return struct{}{}, nil
	case "tools/list":
		return map[string]any{"tools": s.listTools()}, nil
	case "tools/call":
		return s.callTool(ctx, req.Params)
	}
	return nil, &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
}

func (s *Server) handleNotification(req Request) {
	switch req.Method {
	case "notifications/cancelled":
		var params struct {
			RequestID json.RawMessage `json:"requestId"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return
		}
		s.inflightMu.Lock()
		cancel := s.inflight[string(params.RequestID)]
		s.inflightMu.Unlock()
		if cancel != nil {
			log.Printf("🛑 Request %s cancelled by client", params.RequestID)
			cancel()
		}
	}
}

func (s *Server) listTools() []Tool {
	list := make([]Tool, 0, len(s.tools))
	for _, t := range s.tools.Tools() {
		list = append(list, Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: json.RawMessage(t.SchemaJSON),
			Annotations: &Annotations{
				ReadOnlyHint:   t.ReadOnly(),
				IdempotentHint: slices.Contains(t.Metadata.Tags, "idempotent"),
			},
		})
	}
	return list
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage) (any, *RPCError) {
	var req struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	if _, ok := s.tools[req.Name]; !ok {
		return nil, &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("unknown tool: %s", req.Name)}
	}

	start := time.Now()
	out, err := s.tools.Call(ctx, req.Name, req.Arguments)
	if err != nil {
		log.Printf("⚠️  Tool %s failed after %v: %v", req.Name, time.Since(start).Round(time.Millisecond), err)
		return CallResult{Content: []Content{{Type: "text", Text: err.Error()}}, IsError: true}, nil
	}
	log.Printf("🔧 Tool %s completed in %v", req.Name, time.Since(start).Round(time.Millisecond))
	return CallResult{Content: []Content{{Type: "text", Text: out}}}, nil
}

func (s *Server) write(resp Response) {
	resp.JSONRPC = "2.0"
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(Response{
			JSONRPC: "2.0",
			ID:      resp.ID,
			Error:   &RPCError{Code: CodeInternalError, Message: err.Error()},
		})
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.writer.Write(data)
	s.writer.WriteByte('\n')
	if err := s.writer.Flush(); err != nil {
		log.Printf("❌ Failed to write response: %v", err)
	}
}
