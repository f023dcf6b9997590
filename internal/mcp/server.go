package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/johnrirwin/samachar/internal/logging"
)

const (
	serverName    = "samachar"
	serverVersion = "1.0.0"

	// latestProtocol is answered to clients asking for a version we do not
	// know.
	latestProtocol = "2025-03-26"

	maxMessageBytes = 4 << 20
)

var supportedProtocols = map[string]bool{
	"2024-11-05": true,
	"2025-03-26": true,
}

// JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// Server speaks MCP over newline-delimited JSON-RPC. Tool execution is
// delegated to Handler.
type Server struct {
	handler *Handler
	logger  *logging.Logger
}

func NewServer(handler *Handler, logger *logging.Logger) *Server {
	return &Server{
		handler: handler,
		logger:  logger,
	}
}

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// isNotification reports a request that expects no response.
func (r Request) isNotification() bool {
	return r.ID == nil
}

type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func resultResponse(id, result interface{}) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id interface{}, code int, message string) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}

type initializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
}

type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      Implementation `json:"serverInfo"`
	Capabilities    Capabilities   `json:"capabilities"`
	Instructions    string         `json:"instructions,omitempty"`
}

type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type Capabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

type ToolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

type ToolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type CallToolResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Run serves stdin/stdout until stdin closes or ctx is done.
func (s *Server) Run(ctx context.Context) error {
	return s.Serve(ctx, os.Stdin, os.Stdout)
}

// Serve handles one JSON-RPC message per line of in. Blank lines are ignored
// and notifications get no response.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageBytes)
	enc := json.NewEncoder(out)

	s.logger.Info("MCP server ready", logging.WithField("tools", len(s.handler.GetTools())))

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		resp := s.dispatch(ctx, line)
		if resp == nil {
			continue
		}
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read request: %w", err)
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, data []byte) *Response {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return errorResponse(nil, codeParseError, "Parse error")
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return errorResponse(req.ID, codeInvalidRequest, "Invalid request")
	}

	s.logger.Debug("MCP request", logging.WithFields(map[string]interface{}{
		"method": req.Method,
		"id":     req.ID,
	}))

	var resp *Response
	switch req.Method {
	case "initialize":
		resp = s.initialize(req)
	case "tools/list":
		resp = resultResponse(req.ID, ToolsListResult{Tools: s.handler.GetTools()})
	case "tools/call":
		resp = s.callTool(ctx, req)
	case "ping":
		resp = resultResponse(req.ID, struct{}{})
	default:
		resp = errorResponse(req.ID, codeMethodNotFound, "Method not found")
	}

	if req.isNotification() {
		return nil
	}
	return resp
}

func (s *Server) initialize(req Request) *Response {
	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, codeInvalidParams, "Invalid params: "+err.Error())
		}
	}

	version := params.ProtocolVersion
	if !supportedProtocols[version] {
		version = latestProtocol
	}

	s.logger.Info("MCP client connected", logging.WithFields(map[string]interface{}{
		"client":   params.ClientInfo.Name,
		"protocol": version,
	}))

	return resultResponse(req.ID, InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      Implementation{Name: serverName, Version: serverVersion},
		Capabilities:    Capabilities{Tools: &ToolsCapability{}},
		Instructions:    "Nepali news aggregated from RSS/Atom feeds. Use retry_feed for feeds listed as failed by refresh_news.",
	})
}

// callTool runs a tool. Tool failures are results with IsError set, not
// JSON-RPC errors, so the model can read them.
func (s *Server) callTool(ctx context.Context, req Request) *Response {
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, codeInvalidParams, "Invalid params: "+err.Error())
	}

	start := time.Now()
	payload, err := s.handler.HandleToolCall(ctx, params.Name, params.Arguments)
	isError := err != nil
	if isError {
		payload = map[string]string{"error": err.Error()}
	}

	s.logger.Debug("MCP tool call", logging.WithFields(map[string]interface{}{
		"tool":        params.Name,
		"error":       isError,
		"duration_ms": time.Since(start).Milliseconds(),
	}))

	text, merr := json.MarshalIndent(payload, "", "  ")
	if merr != nil {
		text, _ = json.Marshal(map[string]string{"error": "encode result: " + merr.Error()})
		isError = true
	}

	return resultResponse(req.ID, CallToolResult{
		Content: []ContentItem{{Type: "text", Text: string(text)}},
		IsError: isError,
	})
}
