package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/inquest-ai/inquest/pkg/config"
)

// Protocol versions this server speaks, newest first.
var supportedVersions = []string{"2025-06-18", "2025-03-26"}

// serverName/serverVersion identify the implementation in initialize.
const (
	serverName    = "inquest"
	serverVersion = "1.0.0"
)

// Notifier delivers server-initiated notifications (progress, resource
// updates) to the client connection that issued the current request.
// Transports install one per connection; a nil notifier drops notifications.
type Notifier func(n *Notification)

type notifierKey struct{}

// WithNotifier attaches a notifier to the context.
func WithNotifier(ctx context.Context, n Notifier) context.Context {
	return context.WithValue(ctx, notifierKey{}, n)
}

func notifierFrom(ctx context.Context) Notifier {
	if n, ok := ctx.Value(notifierKey{}).(Notifier); ok {
		return n
	}
	return func(*Notification) {}
}

// Server dispatches JSON-RPC requests to tools, prompts, and resources.
// It is transport-agnostic; stdio, HTTP, and WebSocket all feed Handle.
type Server struct {
	cfg       *config.Config
	tools     *ToolRegistry
	prompts   *promptRegistry
	resources *ResourceRegistry
	logger    *slog.Logger
}

// NewServer builds the protocol server over a populated tool registry.
func NewServer(cfg *config.Config, tools *ToolRegistry, resources *ResourceRegistry, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		tools:     tools,
		prompts:   newPromptRegistry(),
		resources: resources,
		logger:    logger.With("component", "mcp"),
	}
}

// Resources exposes the resource registry so transports can clear
// subscriptions when a connection closes.
func (s *Server) Resources() *ResourceRegistry { return s.resources }

// Handle processes one request and returns the response, or nil for
// notifications. Batch handling is the transport's concern (HTTP rejects
// batches; stdio processes line by line).
func (s *Server) Handle(ctx context.Context, req *Request) *Response {
	if req.JSONRPC != "2.0" || req.Method == "" {
		return NewErrorResponse(req.ID, CodeInvalidRequest, "not a JSON-RPC 2.0 request", nil)
	}
	if req.IsNotification() {
		s.handleNotification(req)
		return nil
	}

	result, err := s.dispatch(ctx, req)
	if err != nil {
		return toErrorResponse(req.ID, err)
	}
	return NewResponse(req.ID, result)
}

func (s *Server) handleNotification(req *Request) {
	switch req.Method {
	case "notifications/initialized", "notifications/cancelled":
	default:
		s.logger.Debug("ignoring notification", "method", req.Method)
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) (any, error) {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req.Params)
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		return map[string]any{"tools": s.tools.List()}, nil
	case "tools/call":
		return s.handleToolCall(ctx, req)
	case "prompts/list":
		return map[string]any{"prompts": s.prompts.list()}, nil
	case "prompts/get":
		return s.prompts.get(req.Params)
	case "resources/list":
		return s.resources.list(ctx)
	case "resources/read":
		return s.resources.read(ctx, req.Params)
	case "resources/subscribe":
		return s.resources.subscribe(ctx, req.Params)
	case "resources/unsubscribe":
		return s.resources.unsubscribe(ctx, req.Params)
	default:
		return nil, &ErrorObject{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
}

// handleInitialize negotiates the protocol version: an offered version the
// server supports is echoed; anything else answers with the server's newest.
func (s *Server) handleInitialize(params json.RawMessage) (any, error) {
	var p struct {
		ProtocolVersion string `json:"protocolVersion"`
		ClientInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"clientInfo"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &ErrorObject{Code: CodeInvalidParams, Message: "malformed initialize params"}
		}
	}

	version := supportedVersions[0]
	for _, v := range supportedVersions {
		if v == p.ProtocolVersion {
			version = v
			break
		}
	}
	s.logger.Info("client initialized",
		"client", p.ClientInfo.Name, "client_version", p.ClientInfo.Version,
		"protocol", version)

	return map[string]any{
		"protocolVersion": version,
		"serverInfo":      map[string]string{"name": serverName, "version": serverVersion},
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": false},
			"prompts":   map[string]any{"listChanged": false},
			"resources": map[string]any{"subscribe": true, "listChanged": false},
			"logging":   map[string]any{},
		},
	}, nil
}

// SupportsVersion reports whether a client-announced protocol version is
// acceptable. Transports use this to vet the MCP-Protocol-Version header.
func SupportsVersion(v string) bool {
	for _, s := range supportedVersions {
		if s == v {
			return true
		}
	}
	return false
}

// handleToolCall validates and runs a tool, forwarding progress
// notifications when the client supplied a progress token.
func (s *Server) handleToolCall(ctx context.Context, req *Request) (any, error) {
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
		Meta      struct {
			ProgressToken any `json:"progressToken"`
		} `json:"_meta"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Name == "" {
		return nil, &ErrorObject{Code: CodeInvalidParams, Message: "tools/call requires a tool name"}
	}

	if p.Meta.ProgressToken != nil {
		notify := notifierFrom(ctx)
		token := p.Meta.ProgressToken
		ctx = withProgress(ctx, func(progress, total float64, message string) {
			notify(NewNotification("notifications/progress", map[string]any{
				"progressToken": token,
				"progress":      progress,
				"total":         total,
				"message":       message,
			}))
		})
	}

	result, err := s.tools.Call(ctx, p.Name, p.Arguments)
	if err != nil {
		return nil, err
	}
	return toolResult(result), nil
}

// toolResult wraps a handler's value in the MCP content envelope.
func toolResult(v any) any {
	text, ok := v.(string)
	if !ok {
		raw, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			raw = []byte(fmt.Sprintf("%v", v))
		}
		text = string(raw)
	}
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
		"isError": false,
	}
}

// ProgressFunc reports tool progress to the requesting client.
type ProgressFunc func(progress, total float64, message string)

type progressKey struct{}

func withProgress(ctx context.Context, f ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, f)
}

// ProgressFrom returns the progress reporter for the current call, or a
// no-op when the client asked for none.
func ProgressFrom(ctx context.Context) ProgressFunc {
	if f, ok := ctx.Value(progressKey{}).(ProgressFunc); ok {
		return f
	}
	return func(float64, float64, string) {}
}
