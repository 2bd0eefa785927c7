package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/inquest-ai/inquest/pkg/apperr"
	"github.com/inquest-ai/inquest/pkg/mcpserver"
)

// authFailure maps an auth error onto an HTTP status and JSON-RPC error body.
func authFailure(err error) (int, *mcpserver.Response) {
	status := http.StatusUnauthorized
	if apperr.Is(err, apperr.KindForbidden) {
		status = http.StatusForbidden
	}
	return status, mcpserver.NewErrorResponse(nil, mcpserver.CodeUnauthorized, err.Error(), nil)
}

// handleMCPPost serves single JSON-RPC requests. Batches are rejected with
// -32600: the research tools stream progress per request and batches would
// interleave those streams ambiguously.
func (s *Server) handleMCPPost(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 16<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest,
			mcpserver.NewErrorResponse(nil, mcpserver.CodeParseError, "reading body failed", nil))
		return
	}

	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		c.JSON(http.StatusBadRequest,
			mcpserver.NewErrorResponse(nil, mcpserver.CodeInvalidRequest, "batch requests are not supported", nil))
		return
	}

	var req mcpserver.Request
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest,
			mcpserver.NewErrorResponse(nil, mcpserver.CodeParseError, "malformed JSON", nil))
		return
	}

	// Every request after initialize must announce a protocol version the
	// server speaks.
	if req.Method != "initialize" {
		version := c.GetHeader("MCP-Protocol-Version")
		if version == "" || !mcpserver.SupportsVersion(version) {
			c.JSON(http.StatusBadRequest,
				mcpserver.NewErrorResponse(req.ID, mcpserver.CodeInvalidRequest,
					fmt.Sprintf("unsupported MCP-Protocol-Version %q", version), nil))
			return
		}
	}

	// Progress notifications for HTTP POST arrive interleaved on the response
	// as SSE when the client accepts it; otherwise they are dropped and only
	// the final response is sent.
	if strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		s.postWithSSE(c, &req)
		return
	}

	ctx := mcpserver.WithConnID(c.Request.Context(), connectionID(c))
	resp := s.mcp.Handle(ctx, &req)
	if resp == nil {
		c.Status(http.StatusAccepted)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// postWithSSE answers a POST as an SSE stream: progress notifications as
// they happen, then the final response, then the stream closes.
func (s *Server) postWithSSE(c *gin.Context, req *mcpserver.Request) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher, _ := c.Writer.(http.Flusher)

	write := func(v any) {
		raw, err := json.Marshal(v)
		if err != nil {
			return
		}
		fmt.Fprintf(c.Writer, "event: message\ndata: %s\n\n", raw)
		if flusher != nil {
			flusher.Flush()
		}
	}

	ctx := mcpserver.WithConnID(c.Request.Context(), connectionID(c))
	ctx = mcpserver.WithNotifier(ctx, func(n *mcpserver.Notification) { write(n) })

	if resp := s.mcp.Handle(ctx, req); resp != nil {
		write(resp)
	}
}

// handleMCPSSE holds open the server-initiated stream of a session-less GET,
// delivering keepalives until the client goes away. Clients that only POST
// never open this.
func (s *Server) handleMCPSSE(c *gin.Context) {
	version := c.GetHeader("MCP-Protocol-Version")
	if version != "" && !mcpserver.SupportsVersion(version) {
		c.JSON(http.StatusBadRequest,
			mcpserver.NewErrorResponse(nil, mcpserver.CodeInvalidRequest,
				fmt.Sprintf("unsupported MCP-Protocol-Version %q", version), nil))
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.WriteHeader(http.StatusOK)
	flusher, _ := c.Writer.(http.Flusher)

	keepalive := newKeepaliveTicker()
	defer keepalive.Stop()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(c.Writer, ": keepalive\n\n")
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func connectionID(c *gin.Context) string {
	if id := c.GetHeader("Mcp-Session-Id"); id != "" {
		return id
	}
	return "http-" + uuid.NewString()[:8]
}
