package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/inquest-ai/inquest/pkg/apperr"
	"github.com/inquest-ai/inquest/pkg/mcpserver"
)

// WebSocket close codes for auth failures, mirroring HTTP 401/403.
const (
	closeUnauthorized = websocket.StatusCode(4401)
	closeForbidden    = websocket.StatusCode(4403)
)

// handleMCPWebSocket upgrades and serves JSON-RPC over WebSocket. Auth is
// checked after the upgrade so failures can use the dedicated close codes;
// browsers cannot set headers on the upgrade request, so a token query
// parameter is accepted as a fallback.
func (s *Server) handleMCPWebSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// The MCP endpoint is token-authenticated, not cookie-authenticated,
		// so cross-origin upgrades carry no ambient authority.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	authorization := c.GetHeader("Authorization")
	if authorization == "" {
		if tok := c.Query("access_token"); tok != "" {
			authorization = "Bearer " + tok
		}
	}
	if err := s.auth.Authenticate(authorization); err != nil {
		code := closeUnauthorized
		if apperr.Is(err, apperr.KindForbidden) {
			code = closeForbidden
		}
		_ = conn.Close(code, err.Error())
		return
	}

	connID := "ws-" + uuid.NewString()[:8]
	logger := s.logger.With("conn_id", connID)
	logger.Info("websocket connected")
	defer s.mcp.Resources().DropConnection(connID)

	ctx := c.Request.Context()
	var writeMu sync.Mutex
	write := func(v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return conn.Write(wctx, websocket.MessageText, raw)
	}

	reqCtx := mcpserver.WithConnID(ctx, connID)
	reqCtx = mcpserver.WithNotifier(reqCtx, func(n *mcpserver.Notification) { _ = write(n) })

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			logger.Info("websocket closed", "error", err)
			return
		}

		var req mcpserver.Request
		if err := json.Unmarshal(data, &req); err != nil {
			_ = write(mcpserver.NewErrorResponse(nil, mcpserver.CodeParseError, "malformed JSON", nil))
			continue
		}

		// Requests run concurrently; WebSocket clients correlate by id.
		go func(req mcpserver.Request) {
			if resp := s.mcp.Handle(reqCtx, &req); resp != nil {
				if err := write(resp); err != nil {
					logger.Warn("websocket write failed", "error", err)
				}
			}
		}(req)
	}
}
