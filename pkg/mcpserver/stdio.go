package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
)

// StdioTransport speaks newline-delimited JSON-RPC over a byte stream,
// normally the process's stdin/stdout. One request is handled at a time in
// arrival order; server notifications interleave between responses.
type StdioTransport struct {
	server *Server
	in     io.Reader
	out    io.Writer
	logger *slog.Logger

	writeMu sync.Mutex
}

// NewStdioTransport builds a stdio transport over the given streams.
func NewStdioTransport(server *Server, in io.Reader, out io.Writer, logger *slog.Logger) *StdioTransport {
	return &StdioTransport{server: server, in: in, out: out, logger: logger.With("transport", "stdio")}
}

// Run reads requests line by line until EOF or ctx cancellation.
func (t *StdioTransport) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	notify := Notifier(func(n *Notification) { t.write(n) })
	ctx = WithNotifier(WithConnID(ctx, "stdio"), notify)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			t.write(NewErrorResponse(nil, CodeParseError, "malformed JSON", nil))
			continue
		}
		if resp := t.server.Handle(ctx, &req); resp != nil {
			t.write(resp)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	t.logger.Info("stdin closed, stdio transport done")
	return nil
}

func (t *StdioTransport) write(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		t.logger.Error("encoding outgoing message failed", "error", err)
		return
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, _ = t.out.Write(append(raw, '\n'))
}
