package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStdioTransportRoundTrip(t *testing.T) {
	in := strings.NewReader(strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18"}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"ping"}`,
		`this is not json`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{"query":"hello"}}}`,
	}, "\n") + "\n")
	var out bytes.Buffer

	transport := NewStdioTransport(testServer(), in, &out, slog.Default())
	require.NoError(t, transport.Run(context.Background()))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	// initialize, ping, parse error, tools/call; the notification gets none.
	require.Len(t, lines, 4)

	var first Response
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "1", string(first.ID))
	assert.Nil(t, first.Error)

	var parseErr Response
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &parseErr))
	require.NotNil(t, parseErr.Error)
	assert.Equal(t, CodeParseError, parseErr.Error.Code)
	assert.Equal(t, "null", string(parseErr.ID))

	var call Response
	require.NoError(t, json.Unmarshal([]byte(lines[3]), &call))
	assert.Nil(t, call.Error)
	assert.Contains(t, string(call.Result), "hello")
}

func TestStdioTransportEmptyLinesSkipped(t *testing.T) {
	in := strings.NewReader("\n\n" + `{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n\n")
	var out bytes.Buffer

	transport := NewStdioTransport(testServer(), in, &out, slog.Default())
	require.NoError(t, transport.Run(context.Background()))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Len(t, lines, 1)
}
