package mcpserver

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inquest-ai/inquest/pkg/apperr"
)

func TestIsNotification(t *testing.T) {
	var req Request
	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"ping","id":1}`), &req))
	assert.False(t, req.IsNotification())

	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`), &req))
	assert.True(t, req.IsNotification())

	require.NoError(t, json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"x","id":null}`), &req))
	assert.True(t, req.IsNotification())
}

func TestNewErrorResponseNullID(t *testing.T) {
	resp := NewErrorResponse(nil, CodeParseError, "bad", nil)
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"id":null`)
	assert.Contains(t, string(raw), `-32700`)
}

func TestErrorCodeMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{apperr.E(apperr.KindValidation, "bad input"), CodeInvalidParams},
		{apperr.E(apperr.KindUnauthorized, "no token"), CodeUnauthorized},
		{apperr.E(apperr.KindForbidden, "missing scope"), CodeUnauthorized},
		{apperr.E(apperr.KindNotFound, "gone"), CodeInternalError},
		{fmt.Errorf("plain"), CodeInternalError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, errorCodeFor(tt.err), "%v", tt.err)
	}
}

func TestToErrorResponseUnwrapsErrorObject(t *testing.T) {
	inner := &ErrorObject{Code: CodeMethodNotFound, Message: "unknown tool"}
	resp := toErrorResponse(json.RawMessage(`1`), fmt.Errorf("calling tool: %w", inner))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
	assert.Equal(t, "unknown tool", resp.Error.Message)
}

func TestToErrorResponseKindInData(t *testing.T) {
	resp := toErrorResponse(json.RawMessage(`1`), apperr.E(apperr.KindConflict, "job is terminal"))
	require.NotNil(t, resp.Error)
	data, ok := resp.Error.Data.(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "conflict", data["kind"])
}
