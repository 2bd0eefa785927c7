package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/inquest-ai/inquest/pkg/apperr"
	"github.com/inquest-ai/inquest/pkg/services"
)

// registerSessionTools installs the session lifecycle tools: create, state,
// undo/redo, checkpoint, fork, history, and time travel.
func registerSessionTools(reg *ToolRegistry, d *Deps) {
	sidSchema := json.RawMessage(`{
		"type": "object",
		"properties": {"session_id": {"type": "string", "minLength": 1}},
		"required": ["session_id"],
		"additionalProperties": false
	}`)
	sidAliases := map[string]string{"id": "session_id", "sessionId": "session_id"}

	reg.Register(&Tool{
		Name:        "session_create",
		Description: "Create a session (or touch an existing one by id). Sessions hold an undoable event log.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"session_id": {"type": "string"},
				"metadata": {"type": "object"}
			},
			"additionalProperties": false
		}`),
		Aliases: sidAliases,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			var metadata json.RawMessage
			if m, ok := args["metadata"]; ok {
				metadata, _ = json.Marshal(m)
			}
			sess, err := d.Sessions.Create(ctx, argString(args, "session_id"), metadata)
			if err != nil {
				return nil, err
			}
			return sess, nil
		},
	})

	reg.Register(&Tool{
		Name:        "session_state",
		Description: "Project a session's current state from its event log (up to the cursor).",
		InputSchema: sidSchema,
		Aliases:     sidAliases,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return mapSessionErr(d.Sessions.State(ctx, argString(args, "session_id")))
		},
	})

	reg.Register(&Tool{
		Name:        "session_undo",
		Description: "Move the session cursor back one event and return the resulting state.",
		InputSchema: sidSchema,
		Aliases:     sidAliases,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return mapSessionErr(d.Sessions.Undo(ctx, argString(args, "session_id")))
		},
	})

	reg.Register(&Tool{
		Name:        "session_redo",
		Description: "Move the session cursor forward one event and return the resulting state.",
		InputSchema: sidSchema,
		Aliases:     sidAliases,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return mapSessionErr(d.Sessions.Redo(ctx, argString(args, "session_id")))
		},
	})

	reg.Register(&Tool{
		Name:        "session_checkpoint",
		Description: "Append a named checkpoint marker to the session log.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"session_id": {"type": "string", "minLength": 1},
				"name": {"type": "string", "minLength": 1}
			},
			"required": ["session_id", "name"],
			"additionalProperties": false
		}`),
		Aliases: sidAliases,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			ev, err := d.Sessions.Checkpoint(ctx, argString(args, "session_id"), argString(args, "name"))
			if err != nil {
				return nil, sessionErr(err)
			}
			return ev, nil
		},
	})

	reg.Register(&Tool{
		Name:        "session_fork",
		Description: "Fork a session: the new session starts from the source's history up to its cursor.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"session_id": {"type": "string", "minLength": 1},
				"metadata": {"type": "object"}
			},
			"required": ["session_id"],
			"additionalProperties": false
		}`),
		Aliases: sidAliases,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			var metadata json.RawMessage
			if m, ok := args["metadata"]; ok {
				metadata, _ = json.Marshal(m)
			}
			fork, err := d.Sessions.Fork(ctx, argString(args, "session_id"), metadata)
			if err != nil {
				return nil, sessionErr(err)
			}
			return fork, nil
		},
	})

	reg.Register(&Tool{
		Name:        "session_history",
		Description: "List a session's events in order.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"session_id": {"type": "string", "minLength": 1},
				"max_index": {"type": "integer", "minimum": -1}
			},
			"required": ["session_id"],
			"additionalProperties": false
		}`),
		Aliases: sidAliases,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			maxIdx := int64(-1)
			if _, ok := args["max_index"]; ok {
				maxIdx = argInt64(args, "max_index")
			}
			evs, err := d.Sessions.Events(ctx, argString(args, "session_id"), maxIdx)
			if err != nil {
				return nil, sessionErr(err)
			}
			return map[string]any{"events": evs}, nil
		},
	})

	reg.Register(&Tool{
		Name:        "session_time_travel",
		Description: "Project a session's state as of an RFC 3339 timestamp. Read-only; the cursor does not move.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"session_id": {"type": "string", "minLength": 1},
				"at": {"type": "string", "description": "RFC 3339 timestamp"}
			},
			"required": ["session_id", "at"],
			"additionalProperties": false
		}`),
		Aliases: sidAliases,
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			at, err := time.Parse(time.RFC3339, argString(args, "at"))
			if err != nil {
				return nil, validationErr("at must be RFC 3339: %v", err)
			}
			return mapSessionErr(d.Sessions.StateAt(ctx, argString(args, "session_id"), at))
		},
	})
}

func sessionErr(err error) error {
	if errors.Is(err, services.ErrNotFound) {
		return apperr.E(apperr.KindNotFound, "session not found")
	}
	var ve *services.ValidationError
	if errors.As(err, &ve) {
		return apperr.Wrap(apperr.KindValidation, "invalid session request", err)
	}
	return err
}

func mapSessionErr[T any](v T, err error) (any, error) {
	if err != nil {
		return nil, sessionErr(err)
	}
	return v, nil
}
