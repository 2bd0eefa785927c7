package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/inquest-ai/inquest/pkg/apperr"
	"github.com/inquest-ai/inquest/pkg/config"
)

// ToolHandler executes one tool call with validated, normalized arguments.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// Tool is one registered MCP tool.
type Tool struct {
	Name        string
	Description string
	// InputSchema is the JSON Schema advertised to clients and enforced on
	// every call.
	InputSchema json.RawMessage
	// Aliases maps accepted alternate argument names onto canonical ones
	// (e.g. "q" -> "query").
	Aliases map[string]string
	Handler ToolHandler

	compiled *jsonschema.Schema
}

// agentExposed is the tool subset advertised under TOOL_EXPOSURE=AGENT.
var agentExposed = map[string]bool{
	"ping": true, "agent": true, "research": true, "job_status": true,
	"get_job_status": true, "cancel_job": true, "search": true, "get_report": true,
}

// ToolRegistry holds tools and applies the exposure policy.
type ToolRegistry struct {
	tools     map[string]*Tool
	exposure  config.ToolExposure
	allowlist map[string]bool
}

// NewToolRegistry creates a registry with the configured exposure.
func NewToolRegistry(exposure config.ToolExposure, allowlist []string) *ToolRegistry {
	allowed := make(map[string]bool, len(allowlist))
	for _, name := range allowlist {
		allowed[name] = true
	}
	return &ToolRegistry{tools: make(map[string]*Tool), exposure: exposure, allowlist: allowed}
}

// Register compiles the tool's schema and installs it. Panics on a malformed
// schema since that is a programming error caught at startup.
func (r *ToolRegistry) Register(t *Tool) {
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(t.InputSchema)))
	if err != nil {
		panic(fmt.Sprintf("tool %s: invalid schema JSON: %v", t.Name, err))
	}
	if err := compiler.AddResource(t.Name+".json", doc); err != nil {
		panic(fmt.Sprintf("tool %s: adding schema: %v", t.Name, err))
	}
	t.compiled, err = compiler.Compile(t.Name + ".json")
	if err != nil {
		panic(fmt.Sprintf("tool %s: compiling schema: %v", t.Name, err))
	}
	r.tools[t.Name] = t
}

// exposed reports whether a tool is advertised and callable.
func (r *ToolRegistry) exposed(name string) bool {
	switch r.exposure {
	case config.ExposureAgent:
		return agentExposed[name]
	case config.ExposureManual:
		return r.allowlist[name]
	default:
		return true
	}
}

// toolDescriptor is the wire shape of tools/list entries.
type toolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// List returns advertised tools sorted by name.
func (r *ToolRegistry) List() []toolDescriptor {
	var out []toolDescriptor
	for name, t := range r.tools {
		if !r.exposed(name) {
			continue
		}
		out = append(out, toolDescriptor{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Call validates arguments against the tool schema and runs the handler.
// Unknown or unexposed tools and schema violations surface as classified
// errors that the protocol layer maps onto JSON-RPC codes.
func (r *ToolRegistry) Call(ctx context.Context, name string, rawArgs json.RawMessage) (any, error) {
	t, ok := r.tools[name]
	if !ok || !r.exposed(name) {
		return nil, &ErrorObject{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown tool %q", name)}
	}

	args := map[string]any{}
	if len(rawArgs) > 0 {
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, &ErrorObject{Code: CodeInvalidParams, Message: "arguments must be a JSON object"}
		}
	}
	args = normalizeArgs(args, t)

	if err := t.compiled.Validate(any(args)); err != nil {
		return nil, &ErrorObject{Code: CodeInvalidParams,
			Message: fmt.Sprintf("invalid arguments for %s", name),
			Data:    map[string]string{"detail": err.Error()}}
	}
	result, err := t.Handler(ctx, args)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// normalizeArgs applies alias mapping and lenient scalar coercion: numeric
// strings become numbers where the schema expects them, "true"/"false"
// become booleans. Canonical names win when both are present.
func normalizeArgs(args map[string]any, t *Tool) map[string]any {
	for alias, canonical := range t.Aliases {
		if v, ok := args[alias]; ok {
			if _, exists := args[canonical]; !exists {
				args[canonical] = v
			}
			delete(args, alias)
		}
	}

	types := schemaPropertyTypes(t.InputSchema)
	for key, want := range types {
		v, ok := args[key]
		if !ok {
			continue
		}
		switch want {
		case "integer", "number":
			if s, ok := v.(string); ok {
				if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
					args[key] = f
				}
			}
		case "boolean":
			if s, ok := v.(string); ok {
				if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
					args[key] = b
				}
			}
		case "string":
			switch n := v.(type) {
			case float64:
				args[key] = strconv.FormatFloat(n, 'f', -1, 64)
			}
		}
	}
	return args
}

// schemaPropertyTypes extracts top-level property types for coercion.
func schemaPropertyTypes(schema json.RawMessage) map[string]string {
	var s struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
	}
	out := map[string]string{}
	if json.Unmarshal(schema, &s) == nil {
		for name, p := range s.Properties {
			out[name] = p.Type
		}
	}
	return out
}

// argString reads a string argument.
func argString(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// argInt reads an integer argument (JSON numbers decode as float64).
func argInt(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// argInt64 reads a 64-bit integer argument.
func argInt64(args map[string]any, key string) int64 {
	switch v := args[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	}
	return 0
}

// argBool reads a boolean argument.
func argBool(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

// argFloat reads a float argument.
func argFloat(args map[string]any, key string) float64 {
	v, _ := args[key].(float64)
	return v
}

// argStrings reads a string-array argument.
func argStrings(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// validationErr builds a KindValidation error for handler-level checks the
// schema cannot express.
func validationErr(format string, args ...any) error {
	return apperr.Ef(apperr.KindValidation, format, args...)
}
