package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/inquest-ai/inquest/pkg/services"
)

// Resource URIs use the mcp:// scheme:
//
//	mcp://reports/{id}   one stored report
//	mcp://reports/recent the latest report summaries
//	mcp://status         the server status document
const (
	uriReportPrefix = "mcp://reports/"
	uriRecent       = "mcp://reports/recent"
	uriStatus       = "mcp://status"
)

// ResourceRegistry serves resources/list, read, and subscription tracking.
// Subscriptions are per-connection; updated notifications go out through the
// notifier captured when the connection subscribed.
type ResourceRegistry struct {
	deps *Deps

	mu   sync.Mutex
	subs map[string]*connSubs // connection id -> subscription state
}

type connSubs struct {
	uris   map[string]bool
	notify Notifier
}

// NewResourceRegistry builds the registry over the shared dependencies.
func NewResourceRegistry(d *Deps) *ResourceRegistry {
	return &ResourceRegistry{deps: d, subs: map[string]*connSubs{}}
}

type resourceDescriptor struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

func (r *ResourceRegistry) list(ctx context.Context) (any, error) {
	resources := []resourceDescriptor{
		{URI: uriRecent, Name: "Recent reports", Description: "Summaries of the latest stored reports", MimeType: "application/json"},
		{URI: uriStatus, Name: "Server status", Description: "Queue, cache, and executor health", MimeType: "application/json"},
	}
	reports, err := r.deps.Reports.List(ctx, 20, "")
	if err != nil {
		return nil, err
	}
	for _, rep := range reports {
		resources = append(resources, resourceDescriptor{
			URI:      uriReportPrefix + strconv.FormatInt(rep.ID, 10),
			Name:     truncateTitle(rep.Query),
			MimeType: "text/markdown",
		})
	}
	return map[string]any{"resources": resources}, nil
}

func (r *ResourceRegistry) read(ctx context.Context, params json.RawMessage) (any, error) {
	uri, err := uriParam(params)
	if err != nil {
		return nil, err
	}

	switch {
	case uri == uriRecent:
		reports, err := r.deps.Reports.List(ctx, 20, "")
		if err != nil {
			return nil, err
		}
		return jsonContents(uri, reports)

	case uri == uriStatus:
		depth, err := r.deps.Queue.Depth(ctx)
		if err != nil {
			return nil, err
		}
		return jsonContents(uri, map[string]any{
			"queue_depth":    depth,
			"executor_limit": r.deps.Executor.Limit(),
			"cache":          r.deps.Cache.Stats(),
		})

	case strings.HasPrefix(uri, uriReportPrefix):
		id, err := strconv.ParseInt(strings.TrimPrefix(uri, uriReportPrefix), 10, 64)
		if err != nil {
			return nil, &ErrorObject{Code: CodeInvalidParams, Message: "malformed report uri"}
		}
		report, err := r.deps.Reports.Get(ctx, id)
		if err != nil {
			if err == services.ErrNotFound {
				return nil, &ErrorObject{Code: CodeInvalidParams, Message: fmt.Sprintf("no report %d", id)}
			}
			return nil, err
		}
		return map[string]any{
			"contents": []map[string]any{{
				"uri":      uri,
				"mimeType": "text/markdown",
				"text":     "# " + report.Query + "\n\n" + report.Content,
			}},
		}, nil

	default:
		return nil, &ErrorObject{Code: CodeInvalidParams, Message: fmt.Sprintf("unknown resource %q", uri)}
	}
}

func (r *ResourceRegistry) subscribe(ctx context.Context, params json.RawMessage) (any, error) {
	uri, err := uriParam(params)
	if err != nil {
		return nil, err
	}
	conn := connIDFrom(ctx)
	r.mu.Lock()
	if r.subs[conn] == nil {
		r.subs[conn] = &connSubs{uris: map[string]bool{}}
	}
	r.subs[conn].uris[uri] = true
	// The latest notifier wins; a reconnecting client re-subscribes anyway.
	r.subs[conn].notify = notifierFrom(ctx)
	r.mu.Unlock()
	return map[string]any{}, nil
}

func (r *ResourceRegistry) unsubscribe(ctx context.Context, params json.RawMessage) (any, error) {
	uri, err := uriParam(params)
	if err != nil {
		return nil, err
	}
	conn := connIDFrom(ctx)
	r.mu.Lock()
	if sub := r.subs[conn]; sub != nil {
		delete(sub.uris, uri)
		if len(sub.uris) == 0 {
			delete(r.subs, conn)
		}
	}
	r.mu.Unlock()
	return map[string]any{}, nil
}

// DropConnection clears a closed connection's subscriptions.
func (r *ResourceRegistry) DropConnection(connID string) {
	r.mu.Lock()
	delete(r.subs, connID)
	r.mu.Unlock()
}

// NotifyUpdated pushes a resources/updated notification to every connection
// subscribed to the uri. A report change also touches the recent list, so
// those subscribers are notified as well.
func (r *ResourceRegistry) NotifyUpdated(uri string) {
	recentToo := strings.HasPrefix(uri, uriReportPrefix) && uri != uriRecent

	r.mu.Lock()
	var targets []Notifier
	var uris []string
	for _, sub := range r.subs {
		if sub.notify == nil {
			continue
		}
		if sub.uris[uri] {
			targets = append(targets, sub.notify)
			uris = append(uris, uri)
		} else if recentToo && sub.uris[uriRecent] {
			targets = append(targets, sub.notify)
			uris = append(uris, uriRecent)
		}
	}
	r.mu.Unlock()

	for i, notify := range targets {
		notify(NewNotification("notifications/resources/updated", map[string]string{"uri": uris[i]}))
	}
}

// SubscriberCount reports how many connections hold subscriptions.
func (r *ResourceRegistry) SubscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func uriParam(params json.RawMessage) (string, error) {
	var p struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.URI == "" {
		return "", &ErrorObject{Code: CodeInvalidParams, Message: "a uri is required"}
	}
	return p.URI, nil
}

func jsonContents(uri string, v any) (any, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"contents": []map[string]any{{"uri": uri, "mimeType": "application/json", "text": string(raw)}},
	}, nil
}

func truncateTitle(s string) string {
	if len(s) > 80 {
		return s[:80] + "…"
	}
	return s
}

// connIDKey identifies the transport connection for subscription tracking.
type connIDKey struct{}

// WithConnID tags the context with the transport connection id.
func WithConnID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, connIDKey{}, id)
}

func connIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(connIDKey{}).(string); ok {
		return id
	}
	return "anonymous"
}
