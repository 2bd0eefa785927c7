package mcpserver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"

	"github.com/inquest-ai/inquest/pkg/agent"
	"github.com/inquest-ai/inquest/pkg/apperr"
	"github.com/inquest-ai/inquest/pkg/cache"
	"github.com/inquest-ai/inquest/pkg/config"
	"github.com/inquest-ai/inquest/pkg/database"
	"github.com/inquest-ai/inquest/pkg/events"
	"github.com/inquest-ai/inquest/pkg/index"
	"github.com/inquest-ai/inquest/pkg/llm"
	"github.com/inquest-ai/inquest/pkg/memory"
	"github.com/inquest-ai/inquest/pkg/models"
	"github.com/inquest-ai/inquest/pkg/queue"
	"github.com/inquest-ai/inquest/pkg/services"
)

// Deps carries everything the tool handlers reach into.
type Deps struct {
	Cfg      *config.Config
	DB       *database.Client
	Queue    *queue.Queue
	Reports  *services.ReportService
	Sessions *services.SessionService
	Index    *index.Service
	Memory   *memory.Service
	Cache    *cache.Cache
	Events   *events.Publisher
	Manager  *events.Manager
	Executor *agent.BoundedExecutor
	Catalog  *llm.Catalog
	Registry *llm.Registry

	// Resources is set after the registry is built over these deps; tool
	// handlers use it to push resources/updated notifications.
	Resources *ResourceRegistry

	StartedAt time.Time
}

// RegisterAll installs every tool on the registry.
func RegisterAll(reg *ToolRegistry, d *Deps) {
	reg.Register(pingTool())
	reg.Register(statusTool(d))
	researchSchema, researchHandler := researchTool(d)
	reg.Register(&Tool{
		Name:        "research",
		Description: "Run multi-agent research on a query and produce a cited report. Waits for the result unless async is set; stream progress via the run events endpoint or poll job_status.",
		InputSchema: researchSchema, Aliases: map[string]string{"q": "query"},
		Handler: researchHandler,
	})
	reg.Register(&Tool{
		Name:        "agent",
		Description: "Alias of research: plan, research in parallel, synthesize, persist.",
		InputSchema: researchSchema, Aliases: map[string]string{"q": "query"},
		Handler: researchHandler,
	})
	status := jobStatusTool(d)
	reg.Register(status)
	reg.Register(&Tool{
		Name:        "get_job_status",
		Description: status.Description,
		InputSchema: status.InputSchema, Aliases: status.Aliases,
		Handler: status.Handler,
	})
	reg.Register(cancelJobTool(d))
	reg.Register(searchTool(d))
	reg.Register(retrieveTool(d))
	reg.Register(getReportTool(d))
	reg.Register(rateReportTool(d))
	reg.Register(historyTool(d))
	reg.Register(memorySearchTool(d))
	registerSessionTools(reg, d)
}

func pingTool() *Tool {
	return &Tool{
		Name:        "ping",
		Description: "Liveness check; returns pong and the server time.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{"pong": true, "time": time.Now().UTC().Format(time.RFC3339)}, nil
		},
	}
}

func statusTool(d *Deps) *Tool {
	return &Tool{
		Name:        "get_server_status",
		Description: "Server health: queue depth, cache effectiveness, adaptive parallelism, providers, uptime.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			depth, err := d.Queue.Depth(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"uptime_sec":       int(time.Since(d.StartedAt).Seconds()),
				"queue_depth":      depth,
				"executor_limit":   d.Executor.Limit(),
				"cache":            d.Cache.Stats(),
				"subscribers":      d.Manager.SubscriberCount(),
				"providers":        d.Registry.Providers(),
				"models":           len(d.Catalog.List()),
				"protocol_version": supportedVersions[0],
			}, nil
		},
	}
}

func researchTool(d *Deps) (json.RawMessage, ToolHandler) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "minLength": 1, "description": "The research question"},
			"cost_preference": {"type": "string", "enum": ["very-low", "low", "high"]},
			"audience_level": {"type": "string"},
			"output_format": {"type": "string", "enum": ["report", "briefing", "bullet_points"]},
			"include_sources": {"type": "boolean"},
			"max_length": {"type": "integer", "minimum": 0},
			"images": {"type": "array", "items": {"type": "string"}},
			"text_documents": {"type": "array", "items": {"type": "string"}},
			"structured_data": {"type": "string"},
			"time_budget_sec": {"type": "integer", "minimum": 0},
			"money_budget_usd": {"type": "number", "minimum": 0},
			"privacy": {"type": "string", "enum": ["local-first", "hybrid", "cloud-preferred"]},
			"session_id": {"type": "string"},
			"idempotency_key": {"type": "string", "description": "Overrides the derived deduplication key"},
			"async": {"type": "boolean", "description": "Return immediately instead of waiting for the result"},
			"force_new": {"type": "boolean", "description": "Bypass idempotent deduplication"}
		},
		"required": ["query"],
		"additionalProperties": false
	}`)

	handler := func(ctx context.Context, args map[string]any) (any, error) {
		params := models.ResearchParams{
			Query:          argString(args, "query"),
			CostPreference: argString(args, "cost_preference"),
			AudienceLevel:  argString(args, "audience_level"),
			OutputFormat:   argString(args, "output_format"),
			IncludeSources: argBool(args, "include_sources"),
			MaxLength:      argInt(args, "max_length"),
			Images:         argStrings(args, "images"),
			TextDocuments:  argStrings(args, "text_documents"),
			StructuredData: argString(args, "structured_data"),
			TimeBudgetSec:  argInt(args, "time_budget_sec"),
			MoneyBudgetUSD: argFloat(args, "money_budget_usd"),
			Privacy:        argString(args, "privacy"),
			SessionID:      argString(args, "session_id"),
		}
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "encoding params", err)
		}

		var deadline *time.Time
		if params.TimeBudgetSec > 0 {
			t := time.Now().Add(time.Duration(params.TimeBudgetSec) * time.Second)
			deadline = &t
		}

		idemKey := argString(args, "idempotency_key")
		if idemKey == "" {
			idemKey = researchIdempotencyKey(params)
		}

		job, outcome, err := d.Queue.Submit(ctx, queue.SubmitRequest{
			Type:           models.JobTypeResearch,
			Params:         raw,
			IdempotencyKey: idemKey,
			ForceNew:       argBool(args, "force_new"),
			Deadline:       deadline,
			SessionID:      params.SessionID,
		})
		if err != nil {
			return nil, err
		}

		if params.SessionID != "" && outcome == queue.SubmitCreated {
			payload, _ := json.Marshal(map[string]string{"query": params.Query, "job_id": job.ID})
			if _, err := d.Sessions.Append(ctx, params.SessionID, models.EventQuerySubmitted, payload, false); err != nil {
				return nil, err
			}
		}

		ProgressFrom(ctx)(0, 1, "job queued")
		result := map[string]any{
			"job_id":          job.ID,
			"status":          job.Status,
			"idempotency_key": idemKey,
			"existing_job":    outcome == queue.SubmitExisting,
			"sse_url":         "/runs/" + job.ID + "/events/stream",
			"ui_url":          "/ui/runs/" + job.ID,
		}
		if argBool(args, "async") {
			return result, nil
		}

		final, err := awaitJob(ctx, d.Queue, job)
		if err != nil {
			return nil, err
		}
		result["status"] = final.Status
		if final.ErrorMsg != "" {
			result["error"] = final.ErrorMsg
		}
		if len(final.ResultRef) > 0 {
			var ref struct {
				ReportID int64 `json:"report_id"`
				Cached   bool  `json:"cached"`
			}
			if err := json.Unmarshal(final.ResultRef, &ref); err == nil {
				result["result"] = map[string]any{"report_id": ref.ReportID}
				result["cached"] = ref.Cached
			}
		}
		return result, nil
	}
	return schema, handler
}

// awaitJob polls until the job reaches a terminal state or the request
// context ends. Cancellation returns the job as last seen rather than an
// error so callers still get the id and urls.
func awaitJob(ctx context.Context, q *queue.Queue, job *models.Job) (*models.Job, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for !job.Status.Terminal() {
		select {
		case <-ctx.Done():
			return job, nil
		case <-ticker.C:
		}
		refreshed, err := q.Get(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		job = refreshed
	}
	return job, nil
}

// researchIdempotencyKey hashes the semantically significant request fields.
func researchIdempotencyKey(p models.ResearchParams) string {
	h := sha256.New()
	enc := json.NewEncoder(h)
	_ = enc.Encode(cache.NormalizeQuery(p.Query))
	_ = enc.Encode([]any{p.CostPreference, p.OutputFormat, p.AudienceLevel, p.Privacy, p.SessionID})
	return "research:" + hex.EncodeToString(h.Sum(nil))[:32]
}

func jobStatusTool(d *Deps) *Tool {
	return &Tool{
		Name:        "job_status",
		Description: "Status of a job, with its most recent progress events.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"job_id": {"type": "string", "minLength": 1},
				"event_limit": {"type": "integer", "minimum": 0, "maximum": 100}
			},
			"required": ["job_id"],
			"additionalProperties": false
		}`),
		Aliases: map[string]string{"id": "job_id", "jobId": "job_id"},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			job, err := d.Queue.Get(ctx, argString(args, "job_id"))
			if err != nil {
				return nil, apperr.Wrap(apperr.KindNotFound, "job lookup", err)
			}
			limit := argInt(args, "event_limit")
			if limit == 0 {
				limit = 20
			}
			evs, err := d.Events.EventsAfter(ctx, job.ID, 0, 1000)
			if err != nil {
				return nil, err
			}
			if len(evs) > limit {
				evs = evs[len(evs)-limit:]
			}
			out := map[string]any{"job": job, "status": job.Status, "events": evs}
			if job.ErrorMsg != "" {
				out["error"] = job.ErrorMsg
			}
			if len(job.ResultRef) > 0 {
				out["result"] = job.ResultRef
			}
			return out, nil
		},
	}
}

func cancelJobTool(d *Deps) *Tool {
	return &Tool{
		Name:        "cancel_job",
		Description: "Cancel a queued or running job. Idempotent.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"job_id": {"type": "string", "minLength": 1}},
			"required": ["job_id"],
			"additionalProperties": false
		}`),
		Aliases: map[string]string{"id": "job_id"},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			job, err := d.Queue.Cancel(ctx, argString(args, "job_id"))
			if err == queue.ErrTerminal {
				// Already finished; report the state instead of erroring.
				return map[string]any{"job_id": job.ID, "canceled": false, "status": job.Status}, nil
			}
			if err != nil {
				return nil, err
			}
			d.Events.TryPublish(ctx, job.ID, events.TypeRunCanceled, nil)
			return map[string]any{"job_id": job.ID, "canceled": true, "status": job.Status}, nil
		},
	}
}

func searchTool(d *Deps) *Tool {
	return &Tool{
		Name:        "search",
		Description: "Hybrid lexical+vector search over the knowledge base.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "minLength": 1},
				"k": {"type": "integer", "minimum": 1, "maximum": 50},
				"scope": {"type": "string", "enum": ["reports", "docs", "both"]},
				"rerank": {"type": "boolean"},
				"session_id": {"type": "string"}
			},
			"required": ["query"],
			"additionalProperties": false
		}`),
		Aliases: map[string]string{"q": "query", "limit": "k"},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			scope := models.IndexScope(argString(args, "scope"))
			hits, err := d.Index.Search(ctx, argString(args, "query"), argInt(args, "k"), scope, argBool(args, "rerank"))
			if err != nil {
				return nil, err
			}
			if sid := argString(args, "session_id"); sid != "" {
				payload, _ := json.Marshal(map[string]any{"query": argString(args, "query"), "hits": len(hits)})
				if _, err := d.Sessions.Append(ctx, sid, models.EventSearchPerformed, payload, true); err != nil {
					return nil, err
				}
			}
			return map[string]any{"hits": hits}, nil
		},
	}
}

func retrieveTool(d *Deps) *Tool {
	return &Tool{
		Name:        "retrieve",
		Description: "Fetch stored knowledge: a hybrid search via query, or a read-only SQL SELECT via sql.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "minLength": 1},
				"sql": {"type": "string", "minLength": 1},
				"k": {"type": "integer", "minimum": 1, "maximum": 50},
				"scope": {"type": "string", "enum": ["reports", "docs", "both"]},
				"limit": {"type": "integer", "minimum": 1, "maximum": 500}
			},
			"additionalProperties": false
		}`),
		Aliases: map[string]string{"q": "query"},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			query, sql := argString(args, "query"), argString(args, "sql")
			switch {
			case query != "" && sql != "":
				return nil, validationErr("query and sql are mutually exclusive")
			case sql != "":
				return runReadOnlyQuery(ctx, d.DB, sql, argInt(args, "limit"))
			case query != "":
				k := argInt(args, "k")
				if k == 0 {
					k = 10
				}
				scope := models.IndexScope(argString(args, "scope"))
				hits, err := d.Index.Search(ctx, query, k, scope, false)
				if err != nil {
					return nil, err
				}
				return map[string]any{"hits": hits}, nil
			default:
				return nil, validationErr("one of query or sql is required")
			}
		},
	}
}

// runReadOnlyQuery executes caller SQL inside a read-only transaction after a
// syntactic guard: a single SELECT statement, no data-modifying CTEs.
func runReadOnlyQuery(ctx context.Context, db *database.Client, sql string, limit int) (any, error) {
	trimmed := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return nil, validationErr("only SELECT queries are allowed")
	}
	if strings.ContainsRune(trimmed, ';') {
		return nil, validationErr("multiple statements are not allowed")
	}
	for _, verb := range []string{"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "TRUNCATE", "CREATE", "GRANT", "COPY"} {
		if strings.Contains(upper, verb+" ") {
			return nil, validationErr("statement contains disallowed keyword %s", verb)
		}
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	tx, err := db.Pool().BeginTx(ctx, readOnlyTxOptions())
	if err != nil {
		return nil, fmt.Errorf("beginning read-only transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, trimmed)
	if err != nil {
		return nil, validationErr("query failed: %v", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}

	var out []map[string]any
	for rows.Next() && len(out) < limit {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return map[string]any{"columns": cols, "rows": out, "row_count": len(out)}, rows.Err()
}

func readOnlyTxOptions() pgx.TxOptions {
	return pgx.TxOptions{AccessMode: pgx.ReadOnly}
}

// Byte budgets for the non-full report modes. Cuts land on rune boundaries.
const (
	summaryExcerptBytes  = 600
	truncateContentBytes = 4000
)

func getReportTool(d *Deps) *Tool {
	return &Tool{
		Name:        "get_report",
		Description: "Fetch a stored report by id. Mode selects the full body, a summary, or a truncated body.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"report_id": {"type": "integer", "minimum": 1},
				"mode": {"type": "string", "enum": ["full", "summary", "truncate"]}
			},
			"required": ["report_id"],
			"additionalProperties": false
		}`),
		Aliases: map[string]string{"id": "report_id"},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			report, err := d.Reports.Get(ctx, argInt64(args, "report_id"))
			if err != nil {
				return nil, apperr.Wrap(apperr.KindNotFound, "report lookup", err)
			}
			switch argString(args, "mode") {
			case "summary":
				return map[string]any{
					"id":             report.ID,
					"query":          report.Query,
					"rating":         report.Rating,
					"created_at":     report.CreatedAt,
					"content_length": len(report.Content),
					"source_count":   len(report.Sources),
					"excerpt":        cutAtRune(report.Content, summaryExcerptBytes),
				}, nil
			case "truncate":
				truncated := len(report.Content) > truncateContentBytes
				if truncated {
					report.Content = cutAtRune(report.Content, truncateContentBytes) + "…"
				}
				return map[string]any{"report": report, "truncated": truncated}, nil
			default:
				return report, nil
			}
		},
	}
}

// cutAtRune shortens s to at most n bytes without splitting a UTF-8 rune.
func cutAtRune(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func rateReportTool(d *Deps) *Tool {
	return &Tool{
		Name:        "rate_report",
		Description: "Rate a report 0-5. The rating is the only mutable report field.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"report_id": {"type": "integer", "minimum": 1},
				"rating": {"type": "integer", "minimum": 0, "maximum": 5},
				"session_id": {"type": "string"}
			},
			"required": ["report_id", "rating"],
			"additionalProperties": false
		}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			id := argInt64(args, "report_id")
			rating := argInt(args, "rating")
			if err := d.Reports.Rate(ctx, id, rating); err != nil {
				if err == services.ErrNotFound {
					return nil, apperr.Ef(apperr.KindNotFound, "report %d not found", id)
				}
				return nil, err
			}
			if sid := argString(args, "session_id"); sid != "" {
				payload, _ := json.Marshal(map[string]any{"report_id": id, "rating": rating})
				if _, err := d.Sessions.Append(ctx, sid, models.EventReportRated, payload, false); err != nil {
					return nil, err
				}
			}
			if d.Resources != nil {
				d.Resources.NotifyUpdated(uriReportPrefix + strconv.FormatInt(id, 10))
			}
			return map[string]any{"report_id": id, "rating": rating}, nil
		},
	}
}

func historyTool(d *Deps) *Tool {
	return &Tool{
		Name:        "history",
		Description: "List recent reports, optionally filtered by a query substring.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"limit": {"type": "integer", "minimum": 1, "maximum": 200},
				"query_filter": {"type": "string"}
			},
			"additionalProperties": false
		}`),
		Aliases: map[string]string{"filter": "query_filter"},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			reports, err := d.Reports.List(ctx, argInt(args, "limit"), argString(args, "query_filter"))
			if err != nil {
				return nil, err
			}
			// History is a listing surface; drop bodies to keep payloads small.
			type summary struct {
				ID        int64     `json:"id"`
				Query     string    `json:"query"`
				Rating    *int      `json:"rating,omitempty"`
				CreatedAt time.Time `json:"created_at"`
				Length    int       `json:"content_length"`
			}
			out := make([]summary, 0, len(reports))
			for _, r := range reports {
				out = append(out, summary{ID: r.ID, Query: r.Query, Rating: r.Rating,
					CreatedAt: r.CreatedAt, Length: len(r.Content)})
			}
			return map[string]any{"reports": out}, nil
		},
	}
}

func memorySearchTool(d *Deps) *Tool {
	return &Tool{
		Name:        "memory_search",
		Description: "Query living memory: entity/relation nodes near the query, graph-expanded.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "minLength": 1},
				"limit": {"type": "integer", "minimum": 1, "maximum": 50}
			},
			"required": ["query"],
			"additionalProperties": false
		}`),
		Aliases: map[string]string{"q": "query"},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			nodes, err := d.Memory.Query(ctx, argString(args, "query"), argInt(args, "limit"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"nodes": nodes}, nil
		},
	}
}
