package api

import (
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
)

// runPage is a minimal live view of one run: it opens the run's SSE stream
// and appends events as they arrive. Served inline so the server stays a
// single binary.
var runPage = template.Must(template.New("run").Parse(`<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>run {{.JobID}}</title>
<style>
body { font-family: monospace; margin: 2rem; background: #111; color: #ddd; }
h1 { font-size: 1rem; }
#events div { padding: 2px 0; border-bottom: 1px solid #222; }
.type { color: #8bc; margin-right: 1ch; }
</style>
</head>
<body>
<h1>run {{.JobID}} <span id="state">connecting</span></h1>
<div id="events"></div>
<script>
const out = document.getElementById("events");
const state = document.getElementById("state");
const es = new EventSource("/runs/{{.JobID}}/events/stream");
es.onopen = () => { state.textContent = "live"; };
es.onerror = () => { state.textContent = "disconnected"; };
["run_started","policy_selected","plan_created","task_started","agent_progress",
 "task_completed","synthesis_started","synthesis_delta","synthesis_completed",
 "refinement_round","report_saved","run_completed","run_failed","run_canceled"
].forEach(type => {
	es.addEventListener(type, ev => {
		const row = document.createElement("div");
		const tag = document.createElement("span");
		tag.className = "type";
		tag.textContent = type;
		row.appendChild(tag);
		row.appendChild(document.createTextNode(ev.data));
		out.appendChild(row);
		if (type.startsWith("run_") && type !== "run_started") es.close();
	});
});
</script>
</body>
</html>`))

func (s *Server) handleRunUI(c *gin.Context) {
	jobID := c.Param("id")
	if _, err := s.queue.Get(c.Request.Context(), jobID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown job"})
		return
	}
	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/html; charset=utf-8")
	_ = runPage.Execute(c.Writer, gin.H{"JobID": jobID})
}
