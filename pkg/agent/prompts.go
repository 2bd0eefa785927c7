package agent

import (
	"fmt"
	"strings"

	"github.com/inquest-ai/inquest/pkg/models"
)

// Prompt construction for the three agent roles. Prompts are plain text;
// structured outputs are requested as bare JSON and parsed defensively.

const plannerSystem = `You are a research planner. Decompose the user's query into
independent research tasks that together cover it. Respond with ONLY a JSON
object:
{"tasks": [{"id": "t1", "description": "...", "depends_on": []}]}
Rules:
- At most %d tasks. Fewer is better when the query is narrow.
- depends_on lists ids of tasks whose findings this task needs. Keep the
  graph acyclic and shallow.
- Each description must be a self-contained research question.`

func plannerPrompt(params models.ResearchParams, maxTasks int, memoryContext string) (system, user string) {
	system = fmt.Sprintf(plannerSystem, maxTasks)

	var sb strings.Builder
	sb.WriteString("Query: " + params.Query + "\n")
	if params.AudienceLevel != "" {
		sb.WriteString("Audience: " + params.AudienceLevel + "\n")
	}
	if memoryContext != "" {
		sb.WriteString("\nKnown background (from prior research, may be stale):\n")
		sb.WriteString(memoryContext)
		sb.WriteString("\n")
	}
	appendAttachments(&sb, params)
	return system, sb.String()
}

const replanNudge = `Your previous plan did not cover the query well enough.
Previous plan:
%s

Gaps to address: %s
Produce a corrected plan in the same JSON format.`

const researcherSystem = `You are a focused researcher. Investigate the task below
and report findings as plain prose with concrete facts. End your answer with a
line of the exact form:
CONFIDENCE: <number between 0 and 1>
reflecting how certain you are in the findings overall.`

func researcherPrompt(task PlanTask, params models.ResearchParams, findings []TaskFinding) string {
	var sb strings.Builder
	sb.WriteString("Research task: " + task.Description + "\n")
	sb.WriteString("Overall query for context: " + params.Query + "\n")
	if len(findings) > 0 {
		sb.WriteString("\nFindings from prerequisite tasks:\n")
		for _, f := range findings {
			sb.WriteString("- [" + f.TaskID + "] " + truncate(f.Content, 1500) + "\n")
		}
	}
	appendAttachments(&sb, params)
	return sb.String()
}

const synthesizerSystem = `You are a synthesis writer producing a %s for a %s audience.
Combine the research findings into a coherent, well-organized answer to the
query. Cite findings inline as [T:<task-id>]. Any claim not supported by the
findings must be marked [Unverified]. %s`

func synthesizerPrompt(params models.ResearchParams, findings []TaskFinding) (system, user string) {
	format := params.OutputFormat
	if format == "" {
		format = "report"
	}
	audience := params.AudienceLevel
	if audience == "" {
		audience = "general"
	}
	extra := ""
	if params.MaxLength > 0 {
		extra = fmt.Sprintf("Keep the result under roughly %d words.", params.MaxLength)
	}
	if format == "bullet_points" {
		extra += " Use terse bullet points, no prose paragraphs."
	}
	system = fmt.Sprintf(synthesizerSystem, format, audience, extra)

	var sb strings.Builder
	sb.WriteString("Query: " + params.Query + "\n\nResearch findings:\n")
	for _, f := range findings {
		fmt.Fprintf(&sb, "\n[T:%s] (confidence %.2f, consensus %.2f)\n%s\n",
			f.TaskID, f.Confidence, f.Consensus, truncate(f.Content, 4000))
	}
	return system, sb.String()
}

const critiquePrompt = `Review the draft below against the query and findings.
List concrete weaknesses: missing coverage, unsupported claims, unclear
structure. Respond with a short bullet list; respond with exactly "OK" if the
draft needs no changes.

Query: %s

Draft:
%s`

const revisePrompt = `Revise the draft to address this critique, keeping the
same output format and citation markers.

Critique:
%s

Draft:
%s`

func appendAttachments(sb *strings.Builder, params models.ResearchParams) {
	for i, doc := range params.TextDocuments {
		fmt.Fprintf(sb, "\nAttached document %d:\n%s\n", i+1, truncate(doc, 4000))
	}
	if params.StructuredData != "" {
		sb.WriteString("\nAttached structured data:\n" + truncate(params.StructuredData, 4000) + "\n")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
