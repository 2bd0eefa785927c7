package mcpserver

import (
	"encoding/json"
	"fmt"
	"sort"
)

// promptArg describes one prompt parameter.
type promptArg struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// prompt is one advertised prompt template.
type prompt struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Arguments   []promptArg `json:"arguments,omitempty"`

	render func(args map[string]string) string
}

// promptRegistry holds the server's prompt templates.
type promptRegistry struct {
	prompts map[string]*prompt
}

func newPromptRegistry() *promptRegistry {
	r := &promptRegistry{prompts: map[string]*prompt{}}

	r.add(&prompt{
		Name:        "research_question",
		Description: "Turn a vague topic into a sharp research question suited to the research tool.",
		Arguments: []promptArg{
			{Name: "topic", Description: "The rough topic or area of interest", Required: true},
			{Name: "audience", Description: "Who the answer is for", Required: false},
		},
		render: func(args map[string]string) string {
			out := "Refine the following topic into one precise, answerable research question. " +
				"State the question, then list 2-3 sub-questions it decomposes into.\n\nTopic: " + args["topic"]
			if a := args["audience"]; a != "" {
				out += "\nAudience: " + a
			}
			return out
		},
	})

	r.add(&prompt{
		Name:        "report_critique",
		Description: "Critique a stored report for coverage, citation hygiene, and clarity.",
		Arguments: []promptArg{
			{Name: "report", Description: "The report content to critique", Required: true},
		},
		render: func(args map[string]string) string {
			return "Critique this research report. Check: does it answer its query, are all claims " +
				"cited or marked [Unverified], is the structure appropriate for its audience? " +
				"List concrete improvements.\n\n" + args["report"]
		},
	})

	r.add(&prompt{
		Name:        "followup_queries",
		Description: "Suggest follow-up research queries that would deepen an existing report.",
		Arguments: []promptArg{
			{Name: "report", Description: "The report to extend", Required: true},
		},
		render: func(args map[string]string) string {
			return "Given this report, propose 3-5 follow-up research queries that would deepen or " +
				"extend it. For each, say what gap it fills.\n\n" + args["report"]
		},
	})

	return r
}

func (r *promptRegistry) add(p *prompt) {
	r.prompts[p.Name] = p
}

func (r *promptRegistry) list() []*prompt {
	out := make([]*prompt, 0, len(r.prompts))
	for _, p := range r.prompts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *promptRegistry) get(params json.RawMessage) (any, error) {
	var p struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
		return nil, &ErrorObject{Code: CodeInvalidParams, Message: "prompts/get requires a name"}
	}
	pr, ok := r.prompts[p.Name]
	if !ok {
		return nil, &ErrorObject{Code: CodeInvalidParams, Message: fmt.Sprintf("unknown prompt %q", p.Name)}
	}
	for _, arg := range pr.Arguments {
		if arg.Required && p.Arguments[arg.Name] == "" {
			return nil, &ErrorObject{Code: CodeInvalidParams,
				Message: fmt.Sprintf("prompt %s requires argument %s", p.Name, arg.Name)}
		}
	}

	return map[string]any{
		"description": pr.Description,
		"messages": []map[string]any{{
			"role":    "user",
			"content": map[string]string{"type": "text", "text": pr.render(p.Arguments)},
		}},
	}, nil
}
