package agent

import (
	"context"
	"encoding/json"
	"strings"
	texttemplate "text/template"

	"github.com/rcliao/agent-runtime/internal/episodes"
	"github.com/rcliao/agent-runtime/internal/model"
	"github.com/rcliao/agent-runtime/internal/tokens"
)

// recallBudget is the token budget of episodes recalled into a prompt.
const recallBudget = 500

var promptTemplate = texttemplate.Must(texttemplate.New("prompt").Parse(`{{with .Instructions}}{{.}}

{{end}}<contexts>
{{- range .Contexts}}
<context type="{{.Type}}"{{with .Key}} key="{{.}}"{{end}}>
{{- with .Instructions}}
{{.}}{{end}}
{{- with .Memory}}
<memory>
{{.}}
</memory>{{end}}
</context>
{{- end}}
</contexts>

<available_actions>
{{- range .Actions}}
<action name="{{.Name}}"{{with .Format}} format="{{.}}"{{end}}>
{{- with .Description}}
{{.}}{{end}}
{{- with .Schema}}
<schema>{{.}}</schema>{{end}}
</action>
{{- end}}
</available_actions>

<outputs>
{{- range .Outputs}}
<output type="{{.Type}}">
{{- with .Description}}
{{.}}{{end}}
{{- with .Instructions}}
{{.}}{{end}}
{{- with .Schema}}
<schema>{{.}}</schema>{{end}}
{{- range .Examples}}
<example>{{.}}</example>{{end}}
</output>
{{- end}}
</outputs>
{{- if .Episodes}}

<relevant_episodes>
{{- range .Episodes}}
<episode type="{{.Type}}">
{{.Content}}
</episode>
{{- end}}
</relevant_episodes>
{{- end}}

<history>
{{- range .History}}
{{.}}{{end}}
</history>

<updates>
{{- range .Updates}}
{{.}}{{end}}
</updates>

<response_format>
Answer inside <response></response>. Think inside <reasoning></reasoning>.
Call an action with <action_call name="NAME">ARGUMENTS</action_call>, where
ARGUMENTS follow the action's schema. Arguments may reference earlier results
of this step with {{"{{calls[INDEX].path}}"}}.
Produce an output with <output type="TYPE">CONTENT</output>.
Add contextKey="KEY" to a call or output to target a specific context.
</response_format>
`))

type promptData struct {
	Instructions string
	Contexts     []promptContext
	Actions      []promptAction
	Outputs      []promptOutput
	Episodes     []episodes.Recalled
	History      []string
	Updates      []string
}

type promptContext struct {
	Type, Key, Instructions, Memory string
}

type promptAction struct {
	Name, Description, Schema, Format string
}

type promptOutput struct {
	Type, Description, Instructions, Schema string
	Examples                                []string
}

// render builds the step prompt from the live definitions and the main
// context's working memory.
func (e *Engine) render(ctx context.Context) (string, error) {
	a := e.agent
	d := promptData{Instructions: a.instructions}

	e.mu.Lock()
	contexts := append([]*contextEntry(nil), e.contexts...)
	actions := append([]actionBinding(nil), e.actions...)
	outputs := append([]outputBinding(nil), e.outputs...)
	e.mu.Unlock()

	for _, c := range contexts {
		c.mu.Lock()
		pc := promptContext{Type: c.state.Type, Key: c.state.Key}
		if c.def.Instructions != nil {
			pc.Instructions = c.def.Instructions(c.state)
		}
		pc.Memory = renderMemory(c)
		c.mu.Unlock()
		d.Contexts = append(d.Contexts, pc)
	}
	for _, b := range actions {
		pa := promptAction{Name: b.def.Name, Description: b.def.Description}
		if b.def.Schema != nil {
			pa.Schema = b.def.Schema.String()
		}
		if b.def.CallFormat == FormatXML {
			pa.Format = string(FormatXML)
		}
		d.Actions = append(d.Actions, pa)
	}
	for _, b := range outputs {
		po := promptOutput{
			Type:         b.def.Type,
			Description:  b.def.Description,
			Instructions: b.def.Instructions,
			Examples:     b.def.Examples,
		}
		if b.def.Schema != nil && !b.def.Schema.IsText() {
			po.Schema = b.def.Schema.String()
		}
		d.Outputs = append(d.Outputs, po)
	}

	e.main.mu.Lock()
	logs := e.main.wm.Logs()
	if limit := e.main.state.Settings.MaxWorkingMemorySize; limit > 0 && len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	query := ""
	for _, l := range logs {
		line := model.Text(l)
		if l.Base().Processed {
			d.History = append(d.History, line)
		} else {
			d.Updates = append(d.Updates, line)
		}
		if in, ok := l.(*model.InputRef); ok {
			query = model.Text(in)
		}
	}
	e.main.mu.Unlock()

	if a.episodes != nil && query != "" {
		r, err := a.episodes.Recall(ctx, episodes.RecallParams{
			ContextID: e.main.state.ID,
			Query:     query,
			Budget:    recallBudget,
		})
		if err != nil {
			e.logger.Warn("recall failed", "error", err)
		} else {
			d.Episodes = r.Episodes
		}
	}

	var b strings.Builder
	if err := promptTemplate.Execute(&b, d); err != nil {
		return "", err
	}
	return b.String(), nil
}

// renderMemory formats context memory for the prompt. Callers hold c.mu.
func renderMemory(c *contextEntry) string {
	if c.def.Render != nil {
		return c.def.Render(c.state)
	}
	switch m := c.state.Memory.(type) {
	case nil:
		return ""
	case map[string]any:
		if len(m) == 0 {
			return ""
		}
	}
	b, err := json.MarshalIndent(c.state.Memory, "", "  ")
	if err != nil {
		return ""
	}
	return tokens.Truncate(string(b), 1000)
}
