package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/polzovatel/ai-agent-for-desktop/internal/action"
	"github.com/polzovatel/ai-agent-for-desktop/internal/llm"
)

const systemPrompt = `You are a precise desktop automation agent.
CRITICAL RULES:
1. Respond with a SINGLE JSON object and NOTHING else:
   {"thought":"...","action":{"type":"...","params":{...}},"is_complete":false}
2. Valid action types: click, type_text, press_key, hotkey, scroll, drag, set_slider, open_app, wait, done.
3. BEFORE any action, check the elements list - it contains the visible UI elements of the focused window.
4. Target elements by their exact name from the list. Never invent element names.
5. If the task is already satisfied by the current state, respond with type "done" and is_complete true.
6. One action per response. The UI is re-observed after every action.
7. If the last action did not change the screen, try a different element or approach instead of repeating it.`

// Planner decides the next action from the current task state.
type Planner interface {
	Next(ctx context.Context, state State) (Decision, error)
}

// State is everything the planner sees for one step.
type State struct {
	Task        string
	Step        int
	History     []HistoryItem
	Observation action.Observation
	Hints       string
}

// HistoryItem is one executed step fed back into the next prompt.
type HistoryItem struct {
	Action  string `json:"action"`
	Target  string `json:"target,omitempty"`
	Result  string `json:"result"`
	Outcome string `json:"outcome,omitempty"`
}

// Decision is a parsed planner response.
type Decision struct {
	Action     action.Action
	Complete   bool
	TokensUsed int
}

// ParseError marks an unusable planner response. The engine skips the step
// and re-plans instead of aborting the run.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("planner response unusable: %v (raw=%q)", e.Err, truncateRaw(e.Raw, 200))
}

func (e *ParseError) Unwrap() error { return e.Err }

type llmPlanner struct {
	llm llm.Client
}

func NewPlanner(client llm.Client) Planner {
	return &llmPlanner{llm: client}
}

func (p *llmPlanner) Next(ctx context.Context, state State) (Decision, error) {
	payload := map[string]any{
		"task":     state.Task,
		"step":     state.Step,
		"window":   state.Observation.WindowTitle,
		"elements": state.Observation.ElementNames(50),
		"history":  lastHistory(state.History, 5),
	}
	if state.Observation.Partial {
		payload["warning"] = "element detection timed out; the list may be incomplete"
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Decision{}, err
	}

	msg := fmt.Sprintf("STATE:\n%s\n%s\nOUTPUT FORMAT (strict JSON only, no text outside): "+
		`{"thought":"...","action":{"type":"...","params":{}},"is_complete":false}`+"\n",
		string(raw), state.Hints)

	resp, err := p.llm.Generate(ctx, llm.Request{
		System:      systemPrompt,
		Messages:    []llm.Message{{Role: "user", Content: msg}},
		Temperature: 0.0,
		MaxTokens:   400,
	})
	if err != nil {
		return Decision{}, err
	}

	dec, err := parseDecision(resp.Text)
	if err != nil {
		return Decision{}, &ParseError{Raw: resp.Text, Err: err}
	}
	dec.TokensUsed = resp.TotalTokens()
	return dec, nil
}

func parseDecision(text string) (Decision, error) {
	jsonStr, err := extractJSON(text)
	if err != nil {
		return Decision{}, err
	}
	var parsed struct {
		Thought string `json:"thought"`
		Action  struct {
			Type   string         `json:"type"`
			Params map[string]any `json:"params"`
		} `json:"action"`
		Complete bool `json:"is_complete"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return Decision{}, fmt.Errorf("llm json parse: %w", err)
	}

	kind, err := action.ParseKind(strings.TrimSpace(parsed.Action.Type))
	if err != nil {
		return Decision{}, err
	}
	if parsed.Action.Params == nil {
		parsed.Action.Params = map[string]any{}
	}

	dec := Decision{
		Action: action.Action{
			Kind:    kind,
			Params:  parsed.Action.Params,
			Thought: strings.TrimSpace(parsed.Thought),
		},
		Complete: parsed.Complete || kind == action.Done,
	}
	return dec, nil
}

// extractJSON finds the first balanced top-level JSON object, ignoring braces
// inside string literals.
func extractJSON(text string) (string, error) {
	depth := 0
	start := -1
	inStr := false
	esc := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if esc {
			esc = false
			continue
		}
		switch ch {
		case '\\':
			if inStr {
				esc = true
			}
		case '"':
			inStr = !inStr
		case '{':
			if !inStr {
				if depth == 0 {
					start = i
				}
				depth++
			}
		case '}':
			if !inStr && depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					return text[start : i+1], nil
				}
			}
		}
	}
	return "", fmt.Errorf("json not found")
}

func lastHistory(items []HistoryItem, n int) []HistoryItem {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}

func truncateRaw(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
