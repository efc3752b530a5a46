package action

import (
	"context"
	"fmt"
	"time"
)

// Kind is the closed set of OS-level action types the engine can dispatch.
// Unknown kinds are rejected with ErrUnknownKind instead of falling through
// to a string default.
type Kind string

const (
	Click     Kind = "click"
	TypeText  Kind = "type_text"
	PressKey  Kind = "press_key"
	Hotkey    Kind = "hotkey"
	Scroll    Kind = "scroll"
	Drag      Kind = "drag"
	SetSlider Kind = "set_slider"
	OpenApp   Kind = "open_app"
	Wait      Kind = "wait"
	// Done is the terminal marker: the planner signals task completion.
	// It is never executed and never cached on its own.
	Done Kind = "done"
)

var allKinds = map[Kind]struct{}{
	Click: {}, TypeText: {}, PressKey: {}, Hotkey: {}, Scroll: {},
	Drag: {}, SetSlider: {}, OpenApp: {}, Wait: {}, Done: {},
}

// ErrUnknownKind reports an action type outside the closed union.
type ErrUnknownKind struct {
	Kind string
}

func (e ErrUnknownKind) Error() string {
	return fmt.Sprintf("unknown action kind %q", e.Kind)
}

// ParseKind validates a raw action-type string against the closed union.
func ParseKind(raw string) (Kind, error) {
	k := Kind(raw)
	if _, ok := allKinds[k]; !ok {
		return "", ErrUnknownKind{Kind: raw}
	}
	return k, nil
}

// Action is one executable primitive with the planner's reasoning attached.
type Action struct {
	Kind    Kind           `json:"kind"`
	Params  map[string]any `json:"params"`
	Thought string         `json:"thought,omitempty"`
}

// UIElement is the fixed record type at the observation boundary. The engine
// never probes element attributes dynamically; the driver fills this in.
type UIElement struct {
	Name        string `json:"name"`
	ControlType string `json:"control_type"`
}

// Observation is one frame of UI state handed to the engine.
type Observation struct {
	WindowTitle string
	Elements    []UIElement
	Screenshot  []byte
	// Partial marks a fail-open observation: element detection timed out and
	// the list may be empty or incomplete.
	Partial   bool
	Timestamp time.Time
}

// ElementNames returns "control_type:name" labels for named elements, capped
// at limit (<=0 means no cap).
func (o Observation) ElementNames(limit int) []string {
	names := make([]string, 0, len(o.Elements))
	for _, el := range o.Elements {
		if el.Name == "" {
			continue
		}
		names = append(names, el.ControlType+":"+el.Name)
		if limit > 0 && len(names) >= limit {
			break
		}
	}
	return names
}

// Result is the executor's verdict on one primitive. Success=false with a
// message means the action itself failed; infrastructure failures come back
// as errors.
type Result struct {
	Success bool
	Message string
}

// Observer produces observations of the current UI state.
type Observer interface {
	Observe(ctx context.Context) (Observation, error)
}

// Executor runs one primitive against the OS or browser.
type Executor interface {
	Execute(ctx context.Context, act Action) (Result, error)
}
