// Package recovery maps an application context to ordered undo/go-back
// strategies based on standard desktop UI conventions. Some apps get an
// empty list on purpose: blind recovery there does more damage than waiting
// for the planner (Escape closes the Quick Settings flyout, cancels an
// Explorer rename in progress).
package recovery

import (
	"strings"

	"github.com/polzovatel/ai-agent-for-desktop/internal/action"
)

// Strategy names one recovery convention.
type Strategy string

const (
	Escape      Strategy = "escape"       // close dialog, cancel, exit fullscreen
	AltLeft     Strategy = "alt_left"     // browser/Explorer back navigation
	AltF4       Strategy = "alt_f4"       // close current window
	CtrlZ       Strategy = "ctrl_z"       // undo last action
	CtrlW       Strategy = "ctrl_w"       // close current tab
	ClickBack   Strategy = "click_back"   // click a visible back button
	CloseDialog Strategy = "close_dialog" // press Enter on a dialog
	Refocus     Strategy = "refocus"      // Alt+Tab to switch windows
	RestartApp  Strategy = "restart_app"  // close and reopen app
)

// strategyCount is the size of the full strategy vocabulary, used for the
// abort bound.
const strategyCount = 9

// Action is one concrete recovery step to execute.
type Action struct {
	Strategy    Strategy
	Description string
	Kind        action.Kind
	Params      map[string]any
	DelayAfter  float64 // seconds to settle before re-observing
}

type appRule struct {
	key        string
	strategies []Strategy
}

// appStrategies maps a lowercase window-title substring to its strategy
// order. First match wins, so more specific keys ("quick settings") come
// before their substrings ("settings"). Empty lists disable automatic
// recovery for that context.
var appStrategies = []appRule{
	// browsers
	{"edge", []Strategy{Escape, AltLeft, CtrlW}},
	{"chrome", []Strategy{Escape, AltLeft, CtrlW}},
	{"firefox", []Strategy{Escape, AltLeft, CtrlW}},
	// office apps: never auto-undo in compose windows, Ctrl+Z deletes text
	{"outlook", []Strategy{Escape}},
	{"teams", []Strategy{Escape}},
	{"word", []Strategy{Escape, CtrlZ}},
	{"excel", []Strategy{Escape, CtrlZ}},
	// system surfaces where Escape closes the panel itself
	{"quick settings", nil},
	{"settings", []Strategy{Escape, AltLeft, ClickBack}},
	{"file explorer", nil},
	{"explorer", nil}, // Escape cancels rename, Alt+Left navigates away
	{"clipboard", nil}, // Win+V panel
	// common apps
	{"surface", []Strategy{Escape, ClickBack}},
	{"paint", []Strategy{Escape, CtrlZ}},
	{"snipping", []Strategy{Escape}},
	{"store", []Strategy{Escape, AltLeft}},
	{"powerpoint", []Strategy{Escape, CtrlZ}},
	{"security", []Strategy{Escape, AltLeft}},
	{"feedback", []Strategy{Escape}},
}

var defaultStrategies = []Strategy{Escape, AltLeft, CtrlZ}

func toAction(s Strategy) Action {
	switch s {
	case Escape:
		return Action{Strategy: s, Description: "Press Escape to close dialog/menu/fullscreen",
			Kind: action.PressKey, Params: map[string]any{"key": "escape"}, DelayAfter: 0.5}
	case AltLeft:
		return Action{Strategy: s, Description: "Press Alt+Left to go back",
			Kind: action.Hotkey, Params: map[string]any{"keys": []string{"alt", "left"}}, DelayAfter: 0.5}
	case AltF4:
		return Action{Strategy: s, Description: "Press Alt+F4 to close window",
			Kind: action.Hotkey, Params: map[string]any{"keys": []string{"alt", "F4"}}, DelayAfter: 1.0}
	case CtrlZ:
		return Action{Strategy: s, Description: "Press Ctrl+Z to undo",
			Kind: action.Hotkey, Params: map[string]any{"keys": []string{"ctrl", "z"}}, DelayAfter: 0.5}
	case CtrlW:
		return Action{Strategy: s, Description: "Press Ctrl+W to close tab",
			Kind: action.Hotkey, Params: map[string]any{"keys": []string{"ctrl", "w"}}, DelayAfter: 0.5}
	case Refocus:
		return Action{Strategy: s, Description: "Press Alt+Tab to switch windows",
			Kind: action.Hotkey, Params: map[string]any{"keys": []string{"alt", "tab"}}, DelayAfter: 0.5}
	case CloseDialog:
		return Action{Strategy: s, Description: "Press Enter to dismiss dialog",
			Kind: action.PressKey, Params: map[string]any{"key": "enter"}, DelayAfter: 0.5}
	default:
		return Action{Strategy: Escape, Description: "Press Escape (fallback)",
			Kind: action.PressKey, Params: map[string]any{"key": "escape"}, DelayAfter: 0.5}
	}
}

// Manager tracks recovery attempts per strategy and hands out context-aware
// strategy lists. The state machine is over attempt counts, not UI states.
type Manager struct {
	maxAttempts     int
	attempts        map[Strategy]int
	totalRecoveries int
}

func NewManager(maxAttempts int) *Manager {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Manager{
		maxAttempts: maxAttempts,
		attempts:    make(map[Strategy]int),
	}
}

// RecoveryActions returns the ordered actions to try for the current window.
// Strategies that already burned their attempt budget are filtered out; if
// nothing remains the counters reset and the full list is offered once more,
// so one bad context cannot lock recovery out permanently.
func (m *Manager) RecoveryActions(windowTitle, hint string) []Action {
	_ = hint // reserved for validator hints steering strategy choice
	title := strings.ToLower(strings.TrimSpace(windowTitle))

	// Empty desktop / no foreground window: the planner has to re-open the
	// right app, blind key presses will not help.
	if title == "" {
		return nil
	}

	strategies := defaultStrategies
	for _, rule := range appStrategies {
		if strings.Contains(title, rule.key) {
			strategies = rule.strategies
			break
		}
	}

	available := make([]Strategy, 0, len(strategies))
	for _, s := range strategies {
		if m.attempts[s] < m.maxAttempts {
			available = append(available, s)
		}
	}
	if len(available) == 0 && len(strategies) > 0 {
		m.attempts = make(map[Strategy]int)
		available = strategies
	}

	actions := make([]Action, 0, len(available))
	for _, s := range available {
		actions = append(actions, toAction(s))
	}
	return actions
}

// RecordAttempt counts one execution of a recovery strategy.
func (m *Manager) RecordAttempt(s Strategy) {
	m.attempts[s]++
	m.totalRecoveries++
}

// Reset clears all counters for a new task.
func (m *Manager) Reset() {
	m.attempts = make(map[Strategy]int)
	m.totalRecoveries = 0
}

// TotalRecoveries reports attempts across all strategies this task.
func (m *Manager) TotalRecoveries() int {
	return m.totalRecoveries
}

// ShouldAbort is true once recovery has flailed past the global bound.
func (m *Manager) ShouldAbort() bool {
	return m.totalRecoveries >= m.maxAttempts*strategyCount
}
