// Package validate captures UI state snapshots and classifies before/after
// transitions. It detects no-ops (nothing changed after an action), error
// dialogs, and stuck loops (the same screen repeating).
package validate

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/polzovatel/ai-agent-for-desktop/internal/action"
)

const (
	// maxElementNames caps how many named controls a snapshot carries.
	maxElementNames = 20
	// hashPrefixBytes is how much of the screenshot feeds the change hash.
	// A prefix is enough to detect repaints and keeps capture cheap.
	hashPrefixBytes = 4096
	// elementCountJitter is the count delta below which the element list is
	// considered unchanged (accessibility trees are noisy).
	elementCountJitter = 5
	// loopRepeatThreshold is how many identical post-action hashes in a row
	// mean the agent is stuck.
	loopRepeatThreshold = 3
)

// StateSnapshot is an immutable, coarse summary of the UI at one instant.
type StateSnapshot struct {
	Timestamp      time.Time
	WindowTitle    string
	ElementCount   int
	ElementNames   []string
	ScreenshotHash string
}

// Summary renders a one-line description for logs and operator messages.
func (s StateSnapshot) Summary() string {
	top := make([]string, 0, 10)
	for _, n := range s.ElementNames {
		if n == "" {
			continue
		}
		top = append(top, n)
		if len(top) >= 10 {
			break
		}
	}
	names := "(none)"
	if len(top) > 0 {
		names = strings.Join(top, ", ")
	}
	return fmt.Sprintf("Window: %q | Elements: %d | Top controls: %s",
		s.WindowTitle, s.ElementCount, names)
}

// ValidationResult classifies one before/after transition.
type ValidationResult struct {
	StateChanged   bool
	ExpectedChange string
	ActualChange   string
	IsCorrect      bool
	DriftDetected  bool
	RecoveryNeeded bool
	RecoveryHint   string
}

// Summary renders the verdict for logs.
func (r ValidationResult) Summary() string {
	status := "OK"
	if !r.IsCorrect {
		status = "NO_CHANGE"
		if r.DriftDetected {
			status = "DRIFT"
		}
	}
	parts := []string{"[" + status + "]"}
	if r.DriftDetected {
		parts = append(parts, "Expected: "+r.ExpectedChange, "Actual: "+r.ActualChange)
	}
	if r.RecoveryNeeded {
		parts = append(parts, "Recovery: "+r.RecoveryHint)
	}
	return strings.Join(parts, " | ")
}

// Validator compares pre/post snapshots around every action. It keeps a
// repeat counter across calls so it can flag stuck loops regardless of which
// action type produced them.
type Validator struct {
	history     []StateSnapshot
	repeatCount int
	lastHash    string
}

func New() *Validator {
	return &Validator{}
}

// Capture summarizes the observation into a snapshot. It never fails: a
// missing screenshot just yields an empty hash.
func (v *Validator) Capture(obs action.Observation) StateSnapshot {
	hash := ""
	if len(obs.Screenshot) > 0 {
		prefix := obs.Screenshot
		if len(prefix) > hashPrefixBytes {
			prefix = prefix[:hashPrefixBytes]
		}
		sum := md5.Sum(prefix)
		hash = hex.EncodeToString(sum[:])[:12]
	}
	snap := StateSnapshot{
		Timestamp:      time.Now(),
		WindowTitle:    obs.WindowTitle,
		ElementCount:   len(obs.Elements),
		ElementNames:   obs.ElementNames(maxElementNames),
		ScreenshotHash: hash,
	}
	v.history = append(v.history, snap)
	return snap
}

// ValidateTransition compares the snapshots around one executed action.
// Pure apart from the loop counter.
func (v *Validator) ValidateTransition(before, after StateSnapshot, kind action.Kind, params map[string]any, expectedOutcome string) ValidationResult {
	delta := after.ElementCount - before.ElementCount
	if delta < 0 {
		delta = -delta
	}
	stateChanged := before.WindowTitle != after.WindowTitle ||
		before.ScreenshotHash != after.ScreenshotHash ||
		delta > elementCountJitter

	if after.ScreenshotHash == v.lastHash {
		v.repeatCount++
	} else {
		v.repeatCount = 0
	}
	v.lastHash = after.ScreenshotHash

	res := ValidationResult{
		StateChanged:   stateChanged,
		ExpectedChange: inferExpectedChange(kind, params, expectedOutcome),
		ActualChange:   describeActualChange(before, after),
	}

	// Clicks must produce a visible effect. Drag/scroll/type/set_slider may
	// legitimately not move the coarse snapshot, so they never drift on
	// stateChanged alone.
	if kind == action.Click && !stateChanged {
		res.DriftDetected = true
		res.RecoveryHint = "Click had no effect - try different coordinates or use element names"
	}

	if v.repeatCount >= loopRepeatThreshold {
		res.DriftDetected = true
		res.RecoveryNeeded = true
		res.RecoveryHint = "Stuck in loop - try a completely different approach"
	}

	if kind == action.Click && before.WindowTitle != after.WindowTitle {
		lower := strings.ToLower(after.WindowTitle)
		if strings.Contains(lower, "error") || strings.Contains(lower, "alert") {
			res.DriftDetected = true
			res.RecoveryNeeded = true
			res.RecoveryHint = "Error dialog appeared - dismiss it with escape or click OK"
		}
	}

	if kind == action.OpenApp && before.WindowTitle == after.WindowTitle {
		res.DriftDetected = true
		res.RecoveryHint = "App may not have opened - try shell command or wait longer"
	}

	res.IsCorrect = !res.DriftDetected
	return res
}

// LoopCount reports how many consecutive identical post-action hashes were
// seen.
func (v *Validator) LoopCount() int {
	return v.repeatCount
}

// History returns all snapshots captured so far.
func (v *Validator) History() []StateSnapshot {
	return append([]StateSnapshot(nil), v.history...)
}

func inferExpectedChange(kind action.Kind, params map[string]any, hint string) string {
	if hint != "" {
		return hint
	}
	switch kind {
	case action.Click:
		return fmt.Sprintf("UI should respond to click at (%v, %v)", params["x"], params["y"])
	case action.TypeText:
		text := action.OptionalString(params, "text")
		if len(text) > 30 {
			text = text[:30]
		}
		return fmt.Sprintf("Text %q should appear in focused field", text)
	case action.PressKey:
		return fmt.Sprintf("Key %q should trigger expected behavior", action.OptionalString(params, "key"))
	case action.OpenApp:
		return fmt.Sprintf("App %q should open and gain focus", action.OptionalString(params, "app_name"))
	case action.Hotkey:
		return fmt.Sprintf("Hotkey %v should trigger shortcut", params["keys"])
	case action.Scroll:
		return "Page should scroll"
	default:
		return fmt.Sprintf("%s should produce a visible change", kind)
	}
}

func describeActualChange(before, after StateSnapshot) string {
	var changes []string
	if before.WindowTitle != after.WindowTitle {
		changes = append(changes, fmt.Sprintf("Window: %q -> %q", before.WindowTitle, after.WindowTitle))
	}
	delta := after.ElementCount - before.ElementCount
	if delta > 3 || delta < -3 {
		changes = append(changes, fmt.Sprintf("Elements: %d -> %d (%+d)", before.ElementCount, after.ElementCount, delta))
	}
	if before.ScreenshotHash != after.ScreenshotHash {
		changes = append(changes, "Screen content changed")
	}
	if len(changes) == 0 {
		changes = append(changes, "No visible change detected")
	}
	return strings.Join(changes, "; ")
}
