package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/ai-agent-for-desktop/internal/action"
)

func strategiesOf(actions []Action) []Strategy {
	out := make([]Strategy, 0, len(actions))
	for _, a := range actions {
		out = append(out, a.Strategy)
	}
	return out
}

func TestBrowserStrategies(t *testing.T) {
	m := NewManager(3)
	actions := m.RecoveryActions("Inbox - user@mail.com - Microsoft Edge", "")
	assert.Equal(t, []Strategy{Escape, AltLeft, CtrlW}, strategiesOf(actions))
}

func TestDefaultStrategiesForUnknownApp(t *testing.T) {
	m := NewManager(3)
	actions := m.RecoveryActions("Some Unknown Tool v2", "")
	assert.Equal(t, []Strategy{Escape, AltLeft, CtrlZ}, strategiesOf(actions))
}

func TestEmptyListForSensitiveSurfaces(t *testing.T) {
	m := NewManager(3)
	for _, title := range []string{"Quick Settings", "File Explorer", "Explorer", "Clipboard"} {
		assert.Empty(t, m.RecoveryActions(title, ""), "no blind recovery in %q", title)
	}
}

func TestQuickSettingsBeatsSettings(t *testing.T) {
	m := NewManager(3)
	assert.Empty(t, m.RecoveryActions("Quick Settings", ""),
		"the more specific rule must win over the settings substring")
	assert.NotEmpty(t, m.RecoveryActions("Settings", ""))
}

func TestEmptyTitleNoRecovery(t *testing.T) {
	m := NewManager(3)
	assert.Nil(t, m.RecoveryActions("", ""))
	assert.Nil(t, m.RecoveryActions("   ", ""))
}

func TestExhaustedStrategiesFiltered(t *testing.T) {
	m := NewManager(2)
	m.RecordAttempt(Escape)
	m.RecordAttempt(Escape)

	actions := m.RecoveryActions("Microsoft Word", "")
	assert.Equal(t, []Strategy{CtrlZ}, strategiesOf(actions), "escape burned its budget")
}

func TestResetAndRetryWhenAllExhausted(t *testing.T) {
	m := NewManager(1)
	m.RecordAttempt(Escape)
	m.RecordAttempt(CtrlZ)

	actions := m.RecoveryActions("Microsoft Word", "")
	require.NotEmpty(t, actions, "full exhaustion resets counters and offers the list once more")
	assert.Equal(t, []Strategy{Escape, CtrlZ}, strategiesOf(actions))
}

func TestActionsAreExecutable(t *testing.T) {
	m := NewManager(3)
	for _, a := range m.RecoveryActions("Microsoft Edge", "") {
		assert.NotEmpty(t, a.Description)
		assert.Greater(t, a.DelayAfter, 0.0)
		switch a.Kind {
		case action.PressKey:
			assert.NotEmpty(t, a.Params["key"])
		case action.Hotkey:
			assert.NotEmpty(t, a.Params["keys"])
		default:
			t.Fatalf("unexpected recovery action kind %q", a.Kind)
		}
	}
}

func TestShouldAbortBound(t *testing.T) {
	m := NewManager(2)
	assert.False(t, m.ShouldAbort())
	// bound is maxAttempts * vocabulary size
	for i := 0; i < 2*9; i++ {
		m.RecordAttempt(Escape)
	}
	assert.True(t, m.ShouldAbort())
	assert.Equal(t, 18, m.TotalRecoveries())

	m.Reset()
	assert.False(t, m.ShouldAbort())
	assert.Equal(t, 0, m.TotalRecoveries())
}
