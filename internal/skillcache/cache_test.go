package skillcache

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/ai-agent-for-desktop/internal/action"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "skills.json")
	return New(path, DefaultTolerance, zerolog.Nop())
}

func clickSequence() []CachedAction {
	return []CachedAction{
		{ActionType: action.OpenApp, Params: map[string]any{"app_name": "settings"}, StepIndex: 1},
		{ActionType: action.Click, Params: map[string]any{"element_name": "Bluetooth"}, StepIndex: 2},
		{ActionType: action.Done, Params: map[string]any{}, StepIndex: 3},
	}
}

func settingsFingerprint() Fingerprint {
	return Fingerprint{WindowTitle: "Settings", ElementCount: 10,
		TopElements: []string{"Wi-Fi", "Bluetooth", "Display"}}
}

func TestStoreAndHit(t *testing.T) {
	c := newTestCache(t)
	pre := settingsFingerprint()

	key := c.Store("toggle_bluetooth", map[string]any{"state": "on"}, clickSequence(), pre, nil, true, 3.2, 450)
	require.NotEmpty(t, key)
	assert.Equal(t, 1, c.Size())

	entry := c.Lookup("toggle_bluetooth", map[string]any{"state": "on"}, pre)
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.ReplayCount)
	assert.Equal(t, "toggle_bluetooth", entry.SkillID)
}

func TestLookupDifferentParamsIsMiss(t *testing.T) {
	c := newTestCache(t)
	pre := settingsFingerprint()
	c.Store("toggle_bluetooth", map[string]any{"state": "on"}, clickSequence(), pre, nil, true, 3.2, 450)

	assert.Nil(t, c.Lookup("toggle_bluetooth", map[string]any{"state": "off"}, pre))
}

func TestStaleKeepsEntry(t *testing.T) {
	c := newTestCache(t)
	pre := settingsFingerprint()
	c.Store("toggle_bluetooth", nil, clickSequence(), pre, nil, true, 3.2, 450)

	drifted := Fingerprint{WindowTitle: "Settings - Update Required", ElementCount: 10,
		TopElements: []string{"Wi-Fi", "Bluetooth", "Display"}}
	assert.Nil(t, c.Lookup("toggle_bluetooth", nil, drifted), "mismatched fingerprint is a stale miss")
	assert.Equal(t, 1, c.Size(), "staleness never deletes")

	// Same UI comes back, the entry hits again.
	assert.NotNil(t, c.Lookup("toggle_bluetooth", nil, pre))

	stats := c.StatsSummary()
	assert.Equal(t, 1, stats["stale"])
	assert.Equal(t, 1, stats["hits"])
}

func TestNoOpStoreRefused(t *testing.T) {
	c := newTestCache(t)
	doneOnly := []CachedAction{{ActionType: action.Done, Params: map[string]any{}}}

	key := c.Store("already_done", nil, doneOnly, settingsFingerprint(), nil, true, 0.5, 100)
	assert.Empty(t, key)
	assert.Equal(t, 0, c.Size())
}

func TestNoOpEntryPurgedOnLookup(t *testing.T) {
	c := newTestCache(t)
	// Simulate a legacy entry persisted before the no-op refusal existed.
	key := Key("legacy", nil)
	c.entries[key] = &Entry{
		SkillID:        "legacy",
		Actions:        []CachedAction{{ActionType: action.Done}},
		PreFingerprint: settingsFingerprint(),
		Success:        true,
	}

	assert.Nil(t, c.Lookup("legacy", nil, settingsFingerprint()))
	assert.Equal(t, 0, c.Size(), "no-op entry purged on first lookup")
}

func TestInvalidate(t *testing.T) {
	c := newTestCache(t)
	pre := settingsFingerprint()
	c.Store("toggle_bluetooth", nil, clickSequence(), pre, nil, true, 3.2, 450)

	c.Invalidate("toggle_bluetooth", nil)
	assert.Equal(t, 0, c.Size())
	assert.Nil(t, c.Lookup("toggle_bluetooth", nil, pre))
}

func TestKeyStableAcrossParamOrder(t *testing.T) {
	k1 := Key("s", map[string]any{"a": 1, "b": "x"})
	k2 := Key("s", map[string]any{"b": "x", "a": 1})
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 16)
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skills.json")
	pre := settingsFingerprint()

	c1 := New(path, DefaultTolerance, zerolog.Nop())
	c1.Store("toggle_bluetooth", nil, clickSequence(), pre, nil, true, 3.2, 450)

	c2 := New(path, DefaultTolerance, zerolog.Nop())
	assert.Equal(t, 1, c2.Size())
	entry := c2.Lookup("toggle_bluetooth", nil, pre)
	require.NotNil(t, entry)
	assert.Len(t, entry.Actions, 3)
}

func TestOverwriteOnSecondStore(t *testing.T) {
	c := newTestCache(t)
	pre := settingsFingerprint()
	c.Store("skill", nil, clickSequence(), pre, nil, true, 5.0, 450)

	shorter := clickSequence()[1:]
	c.Store("skill", nil, shorter, pre, nil, true, 2.0, 300)

	assert.Equal(t, 1, c.Size())
	entry := c.Lookup("skill", nil, pre)
	require.NotNil(t, entry)
	assert.Len(t, entry.Actions, 2, "second store replaces the first")
}
