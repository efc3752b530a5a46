package skillcache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/ai-agent-for-desktop/internal/action"
)

func obsWith(title string, names ...string) action.Observation {
	els := make([]action.UIElement, 0, len(names))
	for _, n := range names {
		els = append(els, action.UIElement{Name: n, ControlType: "button"})
	}
	return action.Observation{WindowTitle: title, Elements: els, Timestamp: time.Now()}
}

func TestFingerprintOf(t *testing.T) {
	fp := FingerprintOf(obsWith("Settings", "Wi-Fi", "Bluetooth"))
	assert.Equal(t, "Settings", fp.WindowTitle)
	assert.Equal(t, 2, fp.ElementCount)
	assert.Equal(t, []string{"Wi-Fi", "Bluetooth"}, fp.TopElements)
}

func TestMatchesTitleCaseInsensitive(t *testing.T) {
	a := FingerprintOf(obsWith("Settings", "Wi-Fi"))
	b := FingerprintOf(obsWith("SETTINGS", "Wi-Fi"))
	assert.True(t, a.Matches(b, DefaultTolerance))
}

func TestMatchesDifferentTitle(t *testing.T) {
	a := FingerprintOf(obsWith("Settings", "Wi-Fi"))
	b := FingerprintOf(obsWith("Notepad", "Wi-Fi"))
	assert.False(t, a.Matches(b, DefaultTolerance))
}

func TestMatchesCountTolerance(t *testing.T) {
	base := Fingerprint{WindowTitle: "App", ElementCount: 100}

	within := Fingerprint{WindowTitle: "App", ElementCount: 80}
	assert.True(t, base.Matches(within, 0.20), "20%% diff is exactly on the boundary")

	beyond := Fingerprint{WindowTitle: "App", ElementCount: 79}
	assert.False(t, base.Matches(beyond, 0.20))
}

func TestMatchesZeroCounts(t *testing.T) {
	empty := Fingerprint{WindowTitle: "App"}
	assert.True(t, empty.Matches(Fingerprint{WindowTitle: "App"}, DefaultTolerance),
		"two empty states are the same state")

	nonEmpty := Fingerprint{WindowTitle: "App", ElementCount: 10}
	assert.False(t, empty.Matches(nonEmpty, DefaultTolerance),
		"empty vs populated can never match")
	assert.False(t, nonEmpty.Matches(empty, DefaultTolerance))
}

func TestMatchesNameOverlap(t *testing.T) {
	a := Fingerprint{WindowTitle: "App", ElementCount: 5,
		TopElements: []string{"a", "b", "c", "d", "e"}}

	// 4 of 6 union = 0.667 overlap, above 0.6
	b := Fingerprint{WindowTitle: "App", ElementCount: 5,
		TopElements: []string{"a", "b", "c", "d", "f"}}
	assert.True(t, a.Matches(b, DefaultTolerance))

	// 2 of 8 union = 0.25 overlap
	c := Fingerprint{WindowTitle: "App", ElementCount: 5,
		TopElements: []string{"a", "b", "x", "y", "z"}}
	assert.False(t, a.Matches(c, DefaultTolerance))
}

func TestMatchesOneSideUnnamed(t *testing.T) {
	named := Fingerprint{WindowTitle: "App", ElementCount: 5, TopElements: []string{"a", "b"}}
	unnamed := Fingerprint{WindowTitle: "App", ElementCount: 5}
	assert.True(t, named.Matches(unnamed, DefaultTolerance),
		"missing names fall back to the count check")
}

func TestMatchesSymmetry(t *testing.T) {
	cases := []struct {
		a, b Fingerprint
	}{
		{Fingerprint{WindowTitle: "App", ElementCount: 100, TopElements: []string{"a", "b", "c"}},
			Fingerprint{WindowTitle: "App", ElementCount: 85, TopElements: []string{"a", "b", "d"}}},
		{Fingerprint{WindowTitle: "App", ElementCount: 100},
			Fingerprint{WindowTitle: "App", ElementCount: 50}},
		{Fingerprint{WindowTitle: "A"}, Fingerprint{WindowTitle: "B"}},
		{Fingerprint{WindowTitle: "App", ElementCount: 10, TopElements: []string{"x"}},
			Fingerprint{WindowTitle: "App", ElementCount: 12, TopElements: []string{"y"}}},
	}
	for i, tc := range cases {
		for _, tol := range []float64{0, 0.1, 0.2, 0.5, 1.0} {
			require.Equal(t, tc.a.Matches(tc.b, tol), tc.b.Matches(tc.a, tol),
				fmt.Sprintf("case %d tolerance %.1f must be symmetric", i, tol))
		}
	}
}
