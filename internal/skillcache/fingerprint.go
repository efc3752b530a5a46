package skillcache

import (
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/polzovatel/ai-agent-for-desktop/internal/action"
)

const (
	// DefaultTolerance is the relative element-count difference two matching
	// fingerprints may have.
	DefaultTolerance = 0.20
	// nameOverlapThreshold is the minimum Jaccard overlap between top
	// element name sets.
	nameOverlapThreshold = 0.6
	// maxTopElements caps how many element names a fingerprint carries.
	maxTopElements = 15
)

// Fingerprint is a coarse, fuzzy-matchable summary of UI state used to
// decide whether a cached action sequence is still valid.
type Fingerprint struct {
	WindowTitle  string    `json:"window_title"`
	ElementCount int       `json:"element_count"`
	TopElements  []string  `json:"top_elements"`
	Timestamp    time.Time `json:"timestamp"`
}

// FingerprintOf summarizes the current observation.
func FingerprintOf(obs action.Observation) Fingerprint {
	names := make([]string, 0, maxTopElements)
	for _, el := range obs.Elements {
		label := el.Name
		if label == "" {
			label = el.ControlType
		}
		names = append(names, label)
		if len(names) >= maxTopElements {
			break
		}
	}
	return Fingerprint{
		WindowTitle:  obs.WindowTitle,
		ElementCount: len(obs.Elements),
		TopElements:  names,
		Timestamp:    obs.Timestamp,
	}
}

// Matches reports whether two fingerprints describe the same UI state within
// tolerance. Title must match case-insensitively, element counts must be
// within the relative tolerance, and the top element name sets must overlap
// by at least 60% (count match alone suffices when either side has no named
// elements).
func (f Fingerprint) Matches(other Fingerprint, tolerance float64) bool {
	if !strings.EqualFold(f.WindowTitle, other.WindowTitle) {
		return false
	}

	switch {
	case f.ElementCount == 0 && other.ElementCount == 0:
		// count ok
	case f.ElementCount == 0 || other.ElementCount == 0:
		return false
	default:
		larger := f.ElementCount
		if other.ElementCount > larger {
			larger = other.ElementCount
		}
		diff := f.ElementCount - other.ElementCount
		if diff < 0 {
			diff = -diff
		}
		if float64(diff)/float64(larger) > tolerance {
			return false
		}
	}

	if len(f.TopElements) == 0 && len(other.TopElements) == 0 {
		return true
	}
	if len(f.TopElements) == 0 || len(other.TopElements) == 0 {
		return true // one side unnamed: the count match already held
	}

	setA := mapset.NewThreadUnsafeSet(f.TopElements...)
	setB := mapset.NewThreadUnsafeSet(other.TopElements...)
	union := setA.Union(setB).Cardinality()
	if union == 0 {
		return false
	}
	overlap := float64(setA.Intersect(setB).Cardinality()) / float64(union)
	return overlap >= nameOverlapThreshold
}
