// Package stepmemory is a small episodic cache keyed by (UI context, intent).
// The key is coarse — window title plus top element names — so lookups
// over-match across sub-goals; the engine treats this store as write-only
// telemetry until a narrower per-sub-goal key scheme exists. Lookup is
// implemented and tested but deliberately unwired.
package stepmemory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"

	"github.com/polzovatel/ai-agent-for-desktop/internal/action"
	"github.com/polzovatel/ai-agent-for-desktop/internal/persist"
)

// DefaultMaxEpisodes bounds the store; the least-recently-used episode is
// evicted past this.
const DefaultMaxEpisodes = 200

// Step is a single memorized action.
type Step struct {
	ActionType action.Kind    `json:"action_type"`
	Params     map[string]any `json:"action_params"`
	Thought    string         `json:"thought,omitempty"`
	Success    bool           `json:"success"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Episode is a complete memorized sequence for one sub-task.
type Episode struct {
	Intent     string    `json:"intent"`
	ContextKey string    `json:"context_key"`
	Steps      []Step    `json:"steps"`
	Success    bool      `json:"success"`
	UseCount   int       `json:"use_count"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// Age reports how long ago the episode was stored.
func (e Episode) Age() time.Duration {
	return time.Since(e.CreatedAt)
}

// Memory is the LRU-bounded episodic store.
type Memory struct {
	episodes    map[string]*Episode
	path        string
	maxEpisodes int
	hits        int
	misses      int
	logger      zerolog.Logger
}

func New(path string, maxEpisodes int, logger zerolog.Logger) *Memory {
	if maxEpisodes <= 0 {
		maxEpisodes = DefaultMaxEpisodes
	}
	m := &Memory{
		episodes:    make(map[string]*Episode),
		path:        path,
		maxEpisodes: maxEpisodes,
		logger:      logger,
	}
	m.load()
	return m
}

// ContextKey derives a stable hash from window title, top element names, and
// intent, so episodes only match sufficiently similar states.
func ContextKey(windowTitle string, elementNames []string, intent string) string {
	title := strings.ToLower(strings.TrimSpace(windowTitle))

	set := mapset.NewThreadUnsafeSet[string]()
	for i, n := range elementNames {
		if i >= 10 {
			break
		}
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			set.Add(n)
		}
	}
	top := set.ToSlice()
	sort.Strings(top)
	if len(top) > 5 {
		top = top[:5]
	}

	raw := fmt.Sprintf("%s|%s|%s", title, strings.Join(top, "|"), strings.ToLower(strings.TrimSpace(intent)))
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:16]
}

// Lookup returns the stored episode for this context if it exists and was
// successful. Unwired in the engine — see the package comment.
func (m *Memory) Lookup(windowTitle string, elementNames []string, intent string) *Episode {
	key := ContextKey(windowTitle, elementNames, intent)
	ep, ok := m.episodes[key]
	if ok && ep.Success && len(ep.Steps) > 0 {
		m.hits++
		ep.UseCount++
		ep.LastUsedAt = time.Now()
		return ep
	}
	m.misses++
	return nil
}

// Store records a completed episode. A failed episode never overwrites an
// existing successful one for the same key. Returns the context key.
func (m *Memory) Store(windowTitle string, elementNames []string, intent string, steps []Step, success bool) string {
	key := ContextKey(windowTitle, elementNames, intent)

	if existing, ok := m.episodes[key]; ok && existing.Success && !success {
		return key
	}

	now := time.Now()
	m.episodes[key] = &Episode{
		Intent:     intent,
		ContextKey: key,
		Steps:      steps,
		Success:    success,
		CreatedAt:  now,
		LastUsedAt: now,
	}

	if len(m.episodes) > m.maxEpisodes {
		m.evictOldest()
	}
	m.save()
	return key
}

// StoreSingleStep records a one-step episode.
func (m *Memory) StoreSingleStep(windowTitle string, elementNames []string, intent string,
	kind action.Kind, params map[string]any, thought string, success bool) {
	step := Step{
		ActionType: kind,
		Params:     params,
		Thought:    thought,
		Success:    success,
		Timestamp:  time.Now(),
	}
	m.Store(windowTitle, elementNames, intent, []Step{step}, success)
}

// HitRate is the fraction of lookups that hit.
func (m *Memory) HitRate() float64 {
	total := m.hits + m.misses
	if total == 0 {
		return 0
	}
	return float64(m.hits) / float64(total)
}

// Size is the number of stored episodes.
func (m *Memory) Size() int {
	return len(m.episodes)
}

// StatsSummary returns plain counters for logging.
func (m *Memory) StatsSummary() map[string]any {
	return map[string]any{
		"size":     len(m.episodes),
		"hits":     m.hits,
		"misses":   m.misses,
		"hit_rate": fmt.Sprintf("%.1f%%", m.HitRate()*100),
	}
}

// Clear drops everything including the persisted file.
func (m *Memory) Clear() {
	m.episodes = make(map[string]*Episode)
	m.hits = 0
	m.misses = 0
	if err := persist.Remove(m.path); err != nil {
		m.logger.Warn().Err(err).Msg("step memory clear failed")
	}
}

func (m *Memory) evictOldest() {
	var oldestKey string
	var oldest time.Time
	first := true
	for key, ep := range m.episodes {
		if first || ep.LastUsedAt.Before(oldest) {
			oldestKey = key
			oldest = ep.LastUsedAt
			first = false
		}
	}
	if oldestKey != "" {
		delete(m.episodes, oldestKey)
	}
}

func (m *Memory) load() {
	var data map[string]*Episode
	if err := persist.Load(m.path, &data); err != nil {
		m.logger.Warn().Err(err).Msg("step memory load failed, starting empty")
		return
	}
	if data != nil {
		m.episodes = data
	}
}

func (m *Memory) save() {
	if err := persist.Save(m.path, m.episodes); err != nil {
		m.logger.Warn().Err(err).Msg("step memory save failed")
	}
}
