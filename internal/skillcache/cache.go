// Package skillcache turns expensive LLM-guided action sequences into cheap
// deterministic replays. A successful skill run is stored with a fingerprint
// of the UI state it started from; a later call with a matching fingerprint
// replays the sequence without any LLM involvement. A fingerprint mismatch is
// staleness, not an error: control routes back to the planner and the entry
// stays for the day the UI looks familiar again.
package skillcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/ai-agent-for-desktop/internal/action"
	"github.com/polzovatel/ai-agent-for-desktop/internal/persist"
)

// CachedAction is one replayable primitive from a cached run.
type CachedAction struct {
	ActionType action.Kind    `json:"action_type"`
	Params     map[string]any `json:"params"`
	Thought    string         `json:"thought,omitempty"`
	StepIndex  int            `json:"step_index"`
	ExecTime   float64        `json:"exec_time"`
}

// Entry is a cached skill execution with its sequence and bookkeeping.
type Entry struct {
	SkillID         string         `json:"skill_id"`
	Params          map[string]any `json:"params"`
	Actions         []CachedAction `json:"actions"`
	PreFingerprint  Fingerprint    `json:"pre_fingerprint"`
	PostFingerprint *Fingerprint   `json:"post_fingerprint,omitempty"`
	Success         bool           `json:"success"`
	TotalTime       float64        `json:"total_time"`
	LLMTokensSaved  int            `json:"llm_tokens_saved"`
	ReplayCount     int            `json:"replay_count"`
	CreatedAt       time.Time      `json:"created_at"`
	LastUsed        time.Time      `json:"last_used"`
	LastValidated   time.Time      `json:"last_validated"`
}

// realActions filters out terminal "done" markers.
func realActions(actions []CachedAction) []CachedAction {
	out := make([]CachedAction, 0, len(actions))
	for _, a := range actions {
		if a.ActionType != action.Done {
			out = append(out, a)
		}
	}
	return out
}

// Stats counts cache traffic. Observability only; never drives decisions.
type Stats struct {
	Hits    int `json:"hits"`
	Misses  int `json:"misses"`
	Stale   int `json:"stale"`
	Stores  int `json:"stores"`
	Replays int `json:"replays"`
}

type document struct {
	Cache   map[string]*Entry `json:"cache"`
	Stats   Stats             `json:"stats"`
	SavedAt time.Time         `json:"saved_at"`
}

// Cache is the persistent fingerprint-keyed skill cache. Unbounded, but
// self-purges entries that turned out not to be replayable.
type Cache struct {
	entries   map[string]*Entry
	tolerance float64
	path      string
	stats     Stats
	logger    zerolog.Logger
}

func New(path string, tolerance float64, logger zerolog.Logger) *Cache {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	c := &Cache{
		entries:   make(map[string]*Entry),
		tolerance: tolerance,
		path:      path,
		logger:    logger,
	}
	c.load()
	return c
}

// Key derives the cache key for a skill + parameter combination.
func Key(skillID string, params map[string]any) string {
	raw := fmt.Sprintf("%s:%s", skillID, sortedJSON(params))
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:16]
}

func sortedJSON(params map[string]any) string {
	if params == nil {
		params = map[string]any{}
	}
	// encoding/json writes map keys in sorted order, matching the key scheme
	// of previously persisted entries.
	data, err := json.Marshal(params)
	if err != nil {
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return fmt.Sprint(keys)
	}
	return string(data)
}

// Lookup returns the cached entry for this skill call if it exists, was
// successful, is replayable, and its stored fingerprint still matches the
// current UI. A mismatch counts as stale and keeps the entry.
func (c *Cache) Lookup(skillID string, params map[string]any, current Fingerprint) *Entry {
	key := Key(skillID, params)
	entry, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil
	}

	if !entry.Success {
		c.stats.Misses++
		return nil
	}

	if len(realActions(entry.Actions)) == 0 {
		// Not replayable: the run only observed "already done". Purge it.
		c.stats.Misses++
		delete(c.entries, key)
		c.save()
		c.logger.Info().Str("skill", entry.SkillID).Msg("purged no-op cache entry")
		return nil
	}

	if !entry.PreFingerprint.Matches(current, c.tolerance) {
		c.stats.Stale++
		return nil
	}

	c.stats.Hits++
	entry.ReplayCount++
	now := time.Now()
	entry.LastUsed = now
	entry.LastValidated = now
	c.save()
	return entry
}

// Store caches a successful skill execution, overwriting any prior entry for
// the same key. Sequences whose only action is the terminal marker are
// refused: they represent state-dependent observations, not replayable work.
// Returns the cache key, or "" when refused.
func (c *Cache) Store(skillID string, params map[string]any, actions []CachedAction,
	pre Fingerprint, post *Fingerprint, success bool, totalTime float64, llmTokens int) string {

	if len(realActions(actions)) == 0 {
		c.logger.Info().Str("skill", skillID).Msg("skipping cache store: no-op sequence")
		return ""
	}

	key := Key(skillID, params)
	now := time.Now()
	c.entries[key] = &Entry{
		SkillID:         skillID,
		Params:          params,
		Actions:         actions,
		PreFingerprint:  pre,
		PostFingerprint: post,
		Success:         success,
		TotalTime:       totalTime,
		LLMTokensSaved:  llmTokens,
		CreatedAt:       now,
		LastUsed:        now,
		LastValidated:   now,
	}
	c.stats.Stores++
	c.save()
	return key
}

// Invalidate removes an entry unconditionally. The replay path calls this the
// moment any single cached action fails, so a half-valid sequence is never
// partially replayed twice.
func (c *Cache) Invalidate(skillID string, params map[string]any) {
	delete(c.entries, Key(skillID, params))
	c.save()
}

// RecordReplay counts one full sequence replay.
func (c *Cache) RecordReplay() {
	c.stats.Replays++
	c.save()
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.entries = make(map[string]*Entry)
	c.save()
}

// Size is the number of cached entries.
func (c *Cache) Size() int {
	return len(c.entries)
}

// AllEntries returns entries sorted by last use, most recent first.
func (c *Cache) AllEntries() []*Entry {
	out := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUsed.After(out[j].LastUsed)
	})
	return out
}

// StatsSummary returns the traffic counters plus derived totals.
func (c *Cache) StatsSummary() map[string]any {
	totalReplays := 0
	tokensSaved := 0
	for _, e := range c.entries {
		totalReplays += e.ReplayCount
		tokensSaved += e.LLMTokensSaved * e.ReplayCount
	}
	return map[string]any{
		"hits":             c.stats.Hits,
		"misses":           c.stats.Misses,
		"stale":            c.stats.Stale,
		"stores":           c.stats.Stores,
		"replays":          c.stats.Replays,
		"entries":          len(c.entries),
		"total_replays":    totalReplays,
		"est_tokens_saved": tokensSaved,
	}
}

// Summary renders a one-line cache report.
func (c *Cache) Summary() string {
	total := c.stats.Hits + c.stats.Misses + c.stats.Stale
	if total == 0 {
		total = 1
	}
	hitRate := float64(c.stats.Hits) / float64(total) * 100
	tokensSaved := 0
	for _, e := range c.entries {
		tokensSaved += e.LLMTokensSaved * e.ReplayCount
	}
	return fmt.Sprintf("SkillCache: %d entries, %d hits / %d misses / %d stale (%.0f%% hit rate), ~%d tokens saved",
		len(c.entries), c.stats.Hits, c.stats.Misses, c.stats.Stale, hitRate, tokensSaved)
}

func (c *Cache) load() {
	var doc document
	if err := persist.Load(c.path, &doc); err != nil {
		c.logger.Warn().Err(err).Msg("skill cache load failed, starting empty")
		return
	}
	if doc.Cache != nil {
		c.entries = doc.Cache
	}
	c.stats = doc.Stats
}

func (c *Cache) save() {
	doc := document{Cache: c.entries, Stats: c.stats, SavedAt: time.Now()}
	if err := persist.Save(c.path, doc); err != nil {
		c.logger.Warn().Err(err).Msg("skill cache save failed")
	}
}
