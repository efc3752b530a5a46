package rl

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"

	"github.com/polzovatel/ai-agent-for-desktop/internal/action"
	"github.com/polzovatel/ai-agent-for-desktop/internal/persist"
)

const (
	DefaultLearningRate   = 0.15
	DefaultDiscountFactor = 0.9

	// warnMinObservations and warnAvgReward gate should-warn: a pair needs
	// this many observations with an average below the threshold before the
	// learner pushes back on the planner.
	warnMinObservations = 3
	warnAvgReward       = -0.3

	maxHistory       = 500
	autosaveInterval = 10
	trendDelta       = 0.5
)

// Transition is one (state, action, reward, next state) experience.
type Transition struct {
	StateKey     string      `json:"state_key"`
	ActionType   action.Kind `json:"action_type"`
	ActionKey    string      `json:"action_key"`
	Reward       float64     `json:"reward"`
	NextStateKey string      `json:"next_state_key"`
	Timestamp    time.Time   `json:"timestamp"`
}

// SAKey is the state-action key used for stats lookups.
func (t Transition) SAKey() string {
	return t.StateKey + ":" + string(t.ActionType)
}

// ActionStats tracks running reward statistics for one (state, action) pair.
type ActionStats struct {
	TotalReward float64 `json:"total_reward"`
	Count       int     `json:"count"`
	Successes   int     `json:"successes"`
	Failures    int     `json:"failures"`
	LastReward  float64 `json:"last_reward"`
	AvgReward   float64 `json:"avg_reward"`
}

func (s *ActionStats) update(reward float64) {
	s.Count++
	s.TotalReward += reward
	s.LastReward = reward
	s.AvgReward = s.TotalReward / float64(s.Count)
	if reward > 0 {
		s.Successes++
	} else if reward < -0.5 {
		s.Failures++
	}
}

type qDocument struct {
	QTable         map[string]map[string]float64 `json:"q_table"`
	Stats          map[string]*ActionStats       `json:"stats"`
	EpisodeRewards []float64                     `json:"episode_rewards"`
	TotalReward    float64                       `json:"total_reward"`
}

// QLearner maintains Q(state context, action type) values with one-step TD
// updates and persists them across sessions.
type QLearner struct {
	alpha float64
	gamma float64
	path  string

	qTable         map[string]map[string]float64
	stats          map[string]*ActionStats
	history        []Transition
	totalReward    float64
	episodeRewards []float64

	logger zerolog.Logger
}

func NewQLearner(path string, alpha, gamma float64, logger zerolog.Logger) *QLearner {
	if alpha <= 0 {
		alpha = DefaultLearningRate
	}
	if gamma <= 0 {
		gamma = DefaultDiscountFactor
	}
	q := &QLearner{
		alpha:  alpha,
		gamma:  gamma,
		path:   path,
		qTable: make(map[string]map[string]float64),
		stats:  make(map[string]*ActionStats),
		logger: logger,
	}
	q.load()
	return q
}

// StateKey derives a stable, intent-agnostic key from UI context.
func StateKey(windowTitle string, elementNames []string) string {
	title := strings.ToLower(strings.TrimSpace(windowTitle))

	set := mapset.NewThreadUnsafeSet[string]()
	for i, n := range elementNames {
		if i >= 8 {
			break
		}
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			set.Add(n)
		}
	}
	elems := set.ToSlice()
	sort.Strings(elems)
	if len(elems) > 5 {
		elems = elems[:5]
	}

	raw := title + "|" + strings.Join(elems, "|")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:12]
}

// QValue returns Q(state, action type), zero when unseen.
func (q *QLearner) QValue(stateKey string, kind action.Kind) float64 {
	return q.qTable[stateKey][string(kind)]
}

// BestActionType returns the highest-scoring action type for a state, or ""
// when the state is unseen.
func (q *QLearner) BestActionType(stateKey string) action.Kind {
	actions := q.qTable[stateKey]
	if len(actions) == 0 {
		return ""
	}
	var best string
	bestQ := math.Inf(-1)
	// Deterministic tie-break on name keeps warnings stable across runs.
	keys := make([]string, 0, len(actions))
	for k := range actions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if actions[k] > bestQ {
			best = k
			bestQ = actions[k]
		}
	}
	return action.Kind(best)
}

// ActionConfidence maps Q through a logistic sigmoid to [0, 1].
func (q *QLearner) ActionConfidence(stateKey string, kind action.Kind) float64 {
	return 1.0 / (1.0 + math.Exp(-q.QValue(stateKey, kind)))
}

// ShouldWarn reports whether the proposed action has a bad track record in
// this state, with a message suggesting the best local alternative.
func (q *QLearner) ShouldWarn(stateKey string, kind action.Kind) (bool, string) {
	stats, ok := q.stats[stateKey+":"+string(kind)]
	if !ok || stats.Count < 2 {
		return false, ""
	}
	if stats.AvgReward < warnAvgReward && stats.Count >= warnMinObservations {
		alt := ""
		if best := q.BestActionType(stateKey); best != "" && best != kind {
			alt = fmt.Sprintf(" Consider %q instead.", best)
		}
		return true, fmt.Sprintf(
			"RL warning: %q has avg reward %.2f in this context (%d/%d failures).%s",
			kind, stats.AvgReward, stats.Failures, stats.Count, alt)
	}
	return false, ""
}

// Update applies one-step TD learning:
// Q(s,a) <- Q(s,a) + alpha * (r + gamma * max_a' Q(s',a') - Q(s,a))
func (q *QLearner) Update(t Transition) {
	s, a := t.StateKey, string(t.ActionType)

	current := q.qTable[s][a]
	// An unseen next state contributes nothing; a seen one contributes its
	// true maximum even when every known value is negative.
	nextMax := 0.0
	if next := q.qTable[t.NextStateKey]; len(next) > 0 {
		nextMax = math.Inf(-1)
		for _, v := range next {
			if v > nextMax {
				nextMax = v
			}
		}
	}

	target := t.Reward + q.gamma*nextMax
	updated := current + q.alpha*(target-current)
	if q.qTable[s] == nil {
		q.qTable[s] = make(map[string]float64)
	}
	q.qTable[s][a] = updated

	saKey := t.SAKey()
	if q.stats[saKey] == nil {
		q.stats[saKey] = &ActionStats{}
	}
	q.stats[saKey].update(t.Reward)

	q.history = append(q.history, t)
	if len(q.history) > maxHistory {
		q.history = q.history[len(q.history)-maxHistory:]
	}
	q.totalReward += t.Reward

	if len(q.history)%autosaveInterval == 0 {
		q.save()
	}
}

// EndEpisode records one task's cumulative reward and persists.
func (q *QLearner) EndEpisode(totalReward float64) {
	q.episodeRewards = append(q.episodeRewards, totalReward)
	q.save()
}

// ImprovementTrend compares mean episode reward of the last window against
// the prior window.
func (q *QLearner) ImprovementTrend(window int) string {
	if window <= 0 {
		window = 5
	}
	if len(q.episodeRewards) < window*2 {
		return "insufficient_data"
	}
	recent := mean(q.episodeRewards[len(q.episodeRewards)-window:])
	older := mean(q.episodeRewards[len(q.episodeRewards)-window*2 : len(q.episodeRewards)-window])
	switch {
	case recent > older+trendDelta:
		return "improving"
	case recent < older-trendDelta:
		return "declining"
	default:
		return "stable"
	}
}

// StatsSummary returns plain counters for logging.
func (q *QLearner) StatsSummary() map[string]any {
	qSize := 0
	for _, actions := range q.qTable {
		qSize += len(actions)
	}
	avgEpisode := 0.0
	if len(q.episodeRewards) > 0 {
		avgEpisode = mean(q.episodeRewards)
	}
	return map[string]any{
		"q_table_size":       qSize,
		"states_seen":        len(q.qTable),
		"total_transitions":  len(q.history),
		"total_reward":       math.Round(q.totalReward*100) / 100,
		"episodes":           len(q.episodeRewards),
		"avg_episode_reward": math.Round(avgEpisode*100) / 100,
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func (q *QLearner) load() {
	var doc qDocument
	if err := persist.Load(q.path, &doc); err != nil {
		q.logger.Warn().Err(err).Msg("q-table load failed, starting empty")
		return
	}
	if doc.QTable != nil {
		q.qTable = doc.QTable
	}
	if doc.Stats != nil {
		q.stats = doc.Stats
	}
	q.episodeRewards = doc.EpisodeRewards
	q.totalReward = doc.TotalReward
}

func (q *QLearner) save() {
	doc := qDocument{
		QTable:         q.qTable,
		Stats:          q.stats,
		EpisodeRewards: q.episodeRewards,
		TotalReward:    q.totalReward,
	}
	if err := persist.Save(q.path, doc); err != nil {
		q.logger.Warn().Err(err).Msg("q-table save failed")
	}
}
