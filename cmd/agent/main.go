package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/polzovatel/ai-agent-for-desktop/internal/driver"
	"github.com/polzovatel/ai-agent-for-desktop/internal/engine"
	"github.com/polzovatel/ai-agent-for-desktop/internal/feedback"
	"github.com/polzovatel/ai-agent-for-desktop/internal/llm"
	"github.com/polzovatel/ai-agent-for-desktop/internal/rl"
	"github.com/polzovatel/ai-agent-for-desktop/internal/skillcache"
	"github.com/polzovatel/ai-agent-for-desktop/internal/stepmemory"
)

type cliOptions struct {
	task       string
	skill      string
	dataDir    string
	maxSteps   int
	timeout    time.Duration
	fastMode   bool
	review     bool
	trace      bool
	clearCache bool
	stats      bool
}

func main() {
	_ = godotenv.Load()
	opts := parseFlags()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	skills := skillcache.New(filepath.Join(opts.dataDir, "skill_cache.json"),
		skillcache.DefaultTolerance, log.With().Str("comp", "skills").Logger())
	memory := stepmemory.New(filepath.Join(opts.dataDir, "step_memory.json"),
		stepmemory.DefaultMaxEpisodes, log.With().Str("comp", "memory").Logger())
	learner := rl.NewQLearner(filepath.Join(opts.dataDir, "q_table.json"),
		rl.DefaultLearningRate, rl.DefaultDiscountFactor, log.With().Str("comp", "rl").Logger())
	supervisor := feedback.NewSupervisor(filepath.Join(opts.dataDir, "feedback.json"),
		terminalPrompt(), log.With().Str("comp", "supervisor").Logger())
	optimizer := feedback.NewOptimizer(filepath.Join(opts.dataDir, "optimizer.json"),
		log.With().Str("comp", "optimizer").Logger())

	if opts.clearCache {
		skills.Clear()
		log.Info().Msg("skill cache cleared")
	}
	if opts.stats {
		fmt.Println(skills.Summary())
		fmt.Println(optimizer.Stats())
		fmt.Println(supervisor.StatsSummary())
		log.Info().Interface("rl", learner.StatsSummary()).Interface("memory", memory.StatsSummary()).Msg("stats")
		return
	}

	if opts.task == "" {
		task, cancelled, err := promptTask()
		if err != nil {
			log.Fatal().Err(err).Msg("prompt task failed")
		}
		if cancelled {
			fmt.Println("Cancelled.")
			return
		}
		opts.task = task
	}
	if opts.skill == "" {
		opts.skill = slugify(opts.task)
	}

	llmClient, err := llm.NewClientWithLogger(log.With().Str("comp", "llm").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("llm init")
	}

	launcher, err := driver.NewLauncher(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("driver init")
	}
	defer launcher.Close()

	drv, err := launcher.NewDriver(ctx, log.With().Str("comp", "driver").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("driver page")
	}
	defer drv.Close(ctx)

	planner := engine.NewPlanner(llmClient)

	engOpts := []engine.Option{
		engine.WithOptimizer(optimizer),
		engine.WithSupervisor(supervisor),
	}
	if opts.trace {
		rec := engine.NewRecorder(filepath.Join(opts.dataDir, "traces"),
			2*time.Second, drv, log.With().Str("comp", "recorder").Logger())
		engOpts = append(engOpts, engine.WithRecorder(rec))
	}

	eng := engine.New(
		engine.Config{
			MaxSteps: opts.maxSteps,
			Timeout:  opts.timeout,
			FastMode: opts.fastMode,
		},
		planner, drv, drv,
		skills, memory, learner,
		log.With().Str("comp", "engine").Logger(),
		engOpts...,
	)

	task := engine.Task{
		ID:          taskID(opts.skill),
		SkillID:     opts.skill,
		Description: opts.task,
		Params:      map[string]any{},
	}

	fmt.Println("Starting task...")
	report, err := eng.Run(ctx, task)
	if err != nil {
		log.Fatal().Err(err).Msg("run failed")
	}

	status := "INCOMPLETE"
	if report.Success {
		status = "SUCCESS"
	}
	fmt.Printf("\n%s: %d steps in %s (%s)\n", status, report.Steps,
		report.Elapsed.Round(time.Second), report.Message)
	if report.Replayed {
		fmt.Println("Completed via cached replay, no LLM calls made.")
	}
	fmt.Println(skills.Summary())

	if opts.review && !report.Replayed {
		fb, err := supervisor.CollectFeedback(ctx, task.ID, opts.skill,
			report.Success, report.Steps, report.Elapsed.Seconds())
		if err != nil {
			log.Error().Err(err).Msg("feedback collection failed")
		} else {
			applyReview(learner, optimizer, supervisor.GetHistory(task.ID), fb, report.Actions)
			fmt.Println(optimizer.Stats())
		}
	}
}

// applyReview feeds one human rating back into the learning stores: the
// scalar reward goes to the Q-learner's episode log, and the executed
// sequence goes to the optimizer so a well-rated run can become golden.
func applyReview(learner *rl.QLearner, optimizer *feedback.Optimizer,
	history *feedback.History, fb feedback.Feedback, executed []skillcache.CachedAction) {

	steps := make([]feedback.GoldenStep, 0, len(executed))
	for _, a := range executed {
		steps = append(steps, feedback.GoldenStep{
			ActionType: string(a.ActionType),
			Params:     a.Params,
			Thought:    a.Thought,
		})
	}
	learner.EndEpisode(fb.RLReward())
	optimizer.UpdateFromFeedback(history, fb, steps)
}

func parseFlags() cliOptions {
	task := flag.String("task", "", "Task description")
	skill := flag.String("skill", "", "Skill id for caching (defaults to a slug of the task)")
	dataDir := flag.String("data-dir", "data", "Directory for persistent stores")
	maxSteps := flag.Int("max-steps", engine.DefaultMaxSteps, "Max planner steps")
	timeout := flag.Duration("timeout", engine.DefaultTimeout, "Wall-clock budget for the run")
	fast := flag.Bool("fast", false, "Skip per-step validation")
	review := flag.Bool("review", false, "Collect human feedback after the run")
	trace := flag.Bool("trace", false, "Record observation frames to a JSONL trace")
	clear := flag.Bool("clear-cache", false, "Drop the skill cache before running")
	stats := flag.Bool("stats", false, "Print store statistics and exit")
	flag.Parse()
	return cliOptions{
		task:       strings.TrimSpace(*task),
		skill:      strings.TrimSpace(*skill),
		dataDir:    strings.TrimSpace(*dataDir),
		maxSteps:   *maxSteps,
		timeout:    *timeout,
		fastMode:   *fast,
		review:     *review,
		trace:      *trace,
		clearCache: *clear,
		stats:      *stats,
	}
}

func promptTask() (string, bool, error) {
	reader := bufio.NewReader(os.Stdin)
	fmt.Print("Enter a task (leave empty to cancel): ")
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", false, err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", true, nil
	}

	const maxTaskLength = 2000
	if len(line) > maxTaskLength {
		fmt.Printf("Task too long (max %d chars), truncated\n", maxTaskLength)
		line = line[:maxTaskLength]
	}

	var sanitized strings.Builder
	for _, r := range line {
		if r >= 32 || r == '\n' || r == '\r' || r == '\t' {
			sanitized.WriteRune(r)
		}
	}
	return sanitized.String(), false, nil
}

func terminalPrompt() feedback.PromptFunc {
	reader := bufio.NewReader(os.Stdin)
	return func(ctx context.Context, message string) (string, error) {
		fmt.Printf("\n=== Input required ===\n%s\n> ", message)
		text, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		return strings.TrimSpace(text), nil
	}
}

func slugify(task string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(task) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteRune('_')
		}
		if b.Len() >= 40 {
			break
		}
	}
	if b.Len() == 0 {
		return "task"
	}
	return b.String()
}

// taskID derives a stable numeric id for the feedback stores from the skill
// name.
func taskID(skill string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(skill))
	return int(h.Sum32() % 1_000_000)
}
