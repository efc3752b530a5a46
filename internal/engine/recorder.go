package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/ai-agent-for-desktop/internal/action"
)

// Recorder streams periodic observation frames to a JSONL trace file while a
// run is active. Traces are diagnostic only; nothing in the engine reads
// them back.
type Recorder struct {
	dir      string
	interval time.Duration
	observer action.Observer
	logger   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type traceFrame struct {
	RunID       string    `json:"run_id"`
	Timestamp   time.Time `json:"timestamp"`
	WindowTitle string    `json:"window_title"`
	Elements    int       `json:"elements"`
	Partial     bool      `json:"partial"`
}

func NewRecorder(dir string, interval time.Duration, observer action.Observer, logger zerolog.Logger) *Recorder {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Recorder{
		dir:      dir,
		interval: interval,
		observer: observer,
		logger:   logger,
	}
}

// Start begins tracing in the background. A second Start without Stop is a
// no-op.
func (r *Recorder) Start(ctx context.Context, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		r.logger.Warn().Err(err).Msg("recorder dir create failed, tracing disabled")
		return
	}
	path := filepath.Join(r.dir, runID+".jsonl")
	f, err := os.Create(path)
	if err != nil {
		r.logger.Warn().Err(err).Msg("recorder file create failed, tracing disabled")
		return
	}

	rctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		defer f.Close()
		enc := json.NewEncoder(f)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				return
			case <-ticker.C:
				obs, err := r.observer.Observe(rctx)
				if err != nil {
					continue
				}
				frame := traceFrame{
					RunID:       runID,
					Timestamp:   time.Now(),
					WindowTitle: obs.WindowTitle,
					Elements:    len(obs.Elements),
					Partial:     obs.Partial,
				}
				if err := enc.Encode(frame); err != nil {
					r.logger.Warn().Err(err).Msg("recorder write failed")
					return
				}
			}
		}
	}()
	r.logger.Debug().Str("path", path).Msg("recorder started")
}

// Stop ends tracing and waits for the writer goroutine to exit.
func (r *Recorder) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
