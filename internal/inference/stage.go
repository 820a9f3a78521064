package inference

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/media"
)

// degradeThreshold is the consecutive-failure count that flips the stage
// to degraded.
const degradeThreshold = 3

// Result is one processed frame's inference outcome.
type Result struct {
	Annotations media.Annotations
	Model       string
	Latency     time.Duration

	// Substituted marks annotations that stand in for a failed
	// inference. The frame still flows; it just carries no results.
	Substituted bool
}

// StageStats is a point-in-time snapshot of the stage counters.
type StageStats struct {
	Processed   uint64
	Failed      uint64
	Substituted uint64
	Swaps       uint64
	Streak      uint32
	Degraded    bool
	LastLatency time.Duration
}

// Stage runs the active model over the frame stream.
//
// Contract with the engine:
//   - Process is called by exactly one goroutine (the session worker).
//   - A pending swap installs at the top of Process, never mid-frame, so
//     no frame mixes two models' output.
//   - Per-frame inference errors are absorbed: the result carries empty
//     annotations for the active task and the stream keeps flowing.
//     Three consecutive failures latch the degraded flag; any success
//     clears it.
//
// Swap and Stats are safe to call from any goroutine.
type Stage struct {
	mu      sync.Mutex
	active  *Handle
	pending atomic.Pointer[Handle]
	closed  atomic.Bool

	processed   atomic.Uint64
	failed      atomic.Uint64
	substituted atomic.Uint64
	swaps       atomic.Uint64
	streak      atomic.Uint32
	degraded    atomic.Bool
	lastLatency atomic.Int64
}

// NewStage creates a stage serving the given model.
func NewStage(h *Handle) *Stage {
	return &Stage{active: h}
}

// Process runs the active model on one frame.
func (s *Stage) Process(ctx context.Context, f media.Frame) Result {
	s.mu.Lock()
	s.applyPendingLocked()
	h := s.active
	s.mu.Unlock()

	if s.closed.Load() || h == nil {
		return Result{Substituted: true}
	}

	start := time.Now()
	ann, err := h.Infer(ctx, f)
	latency := time.Since(start)

	s.processed.Add(1)
	s.lastLatency.Store(int64(latency))

	if err != nil {
		s.failed.Add(1)
		s.substituted.Add(1)
		streak := s.streak.Add(1)

		slog.Warn("inference: frame inference failed, substituting empty annotations",
			"error", err,
			"model", h.Name(),
			"seq", f.Seq,
			"streak", streak,
		)
		if streak >= degradeThreshold && s.degraded.CompareAndSwap(false, true) {
			slog.Warn("inference: stage degraded",
				"model", h.Name(),
				"consecutive_failures", streak,
			)
		}
		return Result{
			Annotations: media.Annotations{Task: h.Task()},
			Model:       h.Name(),
			Latency:     latency,
			Substituted: true,
		}
	}

	s.streak.Store(0)
	if s.degraded.CompareAndSwap(true, false) {
		slog.Info("inference: stage recovered", "model", h.Name())
	}
	ann.Task = h.Task()
	return Result{Annotations: ann, Model: h.Name(), Latency: latency}
}

// applyPendingLocked installs a queued swap. Caller holds s.mu.
func (s *Stage) applyPendingLocked() {
	next := s.pending.Swap(nil)
	if next == nil {
		return
	}
	old := s.active
	s.active = next
	s.swaps.Add(1)
	s.streak.Store(0)
	s.degraded.Store(false)

	if old != nil {
		if err := old.Close(); err != nil {
			slog.Warn("inference: closing replaced model", "error", err)
		}
	}
	slog.Info("inference: model swapped",
		"model", next.Name(),
		"task", next.Task().String(),
		"handle", next.ID(),
	)
}

// Swap queues h to replace the active model at the next frame boundary.
// A swap queued before the previous one applied supersedes it; the
// superseded handle is closed here. Swapping into a closed stage closes
// the handle immediately: nothing will ever apply it.
func (s *Stage) Swap(h *Handle) {
	if s.closed.Load() {
		if err := h.Close(); err != nil {
			slog.Warn("inference: closing model swapped into closed stage", "error", err)
		}
		return
	}
	if superseded := s.pending.Swap(h); superseded != nil {
		if err := superseded.Close(); err != nil {
			slog.Warn("inference: closing superseded pending model", "error", err)
		}
		slog.Debug("inference: pending swap superseded", "handle", superseded.ID())
	}
	// Close may have drained pending between the check and the store;
	// re-drain so the handle cannot outlive the stage.
	if s.closed.Load() {
		if p := s.pending.Swap(nil); p != nil {
			if err := p.Close(); err != nil {
				slog.Warn("inference: closing model swapped into closed stage", "error", err)
			}
		}
	}
}

// Active returns the serving handle. Between a Swap and the next Process
// this is still the old model; that is the hot-swap contract.
func (s *Stage) Active() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Degraded reports whether the failure streak has latched.
func (s *Stage) Degraded() bool { return s.degraded.Load() }

// Stats snapshots the counters.
func (s *Stage) Stats() StageStats {
	return StageStats{
		Processed:   s.processed.Load(),
		Failed:      s.failed.Load(),
		Substituted: s.substituted.Load(),
		Swaps:       s.swaps.Load(),
		Streak:      s.streak.Load(),
		Degraded:    s.degraded.Load(),
		LastLatency: time.Duration(s.lastLatency.Load()),
	}
}

// Close releases the active and any pending model. Idempotent.
func (s *Stage) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	var firstErr error
	if p := s.pending.Swap(nil); p != nil {
		firstErr = p.Close()
	}

	s.mu.Lock()
	active := s.active
	s.active = nil
	s.mu.Unlock()

	if active != nil {
		if err := active.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
