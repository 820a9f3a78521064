// Package playback owns the transport state machine: play/pause/stop,
// seek coalescing, speed, rotation and the engine gate. Commands are
// non-blocking; the engine parks on Await and drains pending work
// between frames.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/media"
	"github.com/Alfredo-Sandoval/stride-studio-ai/internal/source"
)

// State is the transport state. Seeking never lives in the controller
// field itself; it is reported in snapshots while a seek is pending and
// the underlying playing/paused state is preserved across it.
type State uint8

const (
	StateStopped State = iota
	StatePlaying
	StatePaused
	StateSeeking
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateSeeking:
		return "seeking"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// speeds is the accepted preset set, matching the UI steps.
var speeds = []float64{0.25, 0.5, 0.75, 1.0, 1.25, 1.5, 1.75, 2.0}

// ErrInvalidSpeed rejects speeds outside the preset set.
var ErrInvalidSpeed = errors.New("playback: speed not in preset set")

// Speeds returns the accepted speed presets in ascending order.
func Speeds() []float64 {
	out := make([]float64, len(speeds))
	copy(out, speeds)
	return out
}

// ValidSpeed reports whether v is one of the presets.
func ValidSpeed(v float64) bool {
	for _, s := range speeds {
		if v > s-1e-9 && v < s+1e-9 {
			return true
		}
	}
	return false
}

// TransportState is the consumer-facing snapshot. Position and Total
// are -1 in live mode, which has no addressable positions. The seconds
// fields and Recording are filled by the session facade, which knows
// the source FPS and the recorder; the controller leaves them zero.
type TransportState struct {
	Mode     source.Mode
	State    State
	Speed    float64
	Position int64
	Total    int64
	Rotation media.Rotation

	PositionSec float64
	DurationSec float64
	Recording   bool
}

// Playing reports whether frames are flowing.
func (t TransportState) Playing() bool { return t.State == StatePlaying }

// Wake tells the engine why Await returned.
type Wake uint8

const (
	// WakeShutdown: the context is done, the engine should exit.
	WakeShutdown Wake = iota

	// WakePlaying: transport is playing, process the next frame.
	WakePlaying

	// WakeSeek: a seek is pending; apply it (and its one-frame publish)
	// regardless of playing/paused.
	WakeSeek
)

// Controller is the shared transport owned by one session. Command
// methods are safe from any goroutine; Await is for the engine worker.
type Controller struct {
	mode  source.Mode
	total int64

	mu       sync.Mutex
	cond     *sync.Cond
	state    State
	speed    float64
	rotation media.Rotation
	position int64

	seekPending bool
	seekTarget  int64

	// rewindOnPlay arms a seek to frame 0 on the next Play. Set by Stop
	// and Finish, cleared by an explicit Seek, file mode only.
	rewindOnPlay bool

	snapshot atomic.Pointer[TransportState]
}

// New creates a stopped controller at speed 1.0 and rotation 0. For
// file sources total is the frame count used for seek clamping; live
// sources pass any value, positions are unaddressable.
func New(mode source.Mode, total int64) *Controller {
	c := &Controller{
		mode:  mode,
		total: total,
		state: StateStopped,
		speed: 1.0,
	}
	if mode == source.ModeLive {
		c.position = -1
	}
	c.cond = sync.NewCond(&c.mu)
	c.publishLocked()
	return c
}

// publishLocked refreshes the snapshot pointer. Callers hold mu.
func (c *Controller) publishLocked() {
	s := TransportState{
		Mode:     c.mode,
		State:    c.state,
		Speed:    c.speed,
		Position: c.position,
		Total:    c.total,
		Rotation: c.rotation,
	}
	if c.seekPending {
		s.State = StateSeeking
	}
	if c.mode == source.ModeLive {
		s.Position, s.Total = -1, -1
	}
	c.snapshot.Store(&s)
}

// Snapshot returns the current transport state, torn-read-free.
func (c *Controller) Snapshot() TransportState {
	return *c.snapshot.Load()
}

// Play starts or resumes. Playing a stopped or finished file transport
// rewinds to frame 0 first, unless a seek moved the position since.
func (c *Controller) Play() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StatePlaying {
		return
	}
	if c.mode == source.ModeFile && c.state == StateStopped && c.rewindOnPlay && !c.seekPending {
		c.seekPending = true
		c.seekTarget = 0
	}
	c.rewindOnPlay = false
	c.state = StatePlaying
	c.cond.Broadcast()
	c.publishLocked()
}

// Pause gates the engine at the next iteration. Idempotent; a stopped
// transport stays stopped.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePlaying {
		return
	}
	c.state = StatePaused
	c.cond.Broadcast()
	c.publishLocked()
}

// Toggle flips between playing and paused.
func (c *Controller) Toggle() {
	c.mu.Lock()
	playing := c.state == StatePlaying
	c.mu.Unlock()
	if playing {
		c.Pause()
	} else {
		c.Play()
	}
}

// Stop is the user command: halt, discard any pending seek, and rewind.
// Position reads 0 and the next Play starts from the first frame.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateStopped
	c.seekPending = false
	if c.mode == source.ModeFile {
		c.position = 0
		c.rewindOnPlay = true
	}
	c.cond.Broadcast()
	c.publishLocked()
}

// Finish halts the transport after the stream ended on its own. The
// position stays where the stream ended so the consumer can show it;
// the next Play still restarts from frame 0.
func (c *Controller) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateStopped
	c.seekPending = false
	if c.mode == source.ModeFile {
		c.rewindOnPlay = true
	}
	c.cond.Broadcast()
	c.publishLocked()
}

// Seek requests a jump to frame, clamped to the known range. Rapid
// seeks coalesce: only the latest target survives until the engine
// drains it. Live mode has no positions.
func (c *Controller) Seek(frame int64) error {
	if c.mode == source.ModeLive {
		return fmt.Errorf("playback: seek: %w", source.ErrUnsupported)
	}
	if frame < 0 {
		frame = 0
	}
	if c.total > 0 && frame >= c.total {
		frame = c.total - 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.seekPending = true
	c.seekTarget = frame
	c.rewindOnPlay = false
	c.cond.Broadcast()
	c.publishLocked()
	return nil
}

// TakeSeek drains the pending seek target exactly once.
func (c *Controller) TakeSeek() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.seekPending {
		return 0, false
	}
	c.seekPending = false
	c.publishLocked()
	return c.seekTarget, true
}

// SetSpeed changes the pacing factor. Accepted in live mode too, where
// pacing follows arrival and the factor has no effect.
func (c *Controller) SetSpeed(v float64) error {
	if !ValidSpeed(v) {
		return fmt.Errorf("%w: %v", ErrInvalidSpeed, v)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speed = v
	c.publishLocked()
	return nil
}

// SetRotation sets the display rotation applied after overlay burn-in.
func (c *Controller) SetRotation(r media.Rotation) error {
	if !r.Valid() {
		return fmt.Errorf("playback: rotation %d not one of 0/90/180/270", int(r))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rotation = r
	c.publishLocked()
	return nil
}

// CycleRotation advances 90° clockwise and returns the new rotation.
func (c *Controller) CycleRotation() media.Rotation {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rotation = c.rotation.Next()
	c.publishLocked()
	return c.rotation
}

// SetPosition records the last served frame index. The engine calls it
// after each file frame; live mode ignores it.
func (c *Controller) SetPosition(p int64) {
	if c.mode == source.ModeLive {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.position = p
	c.publishLocked()
}

// Await parks the engine until there is work: playing, a pending seek,
// or shutdown. Seek wins over the state so a paused seek still applies.
func (c *Controller) Await(ctx context.Context) (Wake, error) {
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return WakeShutdown, err
		}
		if c.seekPending {
			return WakeSeek, nil
		}
		if c.state == StatePlaying {
			return WakePlaying, nil
		}
		c.cond.Wait()
	}
}

// PaceInterval is the delay the engine sleeps after each frame: the
// nominal frame interval scaled by speed, file mode only. Live delivery
// is paced by arrival.
func PaceInterval(info source.Info, speed float64) time.Duration {
	if info.Mode != source.ModeFile {
		return 0
	}
	base := info.FrameInterval()
	if speed <= 0 {
		return base
	}
	return time.Duration(float64(base) / speed)
}
