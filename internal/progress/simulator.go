// Package progress drives the cosmetic progress bar shown while an image is
// being prepared. Its percentage is a display placeholder and has no causal
// link to the real compression work, which it starts once it reaches 100.
package progress

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

const (
	// DefaultInterval is the delay between two ticks.
	DefaultInterval = 500 * time.Millisecond
	// DefaultStep is the percentage added on each tick.
	DefaultStep = 10
	// IdleSpeedLabel is the speed label shown when nothing is running.
	IdleSpeedLabel = "0 B/s"
)

// Progress is the observable progress bar state.
type Progress struct {
	Percent    int    `json:"percent"`
	SpeedLabel string `json:"speed_label"`
}

// Initial returns the reset progress value.
func Initial() Progress {
	return Progress{Percent: 0, SpeedLabel: IdleSpeedLabel}
}

// Done returns the progress value shown once a result is available.
func Done() Progress {
	return Progress{Percent: 100, SpeedLabel: IdleSpeedLabel}
}

// State is the lifecycle state of a Task.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateComplete
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateComplete:
		return "complete"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Ticker creates simulated progress tasks.
type Ticker struct {
	Interval time.Duration
	Step     int
	// SpeedLabel produces the cosmetic speed text for each tick.
	SpeedLabel func() string
}

// NewTicker returns a Ticker, falling back to the defaults for non-positive values.
func NewTicker(interval time.Duration, step int) *Ticker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if step <= 0 {
		step = DefaultStep
	}
	return &Ticker{
		Interval:   interval,
		Step:       step,
		SpeedLabel: randomSpeedLabel,
	}
}

func randomSpeedLabel() string {
	return fmt.Sprintf("%d B/s", rand.IntN(1000))
}

// Task is one running progress simulation.
type Task struct {
	mu       sync.Mutex
	state    State
	progress Progress
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Start launches a task. onTick receives every new value; onComplete runs on
// the task goroutine once the bar reaches 100. Cancelling ctx or calling
// Stop moves a running task to StateCancelled and no later tick is produced.
// A callback already in flight still runs, so callers must guard the state
// they mutate.
func (t *Ticker) Start(ctx context.Context, onTick func(Progress), onComplete func()) *Task {
	task := &Task{
		state:    StateRunning,
		progress: Initial(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go task.run(ctx, t, onTick, onComplete)
	return task
}

func (task *Task) run(ctx context.Context, t *Ticker, onTick func(Progress), onComplete func()) {
	defer close(task.done)
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	label := t.SpeedLabel
	if label == nil {
		label = randomSpeedLabel
	}

	percent := 0
	for {
		select {
		case <-ctx.Done():
			task.cancel()
			return
		case <-task.stop:
			task.cancel()
			return
		case <-ticker.C:
		}

		percent += t.Step
		if percent > 100 {
			percent = 100
		}
		p := Progress{Percent: percent, SpeedLabel: label()}

		task.mu.Lock()
		if task.state != StateRunning || ctx.Err() != nil {
			task.mu.Unlock()
			task.cancel()
			return
		}
		task.progress = p
		if percent >= 100 {
			task.state = StateComplete
		}
		task.mu.Unlock()

		if onTick != nil {
			onTick(p)
		}
		if percent >= 100 {
			ticker.Stop()
			if onComplete != nil && ctx.Err() == nil {
				onComplete()
			}
			return
		}
	}
}

func (task *Task) cancel() {
	task.mu.Lock()
	defer task.mu.Unlock()
	if task.state == StateRunning {
		task.state = StateCancelled
		task.progress = Initial()
	}
}

// Stop cancels the task. It is a no-op once the task has finished.
func (task *Task) Stop() {
	if task == nil {
		return
	}
	task.cancel()
	task.stopOnce.Do(func() { close(task.stop) })
}

// State returns the current lifecycle state.
func (task *Task) State() State {
	task.mu.Lock()
	defer task.mu.Unlock()
	return task.state
}

// Progress returns the last value produced by the task.
func (task *Task) Progress() Progress {
	task.mu.Lock()
	defer task.mu.Unlock()
	return task.progress
}

// Done is closed when the task goroutine has exited.
func (task *Task) Done() <-chan struct{} {
	return task.done
}
