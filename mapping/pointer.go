package mapping

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// StepInterval is the cadence of the pointer stepper.
	StepInterval = 6 * time.Millisecond
	stepDivisor  = 6
)

// WrapDelta returns the signed distance between two readings of a 16 bit
// counter, taking the shorter way around.
func WrapDelta(cur, prev uint16) int {
	return int(int16(cur - prev))
}

// Accumulator holds pointer movement not yet emitted to the cursor.
type Accumulator struct {
	mu               sync.Mutex
	targetX, targetY int
	prevX, prevY     uint16
}

// Prime sets the reference position without producing movement.
func (a *Accumulator) Prime(x, y uint16) {
	a.mu.Lock()
	a.prevX, a.prevY = x, y
	a.mu.Unlock()
}

// Add records a new pointer reading and returns the delta it contributed.
func (a *Accumulator) Add(x, y uint16) (dx, dy int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	dx = WrapDelta(x, a.prevX)
	dy = WrapDelta(y, a.prevY)
	a.prevX, a.prevY = x, y
	a.targetX += dx
	a.targetY += dy
	return dx, dy
}

// Step consumes a sixth of the outstanding movement. Remainders below one
// sixth are drained one unit per step so the target always reaches zero.
func (a *Accumulator) Step() (dx, dy int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	dx = stepOf(a.targetX)
	dy = stepOf(a.targetY)
	a.targetX -= dx
	a.targetY -= dy
	return dx, dy
}

// Outstanding returns the movement still to be emitted.
func (a *Accumulator) Outstanding() (x, y int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.targetX, a.targetY
}

// Reset drops outstanding movement.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	a.targetX, a.targetY = 0, 0
	a.mu.Unlock()
}

func stepOf(target int) int {
	s := target / stepDivisor
	if s == 0 && target != 0 {
		if target > 0 {
			return 1
		}
		return -1
	}
	return s
}

// CursorMover receives pointer sub-steps.
type CursorMover interface {
	MoveCursor(dx, dy int) error
}

// Stepper drains an Accumulator into a CursorMover at a fixed cadence. Idle
// ticks do nothing.
type Stepper struct {
	acc      *Accumulator
	out      CursorMover
	interval time.Duration
	logger   *slog.Logger
}

func NewStepper(acc *Accumulator, out CursorMover, logger *slog.Logger) *Stepper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stepper{acc: acc, out: out, interval: StepInterval, logger: logger}
}

// Run ticks until ctx is done.
func (s *Stepper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.Tick()
		}
	}
}

// Tick performs one step.
func (s *Stepper) Tick() {
	dx, dy := s.acc.Step()
	if dx == 0 && dy == 0 {
		return
	}
	if err := s.out.MoveCursor(dx, dy); err != nil {
		s.logger.Warn("cursor move failed", "error", err)
	}
}
