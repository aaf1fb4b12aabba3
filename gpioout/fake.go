package gpioout

import (
	"context"
	"sync"
)

// Write is one recorded level change on a Fake.
type Write struct {
	Line uint
	High bool
}

// Fake is an in-memory GPIO driver that records every level change, for
// verifying assertion sequences in tests. SetLevel honors ctx cancellation
// the way a real ctx-aware driver would.
type Fake struct {
	// FailSetLevel, when set, is returned by SetLevel calls.
	FailSetLevel error
	// FailSetLevelAfter lets that many writes succeed before FailSetLevel
	// kicks in, so tests can fail a deassert but not the assert before it.
	FailSetLevelAfter int

	mu     sync.Mutex
	levels map[uint]bool
	writes []Write
}

// NewFake returns a fake driver whose lines start at the given levels.
func NewFake(initial map[uint]bool) *Fake {
	levels := make(map[uint]bool, len(initial))
	for line, high := range initial {
		levels[line] = high
	}
	return &Fake{levels: levels}
}

// SetLevel implements csext.GPIO.
func (f *Fake) SetLevel(ctx context.Context, line uint, high bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailSetLevel != nil && len(f.writes) >= f.FailSetLevelAfter {
		return f.FailSetLevel
	}
	f.levels[line] = high
	f.writes = append(f.writes, Write{Line: line, High: high})
	return nil
}

// Level implements csext.GPIO.
func (f *Fake) Level(ctx context.Context, line uint) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.levels[line], nil
}

// Writes returns a copy of every recorded level change, in order.
func (f *Fake) Writes() []Write {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Write, len(f.writes))
	copy(out, f.writes)
	return out
}

// Close implements the driver surface shared with the real drivers.
func (f *Fake) Close() error { return nil }
