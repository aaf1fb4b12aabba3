package csext

import (
	"sync"

	"github.com/pkg/errors"
)

// noneAsserted is the sentinel for "no line is asserted".
const noneAsserted = -1

// table is the line descriptor table for one bus instance. It also tracks
// which index, if any, is electrically asserted so Detach can refuse to
// destroy a descriptor mid-use.
type table struct {
	mu       sync.Mutex
	lines    map[uint]LineDescriptor
	asserted int64
	closed   bool
}

// Attach adds a descriptor to the table after validating it. Soft lines
// claim their GPIO pin through the bus's pin-mux collaborator first, so a
// pin already held for another function fails the attach with no descriptor
// inserted and no GPIO side effect.
func (b *Bus) Attach(desc LineDescriptor) error {
	if err := desc.validate(b.maxHz); err != nil {
		return err
	}

	b.tbl.mu.Lock()
	defer b.tbl.mu.Unlock()

	if b.tbl.closed {
		return ErrBusClosed
	}
	if _, ok := b.tbl.lines[desc.Index]; ok {
		return errors.Wrapf(ErrDuplicateIndex, "chip select %d", desc.Index)
	}
	if desc.Kind == KindSoft && b.pins != nil {
		if err := b.pins.ClaimPinForFunction(desc.SoftPin, chipSelectFunction(desc.Index)); err != nil {
			return errors.Wrapf(err, "chip select %d", desc.Index)
		}
	}

	b.tbl.lines[desc.Index] = desc
	b.logger.Debugw("chip select attached",
		"bus", b.name, "index", desc.Index, "kind", desc.Kind.String())
	return nil
}

// Lookup returns the descriptor at the given index. It has no side effects.
func (b *Bus) Lookup(index uint) (LineDescriptor, bool) {
	b.tbl.mu.Lock()
	defer b.tbl.mu.Unlock()
	desc, ok := b.tbl.lines[index]
	return desc, ok
}

// Detach removes the descriptor at the given index and releases its pin
// claim. It fails with ErrLineBusy while the index is asserted.
func (b *Bus) Detach(index uint) error {
	b.tbl.mu.Lock()
	defer b.tbl.mu.Unlock()

	desc, ok := b.tbl.lines[index]
	if !ok {
		return errors.Wrapf(ErrUnknownIndex, "chip select %d", index)
	}
	if b.tbl.asserted == int64(index) {
		return errors.Wrapf(ErrLineBusy, "chip select %d", index)
	}

	delete(b.tbl.lines, index)
	if desc.Kind == KindSoft && b.pins != nil {
		b.pins.Release(desc.SoftPin)
	}
	b.logger.Debugw("chip select detached", "bus", b.name, "index", index)
	return nil
}

// Indexes returns the attached chip-select indices. Order is unspecified.
func (b *Bus) Indexes() []uint {
	b.tbl.mu.Lock()
	defer b.tbl.mu.Unlock()
	if len(b.tbl.lines) == 0 {
		return nil
	}
	out := make([]uint, 0, len(b.tbl.lines))
	for idx := range b.tbl.lines {
		out = append(out, idx)
	}
	return out
}

func (b *Bus) lookupForSubmit(index uint) (LineDescriptor, error) {
	b.tbl.mu.Lock()
	defer b.tbl.mu.Unlock()
	if b.tbl.closed {
		return LineDescriptor{}, ErrBusClosed
	}
	desc, ok := b.tbl.lines[index]
	if !ok {
		return LineDescriptor{}, errors.Wrapf(ErrUnknownIndex, "chip select %d", index)
	}
	return desc, nil
}

func (t *table) markAsserted(index uint) {
	t.mu.Lock()
	t.asserted = int64(index)
	t.mu.Unlock()
}

func (t *table) clearAsserted() {
	t.mu.Lock()
	t.asserted = noneAsserted
	t.mu.Unlock()
}
