package ledger

import (
	"context"
	"fmt"
	"time"
)

// SequenceSource supplies the host ordering index for the next submission.
// Successive values must be non-decreasing in commit order.
type SequenceSource interface {
	CurrentSequence(ctx context.Context) (Sequence, error)
}

// Clock supplies the host timestamp for the next submission. The value is
// stored in the record; verification never re-reads the clock.
type Clock interface {
	Now() Moment
}

// CountSequence numbers submissions 1, 2, 3... from the store's proof count.
// It is only correct when read inside the same critical section as the
// commit that follows, which Ledger.SubmitData guarantees.
type CountSequence struct {
	store Store
}

func NewCountSequence(store Store) *CountSequence {
	return &CountSequence{store: store}
}

func (c *CountSequence) CurrentSequence(ctx context.Context) (Sequence, error) {
	n, err := c.store.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read proof count: %w", err)
	}
	return Sequence(n + 1), nil
}

// FixedSequence always returns the same index, like several extrinsics
// sharing one block number.
type FixedSequence Sequence

func (f FixedSequence) CurrentSequence(context.Context) (Sequence, error) {
	return Sequence(f), nil
}

type SystemClock struct{}

func (SystemClock) Now() Moment {
	return MomentFromTime(time.Now())
}

type FixedClock Moment

func (f FixedClock) Now() Moment {
	return Moment(f)
}
