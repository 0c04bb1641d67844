package query

import (
	"context"
	"errors"
	"fmt"
)

// ErrWindowExhausted is returned when the rotation window has no room for a
// single page: fewer matches (or a shorter period) than the page limit.
var ErrWindowExhausted = errors.New("rotation window exhausted")

// WraparoundOffset computes the offset for rotationIndex within a window of
// min(upperBound, period) objects paged by limit.
func WraparoundOffset(upperBound, period, limit, rotationIndex int) (int, error) {
	span := min(upperBound, period) - limit
	if span <= 0 {
		return 0, fmt.Errorf("%w: matches=%d period=%d limit=%d",
			ErrWindowExhausted, upperBound, period, limit)
	}
	offset := rotationIndex % span
	if offset < 0 {
		offset += span
	}
	return offset, nil
}

// WithWraparoundOffset runs t at an offset chosen deterministically from
// rotationIndex. A limit-1 probe reports how many objects match; the real
// query then starts at rotationIndex mod (min(matches, period) - limit).
func WithWraparoundOffset(ctx context.Context, eng Engine, t Template, rotationIndex, period int) (*Results, error) {
	probe, err := eng.Query(ctx, t.WithLimit(1))
	if err != nil {
		return nil, err
	}

	offset, err := WraparoundOffset(probe.UpperBound, period, t.Limit(), rotationIndex)
	if err != nil {
		return nil, err
	}

	return eng.Query(ctx, t.WithOffset(offset))
}
