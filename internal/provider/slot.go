package provider

import (
	"context"
	"errors"
	"sync"
)

var errSuperseded = errors.New("superseded by a newer call")

// slot holds the in-flight request of one operation kind. Starting a new
// request cancels the previous one.
type slot struct {
	mu     sync.Mutex
	gen    uint64
	cancel context.CancelCauseFunc
}

// begin cancels the current request and returns the context of the new one.
// done must be called when the request finishes.
func (s *slot) begin(parent context.Context) (ctx context.Context, done func()) {
	ctx, cancel := context.WithCancelCause(parent)

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel(errSuperseded)
	}
	s.gen++
	gen := s.gen
	s.cancel = cancel
	s.mu.Unlock()

	return ctx, func() {
		s.mu.Lock()
		if s.gen == gen {
			s.cancel = nil
		}
		s.mu.Unlock()
		cancel(nil)
	}
}

// supersede cancels the current request without starting a new one.
func (s *slot) supersede() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel(errSuperseded)
		s.cancel = nil
	}
	s.gen++
}

func superseded(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), errSuperseded)
}
