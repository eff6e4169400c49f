// Package middleware implements the generic onion pipeline shared by the
// engine's three pipelines (streaming, stream-iteration, tool-execution).
// A Stack is parameterized by a context type C and a result type R so the
// same composition logic serves all three without type assertions.
package middleware

import (
	"context"
	"sync"
)

// Handler processes a context and produces a result.
type Handler[C, R any] func(ctx context.Context, c C) (R, error)

// Middleware wraps a Handler. A middleware may call next zero or once,
// mutate c before calling next, transform or filter the result after, or
// short-circuit by producing a result without calling next at all.
type Middleware[C, R any] func(next Handler[C, R]) Handler[C, R]

// Stack composes a list of middlewares around a terminal Handler.
//
// Middlewares are composed in reverse-registration order, so the first
// middleware registered with Use is the outermost: for [A, B] the call
// order is A-enter, B-enter, terminal, B-exit, A-exit.
//
// A Stack is safe for concurrent Use calls, but is not intended to be
// mutated concurrently with a Build/Handler invocation in flight;
// callers configure stacks at startup per spec.md §5.
type Stack[C, R any] struct {
	mu          sync.Mutex
	middlewares []Middleware[C, R]
}

// NewStack returns an empty Stack.
func NewStack[C, R any]() *Stack[C, R] {
	return &Stack[C, R]{}
}

// Use appends mw to the stack.
func (s *Stack[C, R]) Use(mw Middleware[C, R]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
}

// Build composes the registered middlewares around terminal and returns
// the resulting Handler. Build reads a snapshot of the registered
// middlewares; later Use calls do not affect handlers already built.
func (s *Stack[C, R]) Build(terminal Handler[C, R]) Handler[C, R] {
	s.mu.Lock()
	mws := make([]Middleware[C, R], len(s.middlewares))
	copy(mws, s.middlewares)
	s.mu.Unlock()

	h := terminal
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
