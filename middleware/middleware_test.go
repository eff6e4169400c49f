package middleware_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigtalk-run/bigtalk/middleware"
)

func TestOrderingIsOutermostFirst(t *testing.T) {
	var order []string

	s := middleware.NewStack[string, string]()
	s.Use(func(next middleware.Handler[string, string]) middleware.Handler[string, string] {
		return func(ctx context.Context, c string) (string, error) {
			order = append(order, "A_enter")
			r, err := next(ctx, c)
			order = append(order, "A_exit")
			return r, err
		}
	})
	s.Use(func(next middleware.Handler[string, string]) middleware.Handler[string, string] {
		return func(ctx context.Context, c string) (string, error) {
			order = append(order, "B_enter")
			r, err := next(ctx, c)
			order = append(order, "B_exit")
			return r, err
		}
	})

	h := s.Build(func(ctx context.Context, c string) (string, error) {
		order = append(order, "terminal")
		return c, nil
	})

	_, err := h(context.Background(), "in")
	require.NoError(t, err)
	assert.Equal(t, []string{"A_enter", "B_enter", "terminal", "B_exit", "A_exit"}, order)
}

func TestShortCircuitSkipsTerminal(t *testing.T) {
	terminalCalled := false

	s := middleware.NewStack[string, string]()
	s.Use(func(next middleware.Handler[string, string]) middleware.Handler[string, string] {
		return func(ctx context.Context, c string) (string, error) {
			return "short-circuited", nil
		}
	})

	h := s.Build(func(ctx context.Context, c string) (string, error) {
		terminalCalled = true
		return c, nil
	})

	result, err := h(context.Background(), "in")
	require.NoError(t, err)
	assert.Equal(t, "short-circuited", result)
	assert.False(t, terminalCalled)
}

func TestMutatingContextIsObservedByTerminal(t *testing.T) {
	type ctx struct{ model string }

	s := middleware.NewStack[*ctx, string]()
	s.Use(func(next middleware.Handler[*ctx, string]) middleware.Handler[*ctx, string] {
		return func(c context.Context, v *ctx) (string, error) {
			v.model = "rerouted/model"
			return next(c, v)
		}
	})

	h := s.Build(func(c context.Context, v *ctx) (string, error) {
		return v.model, nil
	})

	result, err := h(context.Background(), &ctx{model: "original/model"})
	require.NoError(t, err)
	assert.Equal(t, "rerouted/model", result)
}
