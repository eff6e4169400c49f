package toolexec_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/bigtalk-run/bigtalk/message"
	"github.com/bigtalk-run/bigtalk/tool"
	"github.com/bigtalk-run/bigtalk/toolexec"
)

type emptyParams struct{}

func mustTool(t *testing.T, name string, fn func(context.Context, emptyParams) (string, error)) *tool.Tool {
	t.Helper()
	tl, err := tool.FromFunc(name, "", fn)
	require.NoError(t, err)
	return tl
}

func awaitAll(ctx context.Context, tasks []toolexec.Task) ([]message.ToolResult, error) {
	results := make([]message.ToolResult, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			r, err := task(gctx)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func TestUnknownToolProducesErrorResult(t *testing.T) {
	c := &toolexec.Context{
		Uses: []toolexec.Use{{ParentID: "a1", Call: message.ToolUse{ID: "call1", Name: "missing"}}},
	}

	tasks, err := toolexec.Terminal(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	results, err := awaitAll(context.Background(), tasks)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)
	assert.Contains(t, results[0].Result, "missing")
	assert.Equal(t, "call1", results[0].ToolUseID)
}

func TestErrorIsolation(t *testing.T) {
	ok := mustTool(t, "ok", func(context.Context, emptyParams) (string, error) {
		return "A", nil
	})
	bad := mustTool(t, "bad", func(context.Context, emptyParams) (string, error) {
		return "", errors.New("boom")
	})

	c := &toolexec.Context{
		Tools: []*tool.Tool{ok, bad},
		Uses: []toolexec.Use{
			{ParentID: "a1", Call: message.ToolUse{ID: "c1", Name: "ok", Params: map[string]any{}}},
			{ParentID: "a1", Call: message.ToolUse{ID: "c2", Name: "bad", Params: map[string]any{}}},
		},
	}

	tasks, err := toolexec.Terminal(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	results, err := awaitAll(context.Background(), tasks)
	require.NoError(t, err)

	assert.False(t, results[0].IsError)
	assert.Equal(t, "A", results[0].Result)
	assert.True(t, results[1].IsError)
	assert.Contains(t, results[1].Result, "boom")
}

func TestParallelExecutionCompletesFaster(t *testing.T) {
	const sleep = 50 * time.Millisecond

	slow := func(context.Context, emptyParams) (string, error) {
		time.Sleep(sleep)
		return "done", nil
	}

	a := mustTool(t, "a", slow)
	b := mustTool(t, "b", slow)

	c := &toolexec.Context{
		Tools: []*tool.Tool{a, b},
		Uses: []toolexec.Use{
			{ParentID: "a1", Call: message.ToolUse{ID: "c1", Name: "a", Params: map[string]any{}}},
			{ParentID: "a1", Call: message.ToolUse{ID: "c2", Name: "b", Params: map[string]any{}}},
		},
	}

	tasks, err := toolexec.Terminal(context.Background(), c)
	require.NoError(t, err)

	start := time.Now()
	_, err = awaitAll(context.Background(), tasks)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, 2*sleep)
}

func TestMetadataMergeRuntimeWins(t *testing.T) {
	tl, err := tool.FromFunc("m", "", func(context.Context, emptyParams) (string, error) {
		return "ok", nil
	}, tool.WithMetadata(map[string]any{"scope": "read", "team": "infra"}))
	require.NoError(t, err)

	c := &toolexec.Context{
		Tools: []*tool.Tool{tl},
		Uses: []toolexec.Use{
			{ParentID: "a1", Call: message.ToolUse{
				ID:       "c1",
				Name:     "m",
				Params:   map[string]any{},
				Metadata: map[string]any{"scope": "write"},
			}},
		},
	}

	_, err = toolexec.Terminal(context.Background(), c)
	require.NoError(t, err)

	assert.Equal(t, "write", c.Uses[0].Call.Metadata["scope"])
	assert.Equal(t, "infra", c.Uses[0].Call.Metadata["team"])
}
