package bigtalk_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigtalk-run/bigtalk"
	"github.com/bigtalk-run/bigtalk/message"
	"github.com/bigtalk-run/bigtalk/middleware"
	"github.com/bigtalk-run/bigtalk/provider"
	"github.com/bigtalk-run/bigtalk/tool"
	"github.com/bigtalk-run/bigtalk/toolexec"
)

// scriptedStreamer replays a fixed slice of messages, then io.EOF.
type scriptedStreamer struct {
	msgs []message.Message
	i    int
}

func (s *scriptedStreamer) Recv() (message.Message, error) {
	if s.i >= len(s.msgs) {
		return message.Message{}, io.EOF
	}
	m := s.msgs[s.i]
	s.i++
	return m, nil
}

func (s *scriptedStreamer) Close() error             { return nil }
func (s *scriptedStreamer) Metadata() map[string]any { return nil }

// mockProvider drives the conversation loop under test with a
// caller-supplied turn function, one call per invocation of Stream.
type mockProvider struct {
	calls      int32
	turn       func(call int) []message.Message
	closeCalls int32
	closeErr   error
}

func (p *mockProvider) CountTokens(context.Context, string, []message.Message, []*tool.Tool, provider.CallOptions) (int, error) {
	return 0, nil
}

func (p *mockProvider) Send(context.Context, string, []message.Message, []*tool.Tool, provider.CallOptions) (message.Message, error) {
	return message.Message{}, errors.New("mockProvider: Send not used by the conversation loop")
}

func (p *mockProvider) Stream(_ context.Context, _ string, _ []message.Message, _ []*tool.Tool, _ provider.CallOptions) (provider.Streamer, error) {
	call := int(atomic.AddInt32(&p.calls, 1)) - 1
	return &scriptedStreamer{msgs: p.turn(call)}, nil
}

func (p *mockProvider) Close() error {
	atomic.AddInt32(&p.closeCalls, 1)
	return p.closeErr
}

func registerMock(t *testing.T, e *bigtalk.Engine, name string, turn func(call int) []message.Message) *mockProvider {
	t.Helper()
	p := &mockProvider{turn: turn}
	require.NoError(t, e.AddProvider(name, func() (provider.Provider, error) { return p, nil }, false))
	return p
}

func drain(t *testing.T, events <-chan bigtalk.StreamEvent) []bigtalk.StreamEvent {
	t.Helper()
	var out []bigtalk.StreamEvent
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func newEngine(t *testing.T) *bigtalk.Engine {
	t.Helper()
	// Substitute a fake env lookup so the default anthropic/openai
	// factories never accidentally pick up real credentials from the
	// test environment; nothing in these tests exercises them.
	return bigtalk.New(bigtalk.WithEnvLookup(func(string) string { return "" }))
}

func textAggregate(id, parentID, text string) message.Message {
	return message.NewAssistant(id, parentID, []message.Part{message.Text{Text: text}}, true)
}

func toolUseAggregate(id, parentID string, uses ...message.ToolUse) message.Message {
	parts := make([]message.Part, len(uses))
	for i, u := range uses {
		parts[i] = u
	}
	return message.NewAssistant(id, parentID, parts, true)
}

// S1 — simple echo: one aggregate, no tool uses, loop exits after one
// iteration.
func TestS1_SimpleEcho(t *testing.T) {
	e := newEngine(t)
	registerMock(t, e, "mock", func(int) []message.Message {
		return []message.Message{textAggregate("a1", "u1", "hi")}
	})

	events, err := e.Stream(context.Background(), "mock/m", []message.Message{message.NewUser("u1", "hello")}, nil)
	require.NoError(t, err)

	got := drain(t, events)
	require.Len(t, got, 1)
	require.NoError(t, got[0].Err)
	text, ok := got[0].Message.Content[0].(message.Text)
	require.True(t, ok)
	assert.Equal(t, "hi", text.Text)
}

type addParams struct {
	A int `json:"a"`
	B int `json:"b"`
}

// S2 — single tool round-trip.
func TestS2_SingleToolRoundTrip(t *testing.T) {
	e := newEngine(t)
	registerMock(t, e, "mock", func(call int) []message.Message {
		if call == 0 {
			return []message.Message{toolUseAggregate("a1", "u1", message.ToolUse{ID: "t1", Name: "add", Params: map[string]any{"a": float64(2), "b": float64(3)}})}
		}
		return []message.Message{textAggregate("a2", "tm1", "5")}
	})

	addTool, err := tool.FromFunc("add", "adds two integers", func(_ context.Context, p addParams) (int, error) {
		return p.A + p.B, nil
	})
	require.NoError(t, err)

	events, err := e.Stream(context.Background(), "mock/m", []message.Message{message.NewUser("u1", "add 2 and 3")}, []*tool.Tool{addTool})
	require.NoError(t, err)

	got := drain(t, events)
	require.Len(t, got, 3)

	_, ok := got[0].Message.Content[0].(message.ToolUse)
	require.True(t, ok)

	toolMsg := got[1].Message
	assert.Equal(t, message.RoleTool, toolMsg.Role)
	assert.Equal(t, "a1", toolMsg.ParentID)
	require.Len(t, toolMsg.Results, 1)
	assert.Equal(t, "t1", toolMsg.Results[0].ToolUseID)
	assert.Equal(t, "5", toolMsg.Results[0].Result)
	assert.False(t, toolMsg.Results[0].IsError)

	text, ok := got[2].Message.Content[0].(message.Text)
	require.True(t, ok)
	assert.Equal(t, "5", text.Text)
}

// S3 — tool error isolation: one tool fails, the other succeeds, both
// results land in the same ToolMessage.
func TestS3_ToolErrorIsolation(t *testing.T) {
	e := newEngine(t)
	registerMock(t, e, "mock", func(call int) []message.Message {
		if call == 0 {
			return []message.Message{toolUseAggregate("a1", "u1",
				message.ToolUse{ID: "ok1", Name: "ok"},
				message.ToolUse{ID: "bad1", Name: "bad"},
			)}
		}
		return []message.Message{textAggregate("a2", "tm1", "done")}
	})

	okTool, err := tool.FromFunc("ok", "always succeeds", func(_ context.Context, _ struct{}) (string, error) {
		return "A", nil
	})
	require.NoError(t, err)
	badTool, err := tool.FromFunc("bad", "always fails", func(_ context.Context, _ struct{}) (string, error) {
		return "", errors.New("boom")
	})
	require.NoError(t, err)

	events, err := e.Stream(context.Background(), "mock/m", []message.Message{message.NewUser("u1", "run both")}, []*tool.Tool{okTool, badTool})
	require.NoError(t, err)

	got := drain(t, events)
	require.Len(t, got, 3)

	toolMsg := got[1].Message
	require.Len(t, toolMsg.Results, 2)

	byID := make(map[string]message.ToolResult, 2)
	for _, r := range toolMsg.Results {
		byID[r.ToolUseID] = r
	}
	assert.False(t, byID["ok1"].IsError)
	assert.Equal(t, "A", byID["ok1"].Result)
	assert.True(t, byID["bad1"].IsError)
	assert.Contains(t, byID["bad1"].Result, "boom")
}

// S4 — missing user message fails validation before any provider call.
func TestS4_MissingUserMessage(t *testing.T) {
	e := newEngine(t)
	p := registerMock(t, e, "mock", func(int) []message.Message {
		return []message.Message{textAggregate("a1", "", "unreachable")}
	})

	_, err := e.Stream(context.Background(), "mock/m", []message.Message{message.NewSystem("x")}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, bigtalk.ErrNoUserMessage)
	assert.EqualValues(t, 0, p.calls)
}

// S5 — override replaces the factory and evicts the cached instance.
func TestS5_OverrideEvictsCache(t *testing.T) {
	e := newEngine(t)

	var f1Calls, f2Calls int32
	aggregate := func(int) []message.Message { return []message.Message{textAggregate("a1", "u1", "hi")} }

	require.NoError(t, e.AddProvider("x", func() (provider.Provider, error) {
		atomic.AddInt32(&f1Calls, 1)
		return &mockProvider{turn: aggregate}, nil
	}, false))

	events, err := e.Stream(context.Background(), "x/m", []message.Message{message.NewUser("u1", "hi")}, nil)
	require.NoError(t, err)
	drain(t, events)

	require.NoError(t, e.AddProvider("x", func() (provider.Provider, error) {
		atomic.AddInt32(&f2Calls, 1)
		return &mockProvider{turn: aggregate}, nil
	}, true))

	events, err = e.Stream(context.Background(), "x/m", []message.Message{message.NewUser("u1", "hi again")}, nil)
	require.NoError(t, err)
	drain(t, events)

	assert.EqualValues(t, 1, f1Calls)
	assert.EqualValues(t, 1, f2Calls)
}

// S6 — max-iterations cap stops the loop cleanly after the configured
// number of round-trips.
func TestS6_MaxIterationsCap(t *testing.T) {
	e := newEngine(t)
	registerMock(t, e, "mock", func(call int) []message.Message {
		return []message.Message{toolUseAggregate(fmt.Sprintf("a%d", call), "u1", message.ToolUse{ID: fmt.Sprintf("t%d", call), Name: "echo"})}
	})

	echoTool, err := tool.FromFunc("echo", "returns empty", func(_ context.Context, _ struct{}) (string, error) {
		return "", nil
	})
	require.NoError(t, err)

	events, err := e.Stream(context.Background(), "mock/m", []message.Message{message.NewUser("u1", "go")}, []*tool.Tool{echoTool}, bigtalk.WithCallMaxIterations(3))
	require.NoError(t, err)

	got := drain(t, events)
	require.Len(t, got, 6)

	var assistants, toolMsgs int
	for _, ev := range got {
		require.NoError(t, ev.Err)
		switch ev.Message.Role {
		case message.RoleAssistant:
			assistants++
		case message.RoleTool:
			toolMsgs++
		}
	}
	assert.Equal(t, 3, assistants)
	assert.Equal(t, 3, toolMsgs)
}

// Invariant 3: duplicate registration without override fails; with
// override it succeeds.
func TestAddProvider_DuplicateRequiresOverride(t *testing.T) {
	e := newEngine(t)
	factory := func() (provider.Provider, error) { return &mockProvider{turn: func(int) []message.Message { return nil }}, nil }

	require.NoError(t, e.AddProvider("dup", factory, false))
	err := e.AddProvider("dup", factory, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, bigtalk.ErrDuplicateProvider)

	require.NoError(t, e.AddProvider("dup", factory, true))
}

// Invariant 4: a registered factory that is never exercised is never
// invoked.
func TestLazyProvider_NeverInvokedUntilUsed(t *testing.T) {
	e := newEngine(t)
	var calls int32
	require.NoError(t, e.AddProvider("unused", func() (provider.Provider, error) {
		atomic.AddInt32(&calls, 1)
		return &mockProvider{turn: func(int) []message.Message { return nil }}, nil
	}, false))

	assert.EqualValues(t, 0, calls)
}

// Invariant 6: a malformed model id fails validation mentioning the
// expected format.
func TestParseModel_BadFormat(t *testing.T) {
	e := newEngine(t)
	_, err := e.Stream(context.Background(), "bad-format", []message.Message{message.NewUser("u1", "hi")}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, bigtalk.ErrInvalidModelID)
}

// Invariant 7: an unknown provider fails validation.
func TestParseModel_UnknownProvider(t *testing.T) {
	e := newEngine(t)
	_, err := e.Stream(context.Background(), "unknown/x", []message.Message{message.NewUser("u1", "hi")}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, bigtalk.ErrProviderNotFound)
}

// Invariant 9: a streaming-middleware short-circuit produces zero
// provider calls and delivers its synthesized events verbatim.
func TestStreamingMiddleware_ShortCircuit(t *testing.T) {
	e := newEngine(t)
	p := registerMock(t, e, "mock", func(int) []message.Message {
		return []message.Message{textAggregate("a1", "u1", "should not be reached")}
	})

	canned := make(chan bigtalk.StreamEvent, 1)
	canned <- bigtalk.StreamEvent{Message: textAggregate("short", "u1", "short-circuited")}
	close(canned)

	e.Streaming().Use(func(next middleware.Handler[*bigtalk.StreamContext, <-chan bigtalk.StreamEvent]) middleware.Handler[*bigtalk.StreamContext, <-chan bigtalk.StreamEvent] {
		return func(_ context.Context, _ *bigtalk.StreamContext) (<-chan bigtalk.StreamEvent, error) {
			return canned, nil
		}
	})

	events, err := e.Stream(context.Background(), "mock/m", []message.Message{message.NewUser("u1", "hi")}, nil)
	require.NoError(t, err)

	got := drain(t, events)
	require.Len(t, got, 1)
	text, ok := got[0].Message.Content[0].(message.Text)
	require.True(t, ok)
	assert.Equal(t, "short-circuited", text.Text)
	assert.EqualValues(t, 0, p.calls)
}

// Invariant 10: a streaming middleware mutating ctx.Model reroutes the
// call to the mutated provider.
func TestStreamingMiddleware_MutatesModel(t *testing.T) {
	e := newEngine(t)
	registerMock(t, e, "original", func(int) []message.Message {
		return []message.Message{textAggregate("a1", "u1", "wrong provider")}
	})
	rerouted := registerMock(t, e, "rerouted", func(int) []message.Message {
		return []message.Message{textAggregate("a1", "u1", "right provider")}
	})

	e.Streaming().Use(func(next middleware.Handler[*bigtalk.StreamContext, <-chan bigtalk.StreamEvent]) middleware.Handler[*bigtalk.StreamContext, <-chan bigtalk.StreamEvent] {
		return func(ctx context.Context, c *bigtalk.StreamContext) (<-chan bigtalk.StreamEvent, error) {
			c.Model = "rerouted/m"
			return next(ctx, c)
		}
	})

	events, err := e.Stream(context.Background(), "original/m", []message.Message{message.NewUser("u1", "hi")}, nil)
	require.NoError(t, err)

	got := drain(t, events)
	require.Len(t, got, 1)
	text, ok := got[0].Message.Content[0].(message.Text)
	require.True(t, ok)
	assert.Equal(t, "right provider", text.Text)
	assert.EqualValues(t, 1, rerouted.calls)
}

// Invariant 11: a streaming middleware observing ctx.Iteration sees 0
// exactly once per call, even though the terminal loop runs several
// iterations internally (the streaming stack wraps the whole call, not
// each iteration).
func TestStreamingMiddleware_ObservesIterationZeroOnce(t *testing.T) {
	e := newEngine(t)
	registerMock(t, e, "mock", func(call int) []message.Message {
		if call < 2 {
			return []message.Message{toolUseAggregate(fmt.Sprintf("a%d", call), "u1", message.ToolUse{ID: fmt.Sprintf("t%d", call), Name: "echo"})}
		}
		return []message.Message{textAggregate("aN", "u1", "done")}
	})

	echoTool, err := tool.FromFunc("echo", "returns empty", func(_ context.Context, _ struct{}) (string, error) {
		return "", nil
	})
	require.NoError(t, err)

	var observed []int
	e.Streaming().Use(func(next middleware.Handler[*bigtalk.StreamContext, <-chan bigtalk.StreamEvent]) middleware.Handler[*bigtalk.StreamContext, <-chan bigtalk.StreamEvent] {
		return func(ctx context.Context, c *bigtalk.StreamContext) (<-chan bigtalk.StreamEvent, error) {
			observed = append(observed, c.Iteration)
			return next(ctx, c)
		}
	})

	events, err := e.Stream(context.Background(), "mock/m", []message.Message{message.NewUser("u1", "go")}, []*tool.Tool{echoTool})
	require.NoError(t, err)
	drain(t, events)

	assert.Equal(t, []int{0}, observed)
}

// Invariant 12: two tools sleeping d each complete within well under 2d
// when requested in one assistant message.
func TestToolExecution_RunsConcurrently(t *testing.T) {
	e := newEngine(t)
	const d = 30 * time.Millisecond

	registerMock(t, e, "mock", func(call int) []message.Message {
		if call == 0 {
			return []message.Message{toolUseAggregate("a1", "u1",
				message.ToolUse{ID: "s1", Name: "sleep1"},
				message.ToolUse{ID: "s2", Name: "sleep2"},
			)}
		}
		return []message.Message{textAggregate("a2", "tm1", "done")}
	})

	sleeper := func(_ context.Context, _ struct{}) (string, error) {
		time.Sleep(d)
		return "done", nil
	}
	sleep1, err := tool.FromFunc("sleep1", "sleeps", sleeper)
	require.NoError(t, err)
	sleep2, err := tool.FromFunc("sleep2", "sleeps", sleeper)
	require.NoError(t, err)

	start := time.Now()
	events, err := e.Stream(context.Background(), "mock/m", []message.Message{message.NewUser("u1", "go")}, []*tool.Tool{sleep1, sleep2})
	require.NoError(t, err)
	drain(t, events)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 2*d)
}

// Invariant 15/16: ExecuteTool runs through the tool-execution pipeline
// (observed by a counting middleware) with the supplied metadata visible
// on the call, and raises tool failures rather than returning an error
// result.
func TestExecuteTool_ThroughMiddlewareAndMetadata(t *testing.T) {
	e := newEngine(t)

	var (
		calls    int32
		observed map[string]any
	)
	e.ToolExecution().Use(func(next middleware.Handler[*toolexec.Context, []toolexec.Task]) middleware.Handler[*toolexec.Context, []toolexec.Task] {
		return func(ctx context.Context, c *toolexec.Context) ([]toolexec.Task, error) {
			atomic.AddInt32(&calls, 1)
			if len(c.Uses) > 0 {
				observed = c.Uses[0].Call.Metadata
			}
			return next(ctx, c)
		}
	})

	badTool, err := tool.FromFunc("bad", "always fails", func(_ context.Context, _ struct{}) (string, error) {
		return "", errors.New("boom")
	})
	require.NoError(t, err)

	_, err = e.ExecuteTool(context.Background(), badTool, nil, nil, map[string]any{"k": "v"})
	require.Error(t, err)
	var toolErr *bigtalk.ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Contains(t, toolErr.Error(), "boom")

	assert.EqualValues(t, 1, calls)
	assert.Equal(t, "v", observed["k"])
}

// Cancellation: abandoning the context stops the loop promptly without
// a panic or leaked send.
func TestStream_CancellationStopsLoop(t *testing.T) {
	e := newEngine(t)
	registerMock(t, e, "mock", func(call int) []message.Message {
		return []message.Message{toolUseAggregate(fmt.Sprintf("a%d", call), "u1", message.ToolUse{ID: fmt.Sprintf("t%d", call), Name: "echo"})}
	})
	echoTool, err := tool.FromFunc("echo", "returns empty", func(_ context.Context, _ struct{}) (string, error) {
		return "", nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := e.Stream(ctx, "mock/m", []message.Message{message.NewUser("u1", "go")}, []*tool.Tool{echoTool}, bigtalk.WithCallMaxIterations(1000))
	require.NoError(t, err)

	<-events
	cancel()

	for range events {
	}
}

// Sanity check that the engine's three middleware stack accessors return
// non-nil stacks (exercised indirectly by every test above, asserted
// explicitly here for the package's exported surface).
func TestEngine_StackAccessorsNonNil(t *testing.T) {
	e := newEngine(t)
	assert.NotNil(t, e.Streaming())
	assert.NotNil(t, e.StreamIteration())
	assert.NotNil(t, e.ToolExecution())
}
