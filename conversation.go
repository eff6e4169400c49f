package bigtalk

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bigtalk-run/bigtalk/message"
	"github.com/bigtalk-run/bigtalk/middleware"
	"github.com/bigtalk-run/bigtalk/provider"
	"github.com/bigtalk-run/bigtalk/streamiteration"
	"github.com/bigtalk-run/bigtalk/telemetry"
	"github.com/bigtalk-run/bigtalk/tool"
	"github.com/bigtalk-run/bigtalk/toolexec"
)

// StreamContext is the input to the streaming stack: one full call to
// Engine.Stream, spanning every iteration of the conversation loop.
type StreamContext struct {
	// Model is the composite "<provider>/<model>" identifier for this
	// call.
	Model string

	// Tools lists the tool definitions available across every iteration.
	Tools []*tool.Tool

	// Messages is a copy of the caller's input history. The loop copies
	// it into its own working history, to which it appends aggregates and
	// tool/app messages; those appends are not written back to this field.
	Messages []message.Message

	// MaxIterations caps the number of round-trips the loop performs.
	MaxIterations int

	// Iteration is the zero-based index of the current round-trip. A
	// middleware observes this field change across iterations; the
	// terminal handler sets it before invoking the stream-iteration
	// pipeline each time around.
	Iteration int

	// Resolve looks up the Provider for a composite model identifier.
	Resolve streamiteration.Resolver

	// StreamIteration is the pre-built stream-iteration pipeline handler,
	// shared across every iteration of this call.
	StreamIteration middleware.Handler[*streamiteration.Context, <-chan streamiteration.Event]

	// ToolExecution is the pre-built tool-execution pipeline handler,
	// shared across every iteration of this call.
	ToolExecution middleware.Handler[*toolexec.Context, []toolexec.Task]

	// Opts carries per-call provider options.
	Opts provider.CallOptions

	// logger receives iteration-boundary and tool-failure events. Set by
	// Engine.Stream; defaults to telemetry.NewNoopLogger if left zero.
	logger telemetry.Logger
}

// StreamEvent is one item yielded from Engine.Stream: either a message
// produced during the conversation loop, or a terminal error.
type StreamEvent struct {
	Message message.Message
	Err     error
}

// conversationTerminal is the streaming stack's terminal handler: it
// starts the conversation loop in a goroutine and returns immediately
// with the channel the loop publishes StreamEvents on.
func conversationTerminal(ctx context.Context, c *StreamContext) (<-chan StreamEvent, error) {
	out := make(chan StreamEvent, 16)
	go runConversation(ctx, c, out)
	return out, nil
}

func (c *StreamContext) log() telemetry.Logger {
	if c.logger == nil {
		return telemetry.NewNoopLogger()
	}
	return c.logger
}

// runConversation implements spec.md §4.4 over c, publishing every
// yielded event onto out and closing it once the loop terminates.
func runConversation(ctx context.Context, c *StreamContext, out chan<- StreamEvent) {
	defer close(out)

	history := make([]message.Message, len(c.Messages))
	copy(history, c.Messages)

	for iteration := 0; iteration < c.MaxIterations; iteration++ {
		c.Iteration = iteration
		c.log().Debug(ctx, "conversation iteration starting", "model", c.Model, "iteration", iteration)

		iterCtx := &streamiteration.Context{
			Model:     c.Model,
			Tools:     c.Tools,
			Messages:  append([]message.Message(nil), history...),
			Iteration: iteration,
			Resolve:   c.Resolve,
			Opts:      c.Opts,
		}

		events, err := c.StreamIteration(ctx, iterCtx)
		if err != nil {
			sendEvent(ctx, out, StreamEvent{Err: err})
			return
		}

		var uses []toolexec.Use

	drain:
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					break drain
				}
				if ev.Err != nil {
					sendEvent(ctx, out, StreamEvent{Err: ev.Err})
					return
				}

				m := ev.Message
				if !sendEvent(ctx, out, StreamEvent{Message: m}) {
					return
				}

				switch {
				case m.Role == message.RoleApp:
					history = append(history, m)
				case m.Role == message.RoleAssistant && m.IsAggregate:
					history = append(history, m)
					for _, part := range m.Content {
						if tu, ok := part.(message.ToolUse); ok {
							uses = append(uses, toolexec.Use{ParentID: m.ID, Call: tu})
						}
					}
				}
			}
		}

		if len(uses) == 0 {
			c.log().Debug(ctx, "conversation loop finished, no tool uses", "iteration", iteration)
			return
		}

		toolCtx := &toolexec.Context{
			Uses:      uses,
			Tools:     c.Tools,
			Messages:  append([]message.Message(nil), history...),
			Iteration: iteration,
		}

		tasks, err := c.ToolExecution(ctx, toolCtx)
		if err != nil {
			sendEvent(ctx, out, StreamEvent{Err: err})
			return
		}

		results, err := runTasks(ctx, tasks)
		if err != nil {
			sendEvent(ctx, out, StreamEvent{Err: err})
			return
		}

		for _, parentID := range firstSeenParents(uses) {
			parentResults := resultsForParent(uses, results, parentID)
			for _, r := range parentResults {
				if r.IsError {
					c.log().Warn(ctx, "tool execution failed", "tool_use_id", r.ToolUseID, "iteration", iteration)
				}
			}
			toolMsg := message.NewTool(uuid.NewString(), parentID, parentResults)
			history = append(history, toolMsg)
			if !sendEvent(ctx, out, StreamEvent{Message: toolMsg}) {
				return
			}
		}
	}
}

// sendEvent delivers ev onto out, respecting cancellation. It reports
// whether the send succeeded; false means the caller abandoned the
// stream and the loop must stop.
func sendEvent(ctx context.Context, out chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// runTasks awaits every tool-execution task concurrently. A non-nil
// error here means a task could not produce a result at all
// (cancellation), never a captured tool failure — those are reported as
// ToolResult.IsError by the tasks themselves.
func runTasks(ctx context.Context, tasks []toolexec.Task) ([]message.ToolResult, error) {
	results := make([]message.ToolResult, len(tasks))

	g, gctx := errgroup.WithContext(ctx)
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			result, err := task(gctx)
			if err != nil {
				return err
			}
			results[i] = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// firstSeenParents returns the distinct ParentIDs among uses, in the
// order each was first recorded.
func firstSeenParents(uses []toolexec.Use) []string {
	seen := make(map[string]bool, len(uses))
	var order []string
	for _, u := range uses {
		if !seen[u.ParentID] {
			seen[u.ParentID] = true
			order = append(order, u.ParentID)
		}
	}
	return order
}

// resultsForParent returns the results belonging to parentID, in the
// order their originating ToolUse blocks were recorded.
func resultsForParent(uses []toolexec.Use, results []message.ToolResult, parentID string) []message.ToolResult {
	var out []message.ToolResult
	for i, u := range uses {
		if u.ParentID == parentID {
			out = append(out, results[i])
		}
	}
	return out
}
