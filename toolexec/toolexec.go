// Package toolexec implements the middleware pipeline that resolves a
// batch of tool-use requests into concurrently runnable tasks, each
// producing one message.ToolResult.
package toolexec

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bigtalk-run/bigtalk/message"
	"github.com/bigtalk-run/bigtalk/tool"
)

// Use pairs a requested tool call with the id of the assistant message
// that requested it, so results can be grouped back into one ToolMessage
// per parent once every task completes.
type Use struct {
	ParentID string
	Call     message.ToolUse
}

// Context is the input to the tool-execution pipeline: every tool use
// collected from one iteration's assistant messages, plus the tool set
// and history they were requested against.
type Context struct {
	// Uses lists every requested tool call for this iteration, in the
	// order they were recorded while scanning assistant content.
	Uses []Use

	// Tools is the set of tools available to resolve calls against.
	Tools []*tool.Tool

	// Messages is the working history as of this iteration.
	Messages []message.Message

	// Iteration is the zero-based index of the conversation-loop
	// iteration these uses were collected from.
	Iteration int
}

// Task is an unstarted unit of work producing exactly one ToolResult.
// Terminal returns tasks rather than results so middleware can cancel,
// substitute, or wrap any individual task before the loop awaits them
// concurrently. Task returns a non-nil error only for context
// cancellation; a failing tool invocation is always reported as a
// ToolResult with IsError true and a nil error, never as a returned
// error, so the loop can treat a non-nil error as "this task did not
// produce a result at all."
type Task func(ctx context.Context) (message.ToolResult, error)

// Terminal builds one Task per entry in c.Uses. A call naming a tool not
// present in c.Tools produces a task that resolves immediately to an
// error ToolResult; otherwise the matching Tool's static Metadata is
// merged into the call's Metadata (the call's own metadata wins on key
// conflict) before the task validates the call's params against the
// tool's schema and invokes the tool. A schema violation is reported the
// same way a failing invocation is: an error ToolResult, never a returned
// error.
func Terminal(_ context.Context, c *Context) ([]Task, error) {
	byName := make(map[string]*tool.Tool, len(c.Tools))
	for _, t := range c.Tools {
		byName[t.Name] = t
	}

	tasks := make([]Task, 0, len(c.Uses))
	for i := range c.Uses {
		call := c.Uses[i].Call

		t, ok := byName[call.Name]
		if !ok {
			tasks = append(tasks, notFoundTask(call))
			continue
		}

		// Merge in place so callers inspecting c.Uses after Terminal see
		// the merged metadata, matching spec.md's "in place" requirement.
		c.Uses[i].Call.Metadata = mergeMetadata(t.Metadata, call.Metadata)
		if call.Params == nil {
			// A nil Params marshals to JSON null, which fails schema
			// validation against a "type": "object" schema even though no
			// params were ever required; an absent call omits no less than
			// an explicit {}.
			c.Uses[i].Call.Params = map[string]any{}
		}
		call = c.Uses[i].Call

		params, err := json.Marshal(call.Params)
		if err != nil {
			return nil, fmt.Errorf("toolexec: encoding params for tool %q: %w", call.Name, err)
		}

		tasks = append(tasks, invokeTask(t, call, params))
	}

	return tasks, nil
}

func notFoundTask(call message.ToolUse) Task {
	return func(context.Context) (message.ToolResult, error) {
		return message.ToolResult{
			ToolUseID: call.ID,
			Result:    fmt.Sprintf("Tool %s not found", call.Name),
			IsError:   true,
		}, nil
	}
}

func invokeTask(t *tool.Tool, call message.ToolUse, params json.RawMessage) Task {
	return func(ctx context.Context) (message.ToolResult, error) {
		if err := t.Validate(params); err != nil {
			return message.ToolResult{
				ToolUseID: call.ID,
				Result:    err.Error(),
				IsError:   true,
			}, nil
		}

		result, err := t.Invoke(ctx, params)
		if err != nil {
			return message.ToolResult{
				ToolUseID: call.ID,
				Result:    err.Error(),
				IsError:   true,
			}, nil
		}

		return message.ToolResult{
			ToolUseID: call.ID,
			Result:    result,
			IsError:   false,
		}, nil
	}
}

// mergeMetadata returns a new map containing toolMeta overlaid with
// runtimeMeta; runtimeMeta wins on key conflict.
func mergeMetadata(toolMeta, runtimeMeta map[string]any) map[string]any {
	if len(toolMeta) == 0 && len(runtimeMeta) == 0 {
		return nil
	}

	merged := make(map[string]any, len(toolMeta)+len(runtimeMeta))
	for k, v := range toolMeta {
		merged[k] = v
	}
	for k, v := range runtimeMeta {
		merged[k] = v
	}
	return merged
}
