package bigtalk

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/bigtalk-run/bigtalk/message"
	"github.com/bigtalk-run/bigtalk/tool"
	"github.com/bigtalk-run/bigtalk/toolexec"
)

// ExecuteTool runs t directly through the tool-execution pipeline
// (so any registered tool-execution middleware applies) and returns its
// serialized result. A tool failure is raised as a *ToolError rather than
// returned as a captured error result, matching spec.md §4.7.
func (e *Engine) ExecuteTool(ctx context.Context, t *tool.Tool, params json.RawMessage, messages []message.Message, metadata map[string]any) (string, error) {
	if t == nil {
		return "", fmt.Errorf("bigtalk: execute tool: tool must not be nil")
	}

	var decoded map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &decoded); err != nil {
			return "", &ToolError{Tool: t.Name, Err: fmt.Errorf("decoding params: %w", err)}
		}
	}

	call := message.ToolUse{
		ID:       uuid.NewString(),
		Name:     t.Name,
		Params:   decoded,
		Metadata: metadata,
	}

	toolCtx := &toolexec.Context{
		Uses:     []toolexec.Use{{Call: call}},
		Tools:    []*tool.Tool{t},
		Messages: messages,
	}

	tasks, err := e.toolExecution.Build(toolexec.Terminal)(ctx, toolCtx)
	if err != nil {
		return "", &ToolError{Tool: t.Name, Err: err}
	}
	if len(tasks) != 1 {
		return "", &ToolError{Tool: t.Name, Err: fmt.Errorf("tool-execution pipeline returned %d tasks, expected 1", len(tasks))}
	}

	result, err := tasks[0](ctx)
	if err != nil {
		return "", &ToolError{Tool: t.Name, Err: err}
	}
	if result.IsError {
		e.logger.Warn(ctx, "manual tool execution failed", "tool", t.Name, "result", result.Result)
		return "", &ToolError{Tool: t.Name, Err: fmt.Errorf("%s", result.Result)}
	}
	return result.Result, nil
}
