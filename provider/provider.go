// Package provider defines the capability contract a remote LLM back end
// must implement to be registered with an Engine, and the sentinel errors
// all adapters share.
package provider

import (
	"context"
	"errors"

	"github.com/bigtalk-run/bigtalk/message"
	"github.com/bigtalk-run/bigtalk/tool"
)

// ErrStreamingUnsupported indicates the provider does not support
// streaming for the requested model.
var ErrStreamingUnsupported = errors.New("provider: streaming not supported")

// ErrRateLimited indicates the provider rejected the request due to rate
// limiting after exhausting any configured retries. Callers must not
// retry in a tight loop; this is a transient infrastructure failure.
var ErrRateLimited = errors.New("provider: rate limited")

// ToolChoiceMode controls how a provider uses tools for one call.
type ToolChoiceMode string

const (
	// ToolChoiceModeAuto lets the provider decide whether to call tools.
	// This is the default when ToolChoice is nil.
	ToolChoiceModeAuto ToolChoiceMode = "auto"

	// ToolChoiceModeNone disables tool use for the call.
	ToolChoiceModeNone ToolChoiceMode = "none"

	// ToolChoiceModeAny forces the model to request at least one tool.
	ToolChoiceModeAny ToolChoiceMode = "any"

	// ToolChoiceModeTool forces the model to request the tool named by
	// ToolChoice.Name.
	ToolChoiceModeTool ToolChoiceMode = "tool"
)

// ToolChoice configures optional tool-use behavior for a call.
type ToolChoice struct {
	Mode ToolChoiceMode
	Name string
}

// CallOptions carries per-call knobs common across providers. Adapters
// ignore fields they do not support rather than failing, except
// ToolChoice modes they cannot express, which they reject.
type CallOptions struct {
	// Temperature controls sampling when supported by the provider.
	Temperature float32

	// MaxTokens caps the number of output tokens when supported.
	MaxTokens int

	// ToolChoice optionally constrains how the provider uses tools. Nil
	// means provider-default (typically auto).
	ToolChoice *ToolChoice
}

// Provider is a remote LLM back end accessed through an adapter.
//
// Implementations must be safe for concurrent use: the engine caches and
// reuses one Provider instance across concurrent calls.
type Provider interface {
	// CountTokens estimates the token cost of messages and tools for
	// model without making a completion call.
	CountTokens(ctx context.Context, model string, messages []message.Message, tools []*tool.Tool, opts CallOptions) (int, error)

	// Send performs a non-streaming call and returns a single aggregate
	// assistant message.
	Send(ctx context.Context, model string, messages []message.Message, tools []*tool.Tool, opts CallOptions) (message.Message, error)

	// Stream performs a streaming call, returning ErrStreamingUnsupported
	// if model does not support streaming.
	Stream(ctx context.Context, model string, messages []message.Message, tools []*tool.Tool, opts CallOptions) (Streamer, error)

	// Close releases resources held by the provider (connection pools,
	// background goroutines). Called from Engine.Close on each cached
	// instance, once per Engine.Close call.
	Close() error
}

// Streamer delivers incremental assistant messages from one Stream call.
//
// Callers must drain the stream until Recv returns io.EOF or another
// terminal error, then call Close. Every message Recv returns shares the
// same Message.ID; all but the last have IsAggregate=false and carry
// exactly one newly completed content block, and the last has
// IsAggregate=true and carries every block produced during the call.
type Streamer interface {
	// Recv returns the next message in the stream, or io.EOF once the
	// aggregate message has been returned.
	Recv() (message.Message, error)

	// Close releases resources associated with the stream. Safe to call
	// after Recv has returned io.EOF, and safe to call to abandon the
	// stream early.
	Close() error

	// Metadata carries provider-specific metadata collected during the
	// call (for example, rate-limit headers or a request id).
	Metadata() map[string]any
}
