package bigtalk

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/bigtalk-run/bigtalk/message"
	"github.com/bigtalk-run/bigtalk/middleware"
	"github.com/bigtalk-run/bigtalk/provider"
	"github.com/bigtalk-run/bigtalk/streamiteration"
	"github.com/bigtalk-run/bigtalk/telemetry"
	"github.com/bigtalk-run/bigtalk/tool"
	"github.com/bigtalk-run/bigtalk/toolexec"
)

// Engine is a provider registry plus the three middleware stacks
// (streaming, stream-iteration, tool-execution) that together implement
// the conversation loop. The zero value is not usable; construct one
// with New.
type Engine struct {
	mu        sync.Mutex
	providers map[string]*providerSlot

	maxIterations int
	env           func(string) string

	defaultAnthropicModel string
	defaultOpenAIModel    string

	logger  telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	streaming       *middleware.Stack[*StreamContext, <-chan StreamEvent]
	streamIteration *middleware.Stack[*streamiteration.Context, <-chan streamiteration.Event]
	toolExecution   *middleware.Stack[*toolexec.Context, []toolexec.Task]
}

// Option configures a new Engine.
type Option func(*Engine)

// WithMaxIterations overrides the default cap on conversation-loop
// iterations (10) applied to calls that don't specify one via
// WithCallMaxIterations.
func WithMaxIterations(n int) Option {
	return func(e *Engine) { e.maxIterations = n }
}

// WithEnvLookup overrides the function used to read API keys for the
// default "anthropic"/"openai" provider factories. Defaults to
// os.Getenv; tests substitute a fake to exercise lazy instantiation
// without real credentials.
func WithEnvLookup(lookup func(string) string) Option {
	return func(e *Engine) { e.env = lookup }
}

// WithDefaultAnthropicModel overrides the model the default "anthropic"
// factory's Provider uses when a call doesn't otherwise select one.
func WithDefaultAnthropicModel(model string) Option {
	return func(e *Engine) { e.defaultAnthropicModel = model }
}

// WithDefaultOpenAIModel overrides the model the default "openai"
// factory's Provider uses when a call doesn't otherwise select one.
func WithDefaultOpenAIModel(model string) Option {
	return func(e *Engine) { e.defaultOpenAIModel = model }
}

// WithLogger overrides the Logger used at the engine's lifecycle points
// (provider instantiation, iteration boundaries, tool failures).
// Defaults to telemetry.NewNoopLogger.
func WithLogger(l telemetry.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics overrides the Metrics recorder used for engine
// instrumentation. Defaults to telemetry.NewNoopMetrics.
func WithMetrics(m telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer overrides the Tracer used to span each Stream call.
// Defaults to telemetry.NewNoopTracer.
func WithTracer(tr telemetry.Tracer) Option {
	return func(e *Engine) { e.tracer = tr }
}

// New constructs an Engine with empty middleware stacks and default
// factories for "anthropic" and "openai" pre-registered but not yet
// instantiated.
func New(opts ...Option) *Engine {
	e := &Engine{
		providers:             make(map[string]*providerSlot),
		maxIterations:         10,
		env:                   os.Getenv,
		defaultAnthropicModel: "claude-sonnet-4-5",
		defaultOpenAIModel:    "gpt-4.1",
		logger:                telemetry.NewNoopLogger(),
		metrics:               telemetry.NewNoopMetrics(),
		tracer:                telemetry.NewNoopTracer(),
		streaming:             middleware.NewStack[*StreamContext, <-chan StreamEvent](),
		streamIteration:       middleware.NewStack[*streamiteration.Context, <-chan streamiteration.Event](),
		toolExecution:         middleware.NewStack[*toolexec.Context, []toolexec.Task](),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.registerDefaultProviders()
	return e
}

// Streaming returns the middleware stack wrapping the conversation loop.
func (e *Engine) Streaming() *middleware.Stack[*StreamContext, <-chan StreamEvent] {
	return e.streaming
}

// StreamIteration returns the middleware stack wrapping one round-trip
// through a provider.
func (e *Engine) StreamIteration() *middleware.Stack[*streamiteration.Context, <-chan streamiteration.Event] {
	return e.streamIteration
}

// ToolExecution returns the middleware stack wrapping resolution of a
// batch of tool calls into runnable tasks.
func (e *Engine) ToolExecution() *middleware.Stack[*toolexec.Context, []toolexec.Task] {
	return e.toolExecution
}

// CallOption configures one Stream or Send call.
type CallOption func(*callConfig)

type callConfig struct {
	maxIterations int
	providerOpts  provider.CallOptions
}

// WithCallMaxIterations caps the number of conversation-loop iterations
// for one call, overriding the Engine's default.
func WithCallMaxIterations(n int) CallOption {
	return func(c *callConfig) { c.maxIterations = n }
}

// WithTemperature sets the sampling temperature passed to the provider
// for one call.
func WithTemperature(t float32) CallOption {
	return func(c *callConfig) { c.providerOpts.Temperature = t }
}

// WithMaxTokens caps the number of output tokens requested from the
// provider for one call.
func WithMaxTokens(n int) CallOption {
	return func(c *callConfig) { c.providerOpts.MaxTokens = n }
}

// WithToolChoice constrains how the provider uses tools for one call.
func WithToolChoice(tc provider.ToolChoice) CallOption {
	return func(c *callConfig) { c.providerOpts.ToolChoice = &tc }
}

// Stream runs the conversation loop for one call and returns a channel of
// StreamEvent. The channel is closed once the loop terminates (either
// because an iteration produced no tool uses, or max_iterations was
// reached); a provider failure mid-stream is delivered as one final
// StreamEvent carrying a non-nil Err before the channel closes.
func (e *Engine) Stream(ctx context.Context, model string, messages []message.Message, tools []*tool.Tool, opts ...CallOption) (<-chan StreamEvent, error) {
	if !hasUserMessage(messages) {
		return nil, ErrNoUserMessage
	}

	providerName, _, err := parseModelID(model)
	if err != nil {
		return nil, err
	}
	if !e.providerRegistered(providerName) {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotFound, providerName)
	}

	cfg := callConfig{maxIterations: e.maxIterations}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxIterations <= 0 {
		cfg.maxIterations = e.maxIterations
	}

	history := make([]message.Message, len(messages))
	copy(history, messages)

	sc := &StreamContext{
		Model:           model,
		Tools:           tools,
		Messages:        history,
		MaxIterations:   cfg.maxIterations,
		Resolve:         e.resolve,
		StreamIteration: e.streamIteration.Build(streamiteration.Terminal),
		ToolExecution:   e.toolExecution.Build(toolexec.Terminal),
		Opts:            cfg.providerOpts,
		logger:          e.logger,
	}

	ctx, span := e.tracer.Start(ctx, "bigtalk.Stream")
	e.logger.Debug(ctx, "stream starting", "model", model, "max_iterations", cfg.maxIterations)
	e.metrics.IncCounter("bigtalk.stream.calls", 1, "model", model)

	handler := e.streaming.Build(conversationTerminal)
	events, err := handler(ctx, sc)
	if err != nil {
		span.RecordError(err)
		span.End()
		return nil, err
	}
	return e.traceEvents(ctx, span, events), nil
}

// traceEvents wraps events so the span started for this call ends once the
// conversation loop finishes, recording the terminal error if any.
func (e *Engine) traceEvents(ctx context.Context, span telemetry.Span, events <-chan StreamEvent) <-chan StreamEvent {
	out := make(chan StreamEvent, 16)
	go func() {
		defer close(out)
		defer span.End()
		for ev := range events {
			if ev.Err != nil {
				span.RecordError(ev.Err)
				e.logger.Error(ctx, "stream failed", "error", ev.Err)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Send runs the conversation loop to completion and returns the ordered
// sequence of messages appended to history: aggregate assistant
// messages, tool-result messages, and app messages, in yield order. The
// original input messages are not echoed, and intermediate deltas are
// omitted since the loop never appends them to history either.
func (e *Engine) Send(ctx context.Context, model string, messages []message.Message, tools []*tool.Tool, opts ...CallOption) ([]message.Message, error) {
	events, err := e.Stream(ctx, model, messages, tools, opts...)
	if err != nil {
		return nil, err
	}

	var out []message.Message
	for ev := range events {
		if ev.Err != nil {
			return out, ev.Err
		}
		if ev.Message.Role == message.RoleAssistant && !ev.Message.IsAggregate {
			continue
		}
		out = append(out, ev.Message)
	}
	return out, nil
}

func hasUserMessage(messages []message.Message) bool {
	for _, m := range messages {
		if m.Role == message.RoleUser {
			return true
		}
	}
	return false
}

// parseModelID splits a composite "<provider>/<model>" identifier on its
// first "/". Both parts must be non-empty.
func parseModelID(modelID string) (providerName, model string, err error) {
	idx := strings.Index(modelID, "/")
	if idx <= 0 || idx == len(modelID)-1 {
		return "", "", fmt.Errorf("%w: got %q", ErrInvalidModelID, modelID)
	}
	return modelID[:idx], modelID[idx+1:], nil
}

func (e *Engine) providerRegistered(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.providers[name]
	return ok
}
