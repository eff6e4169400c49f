// Package streamiteration implements the middleware pipeline that drives
// one round-trip through a provider: resolve the provider for the
// current model, call Stream, and relay every delta plus the final
// aggregate message to the caller as a channel.
package streamiteration

import (
	"context"
	"errors"
	"io"

	"github.com/bigtalk-run/bigtalk/message"
	"github.com/bigtalk-run/bigtalk/provider"
	"github.com/bigtalk-run/bigtalk/tool"
)

// Resolver resolves a composite "<provider>/<model>" identifier to a
// Provider instance and the bare model name to pass to it.
type Resolver func(model string) (provider.Provider, string, error)

// Context is the input to the stream-iteration pipeline: one round-trip
// through a provider for one iteration of the conversation loop.
type Context struct {
	// Model is the composite "<provider>/<model>" identifier for this
	// call. A middleware may mutate this before the terminal handler
	// resolves it, rerouting the call to a different provider/model.
	Model string

	// Tools lists the tool definitions available to the model this
	// iteration.
	Tools []*tool.Tool

	// Messages is the full working history as of this iteration.
	Messages []message.Message

	// Iteration is the zero-based index of this round-trip within the
	// conversation loop.
	Iteration int

	// Resolve looks up the Provider for Model. Set by the engine; present
	// on Context (rather than only closed over) so middleware can observe
	// or substitute it.
	Resolve Resolver

	// Opts carries per-call provider options (temperature, max tokens,
	// tool choice).
	Opts provider.CallOptions
}

// Event is one item in the lazy sequence of messages produced by one
// provider round-trip: either an incremental/aggregate assistant message,
// or a terminal error that ends the sequence.
type Event struct {
	Message message.Message
	Err     error
}

// Terminal performs the actual provider round-trip. It resolves the
// provider for ctx.Model, opens a stream, and relays every message the
// provider produces onto the returned channel, closing it once the
// stream ends (after sending one Event carrying a non-nil, non-io.EOF
// error, if the stream failed).
func Terminal(ctx context.Context, c *Context) (<-chan Event, error) {
	p, modelName, err := c.Resolve(c.Model)
	if err != nil {
		return nil, err
	}

	streamer, err := p.Stream(ctx, modelName, c.Messages, c.Tools, c.Opts)
	if err != nil {
		return nil, err
	}

	events := make(chan Event, 8)

	go func() {
		defer close(events)
		defer streamer.Close()

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			msg, err := streamer.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					select {
					case events <- Event{Err: err}:
					case <-ctx.Done():
					}
				}
				return
			}

			select {
			case events <- Event{Message: msg}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}
