package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/google/uuid"

	"github.com/bigtalk-run/bigtalk/message"
)

// sdkMessageStream is the concrete streaming type the real SDK returns
// from Messages.NewStreaming.
type sdkMessageStream = ssestream.Stream[sdk.MessageStreamEventUnion]

// anthropicStreamer adapts an Anthropic Messages streaming response to
// provider.Streamer, translating wire events into one message.Message per
// newly completed content block, followed by one aggregate.
type anthropicStreamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *sdkMessageStream

	id       string
	parentID string

	out chan message.Message

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	metaMu   sync.RWMutex
	metadata map[string]any

	toolNameMap map[string]string
}

func newAnthropicStreamer(ctx context.Context, stream *sdkMessageStream, provToCanon map[string]string, parentID string) *anthropicStreamer {
	cctx, cancel := context.WithCancel(ctx)
	as := &anthropicStreamer{
		ctx:         cctx,
		cancel:      cancel,
		stream:      stream,
		id:          uuid.NewString(),
		parentID:    parentID,
		out:         make(chan message.Message, 32),
		toolNameMap: provToCanon,
	}
	go as.run()
	return as
}

// Recv returns the next delta or aggregate message, or io.EOF once the
// aggregate has been delivered.
func (s *anthropicStreamer) Recv() (message.Message, error) {
	select {
	case m, ok := <-s.out:
		if ok {
			return m, nil
		}
		if err := s.err(); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return message.Message{}, err
			}
			return message.Message{}, err
		}
		return message.Message{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		if err == nil {
			err = context.Canceled
		}
		s.setErr(err)
		return message.Message{}, err
	}
}

// Close releases resources associated with the stream.
func (s *anthropicStreamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

// Metadata returns provider metadata collected during the call, currently
// the final token usage reported by MessageDeltaEvent.
func (s *anthropicStreamer) Metadata() map[string]any {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	if len(s.metadata) == 0 {
		return nil
	}
	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

func (s *anthropicStreamer) run() {
	defer close(s.out)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	proc := newBlockProcessor(s.toolNameMap)

	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.setErr(err)
			} else if err := s.ctx.Err(); err != nil {
				s.setErr(err)
			} else {
				// Stream ended cleanly without a MessageStopEvent reaching us
				// (should not happen against a conforming server); emit
				// whatever aggregate was accumulated so callers are not left
				// without a terminal message.
				s.emitAggregate(proc)
				s.setErr(nil)
			}
			return
		}
		event := s.stream.Current()
		done, err := proc.handle(event)
		if err != nil {
			s.setErr(err)
			return
		}
		for _, delta := range proc.drain() {
			if !s.send(delta) {
				return
			}
		}
		if done {
			s.recordUsage(proc.usage)
			s.emitAggregate(proc)
			s.setErr(nil)
			return
		}
	}
}

func (s *anthropicStreamer) emitAggregate(proc *blockProcessor) {
	agg := message.NewAssistant(s.id, s.parentID, proc.aggregate, true)
	s.send(agg)
}

func (s *anthropicStreamer) send(m message.Message) bool {
	m.ID = s.id
	m.ParentID = s.parentID
	select {
	case <-s.ctx.Done():
		return false
	case s.out <- m:
		return true
	}
}

func (s *anthropicStreamer) recordUsage(usage map[string]any) {
	if len(usage) == 0 {
		return
	}
	s.metaMu.Lock()
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata["usage"] = usage
	s.metaMu.Unlock()
}

func (s *anthropicStreamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *anthropicStreamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// blockProcessor converts Anthropic streaming events into completed
// message.Part values, buffering one toolBuffer (tool_use) or textBuffer
// (text, thinking) per content-block index until ContentBlockStopEvent
// finalizes it.
type blockProcessor struct {
	toolBlocks     map[int]*toolBuffer
	thinkingBlocks map[int]*textBuffer
	textBlocks     map[int]*textBuffer

	toolNameMap map[string]string

	aggregate []message.Part
	pending   []message.Message

	usage map[string]any
}

func newBlockProcessor(toolNameMap map[string]string) *blockProcessor {
	return &blockProcessor{
		toolBlocks:     make(map[int]*toolBuffer),
		thinkingBlocks: make(map[int]*textBuffer),
		textBlocks:     make(map[int]*textBuffer),
		toolNameMap:    toolNameMap,
	}
}

// handle processes one event, returning done=true once MessageStopEvent is
// observed (the caller then stops reading further events).
func (p *blockProcessor) handle(event sdk.MessageStreamEventUnion) (bool, error) {
	switch ev := event.AsAny().(type) {
	case sdk.ContentBlockStartEvent:
		idx := int(ev.Index)
		switch block := ev.ContentBlock.AsAny().(type) {
		case sdk.ToolUseBlock:
			if block.ID == "" {
				return false, errors.New("anthropic stream: tool use block missing id")
			}
			name := block.Name
			if canonical, ok := p.toolNameMap[name]; ok {
				name = canonical
			}
			p.toolBlocks[idx] = &toolBuffer{id: block.ID, name: name}
		case sdk.ThinkingBlock:
			p.thinkingBlocks[idx] = &textBuffer{}
		case sdk.RedactedThinkingBlock:
			p.thinkingBlocks[idx] = &textBuffer{}
		case sdk.TextBlock:
			p.textBlocks[idx] = &textBuffer{}
		}
		return false, nil

	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			tb, ok := p.textBlocks[idx]
			if !ok {
				tb = &textBuffer{}
				p.textBlocks[idx] = tb
			}
			tb.text.WriteString(delta.Text)
		case sdk.InputJSONDelta:
			if tb := p.toolBlocks[idx]; tb != nil {
				tb.fragments = append(tb.fragments, delta.PartialJSON)
			}
		case sdk.ThinkingDelta:
			tb, ok := p.thinkingBlocks[idx]
			if !ok {
				tb = &textBuffer{}
				p.thinkingBlocks[idx] = tb
			}
			tb.text.WriteString(delta.Thinking)
		case sdk.SignatureDelta:
			tb, ok := p.thinkingBlocks[idx]
			if !ok {
				tb = &textBuffer{}
				p.thinkingBlocks[idx] = tb
			}
			tb.signature = delta.Signature
		}
		return false, nil

	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		if tb, ok := p.textBlocks[idx]; ok {
			delete(p.textBlocks, idx)
			if s := tb.text.String(); s != "" {
				p.complete(message.Text{Text: s})
			}
			return false, nil
		}
		if tb, ok := p.thinkingBlocks[idx]; ok {
			delete(p.thinkingBlocks, idx)
			if s := tb.text.String(); s != "" {
				p.complete(message.Thinking{Thinking: s, Signature: tb.signature})
			}
			return false, nil
		}
		if tb, ok := p.toolBlocks[idx]; ok {
			delete(p.toolBlocks, idx)
			params, err := decodeToolParams(tb.finalInput())
			if err != nil {
				return false, err
			}
			p.complete(message.ToolUse{ID: tb.id, Name: tb.name, Params: params})
		}
		return false, nil

	case sdk.MessageDeltaEvent:
		p.usage = map[string]any{
			"input_tokens":       int(ev.Usage.InputTokens),
			"output_tokens":      int(ev.Usage.OutputTokens),
			"cache_read_tokens":  int(ev.Usage.CacheReadInputTokens),
			"cache_write_tokens": int(ev.Usage.CacheCreationInputTokens),
			"stop_reason":        string(ev.Delta.StopReason),
		}
		return false, nil

	case sdk.MessageStopEvent:
		return true, nil
	}
	return false, nil
}

func (p *blockProcessor) complete(part message.Part) {
	p.aggregate = append(p.aggregate, part)
	p.pending = append(p.pending, message.NewAssistant("", "", []message.Part{part}, false))
}

// drain returns and clears the delta messages completed since the last
// call.
func (p *blockProcessor) drain() []message.Message {
	if len(p.pending) == 0 {
		return nil
	}
	out := p.pending
	p.pending = nil
	return out
}

type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (tb *toolBuffer) finalInput() string {
	if len(tb.fragments) == 0 {
		return "{}"
	}
	joined := strings.Join(tb.fragments, "")
	if strings.TrimSpace(joined) == "" {
		return "{}"
	}
	return joined
}

type textBuffer struct {
	text      strings.Builder
	signature string
}

func decodeToolParams(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "{}" {
		return nil, nil
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(trimmed), &params); err != nil {
		return nil, err
	}
	return params, nil
}
