package openai

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/google/uuid"

	"github.com/bigtalk-run/bigtalk/message"
)

// openAIStreamer adapts an OpenAI Chat Completions streaming response to
// provider.Streamer.
//
// Unlike Anthropic, Chat Completions chunks carry no block-start/stop
// markers: one choice's delta interleaves a single running text field
// with indexed tool-call fragments, and the only boundary signaled on
// the wire is FinishReason arriving on the final chunk. This adapter
// therefore treats the whole assistant text as one block and each
// distinct tool-call index as one block, all finalized together when
// FinishReason is observed, rather than block-by-block as Anthropic
// allows.
type openAIStreamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.ChatCompletionChunk]

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

func newOpenAIStreamer(ctx context.Context, stream *ssestream.Stream[sdk.ChatCompletionChunk], provToCanon map[string]string, parentID string) *openAIStreamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &openAIStreamer{
		ctx:         cctx,
		cancel:      cancel,
		stream:      stream,
		id:          uuid.NewString(),
		parentID:    parentID,
		out:         make(chan message.Message, 32),
		toolNameMap: provToCanon,
	}
	go s.run()
	return s
}

// Recv returns the next delta or aggregate message, or io.EOF once the
// aggregate has been delivered.
func (s *openAIStreamer) Recv() (message.Message, error) {
	select {
	case m, ok := <-s.out:
		if ok {
			return m, nil
		}
		if err := s.err(); err != nil {
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
func (s *openAIStreamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

// Metadata returns provider metadata collected during the call, such as
// reported usage on the final chunk.
func (s *openAIStreamer) Metadata() map[string]any {
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

func (s *openAIStreamer) run() {
	defer close(s.out)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	acc := newChunkAccumulator(s.toolNameMap)

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
				s.finish(acc)
				s.setErr(nil)
			}
			return
		}

		chunk := s.stream.Current()
		finished := acc.handle(chunk)
		if chunk.Usage.TotalTokens != 0 {
			s.recordUsage(chunk.Usage)
		}
		if finished {
			s.finish(acc)
			s.setErr(nil)
			return
		}
	}
}

func (s *openAIStreamer) finish(acc *chunkAccumulator) {
	for _, delta := range acc.finalize() {
		if !s.send(delta) {
			return
		}
	}
	agg := message.NewAssistant(s.id, s.parentID, acc.aggregate, true)
	s.send(agg)
}

func (s *openAIStreamer) send(m message.Message) bool {
	m.ID = s.id
	m.ParentID = s.parentID
	select {
	case <-s.ctx.Done():
		return false
	case s.out <- m:
		return true
	}
}

func (s *openAIStreamer) recordUsage(usage sdk.CompletionUsage) {
	s.metaMu.Lock()
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata["usage"] = map[string]any{
		"prompt_tokens":     int(usage.PromptTokens),
		"completion_tokens": int(usage.CompletionTokens),
		"total_tokens":      int(usage.TotalTokens),
	}
	s.metaMu.Unlock()
}

func (s *openAIStreamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *openAIStreamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// chunkAccumulator buffers the running text and per-index tool-call
// fragments of one Chat Completions stream.
type chunkAccumulator struct {
	text      strings.Builder
	toolOrder []int
	tools     map[int]*openAIToolBuffer

	toolNameMap map[string]string

	aggregate []message.Part
}

func newChunkAccumulator(toolNameMap map[string]string) *chunkAccumulator {
	return &chunkAccumulator{
		tools:       make(map[int]*openAIToolBuffer),
		toolNameMap: toolNameMap,
	}
}

// handle folds one chunk's delta into the accumulator and reports
// whether the stream has signaled completion via a non-empty
// FinishReason.
func (a *chunkAccumulator) handle(chunk sdk.ChatCompletionChunk) bool {
	if len(chunk.Choices) == 0 {
		return false
	}
	choice := chunk.Choices[0]

	if choice.Delta.Content != "" {
		a.text.WriteString(choice.Delta.Content)
	}
	for _, tc := range choice.Delta.ToolCalls {
		idx := int(tc.Index)
		buf, ok := a.tools[idx]
		if !ok {
			buf = &openAIToolBuffer{}
			a.tools[idx] = buf
			a.toolOrder = append(a.toolOrder, idx)
		}
		if tc.ID != "" {
			buf.id = tc.ID
		}
		if tc.Function.Name != "" {
			name := tc.Function.Name
			if canonical, ok := a.toolNameMap[name]; ok {
				name = canonical
			}
			buf.name = name
		}
		if tc.Function.Arguments != "" {
			buf.args.WriteString(tc.Function.Arguments)
		}
	}

	return choice.FinishReason != ""
}

// finalize produces one delta message.Message for the accumulated text
// block (if any) followed by one per tool-call index, in first-seen
// order, and records every completed part into the aggregate.
func (a *chunkAccumulator) finalize() []message.Message {
	var deltas []message.Message

	if s := a.text.String(); s != "" {
		part := message.Text{Text: s}
		a.aggregate = append(a.aggregate, part)
		deltas = append(deltas, message.NewAssistant("", "", []message.Part{part}, false))
	}

	for _, idx := range a.toolOrder {
		buf := a.tools[idx]
		params, err := decodeToolArguments(buf.args.String())
		if err != nil {
			continue
		}
		part := message.ToolUse{ID: buf.id, Name: buf.name, Params: params}
		a.aggregate = append(a.aggregate, part)
		deltas = append(deltas, message.NewAssistant("", "", []message.Part{part}, false))
	}

	return deltas
}

type openAIToolBuffer struct {
	id   string
	name string
	args strings.Builder
}

func decodeToolArguments(raw string) (map[string]any, error) {
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
