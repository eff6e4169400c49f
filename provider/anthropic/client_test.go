package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigtalk-run/bigtalk/message"
	"github.com/bigtalk-run/bigtalk/provider"
	"github.com/bigtalk-run/bigtalk/tool"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
	tokenCount *sdk.MessageTokensCount
	tokenErr   error
	stream     *sdkMessageStream
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func (s *stubMessagesClient) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *sdkMessageStream {
	s.lastParams = body
	return s.stream
}

func (s *stubMessagesClient) CountTokens(_ context.Context, _ sdk.MessageCountTokensParams, _ ...option.RequestOption) (*sdk.MessageTokensCount, error) {
	return s.tokenCount, s.tokenErr
}

func newClient(t *testing.T, stub *stubMessagesClient) *Client {
	t.Helper()
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5", MaxTokens: 128})
	require.NoError(t, err)
	return cl
}

func TestSend_TextOnly(t *testing.T) {
	stub := &stubMessagesClient{
		resp: &sdk.Message{
			ID: "msg_1",
			Content: []sdk.ContentBlockUnion{
				{Type: "text", Text: "world"},
			},
			StopReason: sdk.StopReasonEndTurn,
		},
	}
	cl := newClient(t, stub)

	msgs := []message.Message{message.NewUser("u1", "hello")}
	out, err := cl.Send(context.Background(), "", msgs, nil, provider.CallOptions{})
	require.NoError(t, err)

	require.Len(t, out.Content, 1)
	text, ok := out.Content[0].(message.Text)
	require.True(t, ok)
	assert.Equal(t, "world", text.Text)
	assert.True(t, out.IsAggregate)
	assert.Equal(t, "u1", out.ParentID)
}

func TestSend_ToolUse(t *testing.T) {
	def := &tool.Tool{Name: "test.tool", Description: "a test tool", Parameters: map[string]any{"type": "object"}}

	stub := &stubMessagesClient{}
	cl := newClient(t, stub)

	msgs := []message.Message{message.NewUser("u1", "call a tool")}

	// Capture the sanitized name the adapter assigns by encoding first.
	encoded, _, provToCanon, err := encodeTools([]*tool.Tool{def})
	require.NoError(t, err)
	require.Len(t, encoded, 1)
	var sanitized string
	for s := range provToCanon {
		sanitized = s
	}

	stub.resp = &sdk.Message{
		ID: "msg_2",
		Content: []sdk.ContentBlockUnion{
			{Type: "tool_use", Name: sanitized, ID: "call_1", Input: json.RawMessage(`{"x":1}`)},
		},
		StopReason: sdk.StopReasonToolUse,
	}

	out, err := cl.Send(context.Background(), "", msgs, []*tool.Tool{def}, provider.CallOptions{})
	require.NoError(t, err)
	require.Len(t, out.Content, 1)

	use, ok := out.Content[0].(message.ToolUse)
	require.True(t, ok)
	assert.Equal(t, "test.tool", use.Name)
	assert.Equal(t, "call_1", use.ID)
	assert.Equal(t, float64(1), use.Params["x"])
}

func TestSend_RateLimited(t *testing.T) {
	stub := &stubMessagesClient{err: provider.ErrRateLimited}
	cl := newClient(t, stub)

	_, err := cl.Send(context.Background(), "", []message.Message{message.NewUser("u1", "hi")}, nil, provider.CallOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrRateLimited)
}

func TestCountTokens(t *testing.T) {
	stub := &stubMessagesClient{tokenCount: &sdk.MessageTokensCount{InputTokens: 42}}
	cl := newClient(t, stub)

	n, err := cl.CountTokens(context.Background(), "", []message.Message{message.NewUser("u1", "hi")}, nil, provider.CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestSend_RequiresAtLeastOneMessage(t *testing.T) {
	stub := &stubMessagesClient{}
	cl := newClient(t, stub)

	_, err := cl.Send(context.Background(), "", nil, nil, provider.CallOptions{})
	require.Error(t, err)
}

// testDecoder feeds a fixed sequence of SSE events to ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }
func (d *testDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}
func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return nil }

func mustEvent(t *testing.T, typ string, body string) ssestream.Event {
	t.Helper()
	var ev sdk.MessageStreamEventUnion
	require.NoError(t, json.Unmarshal([]byte(body), &ev))
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return ssestream.Event{Type: typ, Data: data}
}

func TestStream_TextThenToolThenAggregate(t *testing.T) {
	events := []ssestream.Event{
		mustEvent(t, "content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		mustEvent(t, "content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hello"}}`),
		mustEvent(t, "content_block_stop", `{"type":"content_block_stop","index":0}`),
		mustEvent(t, "content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t1","name":"tool_a","input":{}}}`),
		mustEvent(t, "content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"x\":1}"}}`),
		mustEvent(t, "content_block_stop", `{"type":"content_block_stop","index":1}`),
		mustEvent(t, "message_stop", `{"type":"message_stop"}`),
	}

	dec := &testDecoder{events: events}
	stream := ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)

	s := newAnthropicStreamer(context.Background(), stream, map[string]string{"tool_a": "toolset.tool"}, "u1")
	defer func() { _ = s.Close() }()

	var received []message.Message
	for {
		m, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		received = append(received, m)
	}

	require.Len(t, received, 3)

	assert.Equal(t, message.Text{Text: "hello"}, received[0].Content[0])
	assert.False(t, received[0].IsAggregate)

	use, ok := received[1].Content[0].(message.ToolUse)
	require.True(t, ok)
	assert.Equal(t, "toolset.tool", use.Name)
	assert.Equal(t, "t1", use.ID)
	assert.Equal(t, float64(1), use.Params["x"])
	assert.False(t, received[1].IsAggregate)

	agg := received[2]
	assert.True(t, agg.IsAggregate)
	require.Len(t, agg.Content, 2)

	for _, m := range received {
		assert.Equal(t, "u1", m.ParentID)
		assert.Equal(t, received[0].ID, m.ID)
	}
}
