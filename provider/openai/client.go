// Package openai implements provider.Provider on top of the OpenAI Chat
// Completions API using github.com/openai/openai-go. It mirrors the
// shape of the anthropic adapter: translate engine messages/tools to
// wire types, then adapt the response (or streamed chunks) back into
// message.Message values.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/bigtalk-run/bigtalk/message"
	"github.com/bigtalk-run/bigtalk/provider"
	"github.com/bigtalk-run/bigtalk/tool"
)

// ChatClient captures the subset of the OpenAI SDK client used by this
// adapter. Satisfied by *sdk.ChatCompletionService, so callers can pass
// either a real client or a fake in tests.
type ChatClient interface {
	New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	NewStreaming(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
}

// Options configures an OpenAI-backed Client.
type Options struct {
	// DefaultModel is used when a call does not specify a model.
	DefaultModel string

	// MaxTokens sets the default completion cap when a call does not
	// specify MaxTokens.
	MaxTokens int

	// Temperature is used when a call does not specify Temperature.
	Temperature float64
}

// Client implements provider.Provider on top of OpenAI Chat Completions.
type Client struct {
	chat         ChatClient
	defaultModel string
	maxTok       int
	temp         float64
}

// New builds a Client from the provided Chat Completions client and
// configuration.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("openai: default model identifier is required")
	}
	return &Client{
		chat:         chat,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a Client using the default OpenAI HTTP client
// configured with apiKey.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Chat.Completions, Options{DefaultModel: defaultModel})
}

// CountTokens is not supported by the Chat Completions API: OpenAI does
// not expose a token-counting endpoint equivalent to Anthropic's.
func (c *Client) CountTokens(context.Context, string, []message.Message, []*tool.Tool, provider.CallOptions) (int, error) {
	return 0, errors.New("openai: count tokens is not supported by this provider")
}

// Send performs a non-streaming call and returns one aggregate assistant
// message.
func (c *Client) Send(ctx context.Context, model string, messages []message.Message, tools []*tool.Tool, opts provider.CallOptions) (message.Message, error) {
	params, provToCanon, err := c.encode(model, messages, tools, opts)
	if err != nil {
		return message.Message{}, err
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return message.Message{}, fmt.Errorf("%w: %w", provider.ErrRateLimited, err)
		}
		return message.Message{}, fmt.Errorf("openai: chat.completions.new: %w", err)
	}

	return translateAggregate(resp, provToCanon, lastUserID(messages))
}

// Stream performs a streaming call, relaying deltas then one aggregate.
func (c *Client) Stream(ctx context.Context, model string, messages []message.Message, tools []*tool.Tool, opts provider.CallOptions) (provider.Streamer, error) {
	params, provToCanon, err := c.encode(model, messages, tools, opts)
	if err != nil {
		return nil, err
	}

	stream := c.chat.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", provider.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai: chat.completions.new stream: %w", err)
	}

	return newOpenAIStreamer(ctx, stream, provToCanon, lastUserID(messages)), nil
}

// Close releases no owned resources: the underlying SDK client manages
// its own HTTP transport lifecycle outside this adapter's control.
func (c *Client) Close() error { return nil }

func (c *Client) encode(modelName string, messages []message.Message, tools []*tool.Tool, opts provider.CallOptions) (sdk.ChatCompletionNewParams, map[string]string, error) {
	if len(messages) == 0 {
		return sdk.ChatCompletionNewParams{}, nil, errors.New("openai: messages are required")
	}

	resolvedModel := modelName
	if resolvedModel == "" {
		resolvedModel = c.defaultModel
	}

	toolParams, canonToProv, provToCanon, err := encodeTools(tools)
	if err != nil {
		return sdk.ChatCompletionNewParams{}, nil, err
	}

	msgs, err := encodeMessages(messages, canonToProv)
	if err != nil {
		return sdk.ChatCompletionNewParams{}, nil, err
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens <= 0 {
		return sdk.ChatCompletionNewParams{}, nil, errors.New("openai: max_tokens must be positive")
	}

	temperature := float64(opts.Temperature)
	if temperature <= 0 {
		temperature = c.temp
	}

	params := sdk.ChatCompletionNewParams{
		Model:     shared.ChatModel(resolvedModel),
		Messages:  msgs,
		MaxTokens: param.NewOpt(int64(maxTokens)),
	}
	if temperature > 0 {
		params.Temperature = param.NewOpt(temperature)
	}
	if len(toolParams) > 0 {
		params.Tools = toolParams
	}

	if opts.ToolChoice != nil {
		tc, err := encodeToolChoice(opts.ToolChoice, canonToProv, tools)
		if err != nil {
			return sdk.ChatCompletionNewParams{}, nil, err
		}
		params.ToolChoice = tc
	}

	return params, provToCanon, nil
}

func lastUserID(messages []message.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == message.RoleUser {
			return messages[i].ID
		}
	}
	return ""
}

func encodeMessages(msgs []message.Message, canonToProv map[string]string) ([]sdk.ChatCompletionMessageParamUnion, error) {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))

	for _, m := range msgs {
		switch m.Role {
		case message.RoleSystem:
			if m.Text != "" {
				out = append(out, sdk.SystemMessage(m.Text))
			}
		case message.RoleUser:
			if m.Text == "" {
				continue
			}
			out = append(out, sdk.UserMessage(m.Text))
		case message.RoleTool:
			for _, r := range m.Results {
				out = append(out, sdk.ToolMessage(r.Result, r.ToolUseID))
			}
		case message.RoleAssistant:
			if !m.IsAggregate {
				continue
			}
			msg, ok, err := encodeAssistantMessage(m.Content, canonToProv)
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, msg)
			}
		case message.RoleApp:
			continue
		}
	}

	if len(out) == 0 {
		return nil, errors.New("openai: at least one user/assistant message is required")
	}
	return out, nil
}

func encodeAssistantMessage(parts []message.Part, canonToProv map[string]string) (sdk.ChatCompletionMessageParamUnion, bool, error) {
	var text string
	var calls []sdk.ChatCompletionMessageToolCallParam

	for _, part := range parts {
		switch v := part.(type) {
		case message.Text:
			text += v.Text
		case message.ToolUse:
			sanitized, ok := canonToProv[v.Name]
			if !ok {
				return sdk.ChatCompletionMessageParamUnion{}, false, fmt.Errorf("openai: tool_use references tool %q not present in the current tool set", v.Name)
			}
			args, err := json.Marshal(v.Params)
			if err != nil {
				return sdk.ChatCompletionMessageParamUnion{}, false, fmt.Errorf("openai: encoding tool_use params: %w", err)
			}
			calls = append(calls, sdk.ChatCompletionMessageToolCallParam{
				ID: v.ID,
				Function: sdk.ChatCompletionMessageToolCallFunctionParam{
					Name:      sanitized,
					Arguments: string(args),
				},
			})
		case message.Thinking:
			// Chat Completions has no reasoning content slot for
			// conversation replay; thinking blocks are provider-local.
		}
	}

	if text == "" && len(calls) == 0 {
		return sdk.ChatCompletionMessageParamUnion{}, false, nil
	}

	assistant := sdk.ChatCompletionAssistantMessageParam{}
	if text != "" {
		assistant.Content.OfString = param.NewOpt(text)
	}
	if len(calls) > 0 {
		assistant.ToolCalls = calls
	}
	return sdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant}, true, nil
}

func encodeTools(tools []*tool.Tool) ([]sdk.ChatCompletionToolParam, map[string]string, map[string]string, error) {
	if len(tools) == 0 {
		return nil, nil, nil, nil
	}

	list := make([]sdk.ChatCompletionToolParam, 0, len(tools))
	canonToSan := make(map[string]string, len(tools))
	sanToCanon := make(map[string]string, len(tools))

	for _, t := range tools {
		if t == nil || t.Name == "" {
			continue
		}
		sanitized := sanitizeToolName(t.Name)
		if prev, ok := sanToCanon[sanitized]; ok && prev != t.Name {
			return nil, nil, nil, fmt.Errorf("openai: tool name %q sanitizes to %q which collides with %q", t.Name, sanitized, prev)
		}
		sanToCanon[sanitized] = t.Name
		canonToSan[t.Name] = sanitized

		list = append(list, sdk.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        sanitized,
				Description: param.NewOpt(t.Description),
				Parameters:  shared.FunctionParameters(t.Parameters),
			},
		})
	}

	if len(list) == 0 {
		return nil, nil, nil, nil
	}
	return list, canonToSan, sanToCanon, nil
}

func encodeToolChoice(choice *provider.ToolChoice, canonToProv map[string]string, tools []*tool.Tool) (sdk.ChatCompletionToolChoiceOptionUnionParam, error) {
	switch choice.Mode {
	case "", provider.ToolChoiceModeAuto:
		return sdk.ChatCompletionToolChoiceOptionUnionParam{OfAuto: param.NewOpt("auto")}, nil
	case provider.ToolChoiceModeNone:
		return sdk.ChatCompletionToolChoiceOptionUnionParam{OfAuto: param.NewOpt("none")}, nil
	case provider.ToolChoiceModeAny:
		return sdk.ChatCompletionToolChoiceOptionUnionParam{OfAuto: param.NewOpt("required")}, nil
	case provider.ToolChoiceModeTool:
		if choice.Name == "" {
			return sdk.ChatCompletionToolChoiceOptionUnionParam{}, fmt.Errorf("openai: tool choice mode %q requires a tool name", choice.Mode)
		}
		if !hasTool(tools, choice.Name) {
			return sdk.ChatCompletionToolChoiceOptionUnionParam{}, fmt.Errorf("openai: tool choice name %q does not match any tool", choice.Name)
		}
		sanitized, ok := canonToProv[choice.Name]
		if !ok {
			return sdk.ChatCompletionToolChoiceOptionUnionParam{}, fmt.Errorf("openai: tool choice name %q does not match any tool", choice.Name)
		}
		return sdk.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &sdk.ChatCompletionNamedToolChoiceParam{
				Function: sdk.ChatCompletionNamedToolChoiceFunctionParam{Name: sanitized},
			},
		}, nil
	default:
		return sdk.ChatCompletionToolChoiceOptionUnionParam{}, fmt.Errorf("openai: unsupported tool choice mode %q", choice.Mode)
	}
}

func hasTool(tools []*tool.Tool, name string) bool {
	for _, t := range tools {
		if t != nil && t.Name == name {
			return true
		}
	}
	return false
}

// sanitizeToolName maps a canonical tool identifier to the characters
// OpenAI allows in function names ([a-zA-Z0-9_-]), replacing any
// disallowed rune with '_'. It does not shorten names longer than
// OpenAI's 64-character limit.
func sanitizeToolName(in string) string {
	if in == "" || isProviderSafeToolName(in) {
		return in
	}
	out := make([]rune, 0, len(in))
	for _, r := range in {
		if isSafeToolNameRune(r) {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}

func isProviderSafeToolName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for _, r := range name {
		if !isSafeToolNameRune(r) {
			return false
		}
	}
	return true
}

func isSafeToolNameRune(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') ||
		r == '_' || r == '-'
}

func isRateLimited(err error) bool {
	return err != nil && errors.Is(err, provider.ErrRateLimited)
}

func translateAggregate(resp *sdk.ChatCompletion, provToCanon map[string]string, parentID string) (message.Message, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return message.Message{}, errors.New("openai: response has no choices")
	}

	msg := resp.Choices[0].Message
	var parts []message.Part
	if msg.Content != "" {
		parts = append(parts, message.Text{Text: msg.Content})
	}
	for _, call := range msg.ToolCalls {
		name := call.Function.Name
		if canonical, ok := provToCanon[name]; ok {
			name = canonical
		}
		var params map[string]any
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &params); err != nil {
				return message.Message{}, fmt.Errorf("openai: decoding tool call arguments: %w", err)
			}
		}
		parts = append(parts, message.ToolUse{ID: call.ID, Name: name, Params: params})
	}

	return message.Message{
		ID:          resp.ID,
		ParentID:    parentID,
		Role:        message.RoleAssistant,
		Content:     parts,
		IsAggregate: true,
	}, nil
}
