// Package anthropic implements provider.Provider on top of the Anthropic
// Claude Messages API (github.com/anthropics/anthropic-sdk-go). It
// translates engine messages/tools to wire types and adapts streamed
// events back into message.Message deltas and one aggregate.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/bigtalk-run/bigtalk/message"
	"github.com/bigtalk-run/bigtalk/provider"
	"github.com/bigtalk-run/bigtalk/tool"
)

// MessagesClient captures the subset of the Anthropic SDK client used by
// this adapter. Satisfied by *sdk.MessageService, so callers can pass
// either a real client or a fake in tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *sdkMessageStream
	CountTokens(ctx context.Context, body sdk.MessageCountTokensParams, opts ...option.RequestOption) (*sdk.MessageTokensCount, error)
}

// Options configures an Anthropic-backed Client.
type Options struct {
	// DefaultModel is used when a call does not specify a model.
	DefaultModel string

	// MaxTokens sets the default completion cap when a call does not
	// specify MaxTokens.
	MaxTokens int

	// Temperature is used when a call does not specify Temperature.
	Temperature float64
}

// Client implements provider.Provider on top of Anthropic Claude
// Messages.
type Client struct {
	msg          MessagesClient
	defaultModel string
	maxTok       int
	temp         float64
}

// New builds a Client from the provided Anthropic Messages client and
// configuration.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropic: default model identifier is required")
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a Client using the default Anthropic HTTP
// client configured with apiKey.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// CountTokens estimates the token cost of messages and tools for model
// without performing a completion call.
func (c *Client) CountTokens(ctx context.Context, model string, messages []message.Message, tools []*tool.Tool, opts provider.CallOptions) (int, error) {
	msgs, system, toolParams, _, _, err := c.encode(model, messages, tools, opts)
	if err != nil {
		return 0, err
	}
	params := sdk.MessageCountTokensParams{
		Model:    sdk.Model(msgs.model),
		Messages: msgs.messages,
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(toolParams) > 0 {
		params.Tools = toolParams
	}
	count, err := c.msg.CountTokens(ctx, params)
	if err != nil {
		return 0, fmt.Errorf("anthropic: count tokens: %w", err)
	}
	return int(count.InputTokens), nil
}

// Send performs a non-streaming call and returns one aggregate assistant
// message.
func (c *Client) Send(ctx context.Context, model string, messages []message.Message, tools []*tool.Tool, opts provider.CallOptions) (message.Message, error) {
	prepared, system, toolParams, toolChoice, provToCanon, err := c.encode(model, messages, tools, opts)
	if err != nil {
		return message.Message{}, err
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(prepared.maxTokens),
		Messages:  prepared.messages,
		Model:     sdk.Model(prepared.model),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(toolParams) > 0 {
		params.Tools = toolParams
	}
	if prepared.temperature > 0 {
		params.Temperature = sdk.Float(prepared.temperature)
	}
	if toolChoice != nil {
		params.ToolChoice = *toolChoice
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return message.Message{}, fmt.Errorf("%w: %w", provider.ErrRateLimited, err)
		}
		return message.Message{}, fmt.Errorf("anthropic: messages.new: %w", err)
	}

	return translateAggregate(msg, provToCanon, lastUserID(messages))
}

// Stream performs a streaming call, relaying deltas then one aggregate.
func (c *Client) Stream(ctx context.Context, model string, messages []message.Message, tools []*tool.Tool, opts provider.CallOptions) (provider.Streamer, error) {
	prepared, system, toolParams, toolChoice, provToCanon, err := c.encode(model, messages, tools, opts)
	if err != nil {
		return nil, err
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(prepared.maxTokens),
		Messages:  prepared.messages,
		Model:     sdk.Model(prepared.model),
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(toolParams) > 0 {
		params.Tools = toolParams
	}
	if prepared.temperature > 0 {
		params.Temperature = sdk.Float(prepared.temperature)
	}
	if toolChoice != nil {
		params.ToolChoice = *toolChoice
	}

	stream := c.msg.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		if isRateLimited(err) {
			return nil, fmt.Errorf("%w: %w", provider.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("anthropic: messages.new stream: %w", err)
	}

	return newAnthropicStreamer(ctx, stream, provToCanon, lastUserID(messages)), nil
}

// Close releases no owned resources: the underlying SDK client manages
// its own HTTP transport lifecycle outside this adapter's control.
func (c *Client) Close() error { return nil }

type preparedRequest struct {
	model       string
	maxTokens   int
	temperature float64
	messages    []sdk.MessageParam
}

func (c *Client) encode(modelName string, messages []message.Message, tools []*tool.Tool, opts provider.CallOptions) (preparedRequest, []sdk.TextBlockParam, []sdk.ToolUnionParam, *sdk.ToolChoiceUnionParam, map[string]string, error) {
	if len(messages) == 0 {
		return preparedRequest{}, nil, nil, nil, nil, errors.New("anthropic: messages are required")
	}

	resolvedModel := modelName
	if resolvedModel == "" {
		resolvedModel = c.defaultModel
	}

	toolParams, canonToProv, provToCanon, err := encodeTools(tools)
	if err != nil {
		return preparedRequest{}, nil, nil, nil, nil, err
	}

	msgs, system, err := encodeMessages(messages, canonToProv)
	if err != nil {
		return preparedRequest{}, nil, nil, nil, nil, err
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	if maxTokens <= 0 {
		return preparedRequest{}, nil, nil, nil, nil, errors.New("anthropic: max_tokens must be positive")
	}

	temperature := float64(opts.Temperature)
	if temperature <= 0 {
		temperature = c.temp
	}

	var toolChoice *sdk.ToolChoiceUnionParam
	if opts.ToolChoice != nil {
		tc, err := encodeToolChoice(opts.ToolChoice, canonToProv, tools)
		if err != nil {
			return preparedRequest{}, nil, nil, nil, nil, err
		}
		toolChoice = &tc
	}

	return preparedRequest{
		model:       resolvedModel,
		maxTokens:   maxTokens,
		temperature: temperature,
		messages:    msgs,
	}, system, toolParams, toolChoice, provToCanon, nil
}

func lastUserID(messages []message.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == message.RoleUser {
			return messages[i].ID
		}
	}
	return ""
}

func encodeMessages(msgs []message.Message, canonToProv map[string]string) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system []sdk.TextBlockParam

	for _, m := range msgs {
		switch m.Role {
		case message.RoleSystem:
			if m.Text != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Text})
			}
		case message.RoleUser:
			if m.Text == "" {
				continue
			}
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Text)))
		case message.RoleTool:
			blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Results))
			for _, r := range m.Results {
				blocks = append(blocks, sdk.NewToolResultBlock(r.ToolUseID, r.Result, r.IsError))
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case message.RoleAssistant:
			if !m.IsAggregate {
				continue
			}
			blocks, err := encodeAssistantBlocks(m.Content, canonToProv)
			if err != nil {
				return nil, nil, err
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		case message.RoleApp:
			// App messages are never sent to a provider.
			continue
		}
	}

	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeAssistantBlocks(parts []message.Part, canonToProv map[string]string) ([]sdk.ContentBlockParamUnion, error) {
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(parts))
	for _, part := range parts {
		switch v := part.(type) {
		case message.Text:
			if v.Text != "" {
				blocks = append(blocks, sdk.NewTextBlock(v.Text))
			}
		case message.Thinking:
			if v.Thinking != "" {
				blocks = append(blocks, sdk.NewThinkingBlock(v.Signature, v.Thinking))
			}
		case message.ToolUse:
			sanitized, ok := canonToProv[v.Name]
			if !ok {
				return nil, fmt.Errorf("anthropic: tool_use references tool %q not present in the current tool set", v.Name)
			}
			blocks = append(blocks, sdk.NewToolUseBlock(v.ID, v.Params, sanitized))
		}
	}
	return blocks, nil
}

func encodeTools(tools []*tool.Tool) ([]sdk.ToolUnionParam, map[string]string, map[string]string, error) {
	if len(tools) == 0 {
		return nil, nil, nil, nil
	}

	list := make([]sdk.ToolUnionParam, 0, len(tools))
	canonToSan := make(map[string]string, len(tools))
	sanToCanon := make(map[string]string, len(tools))

	for _, t := range tools {
		if t == nil || t.Name == "" {
			continue
		}
		sanitized := sanitizeToolName(t.Name)
		if prev, ok := sanToCanon[sanitized]; ok && prev != t.Name {
			return nil, nil, nil, fmt.Errorf("anthropic: tool name %q sanitizes to %q which collides with %q", t.Name, sanitized, prev)
		}
		sanToCanon[sanitized] = t.Name
		canonToSan[t.Name] = sanitized

		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: t.Parameters}, sanitized)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(t.Description)
		}
		list = append(list, u)
	}

	if len(list) == 0 {
		return nil, nil, nil, nil
	}
	return list, canonToSan, sanToCanon, nil
}

func encodeToolChoice(choice *provider.ToolChoice, canonToProv map[string]string, tools []*tool.Tool) (sdk.ToolChoiceUnionParam, error) {
	switch choice.Mode {
	case "", provider.ToolChoiceModeAuto:
		return sdk.ToolChoiceUnionParam{}, nil
	case provider.ToolChoiceModeNone:
		none := sdk.NewToolChoiceNoneParam()
		return sdk.ToolChoiceUnionParam{OfNone: &none}, nil
	case provider.ToolChoiceModeAny:
		return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}, nil
	case provider.ToolChoiceModeTool:
		if choice.Name == "" {
			return sdk.ToolChoiceUnionParam{}, fmt.Errorf("anthropic: tool choice mode %q requires a tool name", choice.Mode)
		}
		if !hasTool(tools, choice.Name) {
			return sdk.ToolChoiceUnionParam{}, fmt.Errorf("anthropic: tool choice name %q does not match any tool", choice.Name)
		}
		sanitized, ok := canonToProv[choice.Name]
		if !ok {
			return sdk.ToolChoiceUnionParam{}, fmt.Errorf("anthropic: tool choice name %q does not match any tool", choice.Name)
		}
		return sdk.ToolChoiceParamOfTool(sanitized), nil
	default:
		return sdk.ToolChoiceUnionParam{}, fmt.Errorf("anthropic: unsupported tool choice mode %q", choice.Mode)
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

// sanitizeToolName maps a canonical tool identifier to characters allowed
// by Anthropic's tool naming constraints, replacing any disallowed rune
// with '_'.
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

func translateAggregate(msg *sdk.Message, provToCanon map[string]string, parentID string) (message.Message, error) {
	if msg == nil {
		return message.Message{}, errors.New("anthropic: response message is nil")
	}

	var parts []message.Part
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, message.Text{Text: block.Text})
			}
		case "tool_use":
			name := block.Name
			if canonical, ok := provToCanon[name]; ok {
				name = canonical
			}
			var params map[string]any
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &params); err != nil {
					return message.Message{}, fmt.Errorf("anthropic: decoding tool_use input: %w", err)
				}
			}
			parts = append(parts, message.ToolUse{ID: block.ID, Name: name, Params: params})
		}
	}

	return message.Message{
		ID:          msg.ID,
		ParentID:    parentID,
		Role:        message.RoleAssistant,
		Content:     parts,
		IsAggregate: true,
	}, nil
}
