// Package message defines the tagged-variant chat messages and content
// blocks exchanged between callers, the conversation loop, and providers.
//
// A Message is produced by one of the role constructors (NewUser,
// NewSystem, NewTool, NewAssistant, NewApp) rather than built directly;
// each constructor only populates the fields meaningful for its role,
// mirroring the role-keyed variant described by the engine's data model.
package message

// Role is the discriminator for a Message.
type Role string

const (
	// RoleUser identifies a message supplied by the caller.
	RoleUser Role = "user"

	// RoleSystem identifies a system prompt fragment. Multiple system
	// messages are concatenated by provider adapters into one prompt.
	RoleSystem Role = "system"

	// RoleTool identifies a message carrying one or more ToolResults
	// produced by the tool-execution pipeline.
	RoleTool Role = "tool"

	// RoleAssistant identifies a message produced by a provider.
	RoleAssistant Role = "assistant"

	// RoleApp identifies a free-form event injected by middleware. App
	// messages are yielded to the caller and appended to history but are
	// never sent to a provider.
	RoleApp Role = "app"
)

// Message is a single chat message.
//
// Not every field applies to every Role: Text is meaningful for
// RoleUser/RoleSystem, Content and IsAggregate for RoleAssistant, Results
// for RoleTool, and Type/AppContent for RoleApp. ID is empty for
// RoleSystem (system messages are never referenced by ParentID); ParentID
// is empty for RoleUser and RoleSystem.
type Message struct {
	// ID opaquely identifies this message within a call. Assigned by the
	// caller for user messages, by the provider for assistant messages, by
	// the loop for tool messages (a fresh uuid), and by middleware for app
	// messages.
	ID string

	// ParentID references the ID of the message this one answers or
	// follows: for an AssistantMessage, the most recent UserMessage (or
	// tool/app message) preceding it; for a ToolMessage, the AssistantMessage
	// whose ToolUse blocks it answers.
	ParentID string

	// Role discriminates the message variant.
	Role Role

	// Text is the flattened text content for RoleUser and RoleSystem
	// messages.
	Text string

	// Content is the ordered content blocks for a RoleAssistant message.
	Content []Part

	// IsAggregate reports whether a RoleAssistant message is the final,
	// complete message for its stream (true) or an intermediate delta
	// carrying exactly one newly completed block (false). Only aggregate
	// assistant messages are ever appended to history.
	IsAggregate bool

	// Results is the ordered sequence of tool results for a RoleTool
	// message, grouped by the assistant message that requested them.
	Results []ToolResult

	// Type discriminates a RoleApp message's payload shape. Middleware may
	// use any string it chooses; the core does not interpret it.
	Type string

	// AppContent carries a RoleApp message's free-form payload.
	AppContent any

	// Meta carries optional provider- or application-specific metadata
	// attached to the message.
	Meta map[string]any
}

// NewUser constructs a RoleUser message with the given id and text.
func NewUser(id, text string) Message {
	return Message{ID: id, Role: RoleUser, Text: text}
}

// NewSystem constructs a RoleSystem message. System messages carry no id;
// several may be concatenated by a provider adapter into one system prompt.
func NewSystem(text string) Message {
	return Message{Role: RoleSystem, Text: text}
}

// NewTool constructs a RoleTool message grouping results produced in
// answer to the assistant message identified by parentID.
func NewTool(id, parentID string, results []ToolResult) Message {
	return Message{ID: id, ParentID: parentID, Role: RoleTool, Results: results}
}

// NewAssistant constructs a RoleAssistant message. Callers append only
// aggregate (isAggregate=true) instances to working history; delta
// instances are yielded to the caller but otherwise discarded.
func NewAssistant(id, parentID string, content []Part, isAggregate bool) Message {
	return Message{ID: id, ParentID: parentID, Role: RoleAssistant, Content: content, IsAggregate: isAggregate}
}

// NewApp constructs a RoleApp message carrying a middleware-defined
// typ/content pair. parentID may be empty.
func NewApp(id, parentID, typ string, content any) Message {
	return Message{ID: id, ParentID: parentID, Role: RoleApp, Type: typ, AppContent: content}
}

// ToolResult is the engine's string-serialized response to a single
// ToolUse.
type ToolResult struct {
	// ToolUseID correlates this result to the ToolUse it answers.
	ToolUseID string

	// Result is the string-serialized tool output, or the error message
	// when IsError is true.
	Result string

	// IsError reports whether Result describes a tool failure rather than
	// a successful return value.
	IsError bool
}
