package message

// Part is a marker interface implemented by every assistant content
// block. Concrete implementations capture generated text, provider
// reasoning, and tool-use requests in a strongly typed form, using the
// tagged-union-via-marker-method idiom. Whole messages do not use this
// idiom: they share one Message struct discriminated by its Role field.
type Part interface {
	isPart()
}

// Text is a plain generated content block.
type Text struct {
	// Text is the generated content for this block.
	Text string
}

// Thinking is a provider-issued reasoning block.
type Thinking struct {
	// Thinking is the provider-visible reasoning text.
	Thinking string

	// Signature is a provider-issued signature authenticating Thinking,
	// when the provider supplies one.
	Signature string
}

// ToolUse declares a tool invocation requested by the assistant.
type ToolUse struct {
	// ID uniquely identifies this tool call within the run.
	ID string

	// Name is the tool identifier requested by the model.
	Name string

	// Params is the JSON-compatible arguments object provided by the
	// model, keyed by parameter name.
	Params map[string]any

	// Metadata carries tool-level metadata merged in from the matching
	// Tool.Metadata by the tool-execution terminal handler. Runtime
	// metadata set here before that merge wins on key conflict.
	Metadata map[string]any
}

func (Text) isPart()     {}
func (Thinking) isPart() {}
func (ToolUse) isPart()  {}
