// Package tool derives callable tools and their wire-visible JSON Schema
// from a Go function signature, and invokes them with JSON-encoded
// arguments decoded into the function's declared parameter type.
//
// Go has no portable way to recover a function's parameter names at
// runtime, so tools are declared against a parameter struct type instead
// of reflecting an arbitrary func value: FromFunc[P, R] reflects the
// fields of P to build the schema, and decodes a tool call's raw JSON
// params directly into a P before invoking the function.
package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Tool is a named, callable capability exposed to a model.
//
// Tools are value objects once constructed: Parameters is the JSON-Schema
// object sent on the wire, and Metadata is static data merged into every
// ToolUse that targets this tool by the tool-execution terminal handler.
type Tool struct {
	// Name is the tool identifier as seen by the model. Must be unique
	// within one call's tool set; the engine does not validate this.
	Name string

	// Description is presented to the model to decide when to call the
	// tool.
	Description string

	// Parameters is the JSON-Schema-shaped object describing the tool's
	// input payload.
	Parameters map[string]any

	// Metadata is static, tool-level metadata merged into each outgoing
	// ToolUse. Runtime (per-call) metadata wins on key conflict.
	Metadata map[string]any

	invoke func(ctx context.Context, params json.RawMessage) (string, error)

	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
}

// Invoke decodes params into the tool's declared parameter type and calls
// the underlying function, returning the serialized result exactly as
// the tool-execution terminal handler expects: on success, the function's
// return value serialized per the rules in serializeResult; the error is
// non-nil only when decoding fails or the function itself fails.
func (t *Tool) Invoke(ctx context.Context, params json.RawMessage) (string, error) {
	return t.invoke(ctx, params)
}

// Option configures FromFunc.
type Option func(*config)

type config struct {
	metadata            map[string]any
	hiddenDefaultValues []any
	hiddenDefaultTypes  []reflect.Type
}

// WithMetadata attaches static metadata to the constructed Tool.
func WithMetadata(md map[string]any) Option {
	return func(c *config) { c.metadata = md }
}

// WithHiddenDefaultValues excludes any parameter field whose Go zero/default
// value equals one of vals from the derived schema's properties and
// required list. The field is still populated (at its zero value, absent
// further injection) when the function is invoked.
func WithHiddenDefaultValues(vals ...any) Option {
	return func(c *config) { c.hiddenDefaultValues = append(c.hiddenDefaultValues, vals...) }
}

// WithHiddenDefaultTypes excludes any parameter field whose type is one of
// types from the derived schema, the same way WithHiddenDefaultValues does
// for specific values.
func WithHiddenDefaultTypes(types ...reflect.Type) Option {
	return func(c *config) { c.hiddenDefaultTypes = append(c.hiddenDefaultTypes, types...) }
}

// FromFunc derives a Tool from a function of shape func(context.Context, P)
// (R, error). P's exported fields are reflected into a JSON Schema object
// per the rules documented in package schema.go; R's return value is
// serialized to a string on success using the same convention the
// tool-execution terminal handler documents: a string is returned as-is,
// a nil result becomes "null", anything else is JSON-encoded (falling
// back to its textual form if encoding fails).
//
// Unsupported field types in P cause FromFunc to fail immediately, never
// at invocation time.
func FromFunc[P, R any](name, description string, fn func(context.Context, P) (R, error), opts ...Option) (*Tool, error) {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}

	schema, err := reflectSchema(reflect.TypeOf((*P)(nil)).Elem(), &cfg)
	if err != nil {
		return nil, fmt.Errorf("tool %q: deriving parameter schema: %w", name, err)
	}

	t := &Tool{
		Name:        name,
		Description: description,
		Parameters:  schema,
		Metadata:    cfg.metadata,
	}

	t.invoke = func(ctx context.Context, params json.RawMessage) (string, error) {
		var p P
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return "", fmt.Errorf("tool %q: decoding params: %w", name, err)
			}
		}

		result, err := fn(ctx, p)
		if err != nil {
			return "", err
		}

		return serializeResult(result), nil
	}

	return t, nil
}

// serializeResult implements spec.md §4.5's tool-result serialization
// convention.
func serializeResult[R any](v R) string {
	if s, ok := any(v).(string); ok {
		return s
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Invalid:
		return "null"
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Chan, reflect.Func:
		if rv.IsNil() {
			return "null"
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprintf("%v", v)
	}

	// Encode appends a trailing newline; the textual fallback does not.
	out := buf.Bytes()
	if n := len(out); n > 0 && out[n-1] == '\n' {
		out = out[:n-1]
	}
	return string(out)
}
