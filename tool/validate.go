package tool

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validate checks params against the tool's derived Parameters schema.
// Called by the tool-execution terminal handler before every invocation;
// the compiled schema is cached on first use, so a tool validated or
// invoked repeatedly pays the compilation cost once.
func (t *Tool) Validate(params json.RawMessage) error {
	sch, err := t.compiledSchema()
	if err != nil {
		return fmt.Errorf("tool %q: compiling parameter schema: %w", t.Name, err)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(params))
	if err != nil {
		return fmt.Errorf("tool %q: decoding params for validation: %w", t.Name, err)
	}

	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("tool %q: invalid params: %w", t.Name, err)
	}

	return nil
}

func (t *Tool) compiledSchema() (*jsonschema.Schema, error) {
	t.schemaOnce.Do(func() {
		data, err := json.Marshal(t.Parameters)
		if err != nil {
			t.schemaErr = fmt.Errorf("marshaling parameters: %w", err)
			return
		}

		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			t.schemaErr = fmt.Errorf("decoding parameters: %w", err)
			return
		}

		url := "mem://tool/" + t.Name
		c := jsonschema.NewCompiler()
		if err := c.AddResource(url, doc); err != nil {
			t.schemaErr = fmt.Errorf("registering parameter schema: %w", err)
			return
		}

		sch, err := c.Compile(url)
		if err != nil {
			t.schemaErr = fmt.Errorf("compiling parameter schema: %w", err)
			return
		}

		t.schema = sch
	})

	return t.schema, t.schemaErr
}
