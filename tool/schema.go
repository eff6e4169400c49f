package tool

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"
)

// JSONSchemaDefiner is implemented by parameter field types that ship
// their own JSON Schema generator (for example, a wrapper around a
// structural-validation library). reflectSchema embeds the returned
// schema for the field in place of its own reflection and hoists defs
// into the root schema's "$defs", exactly as it does for nested structs
// discovered by reflection.
type JSONSchemaDefiner interface {
	// JSONSchema returns the schema for this type (name is used only for
	// error messages) plus any named sub-schemas ("$defs") it references.
	JSONSchema() (name string, schema map[string]any, defs map[string]any)
}

var definerType = reflect.TypeOf((*JSONSchemaDefiner)(nil)).Elem()

// reflector is shared across calls; invopop/jsonschema's Reflector holds
// no per-call state.
var reflector = &jsonschema.Reflector{
	RequiredFromJSONSchemaTags: true,
	ExpandedStruct:             true,
	DoNotReference:             false,
}

// reflectSchema derives a JSON-Schema-shaped map[string]any for struct
// type t, honoring the hidden-default exclusions in cfg.
func reflectSchema(t reflect.Type, cfg *config) (map[string]any, error) {
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("parameter type %s is not a struct", t)
	}

	raw := reflector.Reflect(reflect.New(t).Interface())

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshaling reflected schema: %w", err)
	}

	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("decoding reflected schema: %w", err)
	}

	delete(schema, "$schema")
	delete(schema, "$id")

	if err := applyDefiners(t, schema); err != nil {
		return nil, err
	}

	if err := applyHiddenDefaults(t, schema, cfg); err != nil {
		return nil, err
	}

	if defs := hoistDefs(schema); len(defs) > 0 {
		existing, _ := schema["$defs"].(map[string]any)
		if existing == nil {
			existing = map[string]any{}
		}
		for k, v := range defs {
			existing[k] = v
		}
		schema["$defs"] = existing
	}

	return schema, nil
}

// applyDefiners overwrites the property entry for any top-level field of
// t whose type (or pointer-to-type) implements JSONSchemaDefiner with
// that type's own generated schema, hoisting its defs into the root.
func applyDefiners(t reflect.Type, schema map[string]any) error {
	properties, _ := schema["properties"].(map[string]any)
	if properties == nil {
		return nil
	}

	defs, _ := schema["$defs"].(map[string]any)
	if defs == nil {
		defs = map[string]any{}
	}

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue
		}

		definer, ok := definerFor(f.Type)
		if !ok {
			continue
		}

		jsonName, _, skip := jsonFieldName(f)
		if skip {
			continue
		}

		name, fieldSchema, fieldDefs := definer.JSONSchema()
		if fieldSchema == nil {
			return fmt.Errorf("field %s: JSONSchemaDefiner %s returned a nil schema", f.Name, name)
		}

		properties[jsonName] = fieldSchema
		for k, v := range fieldDefs {
			defs[k] = v
		}
	}

	if len(defs) > 0 {
		schema["$defs"] = defs
	}

	return nil
}

func definerFor(t reflect.Type) (JSONSchemaDefiner, bool) {
	if t.Implements(definerType) {
		if d, ok := reflect.New(t).Elem().Interface().(JSONSchemaDefiner); ok {
			return d, true
		}
	}
	if reflect.PointerTo(t).Implements(definerType) {
		if d, ok := reflect.New(t).Interface().(JSONSchemaDefiner); ok {
			return d, true
		}
	}
	return nil, false
}

// applyHiddenDefaults removes fields whose zero value is configured as
// hidden from both "properties" and "required".
func applyHiddenDefaults(t reflect.Type, schema map[string]any, cfg *config) error {
	if len(cfg.hiddenDefaultValues) == 0 && len(cfg.hiddenDefaultTypes) == 0 {
		return nil
	}

	properties, _ := schema["properties"].(map[string]any)
	required, _ := schema["required"].([]any)

	hidden := map[string]bool{}

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue
		}

		jsonName, _, skip := jsonFieldName(f)
		if skip {
			continue
		}

		if fieldIsHidden(f.Type, cfg) {
			hidden[jsonName] = true
		}
	}

	if len(hidden) == 0 {
		return nil
	}

	for name := range hidden {
		delete(properties, name)
	}

	if required != nil {
		kept := required[:0]
		for _, r := range required {
			if name, ok := r.(string); ok && hidden[name] {
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			delete(schema, "required")
		} else {
			schema["required"] = kept
		}
	}

	return nil
}

func fieldIsHidden(t reflect.Type, cfg *config) bool {
	for _, ht := range cfg.hiddenDefaultTypes {
		if t == ht {
			return true
		}
	}

	if len(cfg.hiddenDefaultValues) == 0 {
		return false
	}

	zero := reflect.Zero(t).Interface()
	for _, hv := range cfg.hiddenDefaultValues {
		if reflect.DeepEqual(zero, hv) {
			return true
		}
	}

	return false
}

// jsonFieldName mirrors encoding/json's field-name resolution closely
// enough for schema purposes: it honors an explicit name and "-".
func jsonFieldName(f reflect.StructField) (name string, omitempty, skip bool) {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", false, true
	}

	parts := strings.Split(tag, ",")
	name = f.Name
	if parts[0] != "" {
		name = parts[0]
	}

	for _, p := range parts[1:] {
		if p == "omitempty" {
			omitempty = true
		}
	}

	return name, omitempty, false
}

// hoistDefs recursively collects every nested "$defs" map found within
// schema (at any depth, under any key) and returns their merged contents,
// removing them from their original location. This ports the original
// implementation's _hoist_definitions tree-walk so that schema generators
// embedded via JSONSchemaDefiner, which may nest their own "$defs" under
// a property, still end up with a single flat root-level "$defs" map.
func hoistDefs(node any) map[string]any {
	collected := map[string]any{}
	hoistInto(node, collected)
	return collected
}

func hoistInto(node any, collected map[string]any) {
	switch v := node.(type) {
	case map[string]any:
		if defs, ok := v["$defs"].(map[string]any); ok {
			for k, d := range defs {
				collected[k] = d
			}
			delete(v, "$defs")
		}
		for _, val := range v {
			hoistInto(val, collected)
		}
	case []any:
		for _, item := range v {
			hoistInto(item, collected)
		}
	}
}
