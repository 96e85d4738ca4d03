package sanitize

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"google.golang.org/protobuf/types/known/structpb"
)

// validateSchema checks the tree against a JSON Schema and returns a
// human-readable issue, or "" when the tree conforms.
func validateSchema(p *structpb.Struct, schema map[string]any) string {
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return fmt.Sprintf("invalid argument schema: %v", err)
	}

	var schemaObj any
	if err := json.Unmarshal(schemaBytes, &schemaObj); err != nil {
		return fmt.Sprintf("schema unmarshal error: %v", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("arguments.json", schemaObj); err != nil {
		return fmt.Sprintf("schema compile error: %v", err)
	}
	sch, err := c.Compile("arguments.json")
	if err != nil {
		return fmt.Sprintf("schema compile error: %v", err)
	}

	var args any = map[string]any{}
	if p != nil {
		args = p.AsMap()
	}
	if err := sch.Validate(args); err != nil {
		return fmt.Sprintf("schema validation failed: %v", err)
	}
	return ""
}
