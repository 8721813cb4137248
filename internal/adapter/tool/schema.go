package tool

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"estate-ai/internal/domain"
)

// reflector generates inline parameter schemas from argument structs.
// Fields without omitempty are required; unknown properties are rejected.
var reflector = &jsonschema.Reflector{
	Anonymous:                 true,
	DoNotReference:            true,
	AllowAdditionalProperties: false,
}

// paramsSchema reflects the JSON Schema of an argument struct. It panics on
// failure since argument types are fixed at compile time.
func paramsSchema(v any) json.RawMessage {
	s := reflector.Reflect(v)
	s.Version = ""
	data, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("tool: reflect schema for %T: %v", v, err))
	}
	return data
}

// newSchema assembles a ToolSchema for an argument struct.
func newSchema(name, description string, args any) domain.ToolSchema {
	return domain.ToolSchema{
		Name:        name,
		Description: description,
		Parameters:  paramsSchema(args),
	}
}
