package tools

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var schemaCache sync.Map

// ParamError lists every schema violation for one tool call.
type ParamError struct {
	Tool    ToolID
	Reasons []string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("invalid parameters for %s: %s", e.Tool, strings.Join(e.Reasons, "; "))
}

// ValidateParams checks params against the tool's embedded JSON schema.
func ValidateParams(id ToolID, params map[string]any) error {
	if !id.Valid() {
		return fmt.Errorf("%w: %d", ErrNotAllowed, int(id))
	}
	schema, err := loadSchema(id)
	if err != nil {
		return err
	}
	if params == nil {
		params = map[string]any{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(normalizeParams(params)))
	if err != nil {
		return err
	}
	if result.Valid() {
		return nil
	}
	perr := &ParamError{Tool: id}
	for _, re := range result.Errors() {
		perr.Reasons = append(perr.Reasons, re.String())
	}
	return perr
}

// normalizeParams round-trips through JSON so typed Go values (int, []string)
// validate the same way decoded request bodies do.
func normalizeParams(params map[string]any) any {
	data, err := json.Marshal(params)
	if err != nil {
		return params
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return params
	}
	return out
}

func loadSchema(id ToolID) (*gojsonschema.Schema, error) {
	if val, ok := schemaCache.Load(id); ok {
		return val.(*gojsonschema.Schema), nil
	}
	data, err := schemaFS.ReadFile("schemas/" + id.String() + ".json")
	if err != nil {
		return nil, fmt.Errorf("schema for %s: %w", id, err)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", id, err)
	}
	schemaCache.Store(id, schema)
	return schema, nil
}
