package plan

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"taskpilot/internal/errs"
	"taskpilot/internal/tools"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var schemaCache sync.Map

func loadSchema(name string) (*gojsonschema.Schema, error) {
	if val, ok := schemaCache.Load(name); ok {
		return val.(*gojsonschema.Schema), nil
	}
	data, err := schemaFS.ReadFile("schemas/" + name + ".json")
	if err != nil {
		return nil, err
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, err
	}
	schemaCache.Store(name, schema)
	return schema, nil
}

func validateDocument(name string, raw []byte) error {
	schema, err := loadSchema(name)
	if err != nil {
		return errs.Infra("load "+name+" schema", err)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return errs.NewValidation(name, "malformed json: "+err.Error())
	}
	if result.Valid() {
		return nil
	}
	verr := &errs.ValidationError{}
	for _, re := range result.Errors() {
		verr.Add(re.Field(), re.Description())
	}
	return verr
}

// DecodeTrigger validates raw against the trigger schema, decodes it and
// applies defaults.
func DecodeTrigger(raw []byte) (TriggerPayload, error) {
	if err := validateDocument("trigger", raw); err != nil {
		return TriggerPayload{}, err
	}
	var t TriggerPayload
	if err := json.Unmarshal(raw, &t); err != nil {
		return TriggerPayload{}, errs.NewValidation("trigger", err.Error())
	}
	t.Normalize()
	return t, t.Validate()
}

// Normalize trims the goal and fills max_actions and urgency defaults.
func (t *TriggerPayload) Normalize() {
	t.Goal = strings.TrimSpace(t.Goal)
	if t.MaxActions == 0 {
		t.MaxActions = DefaultMaxActions
	}
	if t.Urgency == "" {
		t.Urgency = UrgencyNormal
	}
}

func (t TriggerPayload) Validate() error {
	verr := &errs.ValidationError{}
	if t.Goal == "" {
		verr.Add("goal", "required")
	} else if len([]rune(t.Goal)) > MaxGoalLength {
		verr.Add("goal", fmt.Sprintf("must be at most %d characters", MaxGoalLength))
	}
	if t.MaxActions < 1 || t.MaxActions > MaxMaxActions {
		verr.Add("max_actions", fmt.Sprintf("must be between 1 and %d", MaxMaxActions))
	}
	if _, err := ParseUrgency(string(t.Urgency)); err != nil {
		verr.Add("urgency", err.Error())
	}
	if verr.Empty() {
		return nil
	}
	return verr
}

// DecodePlan is the schema boundary for plans from an external reasoner.
// Unknown tool names fail to decode.
func DecodePlan(raw []byte) (ActionPlan, error) {
	if err := validateDocument("plan", raw); err != nil {
		return ActionPlan{}, err
	}
	var p ActionPlan
	if err := json.Unmarshal(raw, &p); err != nil {
		return ActionPlan{}, errs.NewValidation("actions", err.Error())
	}
	return p, p.Validate()
}

// Validate enforces the structural rules the schema cannot express.
func (p ActionPlan) Validate() error {
	verr := &errs.ValidationError{}
	if len(p.Actions) == 0 {
		verr.Add("actions", "at least one action required")
		return verr
	}
	for i, a := range p.Actions {
		field := fmt.Sprintf("actions[%d]", i)
		if a.Step != i+1 {
			verr.Add(field+".step", fmt.Sprintf("expected %d, got %d", i+1, a.Step))
		}
		if strings.TrimSpace(a.Description) == "" {
			verr.Add(field+".description", "required")
		}
		if !a.EstimatedRisk.Valid() {
			verr.Add(field+".estimated_risk", "invalid")
		}
		for _, dep := range a.DependsOn {
			if dep < 1 || dep >= a.Step {
				verr.Add(field+".depends_on", fmt.Sprintf("step %d is not an earlier step", dep))
			}
		}
		if len(a.ToolCalls) == 0 {
			verr.Add(field+".tool_calls", "at least one tool call required")
		}
		for j, c := range a.ToolCalls {
			cf := fmt.Sprintf("%s.tool_calls[%d]", field, j)
			if !c.Tool.Valid() {
				verr.Add(cf+".tool", tools.ErrNotAllowed.Error())
				continue
			}
			if strings.TrimSpace(c.Reason) == "" {
				verr.Add(cf+".reason", "required")
			}
			if err := tools.ValidateParams(c.Tool, c.Parameters); err != nil {
				verr.Add(cf+".parameters", err.Error())
			}
		}
	}
	if verr.Empty() {
		return nil
	}
	return verr
}
