package workflow

import (
	"errors"
	"testing"
)

func validDefinitionJSON() []byte {
	return []byte(`{
		"id": "invoice_approval",
		"name": "发票审批",
		"entry_step": "validate",
		"steps": [
			{
				"id": "validate",
				"type": "script",
				"confidence_threshold": 0.7,
				"next_steps": [
					{"step": "approve", "condition": {"left": "amount", "operator": "<", "right": 1000}},
					{"step": "review"}
				]
			},
			{"id": "approve", "type": "script"},
			{"id": "review", "type": "script"}
		]
	}`)
}

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition(validDefinitionJSON())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if def.ID != "invoice_approval" || def.EntryStep != "validate" {
		t.Fatalf("unexpected definition: %+v", def)
	}

	step, ok := def.Step("validate")
	if !ok {
		t.Fatal("step index missing after validate")
	}
	if step.Threshold() != 0.7 {
		t.Fatalf("unexpected threshold: %v", step.Threshold())
	}
	if len(step.NextSteps) != 2 || step.NextSteps[1].Condition != nil {
		t.Fatalf("unexpected transitions: %+v", step.NextSteps)
	}

	// 未声明阈值时默认 1.0。
	approve, _ := def.Step("approve")
	if approve.Threshold() != 1.0 {
		t.Fatalf("default threshold should be 1.0, got %v", approve.Threshold())
	}
}

func TestParseDefinitionInvalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"not json", `{{`},
		{"missing id", `{"entry_step":"a","steps":[{"id":"a","type":"t"}]}`},
		{"no steps", `{"id":"wf","entry_step":"a","steps":[]}`},
		{"step without type", `{"id":"wf","entry_step":"a","steps":[{"id":"a"}]}`},
		{"duplicate step", `{"id":"wf","entry_step":"a","steps":[{"id":"a","type":"t"},{"id":"a","type":"t"}]}`},
		{"missing entry", `{"id":"wf","steps":[{"id":"a","type":"t"}]}`},
		{"entry not defined", `{"id":"wf","entry_step":"b","steps":[{"id":"a","type":"t"}]}`},
		{"dangling transition", `{"id":"wf","entry_step":"a","steps":[{"id":"a","type":"t","next_steps":[{"step":"ghost"}]}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(tc.content))
			if !errors.Is(err, ErrDefinitionInvalid) {
				t.Fatalf("expected definition invalid, got %v", err)
			}
		})
	}
}
