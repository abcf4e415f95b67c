package workflow

import (
	"errors"
	"testing"
)

func conditionContext() *Context {
	return &Context{
		ExecutionID: "exec-1",
		WorkflowID:  "wf",
		Variables: map[string]any{
			"amount":   1500.0,
			"region":   "eu",
			"tags":     []any{"finance", "urgent"},
			"approver": "",
		},
		Results: map[string]map[string]any{
			"validate": {
				"status":     "completed",
				"confidence": 0.9,
				"issues":     []any{},
			},
		},
	}
}

func TestEvaluateConditionLeaf(t *testing.T) {
	wctx := conditionContext()

	cases := []struct {
		name string
		cond *Condition
		want bool
	}{
		{"numeric greater", &Condition{Left: "amount", Operator: OpGreater, Right: 1000}, true},
		{"numeric less", &Condition{Left: "amount", Operator: OpLess, Right: 1000}, false},
		{"numeric equal across types", &Condition{Left: "amount", Operator: OpEqual, Right: 1500}, true},
		{"string equal", &Condition{Left: "region", Operator: OpEqual, Right: "eu"}, true},
		{"string not equal", &Condition{Left: "region", Operator: OpNotEqual, Right: "us"}, true},
		{"string ordering", &Condition{Left: "region", Operator: OpGreater, Right: "aa"}, true},
		{"contains slice", &Condition{Left: "tags", Operator: OpContains, Right: "urgent"}, true},
		{"contains slice miss", &Condition{Left: "tags", Operator: OpContains, Right: "minor"}, false},
		{"is_empty on empty string", &Condition{Left: "approver", Operator: OpIsEmpty}, true},
		{"is_empty on value", &Condition{Left: "region", Operator: OpIsEmpty}, false},
		{"is_empty on missing path", &Condition{Left: "missing", Operator: OpIsEmpty}, true},
		{"result path", &Condition{Left: "validate.status", Operator: OpEqual, Right: "completed"}, true},
		{"result numeric", &Condition{Left: "validate.confidence", Operator: OpGreaterEqual, Right: 0.9}, true},
		{"result empty slice", &Condition{Left: "validate.issues", Operator: OpIsEmpty}, true},
		{"missing path equal null", &Condition{Left: "ghost", Operator: OpEqual, Right: nil}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := EvaluateCondition(tc.cond, wctx)
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestEvaluateConditionRightOperandPath(t *testing.T) {
	wctx := conditionContext()
	cond := &Condition{Left: "validate.confidence", Operator: OpLess, Right: "{{amount}}"}
	got, err := EvaluateCondition(cond, wctx)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !got {
		t.Fatal("right operand should resolve against the context")
	}
}

func TestEvaluateConditionGroups(t *testing.T) {
	wctx := conditionContext()

	and := &Condition{
		Conditions: []*Condition{
			{Left: "amount", Operator: OpGreater, Right: 1000},
			{Left: "region", Operator: OpEqual, Right: "eu"},
		},
	}
	got, err := EvaluateCondition(and, wctx)
	if err != nil {
		t.Fatalf("evaluate and: %v", err)
	}
	if !got {
		t.Fatal("default AND group should match")
	}

	or := &Condition{
		Logic: "or",
		Conditions: []*Condition{
			{Left: "region", Operator: OpEqual, Right: "us"},
			{Left: "amount", Operator: OpGreaterEqual, Right: 1500},
		},
	}
	got, err = EvaluateCondition(or, wctx)
	if err != nil {
		t.Fatalf("evaluate or: %v", err)
	}
	if !got {
		t.Fatal("OR group should match on second branch")
	}

	nested := &Condition{
		Logic: "AND",
		Conditions: []*Condition{
			{Left: "validate.status", Operator: OpEqual, Right: "completed"},
			{
				Logic: "OR",
				Conditions: []*Condition{
					{Left: "region", Operator: OpEqual, Right: "us"},
					{Left: "tags", Operator: OpContains, Right: "finance"},
				},
			},
		},
	}
	got, err = EvaluateCondition(nested, wctx)
	if err != nil {
		t.Fatalf("evaluate nested: %v", err)
	}
	if !got {
		t.Fatal("nested group should match")
	}
}

func TestEvaluateConditionNilIsTrue(t *testing.T) {
	got, err := EvaluateCondition(nil, conditionContext())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !got {
		t.Fatal("nil condition must evaluate to true")
	}
}

func TestEvaluateConditionInvalid(t *testing.T) {
	wctx := conditionContext()

	if _, err := EvaluateCondition(&Condition{Left: "amount", Operator: "~="}, wctx); !errors.Is(err, ErrConditionInvalid) {
		t.Fatalf("expected condition invalid, got %v", err)
	}

	bad := &Condition{
		Logic:      "XOR",
		Conditions: []*Condition{{Left: "amount", Operator: OpGreater, Right: 1}},
	}
	if _, err := EvaluateCondition(bad, wctx); !errors.Is(err, ErrConditionInvalid) {
		t.Fatalf("expected condition invalid for unknown logic, got %v", err)
	}
}
