package workflow

import (
	"reflect"
	"testing"
)

func resolverContext() *Context {
	return &Context{
		Variables: map[string]any{
			"invoice_id": "INV-7",
			"amount":     1200.5,
			"approved":   true,
		},
		Results: map[string]map[string]any{
			"validate": {
				"status": "completed",
				"report": map[string]any{
					"score": 0.92,
					"tags":  []any{"a", "b"},
				},
			},
		},
	}
}

func TestResolveParamsSoleTokenKeepsType(t *testing.T) {
	wctx := resolverContext()
	params := map[string]any{
		"amount":   "{{amount}}",
		"approved": "{{ approved }}",
		"score":    "{{validate.report.score}}",
		"tags":     "{{validate.report.tags}}",
	}
	resolved := ResolveParams(params, wctx)

	if resolved["amount"] != 1200.5 {
		t.Fatalf("amount should keep float type, got %T %v", resolved["amount"], resolved["amount"])
	}
	if resolved["approved"] != true {
		t.Fatalf("approved should keep bool type, got %v", resolved["approved"])
	}
	if resolved["score"] != 0.92 {
		t.Fatalf("nested result lookup failed: %v", resolved["score"])
	}
	if !reflect.DeepEqual(resolved["tags"], []any{"a", "b"}) {
		t.Fatalf("slice value should pass through, got %v", resolved["tags"])
	}
}

func TestResolveParamsEmbeddedTokens(t *testing.T) {
	wctx := resolverContext()
	params := map[string]any{
		"subject": "invoice {{invoice_id}} for {{amount}}",
	}
	resolved := ResolveParams(params, wctx)
	if resolved["subject"] != "invoice INV-7 for 1200.5" {
		t.Fatalf("unexpected interpolation: %q", resolved["subject"])
	}
}

func TestResolveParamsUnknownPathKeptVerbatim(t *testing.T) {
	wctx := resolverContext()
	params := map[string]any{
		"sole":     "{{missing}}",
		"embedded": "value: {{missing.path}}",
	}
	resolved := ResolveParams(params, wctx)
	if resolved["sole"] != "{{missing}}" {
		t.Fatalf("unresolvable sole token must stay verbatim: %v", resolved["sole"])
	}
	if resolved["embedded"] != "value: {{missing.path}}" {
		t.Fatalf("unresolvable embedded token must stay verbatim: %v", resolved["embedded"])
	}

	// 保留原文意味着重复解析是幂等的。
	again := ResolveParams(resolved, wctx)
	if !reflect.DeepEqual(again, resolved) {
		t.Fatalf("resolution should be idempotent: %v vs %v", again, resolved)
	}
}

func TestResolveParamsNestedStructures(t *testing.T) {
	wctx := resolverContext()
	params := map[string]any{
		"payload": map[string]any{
			"id":    "{{invoice_id}}",
			"items": []any{"{{amount}}", "fixed"},
		},
	}
	resolved := ResolveParams(params, wctx)

	payload, ok := resolved["payload"].(map[string]any)
	if !ok {
		t.Fatalf("nested map lost: %v", resolved["payload"])
	}
	if payload["id"] != "INV-7" {
		t.Fatalf("nested map token unresolved: %v", payload["id"])
	}
	items, ok := payload["items"].([]any)
	if !ok || items[0] != 1200.5 || items[1] != "fixed" {
		t.Fatalf("nested slice resolution failed: %v", payload["items"])
	}

	// 原始参数不能被修改。
	if params["payload"].(map[string]any)["id"] != "{{invoice_id}}" {
		t.Fatal("input params must not be mutated")
	}
}

func TestResolveParamsNil(t *testing.T) {
	if got := ResolveParams(nil, resolverContext()); got != nil {
		t.Fatalf("nil params should resolve to nil, got %v", got)
	}
}
