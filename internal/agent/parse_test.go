package agent

import "testing"

func TestParseReplyFinalAnswer(t *testing.T) {
	parsed := ParseReply("想清楚了", `{"final_answer":"巴黎"}`)
	if !parsed.HasFinal || parsed.FinalAnswer != "巴黎" {
		t.Fatalf("unexpected parse: %+v", parsed)
	}
	if parsed.Thought != "想清楚了" {
		t.Fatalf("unexpected thought: %q", parsed.Thought)
	}
}

func TestParseReplyToolAction(t *testing.T) {
	parsed := ParseReply("", `{"thought":"先查一下","tool":"search","params":{"q":"paris"}}`)
	if !parsed.HasAction || parsed.Tool != "search" {
		t.Fatalf("unexpected parse: %+v", parsed)
	}
	if parsed.Params["q"] != "paris" {
		t.Fatalf("unexpected params: %v", parsed.Params)
	}
	if parsed.Thought != "先查一下" {
		t.Fatalf("thought should come from the reply body, got %q", parsed.Thought)
	}
}

func TestParseReplyNestedAction(t *testing.T) {
	parsed := ParseReply("", `{"action":{"tool":"search","params":{"q":"x"}}}`)
	if !parsed.HasAction || parsed.Tool != "search" {
		t.Fatalf("unexpected parse: %+v", parsed)
	}
}

func TestParseReplyCodeFence(t *testing.T) {
	reply := "```json\n{\"final_answer\":\"done\"}\n```"
	parsed := ParseReply("", reply)
	if !parsed.HasFinal || parsed.FinalAnswer != "done" {
		t.Fatalf("unexpected parse: %+v", parsed)
	}
}

func TestParseReplyFinalAnswerPrefix(t *testing.T) {
	parsed := ParseReply("", "Final Answer: 42")
	if !parsed.HasFinal || parsed.FinalAnswer != "42" {
		t.Fatalf("unexpected parse: %+v", parsed)
	}
}

func TestParseReplyPlainTextBecomesThought(t *testing.T) {
	parsed := ParseReply("", "需要更多信息")
	if parsed.HasFinal || parsed.HasAction {
		t.Fatalf("plain text must not carry an action: %+v", parsed)
	}
	if parsed.Thought != "需要更多信息" {
		t.Fatalf("unexpected thought: %q", parsed.Thought)
	}
}

func TestParseReplyStructuredFinalAnswer(t *testing.T) {
	parsed := ParseReply("", `{"final_answer":{"city":"Paris"}}`)
	if !parsed.HasFinal {
		t.Fatalf("unexpected parse: %+v", parsed)
	}
	if parsed.FinalAnswer != `{"city":"Paris"}` {
		t.Fatalf("unexpected answer: %q", parsed.FinalAnswer)
	}
}

func TestParseReplyEmpty(t *testing.T) {
	parsed := ParseReply("只有思考", "")
	if parsed.HasFinal || parsed.HasAction {
		t.Fatalf("empty reply must parse to a thought: %+v", parsed)
	}
	if parsed.Thought != "只有思考" {
		t.Fatalf("unexpected thought: %q", parsed.Thought)
	}
}
