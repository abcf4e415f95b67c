package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Parsed 是对大模型回复的结构化解析结果。一次回复要么携带工具动作，
// 要么携带最终答案，两者都没有时按纯思考轮处理。
type Parsed struct {
	Thought     string
	Tool        string
	Params      map[string]any
	FinalAnswer string
	HasAction   bool
	HasFinal    bool
}

// ParseReply 解析大模型单轮回复。解析失败不报错，回复原文会作为
// 思考内容保留，调用方消耗一轮后继续推理。
func ParseReply(thought, reply string) Parsed {
	parsed := Parsed{Thought: strings.TrimSpace(thought)}
	reply = stripCodeFence(strings.TrimSpace(reply))
	if reply == "" {
		return parsed
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(reply), &decoded); err == nil {
		fillFromObject(&parsed, decoded)
		if parsed.HasFinal || parsed.HasAction {
			return parsed
		}
		if parsed.Thought == "" {
			parsed.Thought = reply
		}
		return parsed
	}

	// 纯文本回复：兼容 "Final Answer:" 前缀，其余按思考处理。
	if answer, ok := cutPrefixFold(reply, "final answer:"); ok {
		parsed.FinalAnswer = strings.TrimSpace(answer)
		parsed.HasFinal = true
		return parsed
	}
	if parsed.Thought == "" {
		parsed.Thought = reply
	}
	return parsed
}

func fillFromObject(parsed *Parsed, decoded map[string]any) {
	if parsed.Thought == "" {
		if thought, ok := decoded["thought"].(string); ok {
			parsed.Thought = strings.TrimSpace(thought)
		}
	}
	if answer, ok := decoded["final_answer"]; ok {
		parsed.FinalAnswer = stringify(answer)
		parsed.HasFinal = true
		return
	}
	if tool, ok := decoded["tool"].(string); ok && strings.TrimSpace(tool) != "" {
		parsed.Tool = strings.TrimSpace(tool)
		parsed.Params, _ = decoded["params"].(map[string]any)
		parsed.HasAction = true
		return
	}
	// 兼容 {"action": {"tool": ..., "params": ...}} 的嵌套形式。
	if action, ok := decoded["action"].(map[string]any); ok {
		if tool, ok := action["tool"].(string); ok && strings.TrimSpace(tool) != "" {
			parsed.Tool = strings.TrimSpace(tool)
			parsed.Params, _ = action["params"].(map[string]any)
			parsed.HasAction = true
		}
	}
}

// stripCodeFence 去掉包裹回复的 Markdown 代码块标记。
func stripCodeFence(reply string) string {
	if !strings.HasPrefix(reply, "```") {
		return reply
	}
	trimmed := strings.TrimPrefix(reply, "```")
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

func cutPrefixFold(text, prefix string) (string, bool) {
	if len(text) < len(prefix) {
		return "", false
	}
	if !strings.EqualFold(text[:len(prefix)], prefix) {
		return "", false
	}
	return text[len(prefix):], true
}

func stringify(value any) string {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case nil:
		return ""
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprint(typed)
		}
		return string(encoded)
	}
}
