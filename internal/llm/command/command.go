package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"AgentFlow/internal/llm"
)

// Client 通过调用外部命令实现大模型推理，命令从标准输入读取 JSON 请求，
// 并向标准输出写回 {"thought": string, "reply": string}。
type Client struct {
	executable string
	args       []string
	workingDir string
	timeout    time.Duration
}

// NewClient 创建命令桥接客户端。
func NewClient(executable string, args []string, workingDir string, timeout time.Duration) (*Client, error) {
	if strings.TrimSpace(executable) == "" {
		return nil, fmt.Errorf("未指定推理命令")
	}
	return &Client{
		executable: executable,
		args:       append([]string(nil), args...),
		workingDir: workingDir,
		timeout:    timeout,
	}, nil
}

// Generate 调用外部命令，并解析输出。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload := map[string]any{
		"goal":          req.Goal,
		"system_prompt": req.SystemPrompt,
		"tools":         toolPayload(req.Tools),
		"trace":         tracePayload(req.Trace),
		"knowledge":     knowledgePayload(req.Knowledge),
		"timestamp":     time.Now().Unix(),
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.executable, c.args...)
	if c.workingDir != "" {
		cmd.Dir = c.workingDir
	}
	cmd.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("执行推理命令失败: %v, stderr=%s", err, strings.TrimSpace(stderr.String()))
	}

	var resp struct {
		Thought string `json:"thought"`
		Reply   string `json:"reply"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("解析命令输出失败: %w", err)
	}

	return &llm.Response{
		Thought: resp.Thought,
		Reply:   resp.Reply,
	}, nil
}

func toolPayload(tools []llm.ToolCard) []map[string]string {
	out := make([]map[string]string, 0, len(tools))
	for _, tool := range tools {
		out = append(out, map[string]string{
			"name":        tool.Name,
			"description": tool.Description,
		})
	}
	return out
}

func tracePayload(trace []llm.TraceEntry) []map[string]string {
	out := make([]map[string]string, 0, len(trace))
	for _, entry := range trace {
		out = append(out, map[string]string{
			"thought":     entry.Thought,
			"action":      entry.Action,
			"observation": entry.Observation,
		})
	}
	return out
}

func knowledgePayload(cards []llm.KnowledgeCard) []map[string]string {
	out := make([]map[string]string, 0, len(cards))
	for _, card := range cards {
		out = append(out, map[string]string{
			"title":   card.Title,
			"content": card.Content,
		})
	}
	return out
}

// ResolveExecutablePath 根据工作目录推导命令绝对路径。
func ResolveExecutablePath(baseDir, executable string) string {
	if executable == "" {
		return ""
	}
	if filepath.IsAbs(executable) || !strings.ContainsRune(executable, filepath.Separator) {
		return executable
	}
	if baseDir == "" {
		return executable
	}
	return filepath.Join(baseDir, executable)
}
