package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// 占位符形如 {{variables_key}} 或 {{step_id.field.subfield}}。
// token 内部不允许出现花括号，因此嵌套占位符不会被解析，保持原样输出。
var (
	tokenPattern     = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)
	soleTokenPattern = regexp.MustCompile(`^\{\{\s*([^{}]+?)\s*\}\}$`)
)

// ResolveParams 将步骤参数中的占位符替换为执行上下文中的取值。
// 输入不会被修改；无法解析的占位符按原文保留，因此重复解析是幂等的。
func ResolveParams(params map[string]any, wctx *Context) map[string]any {
	if params == nil {
		return nil
	}
	resolved := make(map[string]any, len(params))
	for key, value := range params {
		resolved[key] = resolveValue(value, wctx)
	}
	return resolved
}

func resolveValue(value any, wctx *Context) any {
	switch typed := value.(type) {
	case string:
		return resolveString(typed, wctx)
	case map[string]any:
		return ResolveParams(typed, wctx)
	case []any:
		resolved := make([]any, len(typed))
		for i, item := range typed {
			resolved[i] = resolveValue(item, wctx)
		}
		return resolved
	default:
		return value
	}
}

// resolveString 处理单个字符串。整串恰好是一个占位符时返回原始类型的值，
// 否则把每个占位符替换为字符串形式。
func resolveString(s string, wctx *Context) any {
	if match := soleTokenPattern.FindStringSubmatch(s); match != nil {
		if value, ok := lookupPath(match[1], wctx); ok {
			return value
		}
		return s
	}
	return tokenPattern.ReplaceAllStringFunc(s, func(token string) string {
		path := tokenPattern.FindStringSubmatch(token)[1]
		value, ok := lookupPath(path, wctx)
		if !ok {
			return token
		}
		return stringifyValue(value)
	})
}

// lookupPath 解析引用路径：带点路径从步骤结果读取，裸名字从变量读取。
func lookupPath(path string, wctx *Context) (any, bool) {
	if wctx == nil || path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	if len(parts) == 1 {
		value, ok := wctx.Variables[path]
		return value, ok
	}
	result, ok := wctx.Results[parts[0]]
	if !ok {
		return nil, false
	}
	var current any = result
	for _, part := range parts[1:] {
		node, isMap := current.(map[string]any)
		if !isMap {
			return nil, false
		}
		current, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func stringifyValue(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(typed)
	case map[string]any, []any:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprint(typed)
		}
		return string(encoded)
	default:
		return fmt.Sprint(typed)
	}
}
