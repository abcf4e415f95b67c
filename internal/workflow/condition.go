package workflow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	xerrors "AgentFlow/internal/errors"
)

// Condition 既可以是单条比较，也可以是由 conditions 组成的条件组。
// 单条比较的 left 总是上下文路径；right 是字面量，写成 {{path}} 时按路径解析。
type Condition struct {
	Left     string `json:"left,omitempty"`
	Operator string `json:"operator,omitempty"`
	Right    any    `json:"right,omitempty"`

	Conditions []*Condition `json:"conditions,omitempty"`
	Logic      string       `json:"logic,omitempty"`
}

// 支持的比较运算符。
const (
	OpEqual        = "=="
	OpNotEqual     = "!="
	OpGreater      = ">"
	OpLess         = "<"
	OpGreaterEqual = ">="
	OpLessEqual    = "<="
	OpContains     = "contains"
	OpIsEmpty      = "is_empty"
)

// EvaluateCondition 在给定执行上下文中求值条件。nil 条件视为恒真。
// 条件组按 logic（AND/OR，默认 AND）短路求值；无法解析的路径按 null 处理。
func EvaluateCondition(cond *Condition, wctx *Context) (bool, error) {
	if cond == nil {
		return true, nil
	}
	if len(cond.Conditions) > 0 {
		return evaluateGroup(cond, wctx)
	}
	return evaluateLeaf(cond, wctx)
}

func evaluateGroup(cond *Condition, wctx *Context) (bool, error) {
	logic := strings.ToUpper(strings.TrimSpace(cond.Logic))
	if logic == "" {
		logic = "AND"
	}
	switch logic {
	case "AND":
		for _, child := range cond.Conditions {
			matched, err := EvaluateCondition(child, wctx)
			if err != nil {
				return false, err
			}
			if !matched {
				return false, nil
			}
		}
		return true, nil
	case "OR":
		for _, child := range cond.Conditions {
			matched, err := EvaluateCondition(child, wctx)
			if err != nil {
				return false, err
			}
			if matched {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, xerrors.New(CodeConditionInvalid, fmt.Sprintf("不支持的条件组逻辑 %q", cond.Logic))
	}
}

func evaluateLeaf(cond *Condition, wctx *Context) (bool, error) {
	left, _ := lookupPath(strings.TrimSpace(cond.Left), wctx)
	right := resolveOperand(cond.Right, wctx)

	switch cond.Operator {
	case OpEqual:
		return equalValues(left, right), nil
	case OpNotEqual:
		return !equalValues(left, right), nil
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual:
		return compareOrdered(cond.Operator, left, right), nil
	case OpContains:
		return containsValue(left, right), nil
	case OpIsEmpty:
		return isEmptyValue(left), nil
	default:
		return false, xerrors.New(CodeConditionInvalid, fmt.Sprintf("不支持的运算符 %q", cond.Operator))
	}
}

// resolveOperand 把 {{path}} 形式的右操作数解析为上下文取值，其余保持字面量。
func resolveOperand(operand any, wctx *Context) any {
	text, isString := operand.(string)
	if !isString {
		return operand
	}
	if match := soleTokenPattern.FindStringSubmatch(text); match != nil {
		value, _ := lookupPath(match[1], wctx)
		return value
	}
	return operand
}

func equalValues(left, right any) bool {
	if left == nil && right == nil {
		return true
	}
	if left == nil || right == nil {
		return false
	}
	leftNum, leftOK := toFloat(left)
	rightNum, rightOK := toFloat(right)
	if leftOK && rightOK {
		return leftNum == rightNum
	}
	return reflect.DeepEqual(left, right)
}

// compareOrdered 对数值优先比较；两侧都是字符串时按字典序，其余情况一律为假。
func compareOrdered(op string, left, right any) bool {
	leftNum, leftOK := toFloat(left)
	rightNum, rightOK := toFloat(right)
	if leftOK && rightOK {
		switch op {
		case OpGreater:
			return leftNum > rightNum
		case OpLess:
			return leftNum < rightNum
		case OpGreaterEqual:
			return leftNum >= rightNum
		case OpLessEqual:
			return leftNum <= rightNum
		}
		return false
	}
	leftText, leftIsString := left.(string)
	rightText, rightIsString := right.(string)
	if leftIsString && rightIsString {
		switch op {
		case OpGreater:
			return leftText > rightText
		case OpLess:
			return leftText < rightText
		case OpGreaterEqual:
			return leftText >= rightText
		case OpLessEqual:
			return leftText <= rightText
		}
	}
	return false
}

func containsValue(container, item any) bool {
	switch typed := container.(type) {
	case string:
		return strings.Contains(typed, stringifyValue(item))
	case []any:
		for _, element := range typed {
			if equalValues(element, item) {
				return true
			}
		}
		return false
	case map[string]any:
		_, ok := typed[stringifyValue(item)]
		return ok
	default:
		return false
	}
}

func isEmptyValue(value any) bool {
	switch typed := value.(type) {
	case nil:
		return true
	case string:
		return typed == ""
	case []any:
		return len(typed) == 0
	case map[string]any:
		return len(typed) == 0
	default:
		return false
	}
}

func toFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case json.Number:
		parsed, err := typed.Float64()
		return parsed, err == nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}
