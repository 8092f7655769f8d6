package executor

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/Knetic/govaluate"

	"github.com/queryhive/queryhive"
)

// Stage conditions reference prior agent results as $agent.field, e.g.
// "$intent_validation.valid == true". References resolve against the
// result's own fields (success, confidence, fallback_reason) first, then
// against the payload's JSON fields.

var resultRef = regexp.MustCompile(`\$([a-z_]+)\.([a-z_]+)`)

// evalCondition evaluates a stage condition against the accumulated results.
func evalCondition(condition string, results map[queryhive.AgentKind]queryhive.AgentResult) (bool, error) {
	params := make(map[string]any)
	rewritten := resultRef.ReplaceAllStringFunc(condition, func(ref string) string {
		groups := resultRef.FindStringSubmatch(ref)
		agent, field := queryhive.AgentKind(groups[1]), groups[2]
		name := groups[1] + "_" + field
		params[name] = resolveField(results, agent, field)
		return name
	})

	expr, err := govaluate.NewEvaluableExpression(rewritten)
	if err != nil {
		return false, queryhive.NewValidationError("executor", fmt.Sprintf("invalid stage condition %q", condition), err)
	}
	value, err := expr.Evaluate(params)
	if err != nil {
		return false, queryhive.NewValidationError("executor", fmt.Sprintf("failed to evaluate stage condition %q", condition), err)
	}
	truth, ok := value.(bool)
	if !ok {
		return false, queryhive.NewValidationError("executor", fmt.Sprintf("stage condition %q is not boolean", condition), nil)
	}
	return truth, nil
}

func resolveField(results map[queryhive.AgentKind]queryhive.AgentResult, agent queryhive.AgentKind, field string) any {
	res, ok := results[agent]
	if !ok {
		return nil
	}
	switch field {
	case "success":
		return res.Success
	case "confidence":
		return res.Confidence
	case "fallback_reason":
		return res.FallbackReason
	}
	return payloadField(res.Payload, field)
}

// payloadField reads one field from a payload by its JSON name. Payloads are
// small flat structs, so a marshal round-trip is cheap and avoids reflection
// on each concrete type.
func payloadField(payload queryhive.AgentPayload, field string) any {
	if payload == nil {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil
	}
	value, ok := fields[field]
	if !ok {
		return nil
	}
	if s, isString := value.(string); isString {
		return strings.TrimSpace(s)
	}
	return value
}
