package condition

// Trace records the outcome of one condition inside a group so the campaign
// audit sink can report exactly which predicates held and which did not.
type Trace struct {
	Type     Kind   `json:"type"`
	Operator string `json:"operator,omitempty"`
	Value    string `json:"value"`
	Passed   bool   `json:"passed"`
}

type GroupResult struct {
	Passed  bool    `json:"passed"`
	Matched []Trace `json:"matched,omitempty"`
	Failed  []Trace `json:"failed,omitempty"`
}

// EvaluateGroup evaluates every condition in the list. An empty group passes
// vacuously; a non-empty group passes only when all of its conditions pass.
// A failing condition never stops evaluation of its siblings: the full trace
// set is always produced.
func EvaluateGroup(conds []Condition, c *Context, policy Policy) GroupResult {
	result := GroupResult{Passed: true}

	for _, cond := range conds {
		trace := Trace{
			Type:     cond.Type,
			Operator: cond.Operator,
			Value:    cond.Value,
		}

		if Evaluate(cond, c, policy) {
			trace.Passed = true
			result.Matched = append(result.Matched, trace)
			continue
		}

		result.Passed = false
		result.Failed = append(result.Failed, trace)
	}

	return result
}
