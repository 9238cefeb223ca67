package segments

import (
	"encoding/json"
	"strings"
)

// RuleNode is one node of a segment's rule tree: either a leaf condition
// (field/operator/value) or a composite combining child nodes with and/or.
// The JSON form round-trips verbatim; Value stays raw until compilation.
type RuleNode struct {
	Field    string          `json:"field,omitempty"`
	Operator string          `json:"operator,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
	And      []RuleNode      `json:"and,omitempty"`
	Or       []RuleNode      `json:"or,omitempty"`
}

type nodeKind int

const (
	nodeLeaf nodeKind = iota
	nodeAnd
	nodeOr
)

func (n RuleNode) kind() nodeKind {
	switch {
	case n.And != nil:
		return nodeAnd
	case n.Or != nil:
		return nodeOr
	default:
		return nodeLeaf
	}
}

// ParseRuleTree decodes stored rule JSON into a RuleNode. It is total:
// unparsable input yields the empty node, which compiles to no constraint.
func ParseRuleTree(raw string) RuleNode {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return RuleNode{}
	}
	var node RuleNode
	if err := json.Unmarshal([]byte(trimmed), &node); err != nil {
		return RuleNode{}
	}
	return node
}

// Rule operators. Which operators a leaf accepts depends on its field's
// category; any pairing outside the matrix degrades to no constraint.
const (
	OpEquals             = "equals"
	OpNotEquals          = "notEquals"
	OpIn                 = "in"
	OpNotIn              = "notIn"
	OpGreaterThan        = "greaterThan"
	OpGreaterThanOrEqual = "greaterThanOrEqual"
	OpLessThan           = "lessThan"
	OpLessThanOrEqual    = "lessThanOrEqual"
	OpBefore             = "before"
	OpAfter              = "after"
	OpContains           = "contains"
	OpNotContains        = "notContains"
)
