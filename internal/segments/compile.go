package segments

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/donorconnect/backend/internal/donors"
)

type fieldCategory int

const (
	categoryNumeric fieldCategory = iota
	categoryEnum
	categoryDate
	categoryString
	categoryComputed
)

type fieldSpec struct {
	column    string
	category  fieldCategory
	parseEnum func(string) (string, bool)
}

var ruleFields = map[string]fieldSpec{
	"totalGifts":  {column: "total_gifts", category: categoryNumeric},
	"totalAmount": {column: "total_amount", category: categoryNumeric},
	"status": {column: "status", category: categoryEnum, parseEnum: func(raw string) (string, bool) {
		status, ok := donors.ParseDonorStatus(raw)
		return string(status), ok
	}},
	"retentionRisk": {column: "retention_risk", category: categoryEnum, parseEnum: func(raw string) (string, bool) {
		risk, ok := donors.ParseRetentionRisk(raw)
		return string(risk), ok
	}},
	"firstGiftDate": {column: "first_gift_date", category: categoryDate},
	"lastGiftDate":  {column: "last_gift_date", category: categoryDate},
	"email":         {column: "email", category: categoryString},
	"firstName":     {column: "first_name", category: categoryString},
	"lastName":      {column: "last_name", category: categoryString},
	"hasRecurring":  {category: categoryComputed},
}

type predicateKind int

const (
	predicateAll predicateKind = iota
	predicateAnd
	predicateOr
	predicateLeaf
)

// Predicate is the compiled, evaluable form of a rule tree. The zero value
// matches everything. One operator matrix backs both evaluation paths:
// Matches tests a loaded donor in memory and SQL renders the equivalent
// fragment for the donor store.
type Predicate struct {
	kind     predicateKind
	children []Predicate
	leaf     *leafPredicate
}

type leafPredicate struct {
	field    string
	spec     fieldSpec
	operator string
	number   float64
	numbers  []float64
	text     string
	texts    []string
	instant  time.Time
	flag     bool
}

// MatchEverything is the explicit always-true predicate that malformed or
// empty rules compile to.
var MatchEverything = Predicate{kind: predicateAll}

// Constrained reports whether the predicate filters at all.
func (p Predicate) Constrained() bool {
	return p.kind != predicateAll
}

// Compile translates stored rule JSON into a Predicate. It is total by
// design: malformed trees, unknown fields or operators, empty values and
// empty in-lists all degrade to no constraint, so a broken rule widens a
// segment to the whole organization rather than erroring or emptying it.
func Compile(rulesJSON string) Predicate {
	return compileNode(ParseRuleTree(rulesJSON))
}

func compileNode(node RuleNode) Predicate {
	switch node.kind() {
	case nodeAnd:
		return compileComposite(node.And, predicateAnd)
	case nodeOr:
		return compileComposite(node.Or, predicateOr)
	default:
		return compileLeaf(node)
	}
}

func compileComposite(nodes []RuleNode, kind predicateKind) Predicate {
	children := make([]Predicate, 0, len(nodes))
	for _, child := range nodes {
		compiled := compileNode(child)
		if !compiled.Constrained() {
			continue
		}
		children = append(children, compiled)
	}
	if len(children) == 0 {
		return MatchEverything
	}
	if len(children) == 1 {
		return children[0]
	}
	return Predicate{kind: kind, children: children}
}

func compileLeaf(node RuleNode) Predicate {
	spec, ok := ruleFields[node.Field]
	if !ok || node.Operator == "" {
		return MatchEverything
	}

	leaf := &leafPredicate{field: node.Field, spec: spec, operator: node.Operator}
	switch spec.category {
	case categoryNumeric:
		if !leaf.bindNumeric(node) {
			return MatchEverything
		}
	case categoryEnum:
		if !leaf.bindEnum(node) {
			return MatchEverything
		}
	case categoryDate:
		if !leaf.bindDate(node) {
			return MatchEverything
		}
	case categoryString:
		if !leaf.bindString(node) {
			return MatchEverything
		}
	case categoryComputed:
		if !leaf.bindComputed(node) {
			return MatchEverything
		}
	}
	return Predicate{kind: predicateLeaf, leaf: leaf}
}

func (l *leafPredicate) bindNumeric(node RuleNode) bool {
	switch l.operator {
	case OpEquals, OpNotEquals, OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual:
		return json.Unmarshal(node.Value, &l.number) == nil
	case OpIn, OpNotIn:
		if json.Unmarshal(node.Value, &l.numbers) != nil {
			return false
		}
		return len(l.numbers) > 0
	default:
		return false
	}
}

func (l *leafPredicate) bindEnum(node RuleNode) bool {
	switch l.operator {
	case OpEquals, OpNotEquals:
		var raw string
		if json.Unmarshal(node.Value, &raw) != nil || raw == "" {
			return false
		}
		normalized, ok := l.spec.parseEnum(raw)
		if !ok {
			return false
		}
		l.text = normalized
		return true
	case OpIn, OpNotIn:
		var raws []string
		if json.Unmarshal(node.Value, &raws) != nil {
			return false
		}
		for _, raw := range raws {
			if normalized, ok := l.spec.parseEnum(raw); ok {
				l.texts = append(l.texts, normalized)
			}
		}
		return len(l.texts) > 0
	default:
		return false
	}
}

func (l *leafPredicate) bindDate(node RuleNode) bool {
	if l.operator != OpBefore && l.operator != OpAfter {
		return false
	}
	var raw string
	if json.Unmarshal(node.Value, &raw) != nil || strings.TrimSpace(raw) == "" {
		return false
	}
	instant, ok := parseRuleDate(raw)
	if !ok {
		return false
	}
	l.instant = instant
	return true
}

func (l *leafPredicate) bindString(node RuleNode) bool {
	switch l.operator {
	case OpEquals, OpNotEquals, OpContains, OpNotContains:
		var raw string
		if json.Unmarshal(node.Value, &raw) != nil || raw == "" {
			return false
		}
		l.text = strings.ToLower(raw)
		return true
	case OpIn, OpNotIn:
		var raws []string
		if json.Unmarshal(node.Value, &raws) != nil {
			return false
		}
		for _, raw := range raws {
			if raw == "" {
				continue
			}
			l.texts = append(l.texts, strings.ToLower(raw))
		}
		return len(l.texts) > 0
	default:
		return false
	}
}

func (l *leafPredicate) bindComputed(node RuleNode) bool {
	if l.operator != OpEquals {
		return false
	}
	return json.Unmarshal(node.Value, &l.flag) == nil
}

func parseRuleDate(raw string) (time.Time, bool) {
	trimmed := strings.TrimSpace(raw)
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if instant, err := time.Parse(layout, trimmed); err == nil {
			return instant, true
		}
	}
	return time.Time{}, false
}

// Matches evaluates the predicate against a loaded donor. The hasRecurring
// leaf inspects the preloaded donations relation.
func (p Predicate) Matches(donor donors.Donor) bool {
	switch p.kind {
	case predicateAll:
		return true
	case predicateAnd:
		for _, child := range p.children {
			if !child.Matches(donor) {
				return false
			}
		}
		return true
	case predicateOr:
		for _, child := range p.children {
			if child.Matches(donor) {
				return true
			}
		}
		return false
	default:
		return p.leaf.matches(donor)
	}
}

func (l *leafPredicate) matches(donor donors.Donor) bool {
	switch l.spec.category {
	case categoryNumeric:
		return l.matchNumeric(numericField(donor, l.field))
	case categoryEnum:
		return l.matchText(strings.ToUpper(strings.TrimSpace(enumField(donor, l.field))))
	case categoryDate:
		return l.matchDate(dateField(donor, l.field))
	case categoryString:
		return l.matchString(strings.ToLower(stringField(donor, l.field)))
	default:
		return donor.HasRecurringDonation() == l.flag
	}
}

func numericField(donor donors.Donor, field string) float64 {
	if field == "totalGifts" {
		return float64(donor.TotalGifts)
	}
	return donor.TotalAmount
}

func enumField(donor donors.Donor, field string) string {
	if field == "status" {
		return donor.Status
	}
	return donor.RetentionRisk
}

func dateField(donor donors.Donor, field string) *time.Time {
	if field == "firstGiftDate" {
		return donor.FirstGiftDate
	}
	return donor.LastGiftDate
}

func stringField(donor donors.Donor, field string) string {
	switch field {
	case "firstName":
		return donor.FirstName
	case "lastName":
		return donor.LastName
	default:
		return donor.Email
	}
}

func (l *leafPredicate) matchNumeric(value float64) bool {
	switch l.operator {
	case OpEquals:
		return value == l.number
	case OpNotEquals:
		return value != l.number
	case OpGreaterThan:
		return value > l.number
	case OpGreaterThanOrEqual:
		return value >= l.number
	case OpLessThan:
		return value < l.number
	case OpLessThanOrEqual:
		return value <= l.number
	case OpIn:
		for _, candidate := range l.numbers {
			if value == candidate {
				return true
			}
		}
		return false
	default:
		for _, candidate := range l.numbers {
			if value == candidate {
				return false
			}
		}
		return true
	}
}

func (l *leafPredicate) matchText(value string) bool {
	switch l.operator {
	case OpEquals:
		return value == l.text
	case OpNotEquals:
		return value != l.text
	case OpIn:
		for _, candidate := range l.texts {
			if value == candidate {
				return true
			}
		}
		return false
	default:
		for _, candidate := range l.texts {
			if value == candidate {
				return false
			}
		}
		return true
	}
}

func (l *leafPredicate) matchString(value string) bool {
	switch l.operator {
	case OpContains:
		return strings.Contains(value, l.text)
	case OpNotContains:
		return !strings.Contains(value, l.text)
	default:
		return l.matchText(value)
	}
}

func (l *leafPredicate) matchDate(value *time.Time) bool {
	if value == nil || value.IsZero() {
		return false
	}
	if l.operator == OpBefore {
		return value.Before(l.instant)
	}
	return value.After(l.instant)
}

// SQL renders the predicate as a WHERE fragment with positional arguments.
// The always-true predicate renders empty; callers skip the clause entirely.
func (p Predicate) SQL() (string, []any) {
	switch p.kind {
	case predicateAll:
		return "", nil
	case predicateAnd:
		return joinChildren(p.children, " AND ")
	case predicateOr:
		return joinChildren(p.children, " OR ")
	default:
		return p.leaf.sql()
	}
}

func joinChildren(children []Predicate, separator string) (string, []any) {
	fragments := make([]string, 0, len(children))
	var args []any
	for _, child := range children {
		fragment, childArgs := child.SQL()
		fragments = append(fragments, fragment)
		args = append(args, childArgs...)
	}
	return "(" + strings.Join(fragments, separator) + ")", args
}

func (l *leafPredicate) sql() (string, []any) {
	switch l.spec.category {
	case categoryNumeric:
		return l.numericSQL()
	case categoryEnum:
		return l.textSQL(fmt.Sprintf("UPPER(%s)", l.spec.column), l.text, l.texts)
	case categoryDate:
		if l.operator == OpBefore {
			return fmt.Sprintf("%s < ?", l.spec.column), []any{l.instant}
		}
		return fmt.Sprintf("%s > ?", l.spec.column), []any{l.instant}
	case categoryString:
		return l.stringSQL()
	default:
		clause := "EXISTS (SELECT 1 FROM donations WHERE donations.donor_id = donors.id AND UPPER(donations.type) = ?)"
		if !l.flag {
			clause = "NOT " + clause
		}
		return clause, []any{string(donors.DonationRecurring)}
	}
}

func (l *leafPredicate) numericSQL() (string, []any) {
	column := l.spec.column
	switch l.operator {
	case OpEquals:
		return column + " = ?", []any{l.number}
	case OpNotEquals:
		return column + " <> ?", []any{l.number}
	case OpGreaterThan:
		return column + " > ?", []any{l.number}
	case OpGreaterThanOrEqual:
		return column + " >= ?", []any{l.number}
	case OpLessThan:
		return column + " < ?", []any{l.number}
	case OpLessThanOrEqual:
		return column + " <= ?", []any{l.number}
	case OpIn:
		clause, args := placeholderList(column, "IN", len(l.numbers))
		for _, number := range l.numbers {
			args = append(args, number)
		}
		return clause, args
	default:
		clause, args := placeholderList(column, "NOT IN", len(l.numbers))
		for _, number := range l.numbers {
			args = append(args, number)
		}
		return clause, args
	}
}

func (l *leafPredicate) textSQL(expr, single string, many []string) (string, []any) {
	switch l.operator {
	case OpEquals:
		return expr + " = ?", []any{single}
	case OpNotEquals:
		return expr + " <> ?", []any{single}
	case OpIn:
		clause, args := placeholderList(expr, "IN", len(many))
		for _, value := range many {
			args = append(args, value)
		}
		return clause, args
	default:
		clause, args := placeholderList(expr, "NOT IN", len(many))
		for _, value := range many {
			args = append(args, value)
		}
		return clause, args
	}
}

func (l *leafPredicate) stringSQL() (string, []any) {
	expr := fmt.Sprintf("LOWER(%s)", l.spec.column)
	switch l.operator {
	case OpContains:
		return expr + ` LIKE ? ESCAPE '\'`, []any{"%" + escapeLike(l.text) + "%"}
	case OpNotContains:
		return expr + ` NOT LIKE ? ESCAPE '\'`, []any{"%" + escapeLike(l.text) + "%"}
	default:
		return l.textSQL(expr, l.text, l.texts)
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(value string) string {
	return likeEscaper.Replace(value)
}

func placeholderList(expr, verb string, count int) (string, []any) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", count), ",")
	return fmt.Sprintf("%s %s (%s)", expr, verb, placeholders), make([]any, 0, count)
}
