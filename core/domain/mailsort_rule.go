package domain

import (
	"regexp"
	"strings"
)

// =============================================================================
// Junk Rule Types
// =============================================================================

// RuleOp is a rule comparison operator.
type RuleOp string

const (
	OpGTE      RuleOp = ">="
	OpGT       RuleOp = ">"
	OpLTE      RuleOp = "<="
	OpLT       RuleOp = "<"
	OpEQ       RuleOp = "=="
	OpNE       RuleOp = "!="
	OpPrefix   RuleOp = "prefix"
	OpSuffix   RuleOp = "suffix"
	OpContains RuleOp = "contains"
	OpIn       RuleOp = "in"
	OpExists   RuleOp = "exists"
)

// Numeric reports whether the operator compares decimal values.
func (op RuleOp) Numeric() bool {
	switch op {
	case OpGTE, OpGT, OpLTE, OpLT:
		return true
	}
	return false
}

// NeedsValue reports whether the operator requires a right-hand value.
func (op RuleOp) NeedsValue() bool {
	return op != OpExists
}

// Rule matches one header against one condition. Header lookup is
// case-insensitive. When Extract is set, the first capture group (or the
// whole match when the pattern has no groups) becomes the compared value.
type Rule struct {
	Header  string
	Extract *regexp.Regexp
	Op      RuleOp

	// Value is the textual right-hand side as written in the DSL.
	Value string

	// Number holds the parsed Value for numeric operators.
	Number float64

	// Set holds the parsed membership list for the "in" operator.
	Set []string
}

// String renders the rule back into DSL form. The output re-parses to an
// equivalent rule and doubles as the junk diagnostic stored per message.
func (r *Rule) String() string {
	var b strings.Builder
	b.WriteString(r.Header)
	if r.Extract != nil {
		b.WriteString(" /")
		b.WriteString(r.Extract.String())
		b.WriteString("/")
	}
	b.WriteByte(' ')
	b.WriteString(string(r.Op))
	switch r.Op {
	case OpExists:
	case OpIn:
		b.WriteByte(' ')
		b.WriteString(strings.Join(r.Set, ","))
	default:
		b.WriteByte(' ')
		b.WriteString(r.Value)
	}
	return b.String()
}
