// Package rules implements the junk rule DSL: parsing rule lines and
// matching message headers against them before the LLM ever runs.
package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"mailsort_daemon/core/domain"
)

// ParseRule parses one DSL line of the form
//
//	HEADER [ /REGEX/ ] OP [ VALUE ]
//
// Parsing is strict: unknown operators, missing values, unclosed regex
// delimiters and unparsable numerics all fail the rule.
func ParseRule(line string) (*domain.Rule, error) {
	rest := strings.TrimSpace(line)
	if rest == "" {
		return nil, fmt.Errorf("empty rule")
	}

	header, rest := cutToken(rest)
	if header == "" {
		return nil, fmt.Errorf("missing header name")
	}

	var extract *regexp.Regexp
	if strings.HasPrefix(rest, "/") {
		pattern, tail, err := cutRegex(rest)
		if err != nil {
			return nil, err
		}
		extract, err = regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad regex %q: %w", pattern, err)
		}
		rest = tail
	}

	opTok, rest := cutToken(rest)
	if opTok == "" {
		return nil, fmt.Errorf("missing operator")
	}
	op, ok := parseOp(opTok)
	if !ok {
		return nil, fmt.Errorf("unknown operator %q", opTok)
	}

	value := strings.TrimSpace(rest)
	rule := &domain.Rule{Header: header, Extract: extract, Op: op, Value: value}

	switch {
	case op == domain.OpExists:
		if value != "" {
			return nil, fmt.Errorf("operator exists takes no value, got %q", value)
		}
	case value == "":
		return nil, fmt.Errorf("operator %s requires a value", op)
	case op.Numeric():
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("operator %s requires a number, got %q", op, value)
		}
		rule.Number = n
	case op == domain.OpIn:
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				rule.Set = append(rule.Set, item)
			}
		}
		if len(rule.Set) == 0 {
			return nil, fmt.Errorf("operator in requires a non-empty set")
		}
	}
	return rule, nil
}

// parseOp maps an operator token; "=" is accepted as an alias for "==".
func parseOp(tok string) (domain.RuleOp, bool) {
	if tok == "=" {
		return domain.OpEQ, true
	}
	switch op := domain.RuleOp(tok); op {
	case domain.OpGTE, domain.OpGT, domain.OpLTE, domain.OpLT,
		domain.OpEQ, domain.OpNE,
		domain.OpPrefix, domain.OpSuffix, domain.OpContains,
		domain.OpIn, domain.OpExists:
		return op, true
	}
	return "", false
}

// cutToken splits off the first whitespace-delimited token.
func cutToken(s string) (token, rest string) {
	s = strings.TrimSpace(s)
	idx := strings.IndexFunc(s, func(r rune) bool { return r == ' ' || r == '\t' })
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx+1:])
}

// cutRegex extracts the /.../ span. The span is inviolable: whitespace
// inside it belongs to the pattern, and a backslash escapes the delimiter.
func cutRegex(s string) (pattern, rest string, err error) {
	// s starts with '/'
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '/':
			return s[1:i], strings.TrimSpace(s[i+1:]), nil
		}
	}
	return "", "", fmt.Errorf("unclosed regex delimiter")
}
