package rules

import (
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"mailsort_daemon/core/domain"
	"mailsort_daemon/pkg/logger"
)

// Engine matches message headers against a parsed rule list. Rules are
// evaluated in order; the first match wins.
type Engine struct {
	rules []domain.Rule
	log   zerolog.Logger
}

// NewEngine parses the rule lines. Invalid rules are discarded with a
// warning and do not fail the batch.
func NewEngine(lines []string) *Engine {
	e := &Engine{log: logger.For("rules")}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rule, err := ParseRule(line)
		if err != nil {
			e.log.Warn().Str("rule", line).Err(err).Msg("discarding invalid rule")
			continue
		}
		e.rules = append(e.rules, *rule)
	}
	return e
}

// Rules returns the parsed rules in evaluation order.
func (e *Engine) Rules() []domain.Rule {
	return e.rules
}

// Empty reports whether no valid rules are loaded.
func (e *Engine) Empty() bool {
	return len(e.rules) == 0
}

// Match returns the first rule the envelope's headers satisfy. The returned
// rule's String form is the junk diagnostic recorded on the message.
func (e *Engine) Match(env *domain.Envelope) (*domain.Rule, bool) {
	for i := range e.rules {
		if e.matches(&e.rules[i], env) {
			return &e.rules[i], true
		}
	}
	return nil, false
}

func (e *Engine) matches(rule *domain.Rule, env *domain.Envelope) bool {
	values, present := env.HeaderValues(rule.Header)
	if rule.Op == domain.OpExists {
		return present
	}
	if !present {
		return false
	}
	for _, v := range values {
		extracted, ok := extract(rule, v)
		if !ok {
			continue
		}
		if compare(rule, extracted) {
			return true
		}
	}
	return false
}

// extract applies the optional regex transform. With capture groups the
// first group becomes the compared value, otherwise the whole match.
func extract(rule *domain.Rule, value string) (string, bool) {
	if rule.Extract == nil {
		return value, true
	}
	m := rule.Extract.FindStringSubmatch(value)
	if m == nil {
		return "", false
	}
	if len(m) > 1 {
		return m[1], true
	}
	return m[0], true
}

func compare(rule *domain.Rule, extracted string) bool {
	if rule.Op.Numeric() {
		n, err := strconv.ParseFloat(strings.TrimSpace(extracted), 64)
		if err != nil {
			// Numeric coercion failure is a non-match, not an error.
			return false
		}
		switch rule.Op {
		case domain.OpGTE:
			return n >= rule.Number
		case domain.OpGT:
			return n > rule.Number
		case domain.OpLTE:
			return n <= rule.Number
		case domain.OpLT:
			return n < rule.Number
		}
		return false
	}

	switch rule.Op {
	case domain.OpEQ:
		return extracted == rule.Value
	case domain.OpNE:
		return extracted != rule.Value
	case domain.OpPrefix:
		return strings.HasPrefix(extracted, rule.Value)
	case domain.OpSuffix:
		return strings.HasSuffix(extracted, rule.Value)
	case domain.OpContains:
		return strings.Contains(extracted, rule.Value)
	case domain.OpIn:
		for _, item := range rule.Set {
			if extracted == item {
				return true
			}
		}
	}
	return false
}
