package schema

import (
	"fmt"
	"strings"
)

// Severity orders how serious a finding is.
type Severity int

// Severities, lowest first.
const (
	SeverityNone Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityViolation
	SeverityConfigError
)

var severityNames = [...]string{"none", "info", "warning", "violation", "config_error"}

// String returns the configuration name of the severity.
func (s Severity) String() string {
	if s < SeverityNone || s > SeverityConfigError {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity parses a severity name, case-insensitively.
func ParseSeverity(name string) (Severity, error) {
	for i, n := range severityNames {
		if strings.EqualFold(name, n) {
			return Severity(i), nil
		}
	}
	return SeverityNone, fmt.Errorf("unknown severity %q (want one of %s)", name, strings.Join(severityNames[:], ", "))
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Rule identifies the kind of a finding.
type Rule string

// Rule kinds reported by the validator.
const (
	RuleConfigError      Rule = "config_error"
	RuleOptionTypeError  Rule = "option_type_error"
	RuleValidationFail   Rule = "validation_fail"
	RuleTooFewLinks      Rule = "too_few_links"
	RuleTooManyLinks     Rule = "too_many_links"
	RuleUnevaluatedLinks Rule = "unevaluated_additional_links"
	RuleMissingTarget    Rule = "missing_target"
	RuleMaxNestLevel     Rule = "network_max_nest_level"
	RuleItemsFail        Rule = "network_items_fail"
)

var defaultSeverities = map[Rule]Severity{
	RuleConfigError:      SeverityConfigError,
	RuleOptionTypeError:  SeverityViolation,
	RuleValidationFail:   SeverityViolation,
	RuleTooFewLinks:      SeverityViolation,
	RuleTooManyLinks:     SeverityViolation,
	RuleUnevaluatedLinks: SeverityViolation,
	RuleMissingTarget:    SeverityWarning,
	RuleMaxNestLevel:     SeverityWarning,
	RuleItemsFail:        SeverityViolation,
}

// Rules lists every rule kind in a stable order.
func Rules() []Rule {
	return []Rule{
		RuleConfigError,
		RuleOptionTypeError,
		RuleValidationFail,
		RuleTooFewLinks,
		RuleTooManyLinks,
		RuleUnevaluatedLinks,
		RuleMissingTarget,
		RuleMaxNestLevel,
		RuleItemsFail,
	}
}

// DefaultSeverity returns the table default of the rule.
func (r Rule) DefaultSeverity() Severity {
	if s, ok := defaultSeverities[r]; ok {
		return s
	}
	return SeverityViolation
}

// ParseRule validates a rule name.
func ParseRule(name string) (Rule, error) {
	r := Rule(name)
	if _, ok := defaultSeverities[r]; !ok {
		return "", fmt.Errorf("unknown rule %q", name)
	}
	return r, nil
}
