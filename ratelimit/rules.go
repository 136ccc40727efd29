package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Class groups callers that share a rule set.
type Class string

const (
	ClassDefault       Class = "default"
	ClassAuthenticated Class = "authenticated"
	ClassAdmin         Class = "admin"
)

// RuleSet maps caller classes to the rules applied to them.
type RuleSet map[Class][]Rule

// For returns the rules for class, falling back to ClassDefault.
func (s RuleSet) For(class Class) []Rule {
	if rules, ok := s[class]; ok {
		return rules
	}
	return s[ClassDefault]
}

// DefaultRuleSet is used when nothing is configured.
func DefaultRuleSet() RuleSet {
	return RuleSet{
		ClassDefault:       {{Limit: 60, Window: time.Minute}, {Limit: 1000, Window: time.Hour}},
		ClassAuthenticated: {{Limit: 300, Window: time.Minute}, {Limit: 10000, Window: time.Hour}},
		ClassAdmin:         {{Limit: 1000, Window: time.Minute}},
	}
}

// ParseRules parses a comma-separated list of "limit/window" pairs, e.g.
// "100/1m,1000/1h". Windows use time.ParseDuration syntax plus "d" for days.
// An empty string yields no rules.
func ParseRules(s string) ([]Rule, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var rules []Rule
	for _, part := range strings.Split(s, ",") {
		limitStr, windowStr, ok := strings.Cut(strings.TrimSpace(part), "/")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRule, part)
		}
		limit, err := strconv.Atoi(strings.TrimSpace(limitStr))
		if err != nil || limit <= 0 {
			return nil, fmt.Errorf("%w: bad limit in %q", ErrInvalidRule, part)
		}
		window, err := parseWindow(strings.TrimSpace(windowStr))
		if err != nil || window < time.Millisecond {
			return nil, fmt.Errorf("%w: bad window in %q", ErrInvalidRule, part)
		}
		rules = append(rules, Rule{Limit: limit, Window: window})
	}
	return rules, nil
}

func parseWindow(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

func formatWindow(d time.Duration) string {
	switch {
	case d%(24*time.Hour) == 0:
		return strconv.Itoa(int(d/(24*time.Hour))) + "d"
	case d%time.Hour == 0:
		return strconv.Itoa(int(d/time.Hour)) + "h"
	case d%time.Minute == 0:
		return strconv.Itoa(int(d/time.Minute)) + "m"
	}
	return d.String()
}
