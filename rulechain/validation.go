package rulechain

import (
	"fmt"
)

// ValidateRule checks a single rule at registration time: identifier
// grammar, a compilable condition, a parsable script, and sane
// ordering metadata. A rule with every operation flag unset is
// accepted; it is inert, not invalid.
func ValidateRule(rule *Rule) error {
	if err := ValidateIdentifier(rule.TableName); err != nil {
		return fmt.Errorf("invalid table name %q: %w", rule.TableName, err)
	}
	if err := ValidateIdentifier(rule.RuleName); err != nil {
		return fmt.Errorf("invalid rule name %q: %w", rule.RuleName, err)
	}

	if rule.Condition != "" {
		env, err := newScriptEnv()
		if err != nil {
			return err
		}
		if _, issues := env.Compile(rule.Condition); issues != nil && issues.Err() != nil {
			return fmt.Errorf("condition does not compile: %w", issues.Err())
		}
	}

	if _, err := ParseScript(rule.Script); err != nil {
		return fmt.Errorf("invalid script: %w", err)
	}

	for _, dep := range rule.RunAfter {
		if err := ValidateIdentifier(dep); err != nil {
			return fmt.Errorf("invalid run_after entry %q: %w", dep, err)
		}
		if dep == rule.RuleName {
			return fmt.Errorf("rule %q cannot run after itself", rule.RuleName)
		}
	}

	return nil
}

// ValidateCatalog checks the rules of one table as a set: unique names,
// resolvable run_after targets, no dependency cycles, and dependencies
// consistent with the execution order. Ordering between rules is
// decided by (priority, created_at, rule_name); run_after declares the
// intent so a priority edit that would silently flip two dependent
// rules is rejected here instead of discovered in production.
func ValidateCatalog(rules []*Rule) error {
	byName := make(map[string]*Rule, len(rules))
	for _, rule := range rules {
		if other, dup := byName[rule.RuleName]; dup {
			return fmt.Errorf("duplicate rule name %q on table %q (ids %s, %s)",
				rule.RuleName, rule.TableName, other.ID, rule.ID)
		}
		byName[rule.RuleName] = rule
	}

	for _, rule := range rules {
		for _, dep := range rule.RunAfter {
			if _, ok := byName[dep]; !ok {
				return fmt.Errorf("rule %q runs after unknown rule %q", rule.RuleName, dep)
			}
		}
	}

	if cycle := findCycle(byName); cycle != "" {
		return fmt.Errorf("run_after cycle involving rule %q", cycle)
	}

	// A dependency must sort strictly before its dependent.
	ordered := make([]*Rule, len(rules))
	copy(ordered, rules)
	sortRules(ordered)

	position := make(map[string]int, len(ordered))
	for i, rule := range ordered {
		position[rule.RuleName] = i
	}
	for _, rule := range rules {
		for _, dep := range rule.RunAfter {
			if position[dep] >= position[rule.RuleName] {
				return fmt.Errorf("rule %q must run after %q but sorts before it (check priorities)",
					rule.RuleName, dep)
			}
		}
	}

	return nil
}

// findCycle runs a three-color depth-first search over the run_after
// graph and returns the name of a rule on a cycle, or "".
func findCycle(byName map[string]*Rule) string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // finished
	)
	color := make(map[string]int, len(byName))

	var visit func(name string) string
	visit = func(name string) string {
		color[name] = gray
		rule := byName[name]
		for _, dep := range rule.RunAfter {
			if _, ok := byName[dep]; !ok {
				continue
			}
			switch color[dep] {
			case gray:
				return dep
			case white:
				if hit := visit(dep); hit != "" {
					return hit
				}
			}
		}
		color[name] = black
		return ""
	}

	for name := range byName {
		if color[name] == white {
			if hit := visit(name); hit != "" {
				return hit
			}
		}
	}
	return ""
}
