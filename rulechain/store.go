package rulechain

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RuleStore is the engine's read contract over the rule catalog. The
// engine never writes through it during request handling; catalog
// mutations belong to administrative tooling.
//
// ListActive must return only active rules whose flag for op is set,
// and may use its own connection; it is a pure read and must never
// block on the enclosing transaction's locks.
type RuleStore interface {
	ListActive(ctx context.Context, tableName string, op Operation) ([]*Rule, error)
}

// CatalogStore is the full administrative surface: the read contract
// plus the writes used by rule management tooling.
type CatalogStore interface {
	RuleStore

	Add(ctx context.Context, rule *Rule) error
	Get(ctx context.Context, id string) (*Rule, error)
	List(ctx context.Context, tableName string) ([]*Rule, error)
	Update(ctx context.Context, rule *Rule) error
	Delete(ctx context.Context, id string) error
}

// InMemoryRuleStore implements CatalogStore with an in-memory map.
// Used by tests and single-process development setups.
type InMemoryRuleStore struct {
	rules map[string]*Rule
	mu    sync.RWMutex
}

// NewInMemoryRuleStore creates an empty in-memory store.
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{rules: make(map[string]*Rule)}
}

// Add inserts a new rule, enforcing unique IDs and unique
// (table, rule name) pairs, and stamps the timestamps.
func (s *InMemoryRuleStore) Add(ctx context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule with ID %s already exists", rule.ID)
	}
	for _, existing := range s.rules {
		if existing.TableName == rule.TableName && existing.RuleName == rule.RuleName {
			return fmt.Errorf("rule %q already exists on table %q", rule.RuleName, rule.TableName)
		}
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.rules[rule.ID] = rule
	return nil
}

// Get retrieves a rule by ID.
func (s *InMemoryRuleStore) Get(ctx context.Context, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule %s not found", id)
	}
	return rule, nil
}

// ListActive returns active rules for (tableName, op) in the documented
// execution order: priority, then creation time, then rule name.
func (s *InMemoryRuleStore) ListActive(ctx context.Context, tableName string, op Operation) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Rule
	for _, rule := range s.rules {
		if rule.Active && rule.TableName == tableName && rule.Flags.Has(op) {
			matched = append(matched, rule)
		}
	}
	sortRules(matched)
	return matched, nil
}

// List returns every rule for a table (or all tables when tableName is
// empty), in execution order.
func (s *InMemoryRuleStore) List(ctx context.Context, tableName string) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*Rule
	for _, rule := range s.rules {
		if tableName == "" || rule.TableName == tableName {
			matched = append(matched, rule)
		}
	}
	sortRules(matched)
	return matched, nil
}

// Update replaces an existing rule, preserving CreatedAt.
func (s *InMemoryRuleStore) Update(ctx context.Context, rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return fmt.Errorf("rule %s not found", rule.ID)
	}

	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now()
	s.rules[rule.ID] = rule
	return nil
}

// Delete removes a rule.
func (s *InMemoryRuleStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("rule %s not found", id)
	}
	delete(s.rules, id)
	return nil
}

// sortRules orders rules by the documented total order. The order is
// load-bearing: later rules may read state written by earlier ones.
func sortRules(rules []*Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].RuleName < rules[j].RuleName
	})
}
