package main

import (
	"time"

	"github.com/playforge/rulechain/rulechain"
)

// ruleRequest is the JSON body for creating or updating a rule.
type ruleRequest struct {
	TableName string                   `json:"tableName"`
	RuleName  string                   `json:"ruleName"`
	Condition string                   `json:"condition,omitempty"`
	Script    string                   `json:"script"`
	Flags     rulechain.OperationFlags `json:"flags"`
	Priority  int                      `json:"priority"`
	RunAfter  []string                 `json:"runAfter,omitempty"`
	Active    bool                     `json:"active"`
}

// ruleResponse is the JSON shape for a stored rule.
type ruleResponse struct {
	ID        string                   `json:"id"`
	TableName string                   `json:"tableName"`
	RuleName  string                   `json:"ruleName"`
	Condition string                   `json:"condition,omitempty"`
	Script    string                   `json:"script"`
	Flags     rulechain.OperationFlags `json:"flags"`
	Priority  int                      `json:"priority"`
	RunAfter  []string                 `json:"runAfter,omitempty"`
	Active    bool                     `json:"active"`
	CreatedAt time.Time                `json:"createdAt"`
	UpdatedAt time.Time                `json:"updatedAt"`
}

func toRuleResponse(r *rulechain.Rule) ruleResponse {
	return ruleResponse{
		ID:        r.ID,
		TableName: r.TableName,
		RuleName:  r.RuleName,
		Condition: r.Condition,
		Script:    r.Script,
		Flags:     r.Flags,
		Priority:  r.Priority,
		RunAfter:  r.RunAfter,
		Active:    r.Active,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// updateRequest is the JSON body for PUT /api/v1/data/{table}.
type updateRequest struct {
	Set   map[string]any `json:"set"`
	Where map[string]any `json:"where"`
}

// deleteRequest is the JSON body for DELETE /api/v1/data/{table}.
type deleteRequest struct {
	Where map[string]any `json:"where"`
}
