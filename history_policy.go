package userstate

import (
	"context"
	"time"
)

// HistoryCandidate describes a mutation that may be appended to the history.
type HistoryCandidate struct {
	User      UserID
	Block     BlockKey
	Scope     Scope
	Operation Operation
	Fields    Fields
	Updated   time.Time
}

// HistoryPolicy decides which mutations produce history entries.
type HistoryPolicy interface {
	ShouldRecord(ctx context.Context, candidate HistoryCandidate) (bool, error)
}

// HistoryPolicyFunc adapts a function to HistoryPolicy.
type HistoryPolicyFunc func(ctx context.Context, candidate HistoryCandidate) (bool, error)

func (f HistoryPolicyFunc) ShouldRecord(ctx context.Context, candidate HistoryCandidate) (bool, error) {
	if f == nil {
		return false, nil
	}
	return f(ctx, candidate)
}

// RecordAll records every mutation. It is the default policy.
func RecordAll() HistoryPolicy {
	return HistoryPolicyFunc(func(context.Context, HistoryCandidate) (bool, error) {
		return true, nil
	})
}

// RecordNone disables history recording while keeping the log readable.
func RecordNone() HistoryPolicy {
	return HistoryPolicyFunc(func(context.Context, HistoryCandidate) (bool, error) {
		return false, nil
	})
}

// RecordBlockTypes records mutations of blocks whose type is listed, e.g.
// RecordBlockTypes("problem").
func RecordBlockTypes(blockTypes ...string) HistoryPolicy {
	allowed := make(map[string]struct{}, len(blockTypes))
	for _, blockType := range blockTypes {
		allowed[blockType] = struct{}{}
	}
	return HistoryPolicyFunc(func(_ context.Context, candidate HistoryCandidate) (bool, error) {
		_, ok := allowed[candidate.Block.Type]
		return ok, nil
	})
}

// RecordRule records mutations for which rule evaluates to true. The rule
// sees user, block, block_id, block_type, course, fields, updated, operation,
// removed and scope.
func RecordRule(rule *Rule) HistoryPolicy {
	return HistoryPolicyFunc(func(_ context.Context, candidate HistoryCandidate) (bool, error) {
		vars := recordVars(candidate.User, candidate.Block, candidate.Fields, candidate.Updated)
		vars["operation"] = string(candidate.Operation)
		vars["removed"] = candidate.Fields == nil
		now := candidate.Updated
		return rule.Match(RuleContext{Vars: vars, Scope: candidate.Scope, Now: &now})
	})
}
