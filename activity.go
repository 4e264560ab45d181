package userstate

import (
	"context"
	"time"

	"github.com/goliatone/go-userstate/pkg/activity"
	"go.uber.org/zap"
)

// afterMutation runs the history step and then notifies activity hooks.
// Hooks run even when the history append failed since the state changed.
func (c *Client) afterMutation(ctx context.Context, user UserID, scope Scope, mutations []Mutation, touched map[BlockKey][]string) error {
	if len(mutations) == 0 {
		return nil
	}
	entries, err := c.recordHistory(ctx, user, scope, mutations)
	if err != nil {
		c.logger.Error("history append failed",
			zap.String("user", string(user)),
			zap.String("scope", string(scope)),
			zap.Int("mutations", len(mutations)),
			zap.Error(err),
		)
	}
	c.emitMutations(ctx, user, scope, mutations, touched, entries)
	return err
}

// recordHistory appends one entry per mutation accepted by the policy and
// returns them indexed by block.
func (c *Client) recordHistory(ctx context.Context, user UserID, scope Scope, mutations []Mutation) (map[BlockKey]HistoryEntry, error) {
	if c.history == nil {
		return nil, nil
	}
	entries := make([]HistoryEntry, 0, len(mutations))
	for _, m := range mutations {
		ok, err := c.policy.ShouldRecord(ctx, HistoryCandidate{
			User:      user,
			Block:     m.Block,
			Scope:     scope,
			Operation: m.Operation,
			Fields:    m.Fields,
			Updated:   m.Updated,
		})
		if err != nil {
			return nil, &historyError{op: "policy", err: err}
		}
		if !ok {
			continue
		}
		entries = append(entries, HistoryEntry{
			ID:        c.newID(),
			User:      user,
			Block:     m.Block,
			Scope:     scope,
			Operation: m.Operation,
			Fields:    m.Fields.Clone(),
			Updated:   m.Updated,
		})
	}
	if len(entries) == 0 {
		return nil, nil
	}
	if err := c.history.AppendHistory(ctx, entries); err != nil {
		return nil, &historyError{op: "append", err: err}
	}
	c.metrics.historyAppended(scope, len(entries))

	byBlock := make(map[BlockKey]HistoryEntry, len(entries))
	for _, entry := range entries {
		byBlock[entry.Block] = entry
	}
	return byBlock, nil
}

func (c *Client) emitMutations(ctx context.Context, user UserID, scope Scope, mutations []Mutation, touched map[BlockKey][]string, entries map[BlockKey]HistoryEntry) {
	if !c.emitter.Enabled() {
		return
	}
	for _, m := range mutations {
		input := activity.StateEventInput{
			UserID:     string(user),
			Scope:      string(scope),
			Block:      m.Block.String(),
			BlockType:  m.Block.Type,
			Course:     m.Block.Course.String(),
			Fields:     touched[m.Block],
			Removed:    m.Removed(),
			OccurredAt: m.Updated,
		}
		if input.OccurredAt.IsZero() {
			input.OccurredAt = time.Now().UTC()
		}
		if entry, ok := entries[m.Block]; ok {
			input.HistoryID = entry.ID.String()
		}

		event := activity.BuildStateUpdatedEvent(input)
		if m.Operation == OperationDelete {
			event = activity.BuildStateDeletedEvent(input)
		}
		if err := c.emitter.Emit(ctx, event); err != nil {
			c.logger.Warn("activity hook failed",
				zap.String("verb", event.Verb),
				zap.String("block", input.Block),
				zap.Error(err),
			)
		}
	}
}
