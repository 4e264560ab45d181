package userstate

import (
	"time"
)

// RuleContext carries the inputs available to a rule expression. Vars are
// exposed as top-level identifiers next to now, args, metadata and scope.
type RuleContext struct {
	Vars     map[string]any
	Now      *time.Time
	Args     map[string]any
	Metadata map[string]any
	Scope    Scope
}

func (ctx RuleContext) withDefaultNow() RuleContext {
	if ctx.Now != nil {
		return ctx
	}
	now := time.Now()
	ctx.Now = &now
	return ctx
}

func (ctx RuleContext) timestamp() time.Time {
	ctx = ctx.withDefaultNow()
	return *ctx.Now
}

func (ctx RuleContext) withDefaultMaps() RuleContext {
	if ctx.Vars == nil {
		ctx.Vars = map[string]any{}
	}
	if ctx.Args == nil {
		ctx.Args = map[string]any{}
	}
	if ctx.Metadata == nil {
		ctx.Metadata = map[string]any{}
	}
	return ctx
}

func (ctx RuleContext) withDefaults() RuleContext {
	return ctx.withDefaultNow().withDefaultMaps()
}

func (ctx RuleContext) scopeLabel() string {
	if ctx.Scope != "" {
		return string(ctx.Scope)
	}
	return "unknown"
}

// Evaluator executes expressions against a rule context.
type Evaluator interface {
	Evaluate(ctx RuleContext, expr string) (any, error)
	Compile(expr string, opts ...CompileOption) (CompiledRule, error)
}

// CompiledRule represents a reusable expression program.
type CompiledRule interface {
	Evaluate(ctx RuleContext) (any, error)
}

// CompileOption configures evaluator compile behaviour.
type CompileOption interface {
	applyCompileOption(*compileConfig)
}

type compileConfig struct {
	predicate bool
}

type compileOptionFunc func(*compileConfig)

func (f compileOptionFunc) applyCompileOption(cfg *compileConfig) {
	if f != nil {
		f(cfg)
	}
}

// CompileAsPredicate makes engines that type check at compile time reject
// expressions that cannot produce a boolean.
func CompileAsPredicate() CompileOption {
	return compileOptionFunc(func(cfg *compileConfig) {
		cfg.predicate = true
	})
}

func applyCompileOptions(opts []CompileOption) compileConfig {
	cfg := compileConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt.applyCompileOption(&cfg)
		}
	}
	return cfg
}

func (cfg compileConfig) cacheKey(engine, expression string) string {
	if cfg.predicate {
		return engine + ":bool:" + expression
	}
	return engine + ":" + expression
}

// recordVars exposes a record to rule expressions.
func recordVars(user UserID, block BlockKey, fields Fields, updated time.Time) map[string]any {
	vars := map[string]any{
		"user":       string(user),
		"block":      block.String(),
		"block_id":   block.ID,
		"block_type": block.Type,
		"course":     block.Course.String(),
		"fields":     map[string]any(fields.Clone()),
		"updated":    updated,
	}
	if fields == nil {
		vars["fields"] = map[string]any{}
	}
	return vars
}
