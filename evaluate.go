package userstate

import (
	"errors"
	"fmt"
	"time"
)

var ErrNoEvaluator = errors.New("userstate: evaluator not configured")

// Rule is a compiled boolean expression evaluated against records or
// mutations. It backs RecordRule history policies and scan filters.
type Rule struct {
	expression string
	evaluator  Evaluator
	compiled   CompiledRule
	logger     EvaluatorLogger
}

// RuleOption configures NewRule.
type RuleOption func(*ruleConfig)

type ruleConfig struct {
	evaluator Evaluator
	cache     ProgramCache
	functions *FunctionRegistry
	logger    EvaluatorLogger
}

// RuleWithEvaluator selects the engine. The default is expr.
func RuleWithEvaluator(e Evaluator) RuleOption {
	return func(cfg *ruleConfig) {
		cfg.evaluator = e
	}
}

// RuleWithProgramCache shares compiled programs across rules of the default
// engine.
func RuleWithProgramCache(cache ProgramCache) RuleOption {
	return func(cfg *ruleConfig) {
		cfg.cache = cache
	}
}

// RuleWithFunctionRegistry exposes custom functions to the default engine.
func RuleWithFunctionRegistry(registry *FunctionRegistry) RuleOption {
	return func(cfg *ruleConfig) {
		if registry == nil {
			return
		}
		cfg.functions = registry.Clone()
	}
}

// RuleWithLogger reports every evaluation to logger.
func RuleWithLogger(logger EvaluatorLogger) RuleOption {
	return func(cfg *ruleConfig) {
		cfg.logger = logger
	}
}

// NewRule compiles expression with the configured evaluator.
func NewRule(expression string, opts ...RuleOption) (*Rule, error) {
	if expression == "" {
		return nil, fmt.Errorf("expression must not be empty")
	}
	cfg := ruleConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	evaluator, err := resolveEvaluator(cfg)
	if err != nil {
		return nil, err
	}
	compiled, err := evaluator.Compile(expression, CompileAsPredicate())
	if err != nil {
		return nil, wrapEvaluationError(evaluatorEngineName(evaluator), expression, "", err)
	}
	logger := cfg.logger
	if logger == nil {
		logger = noopEvaluatorLogger{}
	}
	return &Rule{
		expression: expression,
		evaluator:  evaluator,
		compiled:   compiled,
		logger:     logger,
	}, nil
}

// Expression returns the source of the rule.
func (r *Rule) Expression() string {
	if r == nil {
		return ""
	}
	return r.expression
}

// Evaluate runs the rule and returns its raw result.
func (r *Rule) Evaluate(ctx RuleContext) (any, error) {
	if r == nil || r.compiled == nil {
		return nil, ErrNoEvaluator
	}
	ctx = ctx.withDefaults()
	engine := evaluatorEngineName(r.evaluator)
	start := time.Now()
	value, evalErr := r.compiled.Evaluate(ctx)
	duration := time.Since(start)
	evalErr = wrapEvaluationError(engine, r.expression, ctx.scopeLabel(), evalErr)
	r.logger.LogEvaluation(EvaluatorLogEvent{
		Engine:   engine,
		Expr:     r.expression,
		Scope:    ctx.scopeLabel(),
		Duration: duration,
		Err:      evalErr,
	})
	if evalErr != nil {
		return nil, evalErr
	}
	return value, nil
}

// Match runs the rule and requires a boolean result.
func (r *Rule) Match(ctx RuleContext) (bool, error) {
	value, err := r.Evaluate(ctx)
	if err != nil {
		return false, err
	}
	matched, ok := value.(bool)
	if !ok {
		return false, wrapEvaluationError(evaluatorEngineName(r.evaluator), r.expression, ctx.scopeLabel(),
			fmt.Errorf("rule returned %T, want bool", value))
	}
	return matched, nil
}

func resolveEvaluator(cfg ruleConfig) (Evaluator, error) {
	if cfg.evaluator != nil {
		return cfg.evaluator, nil
	}
	var exprOpts []ExprEvaluatorOption
	if cfg.cache != nil {
		exprOpts = append(exprOpts, ExprWithProgramCache(cfg.cache))
	}
	if cfg.functions != nil {
		exprOpts = append(exprOpts, ExprWithFunctionRegistry(cfg.functions))
	}
	defaultEvaluator := NewExprEvaluator(exprOpts...)
	if defaultEvaluator == nil {
		return nil, ErrNoEvaluator
	}
	return defaultEvaluator, nil
}

// NewEvaluator returns the evaluator registered under engine: "expr", "cel"
// or "js". The js engine requires the js_eval build tag.
func NewEvaluator(engine string, cache ProgramCache, registry *FunctionRegistry) (Evaluator, error) {
	if registry == nil {
		registry = RecordFunctions()
	}
	switch engine {
	case "", "expr":
		return NewExprEvaluator(ExprWithProgramCache(cache), ExprWithFunctionRegistry(registry)), nil
	case "cel":
		return NewCELEvaluator(CELWithProgramCache(cache), CELWithFunctionRegistry(registry)), nil
	case "js":
		evaluator := NewJSEvaluator(JSWithProgramCache(cache), JSWithFunctionRegistry(registry))
		if evaluator == nil {
			return nil, &NotSupportedError{Operation: "js evaluator", Backend: "build without js_eval tag"}
		}
		return evaluator, nil
	default:
		return nil, &ValidationError{Field: "engine", Value: engine, Reason: "unknown rule engine"}
	}
}

func evaluatorEngineName(e Evaluator) string {
	if e == nil {
		return "unknown"
	}
	switch fmt.Sprintf("%T", e) {
	case "*userstate.exprEvaluator":
		return "expr"
	case "*userstate.celEvaluator":
		return "cel"
	case "*userstate.jsEvaluator":
		return "js"
	default:
		return "custom"
	}
}
