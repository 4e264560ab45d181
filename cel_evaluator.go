package userstate

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	celgo "github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// CELEvaluatorOption configures the CEL evaluator.
type CELEvaluatorOption func(*celEvaluator)

// CELWithProgramCache wires a ProgramCache into the CEL evaluator.
func CELWithProgramCache(cache ProgramCache) CELEvaluatorOption {
	return func(e *celEvaluator) {
		e.cache = cache
	}
}

// CELWithFunctionRegistry wires a FunctionRegistry into the CEL evaluator.
func CELWithFunctionRegistry(registry *FunctionRegistry) CELEvaluatorOption {
	return func(e *celEvaluator) {
		if registry == nil {
			return
		}
		e.registry = registry.Clone()
	}
}

type celProgram struct {
	env     *celgo.Env
	program celgo.Program
}

// celEvaluator declares every rule variable as dyn. Programs depend on the
// declared variable names, so they are compiled on first use and cached per
// (expression, variable set).
type celEvaluator struct {
	cache    ProgramCache
	registry *FunctionRegistry
}

// NewCELEvaluator constructs an Evaluator backed by cel-go.
func NewCELEvaluator(opts ...CELEvaluatorOption) Evaluator {
	e := &celEvaluator{}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func (e *celEvaluator) Evaluate(ctx RuleContext, expression string) (any, error) {
	if expression == "" {
		return nil, fmt.Errorf("expression must not be empty")
	}
	return e.eval(ctx.withDefaults(), expression, compileConfig{})
}

func (e *celEvaluator) Compile(expression string, opts ...CompileOption) (CompiledRule, error) {
	if expression == "" {
		return nil, fmt.Errorf("expression must not be empty")
	}
	cfg := applyCompileOptions(opts)
	// Surface syntax errors now; type checking waits for the variable set.
	env, err := e.buildEnv(nil)
	if err != nil {
		return nil, err
	}
	if _, issues := env.Parse(expression); issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	return &celCompiledRule{
		evaluator:  e,
		expression: expression,
		cfg:        cfg,
	}, nil
}

func (e *celEvaluator) eval(ctx RuleContext, expression string, cfg compileConfig) (any, error) {
	program, err := e.loadOrCompile(expression, ctx.Vars, cfg)
	if err != nil {
		return nil, err
	}
	out, _, err := program.program.Eval(e.activation(ctx))
	if err != nil {
		return nil, err
	}
	return out.Value(), nil
}

func (e *celEvaluator) loadOrCompile(expression string, vars map[string]any, cfg compileConfig) (*celProgram, error) {
	names := varNames(vars)
	key := cfg.cacheKey("cel", expression) + "|" + strings.Join(names, ",")
	if e.cache != nil {
		if cached, ok := e.cache.Get(key); ok {
			if program, ok := cached.(*celProgram); ok {
				return program, nil
			}
		}
	}

	env, err := e.buildEnv(names)
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if cfg.predicate {
		output := ast.OutputType()
		if !output.IsExactType(types.BoolType) && !output.IsExactType(types.DynType) {
			return nil, fmt.Errorf("expression yields %s, want bool", output)
		}
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, err
	}

	bundle := &celProgram{
		env:     env,
		program: prg,
	}
	if e.cache != nil {
		e.cache.Set(key, bundle)
	}
	return bundle, nil
}

func (e *celEvaluator) buildEnv(names []string) (*celgo.Env, error) {
	opts := []celgo.EnvOption{
		celgo.Variable("now", celgo.TimestampType),
		celgo.Variable("args", celgo.DynType),
		celgo.Variable("metadata", celgo.DynType),
		celgo.Variable("scope", celgo.StringType),
		celgo.CrossTypeNumericComparisons(true),
	}
	if e.registry != nil {
		opts = append(opts, celgo.Function("call",
			celgo.Overload("call_string_list",
				[]*celgo.Type{celgo.StringType, celgo.ListType(celgo.DynType)},
				celgo.DynType,
				celgo.BinaryBinding(e.callBinding()),
			),
		))
	}
	for _, name := range names {
		opts = append(opts, celgo.Variable(name, celgo.DynType))
	}
	return celgo.NewEnv(opts...)
}

func (e *celEvaluator) activation(ctx RuleContext) map[string]any {
	activation := make(map[string]any, len(ctx.Vars)+4)
	for key, value := range ctx.Vars {
		activation[key] = value
	}
	activation["now"] = ctx.timestamp()
	activation["args"] = ctx.Args
	activation["metadata"] = ctx.Metadata
	activation["scope"] = string(ctx.Scope)
	return activation
}

type celCompiledRule struct {
	evaluator  *celEvaluator
	expression string
	cfg        compileConfig
}

func (r *celCompiledRule) Evaluate(ctx RuleContext) (any, error) {
	if r.evaluator == nil {
		return nil, fmt.Errorf("cel compiled rule missing evaluator")
	}
	return r.evaluator.eval(ctx.withDefaults(), r.expression, r.cfg)
}

func varNames(vars map[string]any) []string {
	names := make([]string, 0, len(vars))
	for key := range vars {
		switch key {
		case "now", "args", "metadata", "scope":
			continue
		}
		names = append(names, key)
	}
	sort.Strings(names)
	return names
}

func (e *celEvaluator) callBinding() func(ref.Val, ref.Val) ref.Val {
	return func(nameVal, argsVal ref.Val) ref.Val {
		if e.registry == nil {
			return types.NewErr("userstate: function registry not configured")
		}
		name, ok := nameVal.Value().(string)
		if !ok {
			return types.NewErr("userstate: call name must be string")
		}
		native, err := argsVal.ConvertToNative(reflect.TypeOf([]any{}))
		if err != nil {
			return types.NewErr("userstate: call arguments: %s", err.Error())
		}
		args, _ := native.([]any)
		for i, arg := range args {
			if val, ok := arg.(ref.Val); ok {
				args[i] = val.Value()
			}
		}
		result, err := e.registry.Call(name, args...)
		if err != nil {
			return types.NewErr("%s", err.Error())
		}
		if result == nil {
			return types.NullValue
		}
		return types.DefaultTypeAdapter.NativeToValue(result)
	}
}
