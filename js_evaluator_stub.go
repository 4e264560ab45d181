//go:build !js_eval

package userstate

// NewJSEvaluator is unavailable without the js_eval build tag.
func NewJSEvaluator(opts ...JSEvaluatorOption) Evaluator {
	_ = newJSOptions(opts)
	return nil
}
