// Package celengine evaluates quest conditions written in CEL against event
// attributes. Expressions see two variables: `trigger` (string) and `event`
// (map of string to dyn).
package celengine

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("celengine", fx.Provide(New))

type Engine struct {
	env      *cel.Env
	programs sync.Map // expression -> cel.Program
}

func New() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("trigger", cel.StringType),
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, err
	}
	return &Engine{env: env}, nil
}

func (e *Engine) program(expr string) (cel.Program, error) {
	if v, ok := e.programs.Load(expr); ok {
		return v.(cel.Program), nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	switch ast.OutputType().Kind() {
	case types.BoolKind, types.DynKind:
	default:
		return nil, fmt.Errorf("condition must evaluate to bool, got %s", ast.OutputType())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, err
	}

	e.programs.Store(expr, prg)
	return prg, nil
}

// Validate compiles expr without evaluating it.
func (e *Engine) Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	_, err := e.program(expr)
	return err
}

// Match reports whether expr holds for the event. An empty expression matches
// everything. Missing attributes surface as evaluation errors.
func (e *Engine) Match(expr, trigger string, attrs map[string]any) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}

	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(map[string]any{
		"trigger": trigger,
		"event":   Normalize(attrs),
	})
	if err != nil {
		return false, err
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expected bool from expression, got %T (%v)", out.Value(), out.Value())
	}
	return b, nil
}

// Normalize round-trips attrs through JSON so numbers, nested structs and
// slices reach CEL in one consistent shape.
func Normalize(s any) map[string]any {
	if s == nil {
		return map[string]any{}
	}

	b, err := json.Marshal(s)
	if err != nil {
		zap.L().Debug("failed Normalize Marshal", zap.Error(err))
		return map[string]any{}
	}

	var result map[string]any
	if err := json.Unmarshal(b, &result); err != nil {
		zap.L().Debug("failed Normalize Unmarshal", zap.Error(err))
		return map[string]any{}
	}
	if result == nil {
		return map[string]any{}
	}

	return result
}
