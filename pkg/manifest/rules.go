package manifest

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/agentgate/agentgate/pkg/contracts"
)

// CompiledRule pairs a manifest policy rule with its compiled CEL program.
type CompiledRule struct {
	Rule    contracts.PolicyRule
	Program cel.Program
}

var celEnv = mustCELEnv()

func mustCELEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		panic(fmt.Sprintf("cel env init failed: %v", err))
	}
	return env
}

// CompileRules compiles manifest policy rules. Each expression must evaluate
// to bool over the `action` and `ctx` maps; a true result triggers the rule's
// declared effect.
func CompileRules(rules []contracts.PolicyRule) ([]CompiledRule, error) {
	compiled := make([]CompiledRule, 0, len(rules))
	for _, r := range rules {
		ast, issues := celEnv.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("manifest: rule %q does not compile: %w", r.Name, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("manifest: rule %q must evaluate to bool, got %s", r.Name, ast.OutputType())
		}
		prg, err := celEnv.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("manifest: rule %q program build failed: %w", r.Name, err)
		}
		compiled = append(compiled, CompiledRule{Rule: r, Program: prg})
	}
	return compiled, nil
}

// EvalRule runs one compiled rule against the action/context maps.
func EvalRule(cr CompiledRule, action, ctx map[string]interface{}) (bool, error) {
	out, _, err := cr.Program.Eval(map[string]interface{}{
		"action": action,
		"ctx":    ctx,
	})
	if err != nil {
		return false, fmt.Errorf("manifest: rule %q evaluation failed: %w", cr.Rule.Name, err)
	}
	matched, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("manifest: rule %q returned non-bool", cr.Rule.Name)
	}
	return matched, nil
}
