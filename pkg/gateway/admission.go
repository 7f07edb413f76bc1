package gateway

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/meridianlabs/conductor/pkg/contracts"
	"github.com/meridianlabs/conductor/pkg/faults"
	"github.com/meridianlabs/conductor/pkg/guard"
)

// AdmissionEvaluator applies operator-configured CEL rules to every inbound
// intent. All rules must evaluate to true; evaluation errors fail closed.
type AdmissionEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs []cel.Program
	sources  []string
}

// NewAdmissionEvaluator creates an evaluator with the intent environment.
func NewAdmissionEvaluator() (*AdmissionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("intent", cel.DynType),
		cel.Variable("principal", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &AdmissionEvaluator{env: env}, nil
}

// AddRule compiles and installs one admission rule.
func (a *AdmissionEvaluator) AddRule(rule string) error {
	ast, issues := a.env.Compile(rule)
	if issues != nil && issues.Err() != nil {
		return faults.Validation("admission rule compile failed: %v", issues.Err())
	}
	prg, err := a.env.Program(ast)
	if err != nil {
		return faults.Validation("admission rule program failed: %v", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.programs = append(a.programs, prg)
	a.sources = append(a.sources, rule)
	return nil
}

// Admit evaluates every rule against the intent. The first failing rule
// rejects the intent with a VALIDATION fault.
func (a *AdmissionEvaluator) Admit(p guard.Principal, intent contracts.Intent) error {
	a.mu.RLock()
	programs := a.programs
	sources := a.sources
	a.mu.RUnlock()

	if len(programs) == 0 {
		return nil
	}

	input := map[string]any{
		"intent": map[string]any{
			"intent_type": string(intent.IntentType),
			"realm":       intent.Realm,
			"session_id":  intent.SessionID,
			"tenant_id":   intent.TenantID,
		},
		"principal": map[string]any{
			"tenant_id": p.TenantID,
			"user_id":   p.UserID,
		},
	}

	for i, prg := range programs {
		out, _, err := prg.Eval(input)
		if err != nil {
			return faults.Validation("admission rule %d evaluation failed: %v", i, err)
		}
		allowed, ok := out.Value().(bool)
		if !ok || !allowed {
			return faults.Validation("intent denied by admission rule: %s", sources[i])
		}
	}
	return nil
}
