package cel

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	gocel "github.com/google/cel-go/cel"

	"github.com/sentinelsca/sca/internal/domain/policy"
)

// PolicyEngine implements policy.PolicyEngine by compiling and caching the
// CEL rules loaded from a policy.PolicyStore, then evaluating them in
// priority order against the Evaluator above. A rule layer is optional and
// additive: it can only tighten what the deterministic classifier already
// allowed, never loosen a hard deny (the caller, policy.Evaluator.Classify,
// enforces that supremacy — this engine just reports what its own rules
// think).
type PolicyEngine struct {
	store     policy.PolicyStore
	evaluator *Evaluator

	mu      sync.Mutex
	compiled map[string]gocel.Program
}

// NewPolicyEngine constructs a PolicyEngine backed by store.
func NewPolicyEngine(store policy.PolicyStore) (*PolicyEngine, error) {
	evaluator, err := NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("cel: new evaluator: %w", err)
	}
	return &PolicyEngine{
		store:    store,
		evaluator: evaluator,
		compiled:  make(map[string]gocel.Program),
	}, nil
}

// Evaluate loads every enabled policy, sorts their rules by priority, and
// evaluates each rule's CEL condition in turn. The first rule whose
// condition evaluates true decides the outcome; if no rule matches, the
// command is allowed (the CEL layer defers to the classifier that already
// ran before it).
func (e *PolicyEngine) Evaluate(ctx context.Context, evalCtx policy.EvaluationContext) (policy.Decision, error) {
	policies, err := e.store.GetAllPolicies(ctx)
	if err != nil {
		return policy.Decision{}, fmt.Errorf("cel: load policies: %w", err)
	}

	rules := flattenRules(policies)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })

	for _, rule := range rules {
		if rule.CommandPattern != "" {
			matched, err := matchGlob(rule.CommandPattern, evalCtx.Command)
			if err != nil {
				return policy.Decision{}, fmt.Errorf("cel: rule %s: command pattern: %w", rule.ID, err)
			}
			if !matched {
				continue
			}
		}

		prg, err := e.compile(rule.ID, rule.Condition)
		if err != nil {
			return policy.Decision{}, fmt.Errorf("cel: rule %s: compile: %w", rule.ID, err)
		}

		matched, err := e.evaluator.Evaluate(prg, evalCtx)
		if err != nil {
			return policy.Decision{}, fmt.Errorf("cel: rule %s: evaluate: %w", rule.ID, err)
		}
		if !matched {
			continue
		}

		return policy.Decision{
			Allowed:                rule.Action == policy.ActionAllow,
			RuleID:                 rule.ID,
			RuleName:               rule.Name,
			Reason:                 fmt.Sprintf("rule %q matched", rule.Name),
			RequiresApproval:       rule.Action == policy.ActionApprovalRequired,
			ApprovalTimeout:        rule.ApprovalTimeout,
			ApprovalTimeoutAction:  rule.TimeoutAction,
			HelpText:               rule.HelpText,
		}, nil
	}

	return policy.Decision{Allowed: true, RuleID: "cel:no-match", Reason: "no CEL rule matched"}, nil
}

// compile returns a cached compiled program for ruleID's condition,
// compiling and caching it on first use.
func (e *PolicyEngine) compile(ruleID, condition string) (gocel.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.compiled[ruleID]; ok {
		return prg, nil
	}

	prg, err := e.evaluator.Compile(condition)
	if err != nil {
		return nil, err
	}
	e.compiled[ruleID] = prg
	return prg, nil
}

func flattenRules(policies []policy.Policy) []policy.Rule {
	var rules []policy.Rule
	for _, p := range policies {
		rules = append(rules, p.Rules...)
	}
	return rules
}

func matchGlob(pattern, value string) (bool, error) {
	return filepath.Match(pattern, value)
}

var _ policy.PolicyEngine = (*PolicyEngine)(nil)
