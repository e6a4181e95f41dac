package policy

import (
	"regexp"
	"strings"
)

// Thresholds configures the deterministic classifier's reputation gates.
// Zero-value Thresholds falls back to DefaultThresholds.
type Thresholds struct {
	// RepDenyAt is the integer ledger reputation at or below which every
	// command is denied outright, independent of pattern matching.
	RepDenyAt int
	// RepReviewAt is the integer ledger reputation at or below which every
	// command is forced to review.
	RepReviewAt int
	// RepAutoDeny is the float oracle score below which an otherwise-allowed
	// command is denied.
	RepAutoDeny float64
	// RepAutoReview is the float oracle score below which an otherwise-allowed
	// command is forced to review.
	RepAutoReview float64
}

// DefaultThresholds matches original_source/sentinel_rules/policy_v2.py and
// original_source/sentinel_api.py's production defaults.
var DefaultThresholds = Thresholds{
	RepDenyAt:     -10,
	RepReviewAt:   -5,
	RepAutoDeny:   0.20,
	RepAutoReview: 0.40,
}

type denyPattern struct {
	re     *regexp.Regexp
	reason string
}

// denyPatterns is the fixed, non-configurable set of catastrophic-command
// signatures, grounded on original_source/sentinel_rules/policy_v2.py's
// DENY_PATTERNS. These never loosen regardless of reputation.
var denyPatterns = []denyPattern{
	{regexp.MustCompile(`(?i)\bdd\b.*\bif=/dev/zero\b.*\bof=/dev/\S+`), "matched high-risk pattern: dd if=/dev/zero of=/dev/*"},
	{regexp.MustCompile(`(?i)\bmkfs(\.\w+)?\b`), "matched high-risk pattern: mkfs"},
	{regexp.MustCompile(`(?i)\bwipefs\b`), "matched high-risk pattern: wipefs"},
	{regexp.MustCompile(`(?i)\brm\s+-rf\b`), "matched high-risk pattern: rm -rf"},
	{regexp.MustCompile(`(?i)\brm\s+-f\s+/\s*$`), "matched high-risk pattern: rm -f /"},
	{regexp.MustCompile(`(?i)\brm\s+-f\s+/\*\s*$`), "matched high-risk pattern: rm -f /*"},
	{regexp.MustCompile(`(?i)\brm\s+-rf\b.*--no-preserve-root\b`), "matched high-risk pattern: rm -rf --no-preserve-root"},
	{regexp.MustCompile(`(?i)\bchmod\b.*\s-R\s+777\s+/\s*$`), "matched high-risk pattern: chmod -R 777 /"},
	{regexp.MustCompile(`(?i)\bchown\b.*\s-R\s+\S+\s+/\s*$`), "matched high-risk pattern: chown -R * /"},
}

// Verdict is the deterministic classifier's outcome, distinct from Decision
// (which also carries the optional CEL layer's RuleID/RuleName bookkeeping).
type Verdict string

const (
	VerdictAllow  Verdict = "allow"
	VerdictDeny   Verdict = "deny"
	VerdictReview Verdict = "review"
)

// ClassifyResult is what Evaluator.Classify returns: the authoritative
// verdict plus the reason it fired and whether it came from a hard deny
// pattern (in which case no downstream layer, including the optional CEL
// rules, may ever loosen it back to allow).
type ClassifyResult struct {
	Verdict   Verdict
	Reason    string
	RuleID    string
	HardDeny  bool
}

// Evaluator is the deterministic command classifier. It is authoritative:
// the CEL rule layer (internal/adapter/outbound/cel) runs after it and may
// only make a result stricter, never override a HardDeny result.
type Evaluator struct {
	thresholds Thresholds
}

// NewEvaluator constructs an Evaluator. Passing a zero-value Thresholds
// falls back to DefaultThresholds.
func NewEvaluator(t Thresholds) *Evaluator {
	if t == (Thresholds{}) {
		t = DefaultThresholds
	}
	return &Evaluator{thresholds: t}
}

// Classify evaluates command against the fixed deny patterns and the
// integer reputation ledger, per original_source/sentinel_rules/policy_v2.py
// evaluate_command_v2: reputation gate first (can deny/review everything),
// then pattern-based hard denies, then default allow. The float oracle score
// gate (ApplyFloatGate) runs separately, after any CEL layer, and only
// tightens an "allow" that survives this point.
func (e *Evaluator) Classify(command string, ledgerReputation int) ClassifyResult {
	cmd := strings.TrimSpace(command)

	if ledgerReputation <= e.thresholds.RepDenyAt {
		return ClassifyResult{
			Verdict:  VerdictDeny,
			Reason:   "agent reputation too low for any command",
			RuleID:   "builtin:reputation-gate",
			HardDeny: true,
		}
	}
	if ledgerReputation <= e.thresholds.RepReviewAt {
		return ClassifyResult{
			Verdict: VerdictReview,
			Reason:  "agent reputation low, routing to review",
			RuleID:  "builtin:reputation-gate",
		}
	}

	for _, p := range denyPatterns {
		if p.re.MatchString(cmd) {
			return ClassifyResult{
				Verdict:  VerdictDeny,
				Reason:   p.reason,
				RuleID:   "builtin:deny-pattern",
				HardDeny: true,
			}
		}
	}

	return ClassifyResult{
		Verdict: VerdictAllow,
		Reason:  "no policy violations detected",
		RuleID:  "builtin:default-allow",
	}
}

// ApplyFloatGate tightens an "allow" verdict using the agent's float oracle
// score ([0,1], see internal/domain/reputation.Oracle), grounded on
// original_source/sentinel_api.py's REP_AUTO_DENY/REP_AUTO_REVIEW gates. It
// never loosens a deny/review verdict and never overrides a HardDeny result.
func (e *Evaluator) ApplyFloatGate(result ClassifyResult, oracleScore float64) ClassifyResult {
	if result.Verdict != VerdictAllow {
		return result
	}
	if oracleScore < e.thresholds.RepAutoDeny {
		return ClassifyResult{
			Verdict: VerdictDeny,
			Reason:  "agent reputation score below auto-deny threshold",
			RuleID:  "builtin:reputation-score-gate",
		}
	}
	if oracleScore < e.thresholds.RepAutoReview {
		return ClassifyResult{
			Verdict: VerdictReview,
			Reason:  "agent reputation score below auto-review threshold",
			RuleID:  "builtin:reputation-score-gate",
		}
	}
	return result
}

// ToDecision adapts a ClassifyResult into the Decision shape the rest of the
// codebase (audit writer, HTTP handler) already consumes.
func (r ClassifyResult) ToDecision() Decision {
	return Decision{
		Allowed:          r.Verdict == VerdictAllow,
		RuleID:           r.RuleID,
		Reason:           r.Reason,
		RequiresApproval: r.Verdict == VerdictReview,
	}
}
