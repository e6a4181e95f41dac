package cel

import (
	"path/filepath"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/sentinelsca/sca/internal/domain/policy"
)

// NewUniversalPolicyEnvironment creates the CEL environment used by the
// optional policy rule layer. It exposes the command string and its
// evaluation metadata as CEL variables plus two helper functions (glob
// pattern matching and substring search), which is all the ops command
// domain needs — REDESIGNED down from the teacher's MCP/HTTP-gateway
// environment (tool_name/framework/protocol/gateway/dest_*), which modeled a
// much larger cross-protocol tool-call surface this agent doesn't have.
//   - command: the operational command string
//   - agent_id, session_id: identifiers
//   - reputation_score: the agent's current float reputation in [0,1]
//   - request_time: when the command was received
//   - Custom functions: glob(pattern, value), contains(value, substr)
func NewUniversalPolicyEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),

		cel.Variable("command", cel.StringType),
		cel.Variable("agent_id", cel.StringType),
		cel.Variable("session_id", cel.StringType),
		cel.Variable("reputation_score", cel.DoubleType),
		cel.Variable("request_time", cel.TimestampType),

		// glob: shell-style pattern matching against the command string.
		// Usage: glob("rm -rf *", command)
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, value ref.Val) ref.Val {
					p := pattern.Value().(string)
					v := value.Value().(string)
					matched, _ := filepath.Match(p, v)
					return types.Bool(matched)
				}),
			),
		),

		// contains: substring search, exposed for rules that don't want
		// to reach for a glob (e.g. contains(command, "mkfs")).
		cel.Function("contains",
			cel.Overload("contains_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(haystack, needle ref.Val) ref.Val {
					return types.Bool(strings.Contains(haystack.Value().(string), needle.Value().(string)))
				}),
			),
		),
	)
}

// BuildUniversalActivation creates a CEL activation map from an
// EvaluationContext.
func BuildUniversalActivation(evalCtx policy.EvaluationContext) map[string]any {
	return map[string]any{
		"command":          evalCtx.Command,
		"agent_id":         evalCtx.AgentID,
		"session_id":       evalCtx.SessionID,
		"reputation_score": evalCtx.ReputationScore,
		"request_time":     evalCtx.RequestTime,
	}
}
