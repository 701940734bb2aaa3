// Package policy evaluates a rego policy over each requested tool call. The
// built-in policy restates the read-only guard and the maker-checker gate;
// operators can load their own module to add stricter rules.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Decision is the outcome of evaluating a tool call.
type Decision string

const (
	Allow           Decision = "allow"
	RequireApproval Decision = "require_approval"
	Block           Decision = "block"
)

func (d Decision) rank() int {
	switch d {
	case Block:
		return 2
	case RequireApproval:
		return 1
	default:
		return 0
	}
}

// Stricter returns whichever of a and b is more restrictive.
func Stricter(a, b Decision) Decision {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Input is the document exposed to rego as `input`.
type Input struct {
	ToolName           string         `json:"tool_name"`
	Args               map[string]any `json:"args"`
	Mutating           bool           `json:"mutating"`
	ReadOnlyIntent     bool           `json:"read_only_intent"`
	Backend            string         `json:"backend"`
	GatedBackend       bool           `json:"gated_backend"`
	ActiveProfile      string         `json:"active_profile"`
	IsChecker          bool           `json:"is_checker"`
	IsMaker            bool           `json:"is_maker"`
	CheckersConfigured bool           `json:"checkers_configured"`
}

// Engine is a prepared rego query.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine prepares the given rego module. The module must define
// data.tool_policy.decision and may define data.tool_policy.reason.
func NewEngine(ctx context.Context, module string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.tool_policy"),
		rego.Module("tool_policy.rego", module),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("preparing rego policy: %w", err)
	}
	return &Engine{query: query}, nil
}

// NewDefaultEngine prepares DefaultPolicy.
func NewDefaultEngine(ctx context.Context) (*Engine, error) {
	return NewEngine(ctx, DefaultPolicy)
}

// LoadEngine prepares the module at path, or DefaultPolicy when path is empty.
func LoadEngine(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewDefaultEngine(ctx)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	return NewEngine(ctx, string(data))
}

// Evaluate returns the decision and optional reason for one tool call.
// An undefined decision is treated as allow.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, string, error) {
	if in.Args == nil {
		in.Args = map[string]any{}
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return "", "", fmt.Errorf("evaluating policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Allow, "", nil
	}

	doc, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Allow, "", nil
	}

	reason, _ := doc["reason"].(string)
	switch d, _ := doc["decision"].(string); Decision(d) {
	case Block:
		return Block, reason, nil
	case RequireApproval:
		return RequireApproval, reason, nil
	case Allow, "":
		return Allow, reason, nil
	default:
		return "", "", fmt.Errorf("policy returned unknown decision %q", d)
	}
}

// DefaultPolicy blocks mutating tools under read-only intent, requires
// approval for mutating tools on gated backends when the acting profile is
// a maker, and blocks them for profiles that are neither maker nor checker.
const DefaultPolicy = `
package tool_policy

import future.keywords.if

default decision := "allow"

decision := "block" if {
	input.read_only_intent
	input.mutating
}

decision := "block" if {
	input.mutating
	input.gated_backend
	input.checkers_configured
	not input.is_checker
	not input.is_maker
}

decision := "require_approval" if {
	not input.read_only_intent
	input.mutating
	input.gated_backend
	input.checkers_configured
	not input.is_checker
	input.is_maker
}

reason := sprintf("mutating tool '%s' is not allowed for a read-only request", [input.tool_name]) if {
	decision == "block"
	input.read_only_intent
}

reason := sprintf("profile '%s' is neither a maker nor a checker", [input.active_profile]) if {
	decision == "block"
	not input.read_only_intent
}

reason := sprintf("tool '%s' requires checker approval for profile '%s'", [input.tool_name, input.active_profile]) if {
	decision == "require_approval"
}
`
