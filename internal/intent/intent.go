// Package intent classifies user messages as read-only or mutating and tool
// names as mutating or not. The same Policy value is consulted by the
// read-only guard, the maker-checker gate, the tool registry and the audit
// reconstructor.
package intent

import (
	"sort"
	"strings"
	"sync"
)

// DefaultReadOnlyKeywords signal that a request only inspects infrastructure.
var DefaultReadOnlyKeywords = []string{
	"list",
	"listing",
	"summarize",
	"summary",
	"show",
	"inventory",
	"describe",
	"what resources",
	"cost",
	"billing",
	"spend",
}

// DefaultMutatingKeywords signal that a request changes infrastructure.
var DefaultMutatingKeywords = []string{
	"create",
	"provision",
	"deploy",
	"build",
	"launch",
	"spin up",
	"apply",
	"destroy",
	"delete",
	"remove",
	"terminate",
}

// CreatePrefix marks every provisioning tool.
const CreatePrefix = "create_"

var defaultMutatingTools = []string{"terraform_plan", "terraform_apply", "terraform_destroy"}

// Workflow tools that do not mutate on their own but are still recorded in the audit trail.
var defaultAuditOnlyTools = []string{
	"start_ecs_deployment_workflow",
	"update_ecs_deployment_workflow",
	"review_ecs_deployment_workflow",
}

// Policy holds the keyword sets and the mutating-tool set.
type Policy struct {
	mu               sync.RWMutex
	readOnlyKeywords []string
	mutatingKeywords []string
	mutatingTools    map[string]struct{}
	auditOnlyTools   map[string]struct{}
}

// NewPolicy creates a policy. Nil keyword slices select the defaults.
func NewPolicy(readOnly, mutating []string) *Policy {
	if readOnly == nil {
		readOnly = DefaultReadOnlyKeywords
	}
	if mutating == nil {
		mutating = DefaultMutatingKeywords
	}
	p := &Policy{
		readOnlyKeywords: normalizeKeywords(readOnly),
		mutatingKeywords: normalizeKeywords(mutating),
		mutatingTools:    make(map[string]struct{}),
		auditOnlyTools:   make(map[string]struct{}),
	}
	for _, t := range defaultMutatingTools {
		p.mutatingTools[t] = struct{}{}
	}
	for _, t := range defaultAuditOnlyTools {
		p.auditOnlyTools[t] = struct{}{}
	}
	return p
}

// Default returns a policy with the built-in keyword lists.
func Default() *Policy {
	return NewPolicy(nil, nil)
}

// RegisterMutatingTool adds a tool name to the explicit mutating set.
func (p *Policy) RegisterMutatingTool(names ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			p.mutatingTools[n] = struct{}{}
		}
	}
}

// RegisterAuditTool adds a non-mutating tool to the audit allow-list.
func (p *Policy) RegisterAuditTool(names ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			p.auditOnlyTools[n] = struct{}{}
		}
	}
}

// DetectReadOnlyIntent returns true iff the message contains at least one
// read-only keyword and none of the mutating keywords. No signal at all is
// not read-only.
func (p *Policy) DetectReadOnlyIntent(message string) bool {
	lower := strings.ToLower(message)
	if lower == "" {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return containsAny(lower, p.readOnlyKeywords) && !containsAny(lower, p.mutatingKeywords)
}

// IsMutatingTool reports whether a tool can change infrastructure state.
func (p *Policy) IsMutatingTool(name string) bool {
	if name == "" {
		return false
	}
	if strings.HasPrefix(name, CreatePrefix) {
		return true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.mutatingTools[name]
	return ok
}

// IsAuditableTool reports whether executions of the tool belong in the audit trail.
func (p *Policy) IsAuditableTool(name string) bool {
	if p.IsMutatingTool(name) {
		return true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.auditOnlyTools[name]
	return ok
}

// MutatingTools returns the explicit mutating set, sorted.
func (p *Policy) MutatingTools() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.mutatingTools))
	for n := range p.mutatingTools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

var defaultPolicy = Default()

// DetectReadOnlyIntent classifies message with the built-in keyword lists.
func DetectReadOnlyIntent(message string) bool {
	return defaultPolicy.DetectReadOnlyIntent(message)
}

// DetectReadOnlyIntentWith classifies message with caller-supplied keyword lists.
func DetectReadOnlyIntentWith(message string, readOnly, mutating []string) bool {
	lower := strings.ToLower(message)
	return containsAny(lower, normalizeKeywords(readOnly)) && !containsAny(lower, normalizeKeywords(mutating))
}

// IsMutatingTool classifies a tool name with the built-in mutating set.
func IsMutatingTool(name string) bool {
	return defaultPolicy.IsMutatingTool(name)
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func normalizeKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	for _, k := range in {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}
